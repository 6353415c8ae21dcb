package transcript

import (
	"encoding/json"
	"time"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
	RoleSystem    = "system"
)

// ToolCall is a tool invocation requested by an assistant message.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Message is one transcript line.
type Message struct {
	Role       string                 `json:"role"`
	Content    string                 `json:"content"`
	ToolCalls  []ToolCall             `json:"tool_calls,omitempty"`
	ToolCallID string                 `json:"tool_call_id,omitempty"`
	Name       string                 `json:"name,omitempty"`
	Timestamp  time.Time              `json:"timestamp,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

func (m Message) valid() bool {
	if m.Role == "" {
		return false
	}
	switch m.Role {
	case RoleAssistant:
		return m.Content != "" || len(m.ToolCalls) > 0
	case RoleTool:
		return m.ToolCallID != ""
	default:
		return m.Content != ""
	}
}

// CountTurns returns the number of user messages.
func CountTurns(msgs []Message) int {
	n := 0
	for _, m := range msgs {
		if m.Role == RoleUser {
			n++
		}
	}
	return n
}
