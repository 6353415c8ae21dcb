package transcript

import "context"

// InterruptedToolResult is the content given to tool results synthesized
// for calls an interrupted run never answered.
const InterruptedToolResult = "Tool execution was interrupted before a result was recorded."

// ReconcileToolCalls returns msgs with a synthetic tool result inserted
// for every assistant tool call that has no matching result, and the number
// of calls it closed. Synthetic results are placed after any real results
// that directly follow the call.
func ReconcileToolCalls(msgs []Message) ([]Message, int) {
	answered := make(map[string]bool)
	for _, m := range msgs {
		if m.Role == RoleTool && m.ToolCallID != "" {
			answered[m.ToolCallID] = true
		}
	}

	out := make([]Message, 0, len(msgs))
	closed := 0
	var pending []Message
	flush := func() {
		out = append(out, pending...)
		closed += len(pending)
		pending = nil
	}

	for _, m := range msgs {
		if m.Role != RoleTool && len(pending) > 0 {
			flush()
		}
		out = append(out, m)
		if m.Role != RoleAssistant {
			continue
		}
		for _, call := range m.ToolCalls {
			if call.ID == "" || answered[call.ID] {
				continue
			}
			answered[call.ID] = true
			pending = append(pending, Message{
				Role:       RoleTool,
				ToolCallID: call.ID,
				Name:       call.Name,
				Content:    InterruptedToolResult,
				Metadata:   map[string]interface{}{"synthetic": true},
			})
		}
	}
	flush()
	return out, closed
}

// Repair drops unparsable lines from a transcript file and closes dangling
// tool calls, rewriting the file atomically. It returns the repaired
// messages.
func (s *Store) Repair(ctx context.Context, project, sessionID string) ([]Message, error) {
	msgs, err := s.Load(ctx, project, sessionID)
	if err != nil {
		return nil, err
	}
	repaired, _ := ReconcileToolCalls(msgs)
	if err := s.Rewrite(ctx, project, sessionID, repaired); err != nil {
		return nil, err
	}
	return repaired, nil
}
