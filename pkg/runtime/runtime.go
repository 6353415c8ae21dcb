// Package runtime declares the contracts tether expects from the agent
// runtime it orchestrates. The registry never depends on a concrete engine;
// loopback provides a minimal one and runtimetest a scriptable fake.
package runtime

import (
	"context"
	"time"

	"github.com/harun/tether/pkg/transcript"
)

// Loader resolves a bundle name, URI or path to a configuration.
type Loader interface {
	Load(ctx context.Context, nameOrPath string) (Configuration, error)
}

// Configuration is a loaded but not yet prepared bundle.
type Configuration interface {
	Name() string
	Prepare(ctx context.Context) (Prepared, error)
}

// SessionConfig parameterizes session creation and rehydration.
type SessionConfig struct {
	SessionID       string
	WorkingDir      string
	ParentSessionID string
	Description     string
}

// AgentConfig is the per-agent override block a bundle declares.
type AgentConfig map[string]interface{}

// SpawnRequest asks a prepared runtime to run a child session.
type SpawnRequest struct {
	Agent          string
	Instruction    string
	Parent         Session
	SubSessionID   string
	AgentConfigs   map[string]AgentConfig
	ParentMessages []transcript.Message
	Depth          int
	Extra          map[string]interface{}
}

// SpawnResult is what a finished child session reports back.
type SpawnResult struct {
	Response  string `json:"response"`
	SessionID string `json:"session_id"`
}

// Prepared is a bundle ready to create sessions. It is safe for concurrent use.
type Prepared interface {
	CreateSession(ctx context.Context, cfg SessionConfig) (Session, error)
	// Resume creates a session whose conversation state is history.
	Resume(ctx context.Context, cfg SessionConfig, history []transcript.Message) (Session, error)
	Spawn(ctx context.Context, req SpawnRequest) (SpawnResult, error)
	Agents() map[string]AgentConfig
}

// Session is one live runtime conversation.
type Session interface {
	ID() string
	Execute(ctx context.Context, prompt string) (string, error)
	// Coordinator may return nil once the session has been torn down.
	Coordinator() Coordinator
	Close(ctx context.Context) error
}

// Coordinator exposes a session's hook and capability registries.
// Cancellation is optional: see Canceller and AsyncCanceller.
type Coordinator interface {
	Hooks() HookRegistry
	Capabilities() CapabilityRegistry
}

// Event is a runtime hook notification.
type Event struct {
	Name      string                 `json:"type"`
	SessionID string                 `json:"session_id,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Time      time.Time              `json:"ts"`
}

// HookHandler observes runtime events. Returned errors are logged by the
// runtime and never abort the turn.
type HookHandler func(ctx context.Context, evt Event) error

// HookRegistry subscribes handlers by event name.
type HookRegistry interface {
	Subscribe(event string, handler HookHandler) (unsubscribe func())
}

// CapabilityRegistry holds named session capabilities. Register replaces
// any previous value under the same name.
type CapabilityRegistry interface {
	Register(name string, capability interface{})
	Get(name string) (interface{}, bool)
}

// Well-known capability names.
const (
	CapabilitySpawn    = "session.spawn"
	CapabilityApproval = "session.approval"
	CapabilityDisplay  = "session.display"
)

// SpawnFunc is the value registered under CapabilitySpawn.
type SpawnFunc func(ctx context.Context, req SpawnRequest) (SpawnResult, error)

// ApprovalRequest is what the runtime asks an approval capability.
type ApprovalRequest struct {
	Prompt  string
	Options []string
	Timeout time.Duration
	Default string
	Tool    string
}

// Approver decides approval requests for a session.
type Approver interface {
	RequestApproval(ctx context.Context, req ApprovalRequest) (string, error)
}

// Displayer receives user-facing status messages from the runtime.
type Displayer interface {
	ShowMessage(ctx context.Context, message, level, source string)
	PushNesting()
	PopNesting()
}
