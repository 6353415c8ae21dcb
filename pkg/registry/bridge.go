package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/harun/tether/internal/tracing"
	"github.com/harun/tether/pkg/runtime"
	"github.com/harun/tether/pkg/surface"
	"github.com/harun/tether/pkg/transcript"
)

// attach makes s the session's surface. Hooks are registered only the
// first time an id is wired; later attaches swap the surface (and so the
// sink and reload callback the hooks read) and re-register the approval
// and display capabilities.
func (r *Registry) attach(h *SessionHandle, s *surface.Surface) error {
	if s == nil {
		s = surface.Headless(r.logger)
	}
	coord := h.session.Coordinator()
	if coord == nil {
		return &CapabilityMissingError{SessionID: h.id, Capability: "coordinator"}
	}

	r.mu.Lock()
	first := !r.wired[h.id]
	r.wired[h.id] = true
	r.approvals[h.id] = s
	r.mu.Unlock()

	h.setSurface(s)
	caps := coord.Capabilities()
	caps.Register(runtime.CapabilityApproval, s.Approver())
	caps.Register(runtime.CapabilityDisplay, s.Display())

	if first {
		h.addUnsubs(r.wireHooks(h, coord.Hooks())...)
		r.logger.Debug().Str("session_id", h.id).Str("surface", s.Name()).Msg("Session hooks wired")
	} else {
		r.logger.Debug().Str("session_id", h.id).Str("surface", s.Name()).Msg("Surface swapped")
	}
	return nil
}

// wireHooks subscribes the event bridge, the turn normalizer and the
// persistence hooks.
func (r *Registry) wireHooks(h *SessionHandle, hooks runtime.HookRegistry) []func() {
	events := runtime.BridgeEvents()
	unsubs := make([]func(), 0, len(events)+5)
	for _, name := range events {
		unsubs = append(unsubs, hooks.Subscribe(name, r.forward(h)))
	}
	unsubs = append(unsubs,
		hooks.Subscribe(runtime.EventOrchestratorDone, r.completeTurn(h)),
		hooks.Subscribe(runtime.EventToolPre, r.persistToolCall(h)),
		hooks.Subscribe(runtime.EventToolPost, r.persistToolResult(h)),
		hooks.Subscribe(runtime.EventOrchestratorDone, r.persistResponse(h)),
		hooks.Subscribe(runtime.EventOrchestratorDone, r.writeMetadata(h)),
	)
	return unsubs
}

// push delivers evt to the current sink, if any. It never blocks.
func (r *Registry) push(h *SessionHandle, evt runtime.Event) {
	s := h.Surface()
	if s == nil || !s.HasSink() {
		return
	}
	if evt.SessionID == "" {
		evt.SessionID = h.id
	}
	if evt.Time.IsZero() {
		evt.Time = time.Now().UTC()
	}
	s.Sink().Push(evt)
}

func (r *Registry) forward(h *SessionHandle) runtime.HookHandler {
	return func(ctx context.Context, evt runtime.Event) error {
		r.push(h, evt)
		return nil
	}
}

// completeTurn re-emits orchestrator:complete as turn:complete so every
// front-end sees one shape regardless of runtime.
func (r *Registry) completeTurn(h *SessionHandle) runtime.HookHandler {
	return func(ctx context.Context, evt runtime.Event) error {
		data := map[string]interface{}{
			"session_id": h.id,
			"turn":       h.Turns(),
		}
		if resp, ok := evt.Data["response"]; ok {
			data["response"] = resp
		}
		r.push(h, runtime.Event{Name: runtime.EventTurnComplete, SessionID: h.id, Data: data})
		return nil
	}
}

func (r *Registry) persistToolCall(h *SessionHandle) runtime.HookHandler {
	return func(ctx context.Context, evt runtime.Event) error {
		callID := stringField(evt.Data, "tool_call_id")
		if callID == "" {
			return nil
		}
		args, err := json.Marshal(evt.Data["input"])
		if err != nil {
			args = nil
		}
		msg := transcript.Message{
			Role: transcript.RoleAssistant,
			ToolCalls: []transcript.ToolCall{{
				ID:        callID,
				Name:      stringField(evt.Data, "tool_name"),
				Arguments: args,
			}},
			Timestamp: time.Now().UTC(),
		}
		return r.appendTranscript(ctx, h, msg)
	}
}

func (r *Registry) persistToolResult(h *SessionHandle) runtime.HookHandler {
	return func(ctx context.Context, evt runtime.Event) error {
		callID := stringField(evt.Data, "tool_call_id")
		if callID == "" {
			return nil
		}
		content := ""
		if v, ok := evt.Data["result"]; ok {
			if s, ok := v.(string); ok {
				content = s
			} else if raw, err := json.Marshal(v); err == nil {
				content = string(raw)
			}
		}
		msg := transcript.Message{
			Role:       transcript.RoleTool,
			ToolCallID: callID,
			Name:       stringField(evt.Data, "tool_name"),
			Content:    content,
			Timestamp:  time.Now().UTC(),
		}
		return r.appendTranscript(ctx, h, msg)
	}
}

func (r *Registry) persistResponse(h *SessionHandle) runtime.HookHandler {
	return func(ctx context.Context, evt runtime.Event) error {
		resp := stringField(evt.Data, "response")
		if resp == "" {
			return nil
		}
		msg := transcript.Message{Role: transcript.RoleAssistant, Content: resp, Timestamp: time.Now().UTC()}
		return r.appendTranscript(ctx, h, msg)
	}
}

func (r *Registry) writeMetadata(h *SessionHandle) runtime.HookHandler {
	return func(ctx context.Context, evt runtime.Event) error {
		err := r.transcripts.WriteMetadata(h.project, h.id, map[string]interface{}{
			"turn_count":     h.Turns(),
			"last_updated":   time.Now().UTC().Format(time.RFC3339),
			"bundle_version": h.bundleVersion,
			"working_dir":    h.workingDir,
		})
		if err != nil {
			logger := tracing.LoggerFromContext(tracing.WithSessionID(ctx, h.id), r.logger)
			logger.Warn().Err(err).Msg("Failed to write session metadata")
		}
		return err
	}
}

func (r *Registry) appendTranscript(ctx context.Context, h *SessionHandle, msg transcript.Message) error {
	if err := r.transcripts.AppendProject(ctx, h.project, h.id, msg); err != nil {
		logger := tracing.LoggerFromContext(tracing.WithSessionID(ctx, h.id), r.logger)
		logger.Warn().Err(err).Str("role", msg.Role).Msg("Failed to persist transcript message")
		return fmt.Errorf("persist transcript: %w", err)
	}
	return nil
}

func stringField(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}
