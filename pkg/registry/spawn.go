package registry

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/harun/tether/internal/tracing"
	"github.com/harun/tether/pkg/runtime"
	"go.opentelemetry.io/otel/attribute"
)

const selfAgent = "self"

// registerSpawn exposes session.spawn so the runtime can delegate work to
// child sessions through the registry.
func (r *Registry) registerSpawn(h *SessionHandle) error {
	coord := h.session.Coordinator()
	if coord == nil {
		return &CapabilityMissingError{SessionID: h.id, Capability: runtime.CapabilitySpawn}
	}
	coord.Capabilities().Register(runtime.CapabilitySpawn, runtime.SpawnFunc(func(ctx context.Context, req runtime.SpawnRequest) (runtime.SpawnResult, error) {
		return r.spawn(ctx, h, req)
	}))
	return nil
}

// spawn resolves the agent ("self", then the caller's agent configs, then
// the bundle's agents) and runs a child session under the parent's trace.
func (r *Registry) spawn(ctx context.Context, h *SessionHandle, req runtime.SpawnRequest) (runtime.SpawnResult, error) {
	if req.Agent == "" {
		req.Agent = selfAgent
	}
	if !agentKnown(h, req) {
		return runtime.SpawnResult{}, fmt.Errorf("agent %q not found in bundle or agent configs", req.Agent)
	}
	if req.SubSessionID == "" {
		req.SubSessionID = uuid.NewString()
	}
	req.Parent = h.session
	if req.ParentMessages == nil {
		if msgs, err := r.transcripts.Load(ctx, h.project, h.id); err == nil {
			req.ParentMessages = msgs
		}
	}

	ctx = tracing.PropagateToSubSession(tracing.WithSessionID(ctx, h.id), req.SubSessionID)
	ctx, span := tracing.StartSpan(ctx, tracerName, "registry.spawn",
		attribute.String("agent", req.Agent),
		attribute.String("parent_session_id", h.id))
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, r.logger)
	logger.Info().Str("agent", req.Agent).Msg("Spawning sub-session")

	res, err := h.prepared.Spawn(ctx, req)
	if err != nil {
		span.RecordError(err)
		logger.Warn().Err(err).Str("agent", req.Agent).Msg("Sub-session failed")
		return runtime.SpawnResult{}, err
	}
	if res.SessionID == "" {
		res.SessionID = req.SubSessionID
	}
	return res, nil
}

func agentKnown(h *SessionHandle, req runtime.SpawnRequest) bool {
	if req.Agent == selfAgent {
		return true
	}
	if _, ok := req.AgentConfigs[req.Agent]; ok {
		return true
	}
	_, ok := h.prepared.Agents()[req.Agent]
	return ok
}
