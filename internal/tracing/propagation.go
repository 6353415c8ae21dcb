package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// PropagateToSubSession derives the context a spawned sub-session runs under.
// The trace ID is kept, the parent becomes ParentSessionID and the child id
// replaces SessionID.
func PropagateToSubSession(ctx context.Context, childSessionID string) context.Context {
	traceID := GetTraceID(ctx)
	if traceID == "" {
		traceID = NewTraceID()
	}

	newCtx := WithTraceID(ctx, traceID)
	if parent := GetSessionID(ctx); parent != "" {
		newCtx = WithParentSessionID(newCtx, parent)
	}
	return WithSessionID(newCtx, childSessionID)
}

// LoggerFromContext adds tracing context fields to a zerolog logger
func LoggerFromContext(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)
	lc := logger.With()

	if tc.TraceID != "" {
		lc = lc.Str("trace_id", tc.TraceID)
	}
	if tc.SessionID != "" {
		lc = lc.Str("session_id", tc.SessionID)
	}
	if tc.ParentSessionID != "" {
		lc = lc.Str("parent_session_id", tc.ParentSessionID)
	}
	if tc.Surface != "" {
		lc = lc.Str("surface", tc.Surface)
	}
	if tc.RequestID != "" {
		lc = lc.Str("request_id", tc.RequestID)
	}

	return lc.Logger()
}

// Detach returns a background context carrying the same tracing values.
// Used when work outlives the request that started it (session workers).
func Detach(ctx context.Context) context.Context {
	return NewContext(context.Background(), FromContext(ctx))
}
