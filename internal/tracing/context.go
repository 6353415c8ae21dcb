package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// SessionIDKey is the context key for the orchestrated session id
	SessionIDKey ContextKey = "session_id"
	// ParentSessionIDKey is set on contexts of spawned sub-sessions
	ParentSessionIDKey ContextKey = "parent_session_id"
	// SurfaceKey names the front-end that originated the call (gateway, telegram, ...)
	SurfaceKey ContextKey = "surface"
	// RequestIDKey is the context key for request ID
	RequestIDKey ContextKey = "request_id"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID         string
	SessionID       string
	ParentSessionID string
	Surface         string
	RequestID       string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// NewRequestID generates a new request ID
func NewRequestID() string {
	return uuid.New().String()
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, SessionIDKey, sessionID)
}

func WithParentSessionID(ctx context.Context, parentID string) context.Context {
	return context.WithValue(ctx, ParentSessionIDKey, parentID)
}

func WithSurface(ctx context.Context, surface string) context.Context {
	return context.WithValue(ctx, SurfaceKey, surface)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

func stringValue(ctx context.Context, key ContextKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string { return stringValue(ctx, TraceIDKey) }

// GetSessionID retrieves the session ID from the context
func GetSessionID(ctx context.Context) string { return stringValue(ctx, SessionIDKey) }

// GetParentSessionID retrieves the parent session ID from the context
func GetParentSessionID(ctx context.Context) string { return stringValue(ctx, ParentSessionIDKey) }

// GetSurface retrieves the originating surface name from the context
func GetSurface(ctx context.Context) string { return stringValue(ctx, SurfaceKey) }

// GetRequestID retrieves the request ID from the context
func GetRequestID(ctx context.Context) string { return stringValue(ctx, RequestIDKey) }

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:         GetTraceID(ctx),
		SessionID:       GetSessionID(ctx),
		ParentSessionID: GetParentSessionID(ctx),
		Surface:         GetSurface(ctx),
		RequestID:       GetRequestID(ctx),
	}
}

// NewContext creates a new context with tracing information
func NewContext(ctx context.Context, tc *TraceContext) context.Context {
	if tc == nil {
		return ctx
	}
	if tc.TraceID != "" {
		ctx = WithTraceID(ctx, tc.TraceID)
	}
	if tc.SessionID != "" {
		ctx = WithSessionID(ctx, tc.SessionID)
	}
	if tc.ParentSessionID != "" {
		ctx = WithParentSessionID(ctx, tc.ParentSessionID)
	}
	if tc.Surface != "" {
		ctx = WithSurface(ctx, tc.Surface)
	}
	if tc.RequestID != "" {
		ctx = WithRequestID(ctx, tc.RequestID)
	}
	return ctx
}

// NewRequestContext creates a new context for an inbound front-end request.
func NewRequestContext(ctx context.Context, surface string) context.Context {
	ctx = WithTraceID(ctx, NewTraceID())
	ctx = WithRequestID(ctx, NewRequestID())
	if surface != "" {
		ctx = WithSurface(ctx, surface)
	}
	return ctx
}
