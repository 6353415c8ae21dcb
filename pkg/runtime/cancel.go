package runtime

import (
	"context"
	"fmt"
	"strings"
)

// CancelLevel is how aggressively a turn should stop.
type CancelLevel string

const (
	// CancelGraceful lets the current tool call finish.
	CancelGraceful CancelLevel = "graceful"
	// CancelImmediate aborts in-flight work.
	CancelImmediate CancelLevel = "immediate"
)

// ParseCancelLevel maps user input to a level, defaulting to graceful.
func ParseCancelLevel(s string) (CancelLevel, error) {
	switch CancelLevel(strings.ToLower(strings.TrimSpace(s))) {
	case "", CancelGraceful:
		return CancelGraceful, nil
	case CancelImmediate:
		return CancelImmediate, nil
	}
	return "", fmt.Errorf("unknown cancel level %q", s)
}

// Rank orders levels so escalation can be detected.
func (l CancelLevel) Rank() int {
	switch l {
	case CancelImmediate:
		return 2
	case CancelGraceful:
		return 1
	}
	return 0
}

// Canceller is implemented by coordinators whose cancel entry point
// completes before returning.
type Canceller interface {
	RequestCancel(ctx context.Context, level CancelLevel) error
}

// AsyncCanceller is implemented by coordinators whose cancel entry point
// only starts the cancellation. The returned channel yields exactly one
// value (nil or an error) when it has finished.
type AsyncCanceller interface {
	RequestCancelAsync(ctx context.Context, level CancelLevel) <-chan error
}

// CancelOutcome reports what RequestCancel did.
type CancelOutcome int

const (
	// CancelUnsupported means the coordinator has no cancel entry point.
	CancelUnsupported CancelOutcome = iota
	// CancelCalled means a synchronous entry point was called.
	CancelCalled
	// CancelAwaited means an asynchronous entry point was awaited to completion.
	CancelAwaited
)

// RequestCancel is the single place that decides how to invoke a
// coordinator's cancel entry point. Asynchronous cancellation is always
// awaited; ctx bounds the wait.
func RequestCancel(ctx context.Context, c Coordinator, level CancelLevel) (CancelOutcome, error) {
	if c == nil {
		return CancelUnsupported, nil
	}
	if ac, ok := c.(AsyncCanceller); ok {
		done := ac.RequestCancelAsync(ctx, level)
		if done == nil {
			return CancelAwaited, nil
		}
		select {
		case err := <-done:
			return CancelAwaited, err
		case <-ctx.Done():
			return CancelAwaited, fmt.Errorf("awaiting cancellation: %w", ctx.Err())
		}
	}
	if sc, ok := c.(Canceller); ok {
		return CancelCalled, sc.RequestCancel(ctx, level)
	}
	return CancelUnsupported, nil
}
