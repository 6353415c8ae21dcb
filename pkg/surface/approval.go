package surface

import (
	"context"
	"sync"
	"time"

	"github.com/harun/tether/internal/observability"
	"github.com/harun/tether/internal/tracing"
	"github.com/harun/tether/pkg/runtime"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// ApprovalMode selects how an ApprovalSystem answers requests.
type ApprovalMode string

const (
	// ApprovalAuto answers immediately with the first option.
	ApprovalAuto ApprovalMode = "auto"
	// ApprovalInteractive pushes an approval_request event and waits for
	// Resolve.
	ApprovalInteractive ApprovalMode = "interactive"
)

const (
	DefaultApprovalTimeout = 5 * time.Minute
	DefaultDecision        = "deny"
	autoFallbackDecision   = "allow"
)

// ApprovalOptions configure an ApprovalSystem.
type ApprovalOptions struct {
	Mode ApprovalMode
	// Notify delivers approval_request events in interactive mode.
	Notify  Sink
	Timeout time.Duration
	Logger  zerolog.Logger
}

// ApprovalSystem implements runtime.Approver. In interactive mode each
// request blocks until Resolve, its timeout, or ctx cancellation.
type ApprovalSystem struct {
	mode    ApprovalMode
	notify  Sink
	timeout time.Duration
	logger  zerolog.Logger

	mu      sync.Mutex
	pending map[string]chan string
}

func NewApprovalSystem(opts ApprovalOptions) *ApprovalSystem {
	if opts.Mode == "" {
		opts.Mode = ApprovalAuto
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultApprovalTimeout
	}
	return &ApprovalSystem{
		mode:    opts.Mode,
		notify:  opts.Notify,
		timeout: opts.Timeout,
		logger:  opts.Logger.With().Str("component", "approval").Logger(),
		pending: make(map[string]chan string),
	}
}

func (a *ApprovalSystem) Mode() ApprovalMode { return a.mode }

// RequestApproval answers req. Timeouts and cancellation resolve to the
// request's default decision ("deny" when unset); cancellation also
// returns ctx.Err().
func (a *ApprovalSystem) RequestApproval(ctx context.Context, req runtime.ApprovalRequest) (string, error) {
	if a.mode == ApprovalAuto {
		observability.RecordApproval(string(a.mode), "auto")
		if len(req.Options) > 0 {
			return req.Options[0], nil
		}
		return autoFallbackDecision, nil
	}

	def := req.Default
	if def == "" {
		def = DefaultDecision
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = a.timeout
	}

	id, err := gonanoid.New()
	if err != nil {
		return def, err
	}
	ch := make(chan string, 1)
	a.mu.Lock()
	a.pending[id] = ch
	a.mu.Unlock()
	defer a.forget(id)

	sessionID := tracing.GetSessionID(ctx)
	if a.notify != nil {
		a.notify.Push(runtime.Event{
			Name:      runtime.EventApprovalRequest,
			SessionID: sessionID,
			Time:      time.Now(),
			Data: map[string]interface{}{
				"request_id": id,
				"prompt":     req.Prompt,
				"options":    req.Options,
				"timeout":    timeout.Seconds(),
				"default":    def,
				"tool":       req.Tool,
			},
		})
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case choice := <-ch:
		observability.RecordApproval(string(a.mode), "resolved")
		observability.RecordApprovalAudit(ctx, sessionID, id, choice, "resolved")
		return choice, nil
	case <-timer.C:
		a.logger.Warn().Str("request_id", id).Dur("timeout", timeout).Msg("Approval timed out, using default")
		observability.RecordApproval(string(a.mode), "timeout")
		observability.RecordApprovalAudit(ctx, sessionID, id, def, "timeout")
		return def, nil
	case <-ctx.Done():
		observability.RecordApproval(string(a.mode), "cancelled")
		return def, ctx.Err()
	}
}

// Resolve delivers choice to a waiting request. It returns false when the
// id is unknown or was already resolved.
func (a *ApprovalSystem) Resolve(requestID, choice string) bool {
	a.mu.Lock()
	ch, ok := a.pending[requestID]
	if ok {
		delete(a.pending, requestID)
	}
	a.mu.Unlock()
	if !ok {
		return false
	}
	ch <- choice
	return true
}

// Pending returns the number of unresolved requests.
func (a *ApprovalSystem) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

func (a *ApprovalSystem) forget(id string) {
	a.mu.Lock()
	delete(a.pending, id)
	a.mu.Unlock()
}
