// Package surface describes how a front-end attaches to a session: where
// events go, who answers approvals, where status messages are shown and
// what to do when the bundle is reloaded.
package surface

import (
	"context"
	"time"

	"github.com/harun/tether/pkg/runtime"
	"github.com/rs/zerolog"
)

// ReloadFunc is told that the shared bundle changed.
type ReloadFunc func(ctx context.Context, version string) error

// Resolver is implemented by approvers that accept out-of-band answers.
type Resolver interface {
	Resolve(requestID, choice string) bool
}

// Options are the four optional capabilities of a Surface.
type Options struct {
	Name     string
	Sink     Sink
	Approver runtime.Approver
	Display  runtime.Displayer
	OnReload ReloadFunc
}

// Surface is immutable once built. Every capability may be nil.
type Surface struct {
	name     string
	sink     Sink
	approver runtime.Approver
	display  runtime.Displayer
	onReload ReloadFunc
}

func New(opts Options) *Surface {
	if opts.Name == "" {
		opts.Name = "custom"
	}
	return &Surface{
		name:     opts.Name,
		sink:     opts.Sink,
		approver: opts.Approver,
		display:  opts.Display,
		onReload: opts.OnReload,
	}
}

func (s *Surface) Name() string               { return s.name }
func (s *Surface) Sink() Sink                 { return s.sink }
func (s *Surface) Approver() runtime.Approver { return s.approver }
func (s *Surface) Display() runtime.Displayer { return s.display }
func (s *Surface) ReloadCallback() ReloadFunc { return s.onReload }
func (s *Surface) HasSink() bool              { return s.sink != nil }

// Resolve forwards an approval answer when the approver supports it.
func (s *Surface) Resolve(requestID, choice string) bool {
	r, ok := s.approver.(Resolver)
	if !ok {
		return false
	}
	return r.Resolve(requestID, choice)
}

// Headless is the preset for surfaces with no live user: approvals are
// answered automatically and status messages go to the log.
func Headless(logger zerolog.Logger) *Surface {
	return New(Options{
		Name:     "headless",
		Approver: NewApprovalSystem(ApprovalOptions{Mode: ApprovalAuto, Logger: logger}),
		Display:  NewLogDisplay(logger),
	})
}

// Interactive is the preset for a connected client: events, approval
// prompts and status messages all flow to sink.
func Interactive(sink Sink, approvalTimeout time.Duration, onReload ReloadFunc, logger zerolog.Logger) *Surface {
	return New(Options{
		Name: "interactive",
		Sink: sink,
		Approver: NewApprovalSystem(ApprovalOptions{
			Mode:    ApprovalInteractive,
			Notify:  sink,
			Timeout: approvalTimeout,
			Logger:  logger,
		}),
		Display:  NewQueueDisplay(sink),
		OnReload: onReload,
	})
}
