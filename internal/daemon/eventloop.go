package daemon

import (
	"context"
	"time"
)

// EventLoop handles periodic maintenance while the daemon runs
type EventLoop struct {
	daemon   *Daemon
	interval time.Duration
}

// NewEventLoop creates a new event loop
func NewEventLoop(d *Daemon) *EventLoop {
	return &EventLoop{
		daemon:   d,
		interval: 30 * time.Second,
	}
}

// Run ticks until ctx is cancelled.
func (e *EventLoop) Run(ctx context.Context) {
	e.daemon.logger.Debug().Msg("Event loop started")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.daemon.logger.Debug().Msg("Event loop stopping")
			return
		case <-ticker.C:
			e.processTasks(ctx)
		}
	}
}

// processTasks logs backed-up session queues and bridges that are not
// connected.
func (e *EventLoop) processTasks(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}
	backlogged := 0
	for _, info := range e.daemon.registry.List() {
		if info.QueueDepth == 0 {
			continue
		}
		backlogged++
		e.daemon.logger.Debug().
			Str("session_id", info.SessionID).
			Int("queued", info.QueueDepth).
			Bool("busy", info.Busy).
			Msg("Queue stats")
	}

	for name, state := range e.daemon.bridges.States() {
		if state != "connected" {
			e.daemon.logger.Warn().Str("bridge", name).Str("state", state).Msg("Bridge not connected")
		}
	}
	return backlogged
}
