package surface

import (
	"context"
	"sync"
	"time"

	"github.com/harun/tether/internal/tracing"
	"github.com/harun/tether/pkg/runtime"
	"github.com/rs/zerolog"
)

// Display levels accepted by ShowMessage.
const (
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

// QueueDisplay turns status messages into display_message events on a sink.
type QueueDisplay struct {
	sink Sink

	mu    sync.Mutex
	depth int
}

func NewQueueDisplay(sink Sink) *QueueDisplay {
	return &QueueDisplay{sink: sink}
}

func (d *QueueDisplay) ShowMessage(ctx context.Context, message, level, source string) {
	if level == "" {
		level = LevelInfo
	}
	if source == "" {
		source = "hook"
	}
	d.sink.Push(runtime.Event{
		Name:      runtime.EventDisplayMessage,
		SessionID: tracing.GetSessionID(ctx),
		Time:      time.Now(),
		Data: map[string]interface{}{
			"message": message,
			"level":   level,
			"source":  source,
			"nesting": d.Depth(),
		},
	})
}

func (d *QueueDisplay) PushNesting() {
	d.mu.Lock()
	d.depth++
	d.mu.Unlock()
}

// PopNesting decrements the depth, never below zero.
func (d *QueueDisplay) PopNesting() {
	d.mu.Lock()
	if d.depth > 0 {
		d.depth--
	}
	d.mu.Unlock()
}

func (d *QueueDisplay) Depth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.depth
}

// LogDisplay writes status messages to the log, for headless sessions.
type LogDisplay struct {
	logger zerolog.Logger
}

func NewLogDisplay(logger zerolog.Logger) *LogDisplay {
	return &LogDisplay{logger: logger.With().Str("component", "display").Logger()}
}

func (d *LogDisplay) ShowMessage(ctx context.Context, message, level, source string) {
	var evt *zerolog.Event
	switch level {
	case LevelError:
		evt = d.logger.Error()
	case LevelWarning:
		evt = d.logger.Warn()
	default:
		evt = d.logger.Info()
	}
	if id := tracing.GetSessionID(ctx); id != "" {
		evt = evt.Str("session_id", id)
	}
	evt.Str("source", source).Msg(message)
}

func (d *LogDisplay) PushNesting() {}
func (d *LogDisplay) PopNesting()  {}
