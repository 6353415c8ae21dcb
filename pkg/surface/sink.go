package surface

import (
	"sync"
	"sync/atomic"

	"github.com/harun/tether/internal/observability"
	"github.com/harun/tether/pkg/runtime"
	"github.com/rs/zerolog"
)

// Sink receives bridged runtime events. Push must never block; it reports
// whether the event was accepted.
type Sink interface {
	Push(evt runtime.Event) bool
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(evt runtime.Event) bool

func (f SinkFunc) Push(evt runtime.Event) bool { return f(evt) }

// DefaultSinkSize bounds a connection's event backlog.
const DefaultSinkSize = 10000

// ChannelSink is a bounded queue between the runtime and one front-end
// connection. When full, new events are dropped with a warning so a slow
// consumer never stalls the runtime.
type ChannelSink struct {
	name   string
	ch     chan runtime.Event
	logger zerolog.Logger

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

func NewChannelSink(name string, size int, logger zerolog.Logger) *ChannelSink {
	if size <= 0 {
		size = DefaultSinkSize
	}
	return &ChannelSink{
		name:   name,
		ch:     make(chan runtime.Event, size),
		logger: logger.With().Str("component", "sink").Str("sink", name).Logger(),
	}
}

func (s *ChannelSink) Push(evt runtime.Event) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- evt:
		observability.RecordEventForwarded(evt.Name)
		return true
	default:
		n := s.dropped.Add(1)
		observability.RecordEventDropped(evt.Name)
		s.logger.Warn().
			Str("event", evt.Name).
			Str("session_id", evt.SessionID).
			Int64("dropped_total", n).
			Msg("Event queue full, dropping event")
		return false
	}
}

// Events is drained by the front-end; it is closed by Close.
func (s *ChannelSink) Events() <-chan runtime.Event { return s.ch }

func (s *ChannelSink) Len() int       { return len(s.ch) }
func (s *ChannelSink) Dropped() int64 { return s.dropped.Load() }

// Close stops accepting events and closes the channel. Safe to call twice.
func (s *ChannelSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
