package sessionqueue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/tether/internal/observability"
	"github.com/harun/tether/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Op is one serialized operation.
type Op func(ctx context.Context) (interface{}, error)

// State is the lifecycle state of a Queue.
type State int

const (
	// StateCreated: no worker running (never started or halted).
	StateCreated State = iota
	// StateActive: a worker is draining the queue.
	StateActive
	// StateEnded: closed; terminal.
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

var (
	// ErrClosed is returned by Submit once the queue has ended.
	ErrClosed = errors.New("session queue closed")
	// ErrPanicked wraps a panic raised by an operation.
	ErrPanicked = errors.New("session operation panicked")
)

const DefaultSize = 64

// Options configures a Queue.
type Options struct {
	// Size bounds pending operations; Submit blocks while full.
	Size int
	// WarnAfter logs a warning when an operation waits longer than this.
	WarnAfter time.Duration
	Logger    zerolog.Logger
}

type record struct {
	id         uint64
	op         Op
	ctx        context.Context
	enqueuedAt time.Time
	result     chan result
}

type result struct {
	value interface{}
	err   error
}

// Queue is a bounded FIFO with a single worker.
type Queue struct {
	sessionID string
	opts      Options
	logger    zerolog.Logger
	ops       chan *record

	// sendMu is held shared by senders and exclusively by Close, so the
	// ops channel is never closed under an in-flight send.
	sendMu sync.RWMutex

	mu       sync.Mutex
	state    State
	stop     chan struct{}
	done     chan struct{}
	starts   int
	seq      atomic.Uint64
	pending  atomic.Int32
	inflight atomic.Int32
}

// New creates a queue in StateCreated. The worker starts on first Submit
// or EnsureRunning.
func New(sessionID string, opts Options) *Queue {
	observability.EnsureRegistered()
	if opts.Size <= 0 {
		opts.Size = DefaultSize
	}
	return &Queue{
		sessionID: sessionID,
		opts:      opts,
		logger:    opts.Logger.With().Str("component", "sessionqueue").Str("session_id", sessionID).Logger(),
		ops:       make(chan *record, opts.Size),
	}
}

func (q *Queue) SessionID() string { return q.sessionID }

// State reports the current lifecycle state.
func (q *Queue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Alive reports whether a worker is running.
func (q *Queue) Alive() bool { return q.State() == StateActive }

// Len returns the number of operations waiting to start.
func (q *Queue) Len() int { return int(q.pending.Load()) }

// Starts returns how many workers have been started over the queue's life.
func (q *Queue) Starts() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.starts
}

// EnsureRunning starts a worker when none is running. It reports whether it
// started one. Ended queues are never restarted.
func (q *Queue) EnsureRunning() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.startLocked()
}

func (q *Queue) startLocked() bool {
	if q.state != StateCreated {
		return false
	}
	prev := q.done
	stop := make(chan struct{})
	done := make(chan struct{})
	q.stop, q.done = stop, done
	q.state = StateActive
	q.starts++
	restart := q.starts > 1
	observability.RecordWorkerStart(restart)
	if restart {
		q.logger.Warn().Int("starts", q.starts).Msg("Session worker restarted")
	} else {
		q.logger.Debug().Msg("Session worker started")
	}
	go q.work(prev, stop, done)
	return true
}

// Halt stops the worker after its current operation without ending the
// queue. Pending operations stay queued for the next worker.
func (q *Queue) Halt(ctx context.Context) error {
	q.mu.Lock()
	if q.state != StateActive {
		q.mu.Unlock()
		return nil
	}
	close(q.stop)
	q.state = StateCreated
	done := q.done
	q.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit enqueues op and waits for its result. The op receives ctx, so a
// caller that gives up also cancels the op once it runs.
func (q *Queue) Submit(ctx context.Context, op Op) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := tracing.StartSpan(tracing.WithSessionID(ctx, q.sessionID), "tether.sessionqueue", "sessionqueue.submit",
		attribute.String("session_id", q.sessionID),
	)
	defer span.End()

	rec := &record{
		id:         q.seq.Add(1),
		op:         op,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		result:     make(chan result, 1),
	}

	q.sendMu.RLock()
	q.mu.Lock()
	if q.state == StateEnded {
		q.mu.Unlock()
		q.sendMu.RUnlock()
		return nil, ErrClosed
	}
	q.startLocked()
	q.mu.Unlock()

	q.pending.Add(1)
	select {
	case q.ops <- rec:
		q.sendMu.RUnlock()
	case <-ctx.Done():
		q.pending.Add(-1)
		q.sendMu.RUnlock()
		return nil, ctx.Err()
	}
	depth := int(q.pending.Load())
	observability.RecordQueueEnqueue(q.sessionID, depth)
	q.logger.Debug().Uint64("op", rec.id).Int("depth", depth).Msg("Operation enqueued")

	var warn <-chan time.Time
	if q.opts.WarnAfter > 0 {
		t := time.NewTimer(q.opts.WarnAfter)
		defer t.Stop()
		warn = t.C
	}

	for {
		select {
		case res := <-rec.result:
			if res.err != nil {
				span.RecordError(res.err)
				span.SetStatus(codes.Error, res.err.Error())
			}
			return res.value, res.err
		case <-warn:
			q.logger.Warn().
				Uint64("op", rec.id).
				Dur("waited", time.Since(rec.enqueuedAt)).
				Int("depth", q.Len()).
				Msg("Operation waiting longer than expected")
			warn = nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close ends the queue: new submissions fail with ErrClosed, operations
// already queued are drained, then the worker exits. It blocks until the
// drain finishes or ctx is done. Close is idempotent.
func (q *Queue) Close(ctx context.Context) error {
	q.sendMu.Lock()
	q.mu.Lock()
	if q.state == StateEnded {
		done := q.done
		q.mu.Unlock()
		q.sendMu.Unlock()
		return waitDone(ctx, done)
	}
	if q.state == StateCreated && q.pending.Load() > 0 {
		// drain what a halted worker left behind
		q.startLocked()
	}
	q.state = StateEnded
	done := q.done
	close(q.ops)
	q.mu.Unlock()
	q.sendMu.Unlock()

	err := waitDone(ctx, done)
	observability.ForgetQueue(q.sessionID)
	q.logger.Debug().Msg("Session queue closed")
	return err
}

func waitDone(ctx context.Context, done chan struct{}) error {
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) work(prev <-chan struct{}, stop <-chan struct{}, done chan struct{}) {
	defer close(done)
	if prev != nil {
		<-prev
	}
	for {
		// stop wins over pending work so Halt takes effect promptly
		select {
		case <-stop:
			return
		default:
		}
		select {
		case <-stop:
			return
		case rec, ok := <-q.ops:
			if !ok {
				return
			}
			q.pending.Add(-1)
			q.run(rec)
		}
	}
}

func (q *Queue) run(rec *record) {
	q.inflight.Add(1)
	defer q.inflight.Add(-1)

	ctx, span := tracing.StartSpan(rec.ctx, "tether.sessionqueue", "sessionqueue.execute",
		attribute.String("session_id", q.sessionID),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, q.logger)
	start := time.Now()

	value, err := q.invoke(ctx, rec.op)
	duration := time.Since(start)

	rec.result <- result{value: value, err: err}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Debug().Uint64("op", rec.id).Dur("duration", duration).Err(err).Msg("Operation failed")
	} else {
		logger.Debug().Uint64("op", rec.id).Dur("duration", duration).Msg("Operation completed")
	}
	observability.RecordQueueCompletion(q.sessionID, duration, err == nil, q.Len())
}

func (q *Queue) invoke(ctx context.Context, op Op) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("Session operation panicked")
			err = fmt.Errorf("%w: %v", ErrPanicked, r)
		}
	}()
	return op(ctx)
}

// Busy reports whether an operation is executing right now.
func (q *Queue) Busy() bool { return q.inflight.Load() > 0 }
