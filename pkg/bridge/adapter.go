// Package bridge keeps long-lived connections to chat platforms alive and
// routes their messages into registry sessions.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/harun/tether/internal/observability"
	"github.com/rs/zerolog"
)

// State is the adapter's connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

var (
	ErrStopped        = errors.New("bridge adapter stopped")
	ErrAlreadyStarted = errors.New("bridge adapter already started")
)

// Conn is one established connection. Serve blocks until the connection
// drops or ctx ends; Close must unblock a running Serve.
type Conn interface {
	Serve(ctx context.Context) error
	Close() error
}

// Connector dials a platform using the adapter's pool.
type Connector interface {
	Name() string
	Connect(ctx context.Context, pool Pool) (Conn, error)
}

// AdapterOptions configure NewAdapter.
type AdapterOptions struct {
	Connector Connector
	// Pool is externally owned and never closed by the adapter. When nil
	// the adapter creates its own and closes it on Stop.
	Pool        Pool
	PoolTimeout time.Duration

	MinBackoff time.Duration
	MaxBackoff time.Duration
	Logger     zerolog.Logger
}

// Adapter runs a Connector with reconnects. States move
// disconnected → connecting → connected → disconnected and end in
// stopped, which only Stop reaches.
type Adapter struct {
	name      string
	connector Connector
	pool      Pool
	injected  Pool
	owned     Pool
	minWait   time.Duration
	maxWait   time.Duration
	logger    zerolog.Logger

	state atomic.Int32

	mu       sync.Mutex
	conn     Conn
	cancel   context.CancelFunc
	done     chan struct{}
	started  bool
	stopped  bool
	onChange []func(State)

	poolOnce sync.Once
	poolErr  error
}

func NewAdapter(opts AdapterOptions) (*Adapter, error) {
	if opts.Connector == nil {
		return nil, fmt.Errorf("connector is required")
	}
	name := strings.TrimSpace(opts.Connector.Name())
	if name == "" {
		return nil, fmt.Errorf("connector name is required")
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = opts.MinBackoff
	}

	a := &Adapter{
		name:      name,
		connector: opts.Connector,
		injected:  opts.Pool,
		minWait:   opts.MinBackoff,
		maxWait:   opts.MaxBackoff,
		logger:    opts.Logger.With().Str("component", "bridge").Str("bridge", name).Logger(),
	}
	if opts.Pool != nil {
		a.pool = opts.Pool
	} else {
		a.owned = NewHTTPPool(opts.PoolTimeout)
		a.pool = a.owned
	}
	observability.SetBridgeState(name, int(StateDisconnected))
	return a, nil
}

func (a *Adapter) Name() string { return a.name }
func (a *Adapter) Pool() Pool   { return a.pool }
func (a *Adapter) State() State { return State(a.state.Load()) }

// OnStateChange registers fn for every transition. Call before Start.
func (a *Adapter) OnStateChange(fn func(State)) {
	a.mu.Lock()
	a.onChange = append(a.onChange, fn)
	a.mu.Unlock()
}

func (a *Adapter) setState(s State) {
	prev := State(a.state.Swap(int32(s)))
	if prev == s {
		return
	}
	observability.SetBridgeState(a.name, int(s))
	a.logger.Debug().Str("from", prev.String()).Str("to", s.String()).Msg("Bridge state changed")

	a.mu.Lock()
	fns := append([]func(State){}, a.onChange...)
	a.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

// Start launches the reconnect loop and returns immediately.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return ErrStopped
	}
	if a.started {
		return ErrAlreadyStarted
	}
	a.started = true

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel
	a.done = make(chan struct{})
	go a.run(loopCtx, a.done)

	a.logger.Info().Bool("injected_pool", a.injected != nil).Msg("Bridge adapter started")
	return nil
}

func (a *Adapter) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.minWait
	b.MaxInterval = a.maxWait
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.Reset()
	return b
}

func (a *Adapter) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	b := a.newBackoff()

	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return
		}
		if attempt > 0 {
			observability.RecordBridgeReconnect(a.name)
		}

		a.setState(StateConnecting)
		conn, err := a.connector.Connect(ctx, a.pool)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.setState(StateDisconnected)
			wait := b.NextBackOff()
			a.logger.Warn().Err(err).Dur("retry_in", wait).Msg("Bridge connect failed")
			if !sleep(ctx, wait) {
				return
			}
			continue
		}

		if !a.track(conn) {
			_ = conn.Close()
			return
		}
		a.setState(StateConnected)
		b.Reset()
		a.logger.Info().Msg("Bridge connected")

		err = conn.Serve(ctx)
		a.untrack(conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}

		a.setState(StateDisconnected)
		wait := b.NextBackOff()
		a.logger.Warn().Err(err).Dur("retry_in", wait).Msg("Bridge connection lost")
		if !sleep(ctx, wait) {
			return
		}
	}
}

// track records conn as the open socket unless Stop already ran.
func (a *Adapter) track(conn Conn) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return false
	}
	a.conn = conn
	return true
}

func (a *Adapter) untrack(conn Conn) {
	a.mu.Lock()
	if a.conn == conn {
		a.conn = nil
	}
	a.mu.Unlock()
}

// Stop ends the adapter for good: the reconnect loop stops, the open
// socket is closed, then the adapter's own pool is closed. An injected
// pool is left alone. Repeated calls return nil.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	cancel, done, conn := a.cancel, a.done, a.conn
	a.conn = nil
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var errs []error
	if conn != nil {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close socket: %w", err))
		}
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("wait for reconnect loop: %w", ctx.Err()))
		}
	}
	if w, ok := a.connector.(interface{ Wait() }); ok {
		w.Wait()
	}
	if err := a.closeOwnedPool(); err != nil {
		errs = append(errs, fmt.Errorf("close pool: %w", err))
	}

	a.setState(StateStopped)
	a.logger.Info().Msg("Bridge adapter stopped")
	return errors.Join(errs...)
}

func (a *Adapter) closeOwnedPool() error {
	// Pools are compared by pointer identity; a distinct pool that merely
	// looks like the injected one is still ours.
	if a.owned == nil || a.owned == a.injected {
		return nil
	}
	a.poolOnce.Do(func() {
		a.poolErr = a.owned.Close()
	})
	return a.poolErr
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
