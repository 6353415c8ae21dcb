// Package runtimetest provides a scriptable in-memory runtime for tests.
package runtimetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/harun/tether/pkg/runtime"
	"github.com/harun/tether/pkg/transcript"
)

// CancelMode selects which cancel entry point fake coordinators expose.
type CancelMode int

const (
	CancelNone CancelMode = iota
	CancelSync
	CancelAsync
)

// ExecFunc scripts Session.Execute.
type ExecFunc func(ctx context.Context, s *Session, prompt string) (string, error)

// Runtime is a fake Loader. Exported fields must be set before use.
type Runtime struct {
	LoadErr     error
	PrepareErr  error
	CreateErr   error
	CancelMode  CancelMode
	CancelDelay time.Duration
	Exec        ExecFunc
	// LoadDelay slows Load to widen race windows in tests.
	LoadDelay time.Duration

	LoadCount    atomic.Int32
	PrepareCount atomic.Int32
	CreateCount  atomic.Int32
	ResumeCount  atomic.Int32

	mu       sync.Mutex
	loaded   []string
	sessions map[string]*Session
	resumed  map[string][]transcript.Message
	spawned  []runtime.SpawnRequest
}

// New returns a fake runtime with synchronous cancellation.
func New() *Runtime {
	return &Runtime{
		CancelMode: CancelSync,
		sessions:   make(map[string]*Session),
		resumed:    make(map[string][]transcript.Message),
	}
}

// Load implements runtime.Loader.
func (r *Runtime) Load(ctx context.Context, nameOrPath string) (runtime.Configuration, error) {
	r.LoadCount.Add(1)
	if r.LoadDelay > 0 {
		time.Sleep(r.LoadDelay)
	}
	if r.LoadErr != nil {
		return nil, r.LoadErr
	}
	r.mu.Lock()
	r.loaded = append(r.loaded, nameOrPath)
	r.mu.Unlock()
	return &Configuration{rt: r, name: nameOrPath}, nil
}

// Loaded returns the names passed to Load in order.
func (r *Runtime) Loaded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.loaded...)
}

// Session returns a session created or resumed by this runtime.
func (r *Runtime) Session(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id]
}

// Resumed returns the history a session was rehydrated with.
func (r *Runtime) Resumed(id string) ([]transcript.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.resumed[id]
	return h, ok
}

// Spawned returns recorded spawn requests.
func (r *Runtime) Spawned() []runtime.SpawnRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]runtime.SpawnRequest(nil), r.spawned...)
}

// Configuration is a fake runtime.Configuration.
type Configuration struct {
	rt   *Runtime
	name string
}

func (c *Configuration) Name() string { return c.name }

func (c *Configuration) Prepare(ctx context.Context) (runtime.Prepared, error) {
	c.rt.PrepareCount.Add(1)
	if c.rt.PrepareErr != nil {
		return nil, c.rt.PrepareErr
	}
	return &Prepared{rt: c.rt, Name: c.name, Serial: c.rt.PrepareCount.Load()}, nil
}

// Prepared is a fake runtime.Prepared. Serial distinguishes instances.
type Prepared struct {
	rt     *Runtime
	Name   string
	Serial int32
}

func (p *Prepared) newSession(cfg runtime.SessionConfig) *Session {
	id := cfg.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	base := &Coordinator{Bus: runtime.NewHookBus(), Caps: runtime.NewCapabilitySet(), delay: p.rt.CancelDelay}
	s := &Session{id: id, WorkingDir: cfg.WorkingDir, Prepared: p, rt: p.rt, base: base}
	switch p.rt.CancelMode {
	case CancelSync:
		s.coord = &SyncCoordinator{Coordinator: base}
	case CancelAsync:
		s.coord = &AsyncCoordinator{Coordinator: base}
	default:
		s.coord = base
	}
	p.rt.mu.Lock()
	p.rt.sessions[id] = s
	p.rt.mu.Unlock()
	return s
}

func (p *Prepared) CreateSession(ctx context.Context, cfg runtime.SessionConfig) (runtime.Session, error) {
	p.rt.CreateCount.Add(1)
	if p.rt.CreateErr != nil {
		return nil, p.rt.CreateErr
	}
	return p.newSession(cfg), nil
}

func (p *Prepared) Resume(ctx context.Context, cfg runtime.SessionConfig, history []transcript.Message) (runtime.Session, error) {
	p.rt.ResumeCount.Add(1)
	if p.rt.CreateErr != nil {
		return nil, p.rt.CreateErr
	}
	s := p.newSession(cfg)
	p.rt.mu.Lock()
	p.rt.resumed[s.id] = append([]transcript.Message(nil), history...)
	p.rt.mu.Unlock()
	return s, nil
}

func (p *Prepared) Spawn(ctx context.Context, req runtime.SpawnRequest) (runtime.SpawnResult, error) {
	p.rt.mu.Lock()
	p.rt.spawned = append(p.rt.spawned, req)
	p.rt.mu.Unlock()
	id := req.SubSessionID
	if id == "" {
		id = uuid.NewString()
	}
	return runtime.SpawnResult{Response: "spawned:" + req.Agent, SessionID: id}, nil
}

func (p *Prepared) Agents() map[string]runtime.AgentConfig {
	return map[string]runtime.AgentConfig{"explorer": {"instruction": "explore"}}
}

// Session is a fake runtime.Session that tracks execution overlap.
type Session struct {
	id         string
	WorkingDir string
	Prepared   *Prepared
	rt         *Runtime
	base       *Coordinator
	coord      runtime.Coordinator

	active    atomic.Int32
	MaxActive atomic.Int32
	Executed  atomic.Int32
	Closed    atomic.Bool
	detached  atomic.Bool
}

func (s *Session) ID() string { return s.id }

// Coordinator returns nil after Detach.
func (s *Session) Coordinator() runtime.Coordinator {
	if s.detached.Load() {
		return nil
	}
	return s.coord
}

// Base exposes the fake coordinator regardless of cancel mode.
func (s *Session) Base() *Coordinator { return s.base }

// Detach makes Coordinator return nil, as a torn-down session would.
func (s *Session) Detach() { s.detached.Store(true) }

// Execute runs the scripted ExecFunc, or echoes, then emits
// orchestrator:complete.
func (s *Session) Execute(ctx context.Context, prompt string) (string, error) {
	n := s.active.Add(1)
	defer s.active.Add(-1)
	for {
		cur := s.MaxActive.Load()
		if n <= cur || s.MaxActive.CompareAndSwap(cur, n) {
			break
		}
	}
	s.Executed.Add(1)

	var (
		resp string
		err  error
	)
	if s.rt.Exec != nil {
		resp, err = s.rt.Exec(ctx, s, prompt)
	} else {
		resp = "echo: " + prompt
	}
	if err != nil {
		return "", err
	}
	_ = s.base.Bus.Emit(ctx, runtime.Event{
		Name:      runtime.EventOrchestratorDone,
		SessionID: s.id,
		Data:      map[string]interface{}{"prompt": prompt, "response": resp},
	})
	return resp, nil
}

func (s *Session) Close(ctx context.Context) error {
	s.Closed.Store(true)
	return nil
}

// Emit publishes evt on the session's hook bus.
func (s *Session) Emit(ctx context.Context, evt runtime.Event) error {
	if evt.SessionID == "" {
		evt.SessionID = s.id
	}
	return s.base.Bus.Emit(ctx, evt)
}

// Coordinator is the fake coordinator without a cancel entry point.
type Coordinator struct {
	Bus  *runtime.HookBus
	Caps *runtime.CapabilitySet

	delay          time.Duration
	CancelCalls    atomic.Int32
	CancelFinished atomic.Int32
	CancelErr      error

	mu     sync.Mutex
	levels []runtime.CancelLevel
}

func (c *Coordinator) Hooks() runtime.HookRegistry              { return c.Bus }
func (c *Coordinator) Capabilities() runtime.CapabilityRegistry { return c.Caps }

// Levels returns the cancel levels requested so far.
func (c *Coordinator) Levels() []runtime.CancelLevel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]runtime.CancelLevel(nil), c.levels...)
}

func (c *Coordinator) record(level runtime.CancelLevel) {
	c.CancelCalls.Add(1)
	c.mu.Lock()
	c.levels = append(c.levels, level)
	c.mu.Unlock()
}

// SyncCoordinator cancels synchronously.
type SyncCoordinator struct{ *Coordinator }

func (c *SyncCoordinator) RequestCancel(ctx context.Context, level runtime.CancelLevel) error {
	c.record(level)
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	c.CancelFinished.Add(1)
	return c.CancelErr
}

// AsyncCoordinator cancels in the background; CancelFinished is
// incremented before the completion value is sent, so a caller that
// awaited the channel always observes it.
type AsyncCoordinator struct{ *Coordinator }

func (c *AsyncCoordinator) RequestCancelAsync(ctx context.Context, level runtime.CancelLevel) <-chan error {
	c.record(level)
	done := make(chan error, 1)
	go func() {
		if c.delay > 0 {
			time.Sleep(c.delay)
		}
		c.CancelFinished.Add(1)
		done <- c.CancelErr
	}()
	return done
}

// Errorf is a convenience for scripted failures.
func Errorf(format string, args ...interface{}) error {
	return fmt.Errorf("runtimetest: "+format, args...)
}
