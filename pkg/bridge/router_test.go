package bridge

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/harun/tether/pkg/registry"
	"github.com/harun/tether/pkg/runtime"
	"github.com/harun/tether/pkg/surface"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSessions struct {
	mu        sync.Mutex
	next      int
	live      map[string]bool
	ended     map[string]bool
	resumable map[string]bool
	created   []registry.CreateOptions
	prompts   map[string][]string
	cancels   []runtime.CancelLevel
	resumes   int
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		live:      make(map[string]bool),
		ended:     make(map[string]bool),
		resumable: make(map[string]bool),
		prompts:   make(map[string][]string),
	}
}

func (f *fakeSessions) Create(ctx context.Context, opts registry.CreateOptions) (registry.SessionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	id := fmt.Sprintf("s%d", f.next)
	f.live[id] = true
	f.created = append(f.created, opts)
	return registry.SessionInfo{SessionID: id, WorkingDir: opts.WorkingDir}, nil
}

func (f *fakeSessions) Resume(ctx context.Context, id, workingDir string, s *surface.Surface) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumes++
	if !f.resumable[id] {
		return &registry.ReconnectError{SessionID: id, Err: fmt.Errorf("no transcript")}
	}
	f.live[id] = true
	return nil
}

func (f *fakeSessions) Execute(ctx context.Context, id, prompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ended[id] {
		return "", &registry.SessionNotFoundError{SessionID: id, Reason: "intentionally ended"}
	}
	if !f.live[id] {
		return "", &registry.SessionNotFoundError{SessionID: id}
	}
	f.prompts[id] = append(f.prompts[id], prompt)
	return id + ": " + prompt, nil
}

func (f *fakeSessions) Cancel(ctx context.Context, id string, level runtime.CancelLevel) {
	f.mu.Lock()
	f.cancels = append(f.cancels, level)
	f.mu.Unlock()
}

func (f *fakeSessions) End(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.live, id)
	f.ended[id] = true
	return nil
}

// evict simulates a daemon restart: the id is no longer in memory.
func (f *fakeSessions) evict(id string, resumable bool) {
	f.mu.Lock()
	delete(f.live, id)
	f.resumable[id] = resumable
	f.mu.Unlock()
}

func TestRouterBindsThreadToSession(t *testing.T) {
	sessions := newFakeSessions()
	r := NewRouter(sessions, "/work", zerolog.Nop())
	ctx := context.Background()
	a := Inbound{Bridge: "chat", Thread: "C1:1", Text: "hello"}
	b := Inbound{Bridge: "chat", Thread: "C1:2", Text: "other"}

	resp, err := r.Dispatch(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, "s1: hello", resp)

	resp, err = r.Dispatch(ctx, Inbound{Bridge: "chat", Thread: "C1:1", Text: "  again "})
	require.NoError(t, err)
	assert.Equal(t, "s1: again", resp)

	resp, err = r.Dispatch(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, "s2: other", resp)

	require.Len(t, sessions.created, 2)
	assert.Equal(t, "/work", sessions.created[0].WorkingDir)
	assert.Equal(t, "chat:C1:1", sessions.created[0].Description)

	id, ok := r.SessionFor(a)
	assert.True(t, ok)
	assert.Equal(t, "s1", id)
}

func TestRouterIgnoresBlankAndRequiresThread(t *testing.T) {
	sessions := newFakeSessions()
	r := NewRouter(sessions, "", zerolog.Nop())

	resp, err := r.Dispatch(context.Background(), Inbound{Bridge: "chat", Thread: "t", Text: "   "})
	require.NoError(t, err)
	assert.Empty(t, resp)
	assert.Empty(t, sessions.created)

	_, err = r.Dispatch(context.Background(), Inbound{Bridge: "chat", Text: "hi"})
	assert.Error(t, err)
}

func TestRouterReconnectsEvictedSession(t *testing.T) {
	sessions := newFakeSessions()
	r := NewRouter(sessions, "", zerolog.Nop())
	msg := Inbound{Bridge: "chat", Thread: "t", Text: "one"}
	ctx := context.Background()

	_, err := r.Dispatch(ctx, msg)
	require.NoError(t, err)
	sessions.evict("s1", true)

	resp, err := r.Dispatch(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, "s1: one", resp)
	assert.Equal(t, 1, sessions.resumes)
	assert.Len(t, sessions.created, 1)
}

func TestRouterReplacesLostSession(t *testing.T) {
	sessions := newFakeSessions()
	r := NewRouter(sessions, "", zerolog.Nop())
	msg := Inbound{Bridge: "chat", Thread: "t", Text: "one"}
	ctx := context.Background()

	_, err := r.Dispatch(ctx, msg)
	require.NoError(t, err)
	sessions.evict("s1", false)

	resp, err := r.Dispatch(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, "s2: one", resp)
}

func TestRouterDoesNotReviveEndedSession(t *testing.T) {
	sessions := newFakeSessions()
	r := NewRouter(sessions, "", zerolog.Nop())
	msg := Inbound{Bridge: "chat", Thread: "t", Text: "one"}
	ctx := context.Background()

	_, err := r.Dispatch(ctx, msg)
	require.NoError(t, err)
	require.NoError(t, sessions.End(ctx, "s1"))

	resp, err := r.Dispatch(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, "s2: one", resp)
	assert.Zero(t, sessions.resumes)
}

func TestRouterCancelAndReset(t *testing.T) {
	sessions := newFakeSessions()
	r := NewRouter(sessions, "", zerolog.Nop())
	msg := Inbound{Bridge: "chat", Thread: "t", Text: "one"}
	ctx := context.Background()

	assert.False(t, r.Cancel(ctx, msg, runtime.CancelGraceful))
	require.NoError(t, r.Reset(ctx, msg))

	_, err := r.Dispatch(ctx, msg)
	require.NoError(t, err)
	assert.True(t, r.Cancel(ctx, msg, runtime.CancelImmediate))
	assert.Equal(t, []runtime.CancelLevel{runtime.CancelImmediate}, sessions.cancels)

	require.NoError(t, r.Reset(ctx, msg))
	_, ok := r.SessionFor(msg)
	assert.False(t, ok)
	assert.True(t, sessions.ended["s1"])
}
