package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harun/tether/pkg/bundle"
	"github.com/harun/tether/pkg/runtime"
	"github.com/harun/tether/pkg/runtime/runtimetest"
	"github.com/harun/tether/pkg/sessionindex"
	"github.com/harun/tether/pkg/surface"
	"github.com/harun/tether/pkg/transcript"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	rt    *runtimetest.Runtime
	cache *bundle.Cache
	store *transcript.Store
	index *sessionindex.Index
	reg   *Registry
	home  string
}

type fixtureOption func(*fixtureConfig)

type fixtureConfig struct {
	index bool
}

func withIndex() fixtureOption { return func(c *fixtureConfig) { c.index = true } }

func newFixture(t *testing.T, rt *runtimetest.Runtime, opts ...fixtureOption) *fixture {
	t.Helper()
	var cfg fixtureConfig
	for _, o := range opts {
		o(&cfg)
	}
	if rt == nil {
		rt = runtimetest.New()
	}

	root := t.TempDir()
	store, err := transcript.New(root + "/projects")
	require.NoError(t, err)

	f := &fixture{
		rt:    rt,
		store: store,
		home:  t.TempDir(),
		cache: bundle.NewCache(bundle.Options{
			Loader:        rt,
			DefaultBundle: "foundation",
			Logger:        zerolog.Nop(),
		}),
	}
	if cfg.index {
		f.index, err = sessionindex.Open(sessionindex.Config{DBPath: root + "/sessions.db", Logger: zerolog.Nop()})
		require.NoError(t, err)
		t.Cleanup(func() { f.index.Close() })
	}

	f.reg, err = New(Config{
		Cache:       f.cache,
		Transcripts: store,
		Index:       f.index,
		HomeDir:     f.home,
		Logger:      zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.reg.Stop(context.Background()) })
	return f
}

func (f *fixture) create(t *testing.T, s *surface.Surface) string {
	t.Helper()
	info, err := f.reg.Create(context.Background(), CreateOptions{WorkingDir: f.home, Surface: s})
	require.NoError(t, err)
	return info.SessionID
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestCreateReturnsInfo(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.reg.Startup(context.Background()))

	info, err := f.reg.Create(context.Background(), CreateOptions{WorkingDir: f.home, Description: "demo"})
	require.NoError(t, err)
	assert.NotEmpty(t, info.SessionID)
	assert.Equal(t, f.home, info.WorkingDir)
	assert.Equal(t, "headless", info.Surface)

	got, err := f.reg.GetInfo(info.SessionID)
	require.NoError(t, err)
	assert.Equal(t, info.SessionID, got.SessionID)
	assert.Len(t, f.reg.List(), 1)
}

func TestCreateDefaultsWorkingDirToHome(t *testing.T) {
	f := newFixture(t, nil)
	info, err := f.reg.Create(context.Background(), CreateOptions{})
	require.NoError(t, err)
	assert.Equal(t, f.home, info.WorkingDir)
}

func TestStartupThenCreatesLoadBundleOnce(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.reg.Startup(context.Background()))
	assert.True(t, f.reg.Ready())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.reg.Create(context.Background(), CreateOptions{WorkingDir: f.home})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), f.rt.LoadCount.Load())
	assert.Equal(t, int32(10), f.rt.CreateCount.Load())
}

func TestCreateWithBundleOverrideDoesNotPrimeCache(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.reg.Create(context.Background(), CreateOptions{WorkingDir: f.home, Bundle: "experimental"})
	require.NoError(t, err)
	assert.Nil(t, f.cache.Current())
	assert.Equal(t, []string{"experimental"}, f.rt.Loaded())
}

func TestCreateBundleLoadError(t *testing.T) {
	rt := runtimetest.New()
	rt.LoadErr = errors.New("no such bundle")
	f := newFixture(t, rt)

	_, err := f.reg.Create(context.Background(), CreateOptions{WorkingDir: f.home})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBundleLoad)
	var le *BundleLoadError
	assert.ErrorAs(t, err, &le)
	assert.Empty(t, f.reg.List())
}

func TestStartupFailureIsFatal(t *testing.T) {
	rt := runtimetest.New()
	rt.PrepareErr = errors.New("bad module")
	f := newFixture(t, rt)

	err := f.reg.Startup(context.Background())
	require.ErrorIs(t, err, ErrBundleLoad)
	assert.False(t, f.reg.Ready())
}

func TestOneWorkerPerSession(t *testing.T) {
	rt := runtimetest.New()
	var globalActive, globalMax atomic.Int32
	rt.Exec = func(ctx context.Context, s *runtimetest.Session, prompt string) (string, error) {
		n := globalActive.Add(1)
		defer globalActive.Add(-1)
		for {
			cur := globalMax.Load()
			if n <= cur || globalMax.CompareAndSwap(cur, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		return "ok:" + prompt, nil
	}
	f := newFixture(t, rt)
	a := f.create(t, nil)
	b := f.create(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		for _, id := range []string{a, b} {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				_, err := f.reg.Execute(context.Background(), id, "hi")
				assert.NoError(t, err)
			}(id)
		}
	}
	wg.Wait()

	assert.Equal(t, int32(1), rt.Session(a).MaxActive.Load())
	assert.Equal(t, int32(1), rt.Session(b).MaxActive.Load())
	assert.Equal(t, int32(10), rt.Session(a).Executed.Load())
	// Distinct sessions ran side by side.
	assert.Equal(t, int32(2), globalMax.Load())
}

func TestExecutePersistsTranscriptAndMetadata(t *testing.T) {
	f := newFixture(t, nil)
	id := f.create(t, nil)

	resp, err := f.reg.Execute(context.Background(), id, "hello")
	require.NoError(t, err)
	assert.Equal(t, "echo: hello", resp)

	info, err := f.reg.GetInfo(id)
	require.NoError(t, err)
	assert.Equal(t, 1, info.Turns)

	msgs, err := f.store.Load(context.Background(), info.Project, id)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, transcript.RoleUser, msgs[0].Role)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, transcript.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "echo: hello", msgs[1].Content)

	md, err := f.store.ReadMetadata(info.Project, id)
	require.NoError(t, err)
	assert.EqualValues(t, 1, md["turn_count"])
	assert.NotEmpty(t, md["last_updated"])
	assert.Equal(t, f.home, md["working_dir"])
}

func TestExecuteErrors(t *testing.T) {
	rt := runtimetest.New()
	rt.Exec = func(ctx context.Context, s *runtimetest.Session, prompt string) (string, error) {
		return "", runtimetest.Errorf("provider exploded")
	}
	f := newFixture(t, rt)
	id := f.create(t, nil)

	_, err := f.reg.Execute(context.Background(), id, "x")
	assert.ErrorContains(t, err, "provider exploded")

	_, err = f.reg.Execute(context.Background(), "missing", "x")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestEndTombstonesAndReleases(t *testing.T) {
	f := newFixture(t, nil, withIndex())
	id := f.create(t, nil)
	sess := f.rt.Session(id)
	require.NotZero(t, sess.Base().Bus.Total())

	require.NoError(t, f.reg.End(context.Background(), id))

	_, err := f.reg.GetInfo(id)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.True(t, sess.Closed.Load())
	assert.Zero(t, sess.Base().Bus.Total())

	err = f.reg.Resume(context.Background(), id, "", nil)
	var nf *SessionNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, reasonEnded, nf.Reason)

	_, err = f.reg.Execute(context.Background(), id, "x")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	rec, err := f.index.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, sessionindex.StateEnded, rec.State)

	// Ending twice, or ending an unknown id, is harmless.
	assert.NoError(t, f.reg.End(context.Background(), id))
	assert.NoError(t, f.reg.End(context.Background(), "never-existed"))
}

func TestEndDrainsQueuedWork(t *testing.T) {
	rt := runtimetest.New()
	rt.Exec = func(ctx context.Context, s *runtimetest.Session, prompt string) (string, error) {
		time.Sleep(20 * time.Millisecond)
		return prompt, nil
	}
	f := newFixture(t, rt)
	id := f.create(t, nil)

	var wg sync.WaitGroup
	var done atomic.Int32
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.reg.Execute(context.Background(), id, "p"); err == nil {
				done.Add(1)
			}
		}()
	}
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, f.reg.End(context.Background(), id))
	wg.Wait()
	assert.Equal(t, done.Load(), rt.Session(id).Executed.Load())
}

func TestTombstonesSurviveRestart(t *testing.T) {
	f := newFixture(t, nil, withIndex())
	id := f.create(t, nil)
	require.NoError(t, f.reg.End(context.Background(), id))

	// A second registry over the same index refuses the id.
	reg2, err := New(Config{Cache: f.cache, Transcripts: f.store, Index: f.index, HomeDir: f.home, Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.NoError(t, reg2.Startup(context.Background()))

	_, err = reg2.Reconnect(context.Background(), id)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestReloadBundleNotifiesAndIsolatesFailures(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.reg.Startup(context.Background()))

	var calls atomic.Int32
	mk := func(fn surface.ReloadFunc) *surface.Surface {
		return surface.New(surface.Options{Name: "test", OnReload: fn})
	}
	f.create(t, mk(func(ctx context.Context, v string) error { calls.Add(1); return errors.New("client gone") }))
	f.create(t, mk(func(ctx context.Context, v string) error { calls.Add(1); panic("boom") }))
	f.create(t, mk(func(ctx context.Context, v string) error { calls.Add(1); return nil }))
	f.create(t, nil)

	require.NoError(t, f.reg.ReloadBundle(context.Background()))
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, int32(2), f.rt.LoadCount.Load())
	assert.Equal(t, int32(2), f.cache.Current().Prepared.(*runtimetest.Prepared).Serial)
}

func TestReloadBundleFailure(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.reg.Startup(context.Background()))

	f.rt.LoadErr = errors.New("offline")
	assert.ErrorIs(t, f.reg.ReloadBundle(context.Background()), ErrBundleLoad)
}

func TestResolveApproval(t *testing.T) {
	f := newFixture(t, nil)
	sink := surface.NewChannelSink("ws", 16, zerolog.Nop())
	id := f.create(t, surface.Interactive(sink, 5*time.Second, nil, zerolog.Nop()))

	assert.False(t, f.reg.ResolveApproval("missing", "r", "allow"))
	assert.False(t, f.reg.ResolveApproval(id, "unknown-request", "allow"))

	caps := f.rt.Session(id).Base().Caps
	v, ok := caps.Get(runtime.CapabilityApproval)
	require.True(t, ok)
	approver := v.(runtime.Approver)

	result := make(chan string, 1)
	go func() {
		choice, _ := approver.RequestApproval(context.Background(), runtime.ApprovalRequest{Options: []string{"allow", "deny"}})
		result <- choice
	}()

	var reqID string
	require.Eventually(t, func() bool {
		select {
		case evt := <-sink.Events():
			if evt.Name == runtime.EventApprovalRequest {
				reqID, _ = evt.Data["request_id"].(string)
			}
		default:
		}
		return reqID != ""
	}, 2*time.Second, 5*time.Millisecond)

	assert.True(t, f.reg.ResolveApproval(id, reqID, "deny"))
	assert.False(t, f.reg.ResolveApproval(id, reqID, "allow"))
	assert.Equal(t, "deny", <-result)
}

func TestStopIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.reg.Stop(context.Background()))

	f2 := newFixture(t, nil)
	require.NoError(t, f2.reg.Startup(context.Background()))
	id := f2.create(t, nil)
	require.NoError(t, f2.reg.Stop(context.Background()))
	require.NoError(t, f2.reg.Stop(context.Background()))

	assert.False(t, f2.reg.Ready())
	assert.Zero(t, f2.rt.Session(id).Base().Bus.Total())
	assert.False(t, f2.reg.ResolveApproval(id, "x", "allow"))

	_, err := f2.reg.Create(context.Background(), CreateOptions{})
	assert.ErrorIs(t, err, ErrTransientResource)
}

func TestResumeRestartsDeadWorker(t *testing.T) {
	f := newFixture(t, nil)
	id := f.create(t, nil)

	f.reg.mu.Lock()
	q := f.reg.queues[id]
	f.reg.mu.Unlock()
	require.NoError(t, q.Halt(context.Background()))
	assert.False(t, q.Alive())

	require.NoError(t, f.reg.Resume(context.Background(), id, "", nil))
	assert.True(t, q.Alive())
	assert.Equal(t, 2, q.Starts())
}

func TestSpawnCapability(t *testing.T) {
	f := newFixture(t, nil)
	id := f.create(t, nil)

	v, ok := f.rt.Session(id).Base().Caps.Get(runtime.CapabilitySpawn)
	require.True(t, ok)
	spawn := v.(runtime.SpawnFunc)

	res, err := spawn(context.Background(), runtime.SpawnRequest{Agent: "explorer", Instruction: "look"})
	require.NoError(t, err)
	assert.Equal(t, "spawned:explorer", res.Response)
	assert.NotEmpty(t, res.SessionID)

	_, err = spawn(context.Background(), runtime.SpawnRequest{Agent: "self"})
	require.NoError(t, err)

	_, err = spawn(context.Background(), runtime.SpawnRequest{
		Agent:        "custom",
		AgentConfigs: map[string]runtime.AgentConfig{"custom": {}},
	})
	require.NoError(t, err)

	_, err = spawn(context.Background(), runtime.SpawnRequest{Agent: "ghost"})
	assert.ErrorContains(t, err, "ghost")

	spawned := f.rt.Spawned()
	require.Len(t, spawned, 3)
	assert.Equal(t, id, spawned[0].Parent.ID())
}

func TestAttachWithoutCoordinator(t *testing.T) {
	f := newFixture(t, nil)
	id := f.create(t, nil)
	f.rt.Session(id).Detach()

	err := f.reg.Resume(context.Background(), id, "", surface.Headless(zerolog.Nop()))
	assert.ErrorIs(t, err, ErrCapabilityMissing)
	var ce *CapabilityMissingError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "coordinator", ce.Capability)
}
