package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBridgeEventsDeduplicates(t *testing.T) {
	saved := DelegateEvents
	t.Cleanup(func() { DelegateEvents = saved })
	DelegateEvents = append([]string{EventToolPre}, saved...)

	events := BridgeEvents()
	seen := map[string]int{}
	for _, e := range events {
		seen[e]++
	}
	for name, n := range seen {
		assert.Equal(t, 1, n, name)
	}
	assert.Len(t, events, len(AllEvents)+len(saved))
	assert.Contains(t, events, EventDelegateSpawned)
}

func TestHookBusSubscribeEmitUnsubscribe(t *testing.T) {
	bus := NewHookBus()
	var got []string

	unsubA := bus.Subscribe("x", func(ctx context.Context, evt Event) error {
		got = append(got, "a")
		return nil
	})
	bus.Subscribe("x", func(ctx context.Context, evt Event) error {
		got = append(got, "b")
		return errors.New("boom")
	})

	err := bus.Emit(context.Background(), Event{Name: "x"})
	assert.EqualError(t, err, "boom")
	assert.Equal(t, []string{"a", "b"}, got)
	assert.Equal(t, 2, bus.Count("x"))

	unsubA()
	unsubA()
	assert.Equal(t, 1, bus.Count("x"))
	assert.Equal(t, 1, bus.Total())
}

func TestCapabilitySetReplaces(t *testing.T) {
	caps := NewCapabilitySet()
	caps.Register("k", 1)
	caps.Register("k", 2)
	v, ok := caps.Get("k")
	require.True(t, ok)
	assert.Equal(t, 2, v)
	_, ok = caps.Get("missing")
	assert.False(t, ok)
}

func TestParseCancelLevel(t *testing.T) {
	l, err := ParseCancelLevel("")
	require.NoError(t, err)
	assert.Equal(t, CancelGraceful, l)

	l, err = ParseCancelLevel(" Immediate ")
	require.NoError(t, err)
	assert.Equal(t, CancelImmediate, l)
	assert.Greater(t, CancelImmediate.Rank(), CancelGraceful.Rank())

	_, err = ParseCancelLevel("nuke")
	assert.Error(t, err)
}

type plainCoord struct{}

func (plainCoord) Hooks() HookRegistry              { return NewHookBus() }
func (plainCoord) Capabilities() CapabilityRegistry { return NewCapabilitySet() }

type syncCoord struct {
	plainCoord
	calls int
}

func (s *syncCoord) RequestCancel(ctx context.Context, level CancelLevel) error {
	s.calls++
	return nil
}

type asyncCoord struct {
	plainCoord
	finished bool
}

func (a *asyncCoord) RequestCancelAsync(ctx context.Context, level CancelLevel) <-chan error {
	ch := make(chan error, 1)
	go func() {
		time.Sleep(20 * time.Millisecond)
		a.finished = true
		ch <- nil
	}()
	return ch
}

func TestRequestCancel(t *testing.T) {
	ctx := context.Background()

	out, err := RequestCancel(ctx, nil, CancelGraceful)
	require.NoError(t, err)
	assert.Equal(t, CancelUnsupported, out)

	out, err = RequestCancel(ctx, plainCoord{}, CancelGraceful)
	require.NoError(t, err)
	assert.Equal(t, CancelUnsupported, out)

	sc := &syncCoord{}
	out, err = RequestCancel(ctx, sc, CancelGraceful)
	require.NoError(t, err)
	assert.Equal(t, CancelCalled, out)
	assert.Equal(t, 1, sc.calls)

	ac := &asyncCoord{}
	out, err = RequestCancel(ctx, ac, CancelImmediate)
	require.NoError(t, err)
	assert.Equal(t, CancelAwaited, out)
	assert.True(t, ac.finished, "async cancel must complete before RequestCancel returns")
}

func TestRequestCancelAsyncHonoursContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	out, err := RequestCancel(ctx, &asyncCoord{}, CancelGraceful)
	assert.Equal(t, CancelAwaited, out)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
