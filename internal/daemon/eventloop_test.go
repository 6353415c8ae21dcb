package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/harun/tether/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventLoopRunStopsOnCancel(t *testing.T) {
	d := createTestDaemon(t, testConfig(t))
	defer d.index.Close()

	loop := NewEventLoop(d)
	loop.interval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("event loop did not stop")
	}
}

func TestEventLoopProcessTasks(t *testing.T) {
	d := createTestDaemon(t, testConfig(t))
	require.NoError(t, d.Start())
	defer d.Stop()

	loop := NewEventLoop(d)
	assert.Equal(t, 0, loop.processTasks(context.Background()))

	_, err := d.registry.Create(context.Background(), registry.CreateOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, loop.processTasks(context.Background()), "idle sessions are not backlogged")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, 0, loop.processTasks(ctx))
}
