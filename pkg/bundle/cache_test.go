package bundle

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/harun/tether/pkg/runtime/runtimetest"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCache(rt *runtimetest.Runtime, overlay *Overlay) *Cache {
	return NewCache(Options{
		Loader:        rt,
		Overlay:       overlay,
		DefaultBundle: "foundation",
		Logger:        zerolog.Nop(),
	})
}

func TestCachePrewarmThenCreatesLoadOnce(t *testing.T) {
	rt := runtimetest.New()
	c := newCache(rt, nil)

	first, err := c.Prewarm(context.Background())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, cached, err := c.Resolve(context.Background(), "")
			assert.NoError(t, err)
			assert.True(t, cached)
			assert.Same(t, first, e)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), rt.LoadCount.Load())
	assert.Equal(t, int32(1), rt.PrepareCount.Load())

	_, err = c.Prewarm(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), rt.LoadCount.Load())
}

func TestCacheMissDoesNotPrime(t *testing.T) {
	rt := runtimetest.New()
	c := newCache(rt, nil)

	e, cached, err := c.Resolve(context.Background(), "")
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, "foundation", e.Name)
	assert.Nil(t, c.Current())

	_, _, err = c.Resolve(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, int32(2), rt.LoadCount.Load())
}

func TestCacheOverrideBypassesCache(t *testing.T) {
	rt := runtimetest.New()
	c := newCache(rt, nil)
	_, err := c.Prewarm(context.Background())
	require.NoError(t, err)

	e, cached, err := c.Resolve(context.Background(), "custom")
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, "custom", e.Name)
	assert.Equal(t, "foundation", c.Current().Name)
	assert.Equal(t, []string{"foundation", "custom"}, rt.Loaded())
}

func TestCacheMissesCoalesce(t *testing.T) {
	rt := runtimetest.New()
	rt.LoadDelay = 100 * time.Millisecond
	c := newCache(rt, nil)

	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, _, err := c.Resolve(context.Background(), "")
			assert.NoError(t, err)
		}()
	}
	close(start)
	wg.Wait()

	assert.Less(t, rt.LoadCount.Load(), int32(10))
}

func TestCacheLoadError(t *testing.T) {
	rt := runtimetest.New()
	rt.PrepareErr = errors.New("broken module")
	c := newCache(rt, nil)

	_, err := c.Prewarm(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLoad)

	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "foundation", le.Bundle)
	assert.Contains(t, err.Error(), "broken module")
	assert.Nil(t, c.Current())
}

func TestCacheNoBundleConfigured(t *testing.T) {
	c := NewCache(Options{Loader: runtimetest.New(), Logger: zerolog.Nop()})
	_, err := c.Prewarm(context.Background())
	assert.ErrorIs(t, err, ErrLoad)
}

func TestCacheReloadIsAtomicForReaders(t *testing.T) {
	rt := runtimetest.New()
	c := newCache(rt, nil)
	_, err := c.Prewarm(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				e, _, err := c.Resolve(ctx, "")
				if !assert.NoError(t, err) {
					return
				}
				p, ok := e.Prepared.(*runtimetest.Prepared)
				if !assert.True(t, ok) || !assert.NotZero(t, p.Serial) {
					return
				}
				assert.Equal(t, e.Name, p.Name)
				assert.False(t, e.LoadedAt.IsZero())
			}
		}()
	}

	for i := 0; i < 20; i++ {
		_, err := c.Reload(context.Background())
		require.NoError(t, err)
	}
	cancel()
	wg.Wait()

	assert.Equal(t, int32(21), c.Current().Prepared.(*runtimetest.Prepared).Serial)
	// Readers never forced a load of their own.
	assert.Equal(t, int32(21), rt.LoadCount.Load())
}

func TestCacheReloadFailureKeepsPrevious(t *testing.T) {
	rt := runtimetest.New()
	c := newCache(rt, nil)
	prev, err := c.Prewarm(context.Background())
	require.NoError(t, err)

	rt.LoadErr = errors.New("registry unreachable")
	_, err = c.Reload(context.Background())
	require.ErrorIs(t, err, ErrLoad)
	assert.Same(t, prev, c.Current())
}

func TestCacheOverlayVersionStamp(t *testing.T) {
	rt := runtimetest.New()
	o := NewOverlay(filepath.Join(t.TempDir(), "bundle"))
	c := newCache(rt, o)

	_, err := c.Prewarm(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "", c.Version())
	assert.Equal(t, "foundation", c.Current().Name)

	_, err = o.Ensure("foundation")
	require.NoError(t, err)
	// Push the mtime forward so the stamp is guaranteed to differ.
	future := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(o.Path(), future, future))

	e, err := c.Reload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, o.Dir(), e.Name)
	assert.Equal(t, o.Version(), c.Version())
	assert.NotEmpty(t, c.Version())
	assert.Equal(t, DefaultOverlayVersion, e.Semver)
}
