package bundle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/harun/tether/internal/observability"
	"github.com/harun/tether/internal/tracing"
	"github.com/harun/tether/pkg/runtime"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"
)

// ErrLoad matches every LoadError with errors.Is.
var ErrLoad = errors.New("bundle load failed")

// LoadError reports a failure to load or prepare a bundle.
type LoadError struct {
	Bundle string
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load bundle %q: %v", e.Bundle, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

func (e *LoadError) Is(target error) bool { return target == ErrLoad }

// Entry is one prepared bundle together with the stamp it was loaded under.
type Entry struct {
	Prepared runtime.Prepared
	Name     string
	// Version is the overlay mtime at load time, "" without an overlay.
	Version string
	// Semver is the overlay's declared bundle version, if any.
	Semver   string
	LoadedAt time.Time
}

// Options configure a Cache.
type Options struct {
	Loader runtime.Loader
	// Overlay, when it exists on disk, is loaded instead of DefaultBundle.
	Overlay       *Overlay
	DefaultBundle string
	Logger        zerolog.Logger
}

// Cache holds the shared prepared bundle. Readers always observe a whole
// Entry: the pointer is swapped only after a reload fully succeeds.
type Cache struct {
	loader      runtime.Loader
	overlay     *Overlay
	defaultName string
	logger      zerolog.Logger

	current  atomic.Pointer[Entry]
	reloadMu sync.Mutex
	group    singleflight.Group
}

func NewCache(opts Options) *Cache {
	return &Cache{
		loader:      opts.Loader,
		overlay:     opts.Overlay,
		defaultName: opts.DefaultBundle,
		logger:      opts.Logger.With().Str("component", "bundle").Logger(),
	}
}

// Target is what a reload or cold load resolves: the overlay directory
// when bundle.yaml exists, otherwise the configured default bundle.
func (c *Cache) Target() string {
	if c.overlay != nil && c.overlay.Exists() {
		return c.overlay.Dir()
	}
	return c.defaultName
}

// Current returns the cached entry or nil.
func (c *Cache) Current() *Entry { return c.current.Load() }

// Version is the stamp of the cached entry, "" when nothing is cached.
func (c *Cache) Version() string {
	if e := c.current.Load(); e != nil {
		return e.Version
	}
	return ""
}

// Prewarm loads the default target once and stores it. Later calls return
// the cached entry.
func (c *Cache) Prewarm(ctx context.Context) (*Entry, error) {
	if e := c.current.Load(); e != nil {
		return e, nil
	}
	v, err, _ := c.group.Do("prewarm", func() (interface{}, error) {
		if e := c.current.Load(); e != nil {
			return e, nil
		}
		e, err := c.load(ctx, c.Target(), "startup")
		if err != nil {
			return nil, err
		}
		c.current.CompareAndSwap(nil, e)
		return c.current.Load(), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Entry), nil
}

// Resolve returns the cached entry for an empty override. A cache miss or
// an explicit override loads a fresh entry that is NOT stored; concurrent
// identical misses share one load.
func (c *Cache) Resolve(ctx context.Context, override string) (*Entry, bool, error) {
	if override == "" {
		if e := c.current.Load(); e != nil {
			return e, true, nil
		}
	}
	name := override
	if name == "" {
		name = c.Target()
	}
	v, err, _ := c.group.Do("resolve:"+name, func() (interface{}, error) {
		return c.load(ctx, name, "miss")
	})
	if err != nil {
		return nil, false, err
	}
	return v.(*Entry), false, nil
}

// Reload invalidates the cache, performs a full load of the current target
// and swaps it in. On failure the previous entry keeps serving.
func (c *Cache) Reload(ctx context.Context) (*Entry, error) {
	c.reloadMu.Lock()
	defer c.reloadMu.Unlock()

	prev := c.current.Load()
	next, err := c.load(ctx, c.Target(), "reload")
	if err != nil {
		return nil, err
	}
	c.current.Store(next)
	c.logTransition(prev, next)
	return next, nil
}

func (c *Cache) load(ctx context.Context, name, trigger string) (*Entry, error) {
	if name == "" {
		return nil, &LoadError{Bundle: name, Err: errors.New("no bundle configured")}
	}
	ctx, span := tracing.StartSpan(ctx, "tether/bundle", "bundle.load",
		attribute.String("bundle", name), attribute.String("trigger", trigger))
	defer span.End()

	start := time.Now()
	entry := &Entry{Name: name}
	if c.overlay != nil && name == c.overlay.Dir() {
		entry.Version = c.overlay.Version()
		doc, err := c.overlay.Read()
		if err != nil {
			observability.RecordBundleLoad(trigger, time.Since(start), false)
			span.RecordError(err)
			return nil, &LoadError{Bundle: name, Err: err}
		}
		if doc != nil {
			entry.Semver = doc.Bundle.Version
		}
	}

	cfg, err := c.loader.Load(ctx, name)
	if err == nil {
		entry.Prepared, err = cfg.Prepare(ctx)
	}
	observability.RecordBundleLoad(trigger, time.Since(start), err == nil)
	if err != nil {
		span.RecordError(err)
		c.logger.Error().Err(err).Str("bundle", name).Str("trigger", trigger).Msg("Bundle load failed")
		return nil, &LoadError{Bundle: name, Err: err}
	}
	entry.LoadedAt = time.Now()

	c.logger.Info().
		Str("bundle", name).
		Str("trigger", trigger).
		Str("version", entry.Version).
		Dur("duration", time.Since(start)).
		Msg("Bundle prepared")
	return entry, nil
}

func (c *Cache) logTransition(prev, next *Entry) {
	if prev == nil || prev.Semver == "" || next.Semver == "" {
		return
	}
	oldV, err1 := semver.NewVersion(prev.Semver)
	newV, err2 := semver.NewVersion(next.Semver)
	if err1 != nil || err2 != nil {
		return
	}
	switch {
	case newV.LessThan(oldV):
		c.logger.Warn().Str("from", oldV.String()).Str("to", newV.String()).Msg("Bundle version went backwards")
	case newV.GreaterThan(oldV):
		c.logger.Info().Str("from", oldV.String()).Str("to", newV.String()).Msg("Bundle version upgraded")
	}
}
