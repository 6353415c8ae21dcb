package bundle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// ReloadFunc is invoked after the overlay settles. It is normally
// Registry.ReloadBundle.
type ReloadFunc func(ctx context.Context) error

// WatcherConfig holds configuration for the overlay watcher.
type WatcherConfig struct {
	Overlay *Overlay
	// StabilityThreshold is how long the overlay must stay quiet before a
	// reload fires.
	StabilityThreshold time.Duration
	OnChange           ReloadFunc
	Logger             zerolog.Logger
}

// Watcher reloads the bundle when bundle.yaml changes on disk. Editors
// that replace files by rename are handled by watching the directory.
type Watcher struct {
	watcher   *fsnotify.Watcher
	overlay   *Overlay
	threshold time.Duration
	onChange  ReloadFunc
	logger    zerolog.Logger

	done     chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	timer    *time.Timer
	stopOnce sync.Once
}

func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Overlay == nil {
		return nil, fmt.Errorf("overlay is required")
	}
	if cfg.OnChange == nil {
		return nil, fmt.Errorf("change callback is required")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if cfg.StabilityThreshold <= 0 {
		cfg.StabilityThreshold = 250 * time.Millisecond
	}
	return &Watcher{
		watcher:   w,
		overlay:   cfg.Overlay,
		threshold: cfg.StabilityThreshold,
		onChange:  cfg.OnChange,
		logger:    cfg.Logger.With().Str("component", "bundle_watcher").Logger(),
		done:      make(chan struct{}),
	}, nil
}

// Start creates the overlay directory if needed and begins watching it.
func (w *Watcher) Start() error {
	if err := os.MkdirAll(w.overlay.Dir(), 0o755); err != nil {
		return fmt.Errorf("failed to create overlay dir: %w", err)
	}
	if err := w.watcher.Add(w.overlay.Dir()); err != nil {
		return fmt.Errorf("failed to watch overlay: %w", err)
	}
	w.wg.Add(1)
	go w.eventLoop()
	w.logger.Info().Str("path", w.overlay.Dir()).Msg("Overlay watcher started")
	return nil
}

// Stop stops the watcher and cancels a pending reload.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
			w.timer = nil
		}
		w.mu.Unlock()
		err = w.watcher.Close()
		w.wg.Wait()
	})
	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

func (w *Watcher) eventLoop() {
	defer w.wg.Done()
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if w.relevant(event) {
				w.debounce()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if filepath.Base(event.Name) != OverlayFile {
		return false
	}
	return event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0
}

func (w *Watcher) debounce() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.threshold, w.fire)
}

func (w *Watcher) fire() {
	select {
	case <-w.done:
		return
	default:
	}
	w.mu.Lock()
	w.timer = nil
	w.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := w.onChange(ctx); err != nil {
		w.logger.Error().Err(err).Msg("Reload after overlay change failed")
		return
	}
	w.logger.Info().Str("path", w.overlay.Path()).Msg("Bundle reloaded after overlay change")
}
