// Package daemon assembles the session registry, its front-ends and its
// background services into one process.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/harun/tether/internal/config"
	"github.com/harun/tether/internal/logger"
	"github.com/harun/tether/internal/observability"
	"github.com/harun/tether/internal/tracing"
	"github.com/harun/tether/pkg/bridge"
	"github.com/harun/tether/pkg/bundle"
	"github.com/harun/tether/pkg/gateway"
	"github.com/harun/tether/pkg/hooks"
	"github.com/harun/tether/pkg/registry"
	"github.com/harun/tether/pkg/runtime"
	"github.com/harun/tether/pkg/runtime/loopback"
	"github.com/harun/tether/pkg/sessionindex"
	"github.com/harun/tether/pkg/transcript"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
)

// Daemon represents the Tether daemon service
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	// Core modules
	index       *sessionindex.Index
	transcripts *transcript.Store
	overlay     *bundle.Overlay
	cache       *bundle.Cache
	hookManager *hooks.Manager
	registry    *registry.Registry

	// Services
	gatewayServer *gateway.Server
	bridges       *bridge.Set
	sharedPool    *bridge.HTTPPool
	watcher       *bundle.Watcher
	scheduler     *bundle.Scheduler

	// Internal
	eventLoop *EventLoop
	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Status is a point-in-time view of the daemon.
type Status struct {
	Running   bool
	Ready     bool
	StartTime time.Time
	Uptime    time.Duration
	Sessions  int
	Bridges   map[string]string
}

// New creates a daemon. Nothing listens or connects until Start.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if log == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	observability.EnsureRegistered()

	d := &Daemon{
		config:  cfg,
		logger:  log,
		ctx:     ctx,
		cancel:  cancel,
		bridges: bridge.NewSet(),
	}

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(tracing.Config{
			ServiceName: cfg.Tracing.ServiceName,
			SampleRatio: cfg.Tracing.SampleRatio,
		}); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracingEnabled = true
			log.Info().Msg("Tracing initialized")
		}
	}

	if err := d.initializeCoreModules(); err != nil {
		d.abort()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}
	if err := d.initializeServices(); err != nil {
		d.abort()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	d.eventLoop = NewEventLoop(d)
	d.lifecycle = NewLifecycleManager(d)
	return d, nil
}

// abort releases what a failed New already opened.
func (d *Daemon) abort() {
	d.cancel()
	if d.watcher != nil {
		_ = d.watcher.Stop()
	}
	if d.sharedPool != nil {
		_ = d.sharedPool.Close()
	}
	if d.index != nil {
		_ = d.index.Close()
	}
	if d.tracingEnabled {
		_ = tracing.ShutdownOpenTelemetry(context.Background())
		d.tracingEnabled = false
	}
}

func (d *Daemon) initializeCoreModules() error {
	auditPath := filepath.Join(d.config.DataDir, "audit.log")
	if err := observability.InitAuditLogger(auditPath); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to initialize audit logger, using default stderr")
	}

	index, err := sessionindex.Open(sessionindex.Config{
		DBPath: d.config.Sessions.IndexPath,
		Logger: d.logger.GetZerolog(),
	})
	if err != nil {
		return fmt.Errorf("failed to open session index: %w", err)
	}
	d.index = index

	transcripts, err := transcript.New(d.config.Sessions.ProjectsDir)
	if err != nil {
		return fmt.Errorf("failed to create transcript store: %w", err)
	}
	d.transcripts = transcripts
	d.logger.Info().Str("projects", transcripts.Root()).Msg("Session storage initialized")

	d.overlay = bundle.NewOverlay(d.config.Bundle.OverlayDir)
	d.cache = bundle.NewCache(bundle.Options{
		Loader:        loopback.NewLoader(loopbackOptions(d.config.Runtime, d.logger)),
		Overlay:       d.overlay,
		DefaultBundle: d.config.Bundle.Default,
		Logger:        d.logger.GetZerolog(),
	})

	hookManager, err := newHookManager(d.config.Hooks, d.logger.Component("hooks"))
	if err != nil {
		return fmt.Errorf("failed to create hook manager: %w", err)
	}
	d.hookManager = hookManager

	reg, err := registry.New(registry.Config{
		Cache:          d.cache,
		Transcripts:    d.transcripts,
		Index:          d.index,
		Hooks:          d.hookManager,
		QueueSize:      d.config.Sessions.QueueSize,
		QueueWarnAfter: d.config.Sessions.QueueWarnAfterDuration(),
		HomeDir:        d.config.Sessions.WorkingDir,
		Logger:         d.logger.GetZerolog(),
	})
	if err != nil {
		return fmt.Errorf("failed to create session registry: %w", err)
	}
	d.registry = reg
	d.logger.Info().Str("bundle", d.cache.Target()).Msg("Session registry initialized")
	return nil
}

func loopbackOptions(cfg config.RuntimeConfig, log *logger.Logger) loopback.Options {
	agents := make(map[string]runtime.AgentConfig, len(cfg.Agents))
	for _, name := range cfg.Agents {
		agents[name] = runtime.AgentConfig{"name": name}
	}
	return loopback.Options{
		ChunkDelay: cfg.ChunkDelay(),
		Agents:     agents,
		Logger:     log.Component("runtime"),
	}
}

func (d *Daemon) initializeServices() error {
	if d.config.Gateway.Enabled {
		server, err := gateway.NewServer(gateway.Config{
			Host:            d.config.Gateway.Host,
			Port:            d.config.Gateway.Port,
			SharedSecret:    d.config.Gateway.SharedSecret,
			EventBuffer:     d.config.Gateway.EventBuffer,
			ApprovalTimeout: d.config.Gateway.ApprovalTimeoutDuration(),
			Sessions:        d.registry,
			Status:          d.statusFields,
			Logger:          d.logger.GetZerolog(),
		})
		if err != nil {
			return fmt.Errorf("failed to create gateway server: %w", err)
		}
		d.gatewayServer = server
		d.logger.Info().Str("addr", d.config.GatewayAddr()).Msg("Gateway server initialized")
	}

	if d.config.Bundle.Watch {
		watcher, err := bundle.NewWatcher(bundle.WatcherConfig{
			Overlay:            d.overlay,
			StabilityThreshold: d.config.Bundle.Debounce(),
			OnChange:           d.reloadBundle("overlay"),
			Logger:             d.logger.GetZerolog(),
		})
		if err != nil {
			return fmt.Errorf("failed to create overlay watcher: %w", err)
		}
		d.watcher = watcher
	}

	if d.config.Bundle.RefreshCron != "" {
		scheduler, err := bundle.NewScheduler(d.config.Bundle.RefreshCron, d.reloadBundle("schedule"), d.logger.GetZerolog())
		if err != nil {
			return fmt.Errorf("failed to create bundle scheduler: %w", err)
		}
		d.scheduler = scheduler
	}

	return d.initializeBridges()
}

// reloadBundle tags reloads with what triggered them.
func (d *Daemon) reloadBundle(trigger string) bundle.ReloadFunc {
	return func(ctx context.Context) error {
		ctx = tracing.NewRequestContext(ctx, trigger)
		if err := d.registry.ReloadBundle(ctx); err != nil {
			d.logger.Warn().Err(err).Str("trigger", trigger).Msg("Bundle reload failed")
			return err
		}
		return nil
	}
}

// statusFields adds daemon-level fields to the gateway status.
func (d *Daemon) statusFields() map[string]interface{} {
	return map[string]interface{}{
		"pid":            os.Getpid(),
		"bundle":         d.cache.Target(),
		"bundle_version": d.cache.Version(),
		"bridges":        d.bridges.States(),
	}
}

// Start writes the PID file, brings up the gateway and runs registry
// startup. Bridges and bundle refresh start only once the registry is
// ready; a startup failure stops everything already started.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	logger := d.logger.GetZerolog().With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Starting Tether daemon")

	if err := d.lifecycle.Start(); err != nil {
		d.markStopped()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	g, gctx := errgroup.WithContext(d.ctx)
	g.Go(func() error {
		if err := d.registry.Startup(gctx); err != nil {
			return fmt.Errorf("registry startup: %w", err)
		}
		return nil
	})
	if d.gatewayServer != nil {
		g.Go(d.gatewayServer.Start)
	}
	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("Daemon startup failed")
		if stopErr := d.Stop(); stopErr != nil {
			logger.Error().Err(stopErr).Msg("Cleanup after failed startup")
		}
		return err
	}
	if d.gatewayServer != nil {
		logger.Info().Str("addr", d.gatewayServer.Addr()).Msg("Gateway server started")
	}

	if d.watcher != nil {
		if err := d.watcher.Start(); err != nil {
			logger.Warn().Err(err).Msg("Failed to start overlay watcher")
		}
	}
	if d.scheduler != nil {
		d.scheduler.Start()
	}

	if err := d.bridges.StartAll(d.ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to start bridges")
		if stopErr := d.Stop(); stopErr != nil {
			logger.Error().Err(stopErr).Msg("Cleanup after failed startup")
		}
		return err
	}
	if names := d.bridges.Names(); len(names) > 0 {
		logger.Info().Strs("bridges", names).Msg("Bridges started")
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.eventLoop.Run(d.ctx)
	}()

	d.hookManager.Fire(hooks.EventDaemonReady, map[string]interface{}{
		"pid":    os.Getpid(),
		"bundle": d.cache.Target(),
	})
	logger.Info().Msg("Daemon started")
	return nil
}

func (d *Daemon) markStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// Stop shuts the daemon down in reverse start order. Every step runs even
// when an earlier one fails; the errors are returned together.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	logger := d.logger.GetZerolog().With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Stopping Tether daemon")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var result *multierror.Error

	if err := d.bridges.StopAll(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if d.sharedPool != nil {
		if err := d.sharedPool.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close shared pool: %w", err))
		}
	}
	if d.scheduler != nil {
		d.scheduler.Stop()
	}
	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			result = multierror.Append(result, fmt.Errorf("stop overlay watcher: %w", err))
		}
	}
	if d.gatewayServer != nil {
		if err := d.gatewayServer.Stop(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("stop gateway: %w", err))
		}
	}
	if err := d.registry.Stop(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("stop registry: %w", err))
	}

	d.cancel()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		logger.Warn().Msg("Timeout waiting for goroutines to stop")
	}

	if err := d.index.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close session index: %w", err))
	}
	if d.tracingEnabled {
		if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("shutdown tracing: %w", err))
		}
		d.tracingEnabled = false
	}
	if err := observability.GetAuditLogger().Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close audit log: %w", err))
	}
	if err := d.lifecycle.Stop(); err != nil {
		result = multierror.Append(result, err)
	}

	if err := result.ErrorOrNil(); err != nil {
		logger.Error().Err(err).Msg("Daemon stopped with errors")
		return err
	}
	logger.Info().Msg("Daemon stopped")
	return nil
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running:  d.running,
		Ready:    d.registry.Ready(),
		Sessions: len(d.registry.List()),
		Bridges:  d.bridges.States(),
	}
	if d.running {
		status.StartTime = d.startTime
		status.Uptime = time.Since(d.startTime)
	}
	return status
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon.
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		d.logger.Info().Str("signal", sig.String()).Msg("Received signal")
	case <-d.ctx.Done():
		return
	}

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

func (d *Daemon) GetConfig() *config.Config            { return d.config }
func (d *Daemon) GetLogger() *logger.Logger            { return d.logger }
func (d *Daemon) GetRegistry() *registry.Registry      { return d.registry }
func (d *Daemon) GetGatewayServer() *gateway.Server    { return d.gatewayServer }
func (d *Daemon) GetBridges() *bridge.Set              { return d.bridges }
func (d *Daemon) GetSessionIndex() *sessionindex.Index { return d.index }
func (d *Daemon) GetOverlay() *bundle.Overlay          { return d.overlay }
