// Package registry owns every live session in the daemon. It creates,
// resumes, reconnects, cancels and ends sessions, serializes work per
// session through sessionqueue, and bridges runtime events to whichever
// surface is attached.
package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/harun/tether/internal/observability"
	"github.com/harun/tether/internal/tracing"
	"github.com/harun/tether/pkg/bundle"
	"github.com/harun/tether/pkg/hooks"
	"github.com/harun/tether/pkg/runtime"
	"github.com/harun/tether/pkg/sessionindex"
	"github.com/harun/tether/pkg/sessionqueue"
	"github.com/harun/tether/pkg/surface"
	"github.com/harun/tether/pkg/transcript"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const tracerName = "tether/registry"

// Config wires a Registry to its collaborators. Cache and Transcripts are
// required; Index and Hooks are optional.
type Config struct {
	Cache       *bundle.Cache
	Transcripts *transcript.Store
	Index       *sessionindex.Index
	Hooks       *hooks.Manager

	QueueSize      int
	QueueWarnAfter time.Duration
	// HomeDir is the fallback working directory, both for sessions created
	// without one and for the process when its own cwd has been deleted.
	HomeDir string
	Logger  zerolog.Logger
}

// CreateOptions parameterize Create.
type CreateOptions struct {
	WorkingDir string
	// Bundle overrides the shared bundle; the override is loaded fresh and
	// never cached.
	Bundle      string
	Description string
	// Surface defaults to the headless preset.
	Surface *surface.Surface
}

// Registry is safe for concurrent use. Sessions, the wired set, the
// ended set and the approval set share one mutex; reconnects additionally
// serialize per id.
type Registry struct {
	cache       *bundle.Cache
	transcripts *transcript.Store
	index       *sessionindex.Index
	hooks       *hooks.Manager
	queueOpts   sessionqueue.Options
	home        string
	logger      zerolog.Logger

	mu          sync.Mutex
	sessions    map[string]*SessionHandle
	queues      map[string]*sessionqueue.Queue
	wired       map[string]bool
	ended       map[string]bool
	approvals   map[string]*surface.Surface
	reconnectMu map[string]*sync.Mutex
	stopped     bool

	ready atomic.Bool
}

func New(cfg Config) (*Registry, error) {
	if cfg.Cache == nil {
		return nil, errors.New("bundle cache is required")
	}
	if cfg.Transcripts == nil {
		return nil, errors.New("transcript store is required")
	}
	home := cfg.HomeDir
	if home == "" {
		h, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		home = h
	}
	observability.EnsureRegistered()

	logger := cfg.Logger.With().Str("component", "registry").Logger()
	return &Registry{
		cache:       cfg.Cache,
		transcripts: cfg.Transcripts,
		index:       cfg.Index,
		hooks:       cfg.Hooks,
		queueOpts: sessionqueue.Options{
			Size:      cfg.QueueSize,
			WarnAfter: cfg.QueueWarnAfter,
			Logger:    cfg.Logger,
		},
		home:        home,
		logger:      logger,
		sessions:    make(map[string]*SessionHandle),
		queues:      make(map[string]*sessionqueue.Queue),
		wired:       make(map[string]bool),
		ended:       make(map[string]bool),
		approvals:   make(map[string]*surface.Surface),
		reconnectMu: make(map[string]*sync.Mutex),
	}, nil
}

// Ready reports whether Startup has succeeded.
func (r *Registry) Ready() bool { return r.ready.Load() }

// Startup restores tombstones from the index and pre-warms the bundle
// cache. A failure here must keep the daemon from reporting ready.
func (r *Registry) Startup(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, tracerName, "registry.startup")
	defer span.End()

	if r.index != nil {
		ids, err := r.index.Tombstones(ctx)
		if err != nil {
			return fmt.Errorf("load tombstones: %w", err)
		}
		r.mu.Lock()
		for _, id := range ids {
			r.ended[id] = true
		}
		r.mu.Unlock()

		n, err := r.index.EvictActive(ctx)
		if err != nil {
			return fmt.Errorf("evict stale sessions: %w", err)
		}
		if n > 0 {
			r.logger.Info().Int64("sessions", n).Msg("Sessions from previous run are now reconnectable")
		}
	}

	entry, err := r.cache.Prewarm(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	r.ready.Store(true)
	r.logger.Info().Str("bundle", entry.Name).Str("version", entry.Version).Msg("Registry ready")
	return nil
}

// Create starts a new session.
func (r *Registry) Create(ctx context.Context, opts CreateOptions) (SessionInfo, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "registry.create")
	defer span.End()

	if r.isStopped() {
		return SessionInfo{}, &TransientResourceError{Resource: "registry", Err: ErrRegistryStopped}
	}

	entry, cached, err := r.cache.Resolve(ctx, opts.Bundle)
	if err != nil {
		span.RecordError(err)
		return SessionInfo{}, err
	}

	workingDir, err := r.resolveWorkingDir(opts.WorkingDir)
	if err != nil {
		return SessionInfo{}, err
	}

	id := uuid.NewString()
	ctx = tracing.WithSessionID(ctx, id)
	span.SetAttributes(attribute.String("session_id", id), attribute.Bool("bundle_cached", cached))

	sess, err := entry.Prepared.CreateSession(ctx, runtime.SessionConfig{
		SessionID:   id,
		WorkingDir:  workingDir,
		Description: opts.Description,
	})
	if err != nil {
		span.RecordError(err)
		return SessionInfo{}, fmt.Errorf("create runtime session: %w", err)
	}
	if sess.ID() != "" {
		id = sess.ID()
	}

	h := newHandle(id, workingDir, transcript.ProjectSlug(workingDir), sess, entry.Prepared, r.cache.Version())
	if err := r.install(ctx, h, opts.Surface); err != nil {
		_ = sess.Close(ctx)
		return SessionInfo{}, err
	}

	observability.RecordSessionTransition("created")
	observability.RecordSessionAudit(ctx, "create", id, map[string]interface{}{
		"working_dir": workingDir,
		"surface":     h.Surface().Name(),
	})
	r.hooks.Fire(hooks.EventSessionCreated, map[string]interface{}{
		"session_id":  id,
		"working_dir": workingDir,
		"surface":     h.Surface().Name(),
	})

	logger := tracing.LoggerFromContext(ctx, r.logger)
	logger.Info().
		Str("working_dir", workingDir).
		Bool("bundle_cached", cached).
		Msg("Session created")
	return r.infoFor(h), nil
}

// install registers h, attaches its surface, registers session.spawn and
// starts its worker.
func (r *Registry) install(ctx context.Context, h *SessionHandle, s *surface.Surface) error {
	r.mu.Lock()
	if r.ended[h.id] {
		r.mu.Unlock()
		return &SessionNotFoundError{SessionID: h.id, Reason: reasonEnded}
	}
	r.sessions[h.id] = h
	active := len(r.sessions)
	r.mu.Unlock()
	observability.SetActiveSessions(active)

	if err := r.attach(h, s); err != nil {
		r.drop(h)
		return err
	}
	if err := r.registerSpawn(h); err != nil {
		r.drop(h)
		return err
	}
	r.ensureWorker(h.id)
	r.indexUpsert(ctx, h)
	return nil
}

// drop forgets a handle that failed to install.
func (r *Registry) drop(h *SessionHandle) {
	h.unwire()
	r.mu.Lock()
	delete(r.sessions, h.id)
	delete(r.wired, h.id)
	delete(r.approvals, h.id)
	active := len(r.sessions)
	r.mu.Unlock()
	observability.SetActiveSessions(active)
}

// Resume makes id live again, reconnecting from its transcript when it
// is not in memory, and attaches s when given.
func (r *Registry) Resume(ctx context.Context, id, workingDir string, s *surface.Surface) error {
	ctx, span := tracing.StartSpan(tracing.WithSessionID(ctx, id), tracerName, "registry.resume",
		attribute.String("session_id", id))
	defer span.End()

	if r.isEnded(id) {
		return &SessionNotFoundError{SessionID: id, Reason: reasonEnded}
	}

	h := r.get(id)
	if h == nil {
		var err error
		if h, err = r.reconnect(ctx, id, workingDir); err != nil {
			span.RecordError(err)
			return err
		}
	}
	if s != nil {
		if err := r.attach(h, s); err != nil {
			return err
		}
	}
	if _, restarted := r.ensureWorker(id); restarted {
		logger := tracing.LoggerFromContext(ctx, r.logger)
		logger.Warn().Msg("Session worker was not running, restarted")
	}

	observability.RecordSessionTransition("resumed")
	r.hooks.Fire(hooks.EventSessionResumed, map[string]interface{}{"session_id": id})
	return nil
}

// Execute runs one prompt through the session's queue and returns the
// runtime's response.
func (r *Registry) Execute(ctx context.Context, id, prompt string) (string, error) {
	ctx = tracing.WithSessionID(ctx, id)
	h := r.get(id)
	if h == nil || h.Ended() {
		return "", &SessionNotFoundError{SessionID: id}
	}
	q, _ := r.ensureWorker(id)
	if q == nil {
		return "", &SessionNotFoundError{SessionID: id}
	}

	v, err := q.Submit(ctx, func(opCtx context.Context) (interface{}, error) {
		turn := h.startTurn()
		user := transcript.Message{Role: transcript.RoleUser, Content: prompt, Timestamp: time.Now().UTC()}
		if err := r.transcripts.AppendProject(opCtx, h.project, h.id, user); err != nil {
			logger := tracing.LoggerFromContext(opCtx, r.logger)
			logger.Warn().Err(err).Int("turn", turn).Msg("Failed to persist prompt")
		}
		return h.session.Execute(opCtx, prompt)
	})
	if errors.Is(err, sessionqueue.ErrClosed) {
		return "", &TransientResourceError{Resource: "session queue", Err: err}
	}
	if err != nil {
		return "", err
	}
	resp, _ := v.(string)
	return resp, nil
}

// Cancel asks the runtime to stop the current turn. Unknown sessions, a
// missing coordinator or a repeated request at the same level are silent
// no-ops. Runtime errors are logged, never returned, and leave the level
// open for a retry.
func (r *Registry) Cancel(ctx context.Context, id string, level runtime.CancelLevel) {
	ctx = tracing.WithSessionID(ctx, id)
	logger := tracing.LoggerFromContext(ctx, r.logger)

	h := r.get(id)
	if h == nil {
		logger.Debug().Msg("Cancel for unknown session ignored")
		return
	}
	coord := h.session.Coordinator()
	if coord == nil {
		logger.Debug().Msg("Cancel ignored, session has no coordinator")
		return
	}
	if level == "" {
		level = runtime.CancelGraceful
	}
	prev, ok := h.claimCancel(level)
	if !ok {
		logger.Debug().Str("level", string(level)).Msg("Cancel already requested for this turn")
		return
	}

	ctx, span := tracing.StartSpan(ctx, tracerName, "registry.cancel", attribute.String("level", string(level)))
	defer span.End()

	outcome, err := runtime.RequestCancel(ctx, coord, level)
	switch {
	case err != nil:
		h.releaseCancel(level, prev)
		span.RecordError(err)
		logger.Warn().Err(err).Str("level", string(level)).Msg("Runtime cancel failed")
	case outcome == runtime.CancelUnsupported:
		logger.Debug().Msg("Runtime does not support cancellation")
	default:
		logger.Info().Str("level", string(level)).Msg("Cancellation requested")
	}
}

// End tombstones id, drains and releases its worker and forgets it. The id
// can never be resumed afterwards.
func (r *Registry) End(ctx context.Context, id string) error {
	ctx, span := tracing.StartSpan(tracing.WithSessionID(ctx, id), tracerName, "registry.end")
	defer span.End()

	r.mu.Lock()
	r.ended[id] = true
	h := r.sessions[id]
	q := r.queues[id]
	r.mu.Unlock()

	if h != nil {
		h.markEnded()
	}
	if r.index != nil {
		if err := r.index.MarkEnded(ctx, id); err != nil {
			r.logger.Warn().Err(err).Str("session_id", id).Msg("Failed to persist tombstone")
		}
	}

	var drainErr error
	if q != nil {
		drainErr = q.Close(ctx)
	}

	r.mu.Lock()
	delete(r.sessions, id)
	delete(r.queues, id)
	delete(r.wired, id)
	delete(r.approvals, id)
	delete(r.reconnectMu, id)
	active := len(r.sessions)
	r.mu.Unlock()
	observability.SetActiveSessions(active)

	if h == nil {
		return drainErr
	}
	h.unwire()
	if err := h.session.Close(ctx); err != nil {
		r.logger.Warn().Err(err).Str("session_id", id).Msg("Runtime session close failed")
	}
	r.transcripts.Forget(id)

	observability.RecordSessionTransition("ended")
	observability.RecordSessionAudit(ctx, "end", id, nil)
	r.hooks.Fire(hooks.EventSessionEnded, map[string]interface{}{"session_id": id})
	r.logger.Info().Str("session_id", id).Msg("Session ended")
	return drainErr
}

// ReloadBundle reloads the shared bundle and tells every attached surface.
// A failing callback is logged and does not affect the others.
func (r *Registry) ReloadBundle(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, tracerName, "registry.reload_bundle")
	defer span.End()

	entry, err := r.cache.Reload(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.RecordConfigAudit(ctx, "bundle_reload", "system", "failed", map[string]interface{}{"error": err.Error()})
		return err
	}

	notified, failed := 0, 0
	for _, h := range r.handles() {
		s := h.Surface()
		if s == nil || s.ReloadCallback() == nil {
			continue
		}
		notified++
		if err := r.notifyReload(ctx, h, s.ReloadCallback(), entry.Version); err != nil {
			failed++
			observability.RecordReloadCallbackFailure()
			r.logger.Warn().Err(err).Str("session_id", h.id).Msg("Reload callback failed")
		}
	}

	observability.RecordConfigAudit(ctx, "bundle_reload", "system", "success", map[string]interface{}{
		"version":  entry.Version,
		"notified": notified,
		"failed":   failed,
	})
	r.hooks.Fire(hooks.EventBundleReloaded, map[string]interface{}{
		"version": entry.Version,
		"bundle":  entry.Name,
	})
	r.logger.Info().Str("version", entry.Version).Int("notified", notified).Int("failed", failed).Msg("Bundle reloaded")
	return nil
}

func (r *Registry) notifyReload(ctx context.Context, h *SessionHandle, fn surface.ReloadFunc, version string) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("reload callback panicked: %v", p)
		}
	}()
	return fn(tracing.WithSessionID(ctx, h.id), version)
}

// GetInfo describes one live session.
func (r *Registry) GetInfo(id string) (SessionInfo, error) {
	h := r.get(id)
	if h == nil {
		return SessionInfo{}, &SessionNotFoundError{SessionID: id}
	}
	return r.infoFor(h), nil
}

// List describes every live session, oldest first.
func (r *Registry) List() []SessionInfo {
	hs := r.handles()
	out := make([]SessionInfo, 0, len(hs))
	for _, h := range hs {
		out = append(out, r.infoFor(h))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ResolveApproval answers a pending approval request on the session's
// current surface. It reports false for unknown sessions and unknown or
// already-answered requests.
func (r *Registry) ResolveApproval(id, requestID, choice string) bool {
	r.mu.Lock()
	s := r.approvals[id]
	r.mu.Unlock()
	if s == nil {
		return false
	}
	return s.Resolve(requestID, choice)
}

// Stop signals every worker, unhooks every session and clears the wired
// and approval sets. Handles stay so sessions can still be listed. Safe to
// call more than once.
func (r *Registry) Stop(ctx context.Context) error {
	r.mu.Lock()
	r.stopped = true
	queues := make([]*sessionqueue.Queue, 0, len(r.queues))
	for _, q := range r.queues {
		queues = append(queues, q)
	}
	hs := make([]*SessionHandle, 0, len(r.sessions))
	for _, h := range r.sessions {
		hs = append(hs, h)
	}
	r.wired = make(map[string]bool)
	r.approvals = make(map[string]*surface.Surface)
	r.mu.Unlock()

	r.ready.Store(false)

	var errs []error
	for _, q := range queues {
		if err := q.Halt(ctx); err != nil {
			errs = append(errs, fmt.Errorf("halt %s: %w", q.SessionID(), err))
		}
	}
	for _, h := range hs {
		h.unwire()
	}
	r.hooks.Wait()
	if len(hs) > 0 {
		r.logger.Info().Int("sessions", len(hs)).Msg("Registry stopped")
	}
	return errors.Join(errs...)
}

func (r *Registry) get(id string) *SessionHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id]
}

func (r *Registry) handles() []*SessionHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*SessionHandle, 0, len(r.sessions))
	for _, h := range r.sessions {
		out = append(out, h)
	}
	return out
}

func (r *Registry) isEnded(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ended[id]
}

func (r *Registry) isStopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

// ensureWorker returns the live queue for id, creating it or restarting
// its worker as needed, and reports whether a dead worker was restarted.
// The queue is nil for sessions that are not registered.
func (r *Registry) ensureWorker(id string) (*sessionqueue.Queue, bool) {
	r.mu.Lock()
	if _, ok := r.sessions[id]; !ok || r.ended[id] {
		r.mu.Unlock()
		return nil, false
	}
	q := r.queues[id]
	if q == nil || q.State() == sessionqueue.StateEnded {
		q = sessionqueue.New(id, r.queueOpts)
		r.queues[id] = q
	}
	r.mu.Unlock()
	started := q.EnsureRunning()
	return q, started && q.Starts() > 1
}

func (r *Registry) infoFor(h *SessionHandle) SessionInfo {
	info := h.info()
	r.mu.Lock()
	q := r.queues[h.id]
	r.mu.Unlock()
	if q != nil {
		info.QueueDepth = q.Len()
		info.Busy = q.Busy()
	}
	return info
}

func (r *Registry) resolveWorkingDir(dir string) (string, error) {
	if dir == "" {
		return r.home, nil
	}
	if len(dir) > 1 && dir[0] == '~' && (dir[1] == '/' || dir[1] == filepath.Separator) {
		dir = filepath.Join(r.home, dir[2:])
	} else if dir == "~" {
		dir = r.home
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve working dir %q: %w", dir, err)
	}
	return abs, nil
}

func (r *Registry) indexUpsert(ctx context.Context, h *SessionHandle) {
	if r.index == nil {
		return
	}
	name := ""
	if s := h.Surface(); s != nil {
		name = s.Name()
	}
	err := r.index.Upsert(ctx, sessionindex.Record{
		ID:            h.id,
		WorkingDir:    h.workingDir,
		Project:       h.project,
		Surface:       name,
		BundleVersion: h.bundleVersion,
	})
	if err != nil {
		r.logger.Warn().Err(err).Str("session_id", h.id).Msg("Failed to index session")
	}
}
