package registry

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/harun/tether/internal/observability"
	"github.com/harun/tether/internal/tracing"
	"github.com/harun/tether/pkg/hooks"
	"github.com/harun/tether/pkg/runtime"
	"github.com/harun/tether/pkg/transcript"
	"go.opentelemetry.io/otel/attribute"
)

// Reconnect rebuilds a session that is not in memory from its most recent
// transcript. Concurrent reconnects of one id share the first caller's
// result.
func (r *Registry) Reconnect(ctx context.Context, id string) (*SessionHandle, error) {
	return r.reconnect(ctx, id, "")
}

func (r *Registry) reconnectLock(id string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.reconnectMu[id]
	if !ok {
		l = &sync.Mutex{}
		r.reconnectMu[id] = l
	}
	return l
}

func (r *Registry) reconnect(ctx context.Context, id, workingDir string) (*SessionHandle, error) {
	ctx = tracing.WithSessionID(ctx, id)
	ctx, span := tracing.StartSpan(ctx, tracerName, "registry.reconnect", attribute.String("session_id", id))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, r.logger)

	if r.isEnded(id) {
		return nil, &SessionNotFoundError{SessionID: id, Reason: reasonEnded}
	}

	lock := r.reconnectLock(id)
	lock.Lock()
	defer lock.Unlock()

	// Someone else may have finished while we waited.
	if h := r.get(id); h != nil {
		return h, nil
	}
	if r.isEnded(id) {
		return nil, &SessionNotFoundError{SessionID: id, Reason: reasonEnded}
	}

	start := time.Now()
	r.ensureProcessDir()

	entry, _, err := r.cache.Resolve(ctx, "")
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	project, history, err := r.transcripts.Find(ctx, id)
	if errors.Is(err, transcript.ErrNotFound) {
		return nil, &ReconnectError{SessionID: id, Err: errors.New("unknown session: no transcript")}
	}
	if err != nil {
		span.RecordError(err)
		return nil, &ReconnectError{SessionID: id, Err: err}
	}

	repaired, fixed := transcript.ReconcileToolCalls(history)
	if fixed > 0 {
		logger.Warn().Int("tool_calls", fixed).Msg("Closed tool calls left open by an interrupted run")
		if err := r.transcripts.Rewrite(ctx, project, id, repaired); err != nil {
			logger.Warn().Err(err).Msg("Failed to rewrite repaired transcript")
		}
	}

	workingDir = r.reconnectDir(ctx, id, project, workingDir)
	sess, err := entry.Prepared.Resume(ctx, runtime.SessionConfig{SessionID: id, WorkingDir: workingDir}, repaired)
	if err != nil {
		span.RecordError(err)
		return nil, &ReconnectError{SessionID: id, Err: err}
	}

	h := newHandle(id, workingDir, project, sess, entry.Prepared, r.cache.Version())
	h.setTurns(transcript.CountTurns(repaired))
	if err := r.install(ctx, h, nil); err != nil {
		_ = sess.Close(ctx)
		return nil, err
	}

	observability.RecordReconnect(time.Since(start))
	observability.RecordSessionTransition("reconnected")
	observability.RecordSessionAudit(ctx, "reconnect", id, map[string]interface{}{
		"messages": len(repaired),
		"repaired": fixed,
	})
	r.hooks.Fire(hooks.EventSessionReconnected, map[string]interface{}{
		"session_id":  id,
		"working_dir": workingDir,
	})
	logger.Info().Int("messages", len(repaired)).Str("project", project).Msg("Session reconnected")
	return h, nil
}

// ensureProcessDir moves the process to the home directory when its
// current directory has been deleted; bundle preparation resolves
// relative paths against it.
func (r *Registry) ensureProcessDir() {
	wd, err := os.Getwd()
	if err == nil {
		_, err = os.Stat(wd)
	}
	if err == nil {
		return
	}
	if cerr := os.Chdir(r.home); cerr != nil {
		r.logger.Error().Err(cerr).Str("home", r.home).Msg("Working directory is gone and home is unreachable")
		return
	}
	r.logger.Warn().Err(err).Str("home", r.home).Msg("Working directory no longer exists, moved to home")
}

// reconnectDir picks the session's working directory: the caller's, then
// the index, then metadata, then home. Directories that no longer exist
// are skipped.
func (r *Registry) reconnectDir(ctx context.Context, id, project, requested string) string {
	candidates := []string{requested}
	if r.index != nil {
		if rec, err := r.index.Get(ctx, id); err == nil {
			candidates = append(candidates, rec.WorkingDir)
		}
	}
	if md, err := r.transcripts.ReadMetadata(project, id); err == nil {
		if wd, ok := md["working_dir"].(string); ok {
			candidates = append(candidates, wd)
		}
	}
	for _, c := range candidates {
		if c == "" {
			continue
		}
		dir, err := r.resolveWorkingDir(c)
		if err != nil {
			continue
		}
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir
		}
	}
	return r.home
}
