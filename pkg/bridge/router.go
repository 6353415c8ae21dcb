package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/harun/tether/pkg/registry"
	"github.com/harun/tether/pkg/runtime"
	"github.com/harun/tether/pkg/surface"
	"github.com/rs/zerolog"
)

// Sessions is the slice of the registry a bridge needs.
type Sessions interface {
	Create(ctx context.Context, opts registry.CreateOptions) (registry.SessionInfo, error)
	Resume(ctx context.Context, id, workingDir string, s *surface.Surface) error
	Execute(ctx context.Context, id, prompt string) (string, error)
	Cancel(ctx context.Context, id string, level runtime.CancelLevel)
	End(ctx context.Context, id string) error
}

// Inbound is a normalized platform message.
type Inbound struct {
	Bridge string
	// Thread identifies the conversation; each thread maps to one session.
	Thread string
	Text   string
	User   string
}

// Router maps platform threads to sessions. Sessions it creates run with
// the headless surface.
type Router struct {
	sessions   Sessions
	workingDir string
	logger     zerolog.Logger

	mu      sync.Mutex
	threads map[string]string
}

func NewRouter(sessions Sessions, workingDir string, logger zerolog.Logger) *Router {
	return &Router{
		sessions:   sessions,
		workingDir: workingDir,
		logger:     logger.With().Str("component", "bridge_router").Logger(),
		threads:    make(map[string]string),
	}
}

func threadKey(msg Inbound) string {
	return msg.Bridge + ":" + msg.Thread
}

// SessionFor returns the session bound to the message's thread, if any.
func (r *Router) SessionFor(msg Inbound) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.threads[threadKey(msg)]
	return id, ok
}

// Dispatch runs msg.Text in the thread's session, creating it on first
// use. A session the registry no longer holds in memory is reconnected
// from its transcript; one that cannot be is replaced.
func (r *Router) Dispatch(ctx context.Context, msg Inbound) (string, error) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return "", nil
	}
	if msg.Thread == "" {
		return "", fmt.Errorf("thread is required")
	}

	id, err := r.session(ctx, msg)
	if err != nil {
		return "", err
	}
	resp, err := r.sessions.Execute(ctx, id, text)
	if !errors.Is(err, registry.ErrSessionNotFound) {
		return resp, err
	}

	var nf *registry.SessionNotFoundError
	ended := errors.As(err, &nf) && nf.Reason != ""
	if !ended {
		if rerr := r.sessions.Resume(ctx, id, r.workingDir, nil); rerr == nil {
			return r.sessions.Execute(ctx, id, text)
		}
	}
	r.logger.Info().Str("thread", threadKey(msg)).Str("session_id", id).Msg("Thread session is gone, starting a new one")
	r.forget(msg, id)
	if id, err = r.session(ctx, msg); err != nil {
		return "", err
	}
	return r.sessions.Execute(ctx, id, text)
}

func (r *Router) session(ctx context.Context, msg Inbound) (string, error) {
	key := threadKey(msg)
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.threads[key]; ok {
		return id, nil
	}
	info, err := r.sessions.Create(ctx, registry.CreateOptions{
		WorkingDir:  r.workingDir,
		Description: key,
	})
	if err != nil {
		return "", fmt.Errorf("create session for %s: %w", key, err)
	}
	r.threads[key] = info.SessionID
	r.logger.Info().Str("thread", key).Str("session_id", info.SessionID).Msg("Thread bound to new session")
	return info.SessionID, nil
}

func (r *Router) forget(msg Inbound, id string) {
	key := threadKey(msg)
	r.mu.Lock()
	if r.threads[key] == id {
		delete(r.threads, key)
	}
	r.mu.Unlock()
}

// Cancel stops the current turn in the thread's session.
func (r *Router) Cancel(ctx context.Context, msg Inbound, level runtime.CancelLevel) bool {
	id, ok := r.SessionFor(msg)
	if !ok {
		return false
	}
	r.sessions.Cancel(ctx, id, level)
	return true
}

// Reset ends the thread's session; the next message starts a fresh one.
func (r *Router) Reset(ctx context.Context, msg Inbound) error {
	id, ok := r.SessionFor(msg)
	if !ok {
		return nil
	}
	r.forget(msg, id)
	if err := r.sessions.End(ctx, id); err != nil && !errors.Is(err, registry.ErrSessionNotFound) {
		return err
	}
	return nil
}
