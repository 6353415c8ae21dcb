// Package hooks runs operator-configured shell scripts on session and
// bundle lifecycle events.
package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Lifecycle events scripts can subscribe to.
const (
	EventSessionCreated     = "session:created"
	EventSessionResumed     = "session:resumed"
	EventSessionReconnected = "session:reconnected"
	EventSessionEnded       = "session:ended"
	EventBundleReloaded     = "bundle:reloaded"
	EventDaemonReady        = "daemon:ready"
)

var knownEvents = map[string]bool{
	EventSessionCreated:     true,
	EventSessionResumed:     true,
	EventSessionReconnected: true,
	EventSessionEnded:       true,
	EventBundleReloaded:     true,
	EventDaemonReady:        true,
}

// KnownEvent reports whether scripts may subscribe to event.
func KnownEvent(event string) bool { return knownEvents[event] }

const defaultTimeout = 30 * time.Second

// waitDelay bounds how long a timed-out hook may keep its output open.
const waitDelay = time.Second

// Hook binds a script to one lifecycle event.
type Hook struct {
	ID      string
	Event   string
	Script  string
	Timeout time.Duration
	Enabled bool
}

// Config configures a Manager.
type Config struct {
	Enabled bool
	Hooks   []Hook
	// Shell runs each script as `Shell -c script`; defaults to /bin/sh.
	Shell  string
	Logger zerolog.Logger
}

// Manager executes hooks. A nil *Manager is valid and does nothing.
type Manager struct {
	enabled bool
	shell   string
	logger  zerolog.Logger

	mu      sync.RWMutex
	byEvent map[string][]Hook
	wg      sync.WaitGroup
}

func NewManager(cfg Config) (*Manager, error) {
	m := &Manager{
		enabled: cfg.Enabled,
		shell:   cfg.Shell,
		logger:  cfg.Logger.With().Str("component", "hooks").Logger(),
		byEvent: make(map[string][]Hook),
	}
	if m.shell == "" {
		m.shell = "/bin/sh"
	}
	if !cfg.Enabled {
		return m, nil
	}

	for _, hook := range cfg.Hooks {
		if !hook.Enabled {
			continue
		}
		event := strings.TrimSpace(hook.Event)
		if !knownEvents[event] {
			return nil, fmt.Errorf("unknown hook event %q", hook.Event)
		}
		if strings.TrimSpace(hook.Script) == "" {
			return nil, fmt.Errorf("hook script is required for event %q", event)
		}
		if hook.Timeout <= 0 {
			hook.Timeout = defaultTimeout
		}
		hook.Event = event
		m.byEvent[event] = append(m.byEvent[event], hook)
	}
	return m, nil
}

// Count returns the number of hooks bound to event.
func (m *Manager) Count(event string) int {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byEvent[event])
}

// Trigger runs every hook for event in order and joins their errors.
func (m *Manager) Trigger(ctx context.Context, event string, data map[string]interface{}) error {
	if m == nil || !m.enabled {
		return nil
	}
	m.mu.RLock()
	hooks := append([]Hook(nil), m.byEvent[event]...)
	m.mu.RUnlock()

	var errs []error
	for _, hook := range hooks {
		if err := m.run(ctx, hook, data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Fire runs Trigger in the background and logs failures. Session
// operations use it so a slow script never holds a session lock.
func (m *Manager) Fire(event string, data map[string]interface{}) {
	if m == nil || !m.enabled || m.Count(event) == 0 {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.Trigger(context.Background(), event, data); err != nil {
			m.logger.Warn().Err(err).Str("event", event).Msg("Lifecycle hook failed")
		}
	}()
}

// Wait blocks until background hooks started by Fire have finished.
func (m *Manager) Wait() {
	if m == nil {
		return
	}
	m.wg.Wait()
}

func (m *Manager) run(ctx context.Context, hook Hook, data map[string]interface{}) error {
	id := hook.ID
	if strings.TrimSpace(id) == "" {
		id = hook.Event
	}

	runCtx, cancel := context.WithTimeout(ctx, hook.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, m.shell, "-c", hook.Script)
	cmd.Env = hookEnvironment(hook.Event, data)
	killGroup(cmd)
	// Output pipes held open by a surviving grandchild must not outlast
	// the timeout.
	cmd.WaitDelay = waitDelay

	start := time.Now()
	output, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(output))
	if err != nil {
		if text != "" {
			return fmt.Errorf("hook %s failed: %w: %s", id, err, text)
		}
		return fmt.Errorf("hook %s failed: %w", id, err)
	}

	m.logger.Debug().
		Str("event", hook.Event).
		Str("hook_id", id).
		Dur("duration", time.Since(start)).
		Str("output", text).
		Msg("Hook executed")
	return nil
}

// hookEnvironment exposes the event as TETHER_HOOK_EVENT, the whole payload
// as JSON in TETHER_HOOK_PAYLOAD and each field as TETHER_HOOK_DATA_<KEY>.
func hookEnvironment(event string, data map[string]interface{}) []string {
	env := append([]string{}, os.Environ()...)
	env = append(env, "TETHER_HOOK_EVENT="+event)
	if len(data) == 0 {
		return env
	}

	if payload, err := json.Marshal(data); err == nil {
		env = append(env, "TETHER_HOOK_PAYLOAD="+string(payload))
	}

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		env = append(env, "TETHER_HOOK_DATA_"+envKey(key)+"="+fmt.Sprintf("%v", data[key]))
	}
	return env
}

func envKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return "UNKNOWN"
	}
	var b strings.Builder
	b.Grow(len(key))
	for _, r := range strings.ToUpper(key) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			continue
		}
		b.WriteRune('_')
	}
	return b.String()
}
