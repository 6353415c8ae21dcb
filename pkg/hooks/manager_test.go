package hooks

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTriggerInjectsEventData(t *testing.T) {
	out := filepath.Join(t.TempDir(), "env.txt")
	m, err := NewManager(Config{
		Enabled: true,
		Logger:  zerolog.Nop(),
		Hooks: []Hook{{
			ID:      "created",
			Event:   EventSessionCreated,
			Script:  `echo "$TETHER_HOOK_EVENT:$TETHER_HOOK_DATA_SESSION_ID:$TETHER_HOOK_DATA_WORKING_DIR" > ` + out,
			Enabled: true,
		}},
	})
	require.NoError(t, err)

	require.NoError(t, m.Trigger(context.Background(), EventSessionCreated, map[string]interface{}{
		"session_id":  "s-1",
		"working-dir": "/tmp/x",
	}))

	content, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "session:created:s-1:/tmp/x\n", string(content))
}

func TestTriggerPayloadJSON(t *testing.T) {
	out := filepath.Join(t.TempDir(), "payload.json")
	m, err := NewManager(Config{
		Enabled: true,
		Logger:  zerolog.Nop(),
		Hooks:   []Hook{{Event: EventBundleReloaded, Script: `printf '%s' "$TETHER_HOOK_PAYLOAD" > ` + out, Enabled: true}},
	})
	require.NoError(t, err)
	require.NoError(t, m.Trigger(context.Background(), EventBundleReloaded, map[string]interface{}{"version": "12.5"}))

	raw, err := os.ReadFile(out)
	require.NoError(t, err)
	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &payload))
	assert.Equal(t, "12.5", payload["version"])
}

func TestTriggerJoinsErrors(t *testing.T) {
	m, err := NewManager(Config{
		Enabled: true,
		Logger:  zerolog.Nop(),
		Hooks: []Hook{
			{ID: "fail-1", Event: EventSessionEnded, Script: "exit 2", Enabled: true},
			{ID: "fail-2", Event: EventSessionEnded, Script: "echo boom; exit 3", Enabled: true},
		},
	})
	require.NoError(t, err)

	err = m.Trigger(context.Background(), EventSessionEnded, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fail-1")
	assert.Contains(t, err.Error(), "boom")
}

func TestTriggerTimeout(t *testing.T) {
	m, err := NewManager(Config{
		Enabled: true,
		Logger:  zerolog.Nop(),
		Hooks:   []Hook{{Event: EventSessionCreated, Script: "sleep 5", Timeout: 50 * time.Millisecond, Enabled: true}},
	})
	require.NoError(t, err)

	start := time.Now()
	assert.Error(t, m.Trigger(context.Background(), EventSessionCreated, nil))
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestTriggerTimeoutKillsChildProcesses(t *testing.T) {
	out := filepath.Join(t.TempDir(), "late.txt")
	m, err := NewManager(Config{
		Enabled: true,
		Logger:  zerolog.Nop(),
		Hooks: []Hook{{
			Event:   EventSessionEnded,
			Script:  "(sleep 2; echo late > " + out + ") & sleep 5",
			Timeout: 50 * time.Millisecond,
			Enabled: true,
		}},
	})
	require.NoError(t, err)

	start := time.Now()
	assert.Error(t, m.Trigger(context.Background(), EventSessionEnded, nil))
	assert.Less(t, time.Since(start), 2*time.Second)

	// The backgrounded subshell was killed with the hook.
	time.Sleep(2500 * time.Millisecond)
	assert.NoFileExists(t, out)
}

func TestFireRunsInBackground(t *testing.T) {
	out := filepath.Join(t.TempDir(), "fired.txt")
	m, err := NewManager(Config{
		Enabled: true,
		Logger:  zerolog.Nop(),
		Hooks:   []Hook{{Event: EventDaemonReady, Script: "echo ready > " + out, Enabled: true}},
	})
	require.NoError(t, err)

	m.Fire(EventDaemonReady, nil)
	m.Wait()

	content, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "ready", strings.TrimSpace(string(content)))
}

func TestNewManagerValidation(t *testing.T) {
	_, err := NewManager(Config{Enabled: true, Hooks: []Hook{{Event: "made:up", Script: "true", Enabled: true}}})
	assert.Error(t, err)

	_, err = NewManager(Config{Enabled: true, Hooks: []Hook{{Event: EventSessionEnded, Enabled: true}}})
	assert.Error(t, err)

	// Disabled hooks are not validated.
	m, err := NewManager(Config{Enabled: true, Hooks: []Hook{{Event: "made:up", Enabled: false}}})
	require.NoError(t, err)
	assert.Zero(t, m.Count("made:up"))
}

func TestDisabledAndNilManager(t *testing.T) {
	m, err := NewManager(Config{Enabled: false, Hooks: []Hook{{Event: EventSessionCreated, Script: "exit 1", Enabled: true}}})
	require.NoError(t, err)
	assert.NoError(t, m.Trigger(context.Background(), EventSessionCreated, nil))

	var nilManager *Manager
	assert.NoError(t, nilManager.Trigger(context.Background(), EventSessionCreated, nil))
	nilManager.Fire(EventSessionCreated, nil)
	nilManager.Wait()
	assert.Zero(t, nilManager.Count(EventSessionCreated))
}
