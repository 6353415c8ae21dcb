package daemon

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/harun/tether/internal/config"
	"github.com/harun/tether/internal/logger"
	"github.com/harun/tether/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	tmpDir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.DataDir = tmpDir
	cfg.Logging.Console = false
	cfg.Gateway.Port = 0
	cfg.Bundle.Watch = false
	cfg.Bundle.OverlayDir = filepath.Join(tmpDir, "bundle")
	cfg.Sessions.ProjectsDir = filepath.Join(tmpDir, "projects")
	cfg.Sessions.IndexPath = filepath.Join(tmpDir, "sessions.db")
	cfg.Sessions.WorkingDir = t.TempDir()
	return cfg
}

// createTestDaemon creates a daemon for testing with bridges disabled
func createTestDaemon(t *testing.T, cfg *config.Config) *Daemon {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "info", Console: false})
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	d, err := New(cfg, log)
	require.NoError(t, err)
	return d
}

func TestNew(t *testing.T) {
	d := createTestDaemon(t, testConfig(t))

	assert.NotNil(t, d.registry)
	assert.NotNil(t, d.index)
	assert.NotNil(t, d.gatewayServer)
	assert.NotNil(t, d.eventLoop)
	assert.NotNil(t, d.lifecycle)
	assert.Nil(t, d.watcher)
	assert.Nil(t, d.scheduler)
	assert.Empty(t, d.bridges.Names())
	assert.NoError(t, d.index.Close())
}

func TestNewRejectsBadSchedule(t *testing.T) {
	cfg := testConfig(t)
	cfg.Bundle.RefreshCron = "not a schedule"

	log, err := logger.New(logger.Config{Level: "info"})
	require.NoError(t, err)
	defer log.Close()

	_, err = New(cfg, log)
	assert.ErrorContains(t, err, "bundle scheduler")
}

func TestDaemonStartStop(t *testing.T) {
	d := createTestDaemon(t, testConfig(t))

	require.NoError(t, d.Start())

	status := d.Status()
	assert.True(t, status.Running)
	assert.True(t, status.Ready)
	assert.Empty(t, status.Bridges)

	pid, err := ReadPID(d.config.PIDFile())
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	base := "http://" + d.GetGatewayServer().Addr()
	resp, err := http.Get(base + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(base + "/api/status")
	require.NoError(t, err)
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.Equal(t, "foundation", body["bundle"])
	assert.Contains(t, body, "bridges")
	assert.EqualValues(t, os.Getpid(), body["pid"])

	assert.Error(t, d.Start(), "second start is refused")

	require.NoError(t, d.Stop())
	assert.False(t, d.Status().Running)
	assert.NoFileExists(t, d.config.PIDFile())
	assert.Error(t, d.Stop(), "stop when not running")
}

func TestDaemonServesSessions(t *testing.T) {
	d := createTestDaemon(t, testConfig(t))
	require.NoError(t, d.Start())
	defer d.Stop()

	reg := d.GetRegistry()
	info, err := reg.Create(d.ctx, registry.CreateOptions{})
	require.NoError(t, err)
	assert.Equal(t, d.config.Sessions.WorkingDir, info.WorkingDir)

	reply, err := reg.Execute(d.ctx, info.SessionID, "hello")
	require.NoError(t, err)
	assert.NotEmpty(t, reply)

	rec, err := d.GetSessionIndex().Get(d.ctx, info.SessionID)
	require.NoError(t, err)
	assert.Equal(t, info.SessionID, rec.ID)
	assert.Equal(t, 1, d.Status().Sessions)
}

func TestStartRefusesLivePIDFile(t *testing.T) {
	cfg := testConfig(t)
	d := createTestDaemon(t, cfg)
	defer d.index.Close()

	require.NoError(t, os.WriteFile(cfg.PIDFile(), []byte(strconv.Itoa(os.Getppid())), 0o644))

	err := d.Start()
	require.ErrorIs(t, err, ErrAlreadyRunning)
	assert.False(t, d.Status().Running)
}

func TestStartReplacesStalePIDFile(t *testing.T) {
	cfg := testConfig(t)
	d := createTestDaemon(t, cfg)

	require.NoError(t, os.WriteFile(cfg.PIDFile(), []byte("999999999"), 0o644))
	require.NoError(t, d.Start())
	defer d.Stop()

	pid, err := ReadPID(cfg.PIDFile())
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestOverlayWriteReloadsBundle(t *testing.T) {
	cfg := testConfig(t)
	cfg.Bundle.Watch = true
	cfg.Bundle.DebounceMS = 20
	d := createTestDaemon(t, cfg)
	require.NotNil(t, d.watcher)

	require.NoError(t, d.Start())
	defer d.Stop()
	assert.Equal(t, "", d.cache.Version())

	_, err := d.GetOverlay().Ensure("git+https://example.com/bundles/tools")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return d.cache.Version() != ""
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, d.overlay.Dir(), d.cache.Target())
}

func TestDaemonReadyHookRuns(t *testing.T) {
	cfg := testConfig(t)
	marker := filepath.Join(cfg.DataDir, "ready.txt")
	cfg.Hooks = config.HooksConfig{
		Enabled: true,
		Shell:   "/bin/sh",
		Hooks: []config.HookConfig{{
			ID:      "ready",
			Event:   "daemon:ready",
			Script:  `printf '%s' "$TETHER_HOOK_EVENT" > ` + marker,
			Timeout: 5,
			Enabled: true,
		}},
	}
	d := createTestDaemon(t, cfg)
	require.NoError(t, d.Start())
	defer d.Stop()

	assert.Eventually(t, func() bool {
		raw, err := os.ReadFile(marker)
		return err == nil && string(raw) == "daemon:ready"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSharedPoolIsInjectedIntoBridges(t *testing.T) {
	cfg := testConfig(t)
	cfg.Bridges.SharedPool = true
	cfg.Telegram.Enabled = true
	cfg.Telegram.BotToken = "123:abc"
	cfg.SocketMode.Enabled = true
	cfg.SocketMode.AppToken = "xapp-1"
	cfg.SocketMode.BotToken = "xoxb-1"
	d := createTestDaemon(t, cfg)
	defer d.index.Close()

	require.NotNil(t, d.sharedPool)
	assert.Equal(t, []string{"socket_mode", "telegram"}, d.bridges.Names())
	for _, name := range d.bridges.Names() {
		a, ok := d.bridges.Get(name)
		require.True(t, ok)
		assert.Same(t, d.sharedPool, a.Pool())
	}
	assert.Equal(t, map[string]string{"socket_mode": "disconnected", "telegram": "disconnected"}, d.bridges.States())
}

func TestBridgesOwnPoolsByDefault(t *testing.T) {
	cfg := testConfig(t)
	cfg.Telegram.Enabled = true
	cfg.Telegram.BotToken = "123:abc"
	d := createTestDaemon(t, cfg)
	defer d.index.Close()

	assert.Nil(t, d.sharedPool)
	a, ok := d.bridges.Get("telegram")
	require.True(t, ok)
	assert.NotNil(t, a.Pool())
}

func TestNewFailsOnBadBridgeConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.SocketMode.Enabled = true

	log, err := logger.New(logger.Config{Level: "info"})
	require.NoError(t, err)
	defer log.Close()

	_, err = New(cfg, log)
	assert.ErrorContains(t, err, "socket mode")
}
