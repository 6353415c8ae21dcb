package daemon

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLifecycleManager(t *testing.T) {
	cfg := testConfig(t)
	d := createTestDaemon(t, cfg)
	defer d.index.Close()

	lm := NewLifecycleManager(d)
	assert.Equal(t, d, lm.daemon)
	assert.Equal(t, filepath.Join(cfg.DataDir, "tether.pid"), lm.PIDFile())
}

func TestLifecycleManagerStartStop(t *testing.T) {
	d := createTestDaemon(t, testConfig(t))
	defer d.index.Close()
	lm := NewLifecycleManager(d)

	require.NoError(t, lm.Start())
	assert.FileExists(t, lm.PIDFile())

	pid, err := ReadPID(lm.PIDFile())
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	// Our own pid in the file is not a conflict.
	require.NoError(t, lm.Start())

	require.NoError(t, lm.Stop())
	assert.NoFileExists(t, lm.PIDFile())
	require.NoError(t, lm.Stop(), "removing a missing PID file is fine")
}

func TestReadPID(t *testing.T) {
	dir := t.TempDir()

	_, err := ReadPID(filepath.Join(dir, "missing.pid"))
	assert.True(t, os.IsNotExist(err))

	bad := filepath.Join(dir, "bad.pid")
	require.NoError(t, os.WriteFile(bad, []byte("nope"), 0o644))
	_, err = ReadPID(bad)
	assert.ErrorContains(t, err, "invalid PID file")

	good := filepath.Join(dir, "good.pid")
	require.NoError(t, os.WriteFile(good, []byte("42\n"), 0o644))
	pid, err := ReadPID(good)
	require.NoError(t, err)
	assert.Equal(t, 42, pid)
}

func TestProcessAlive(t *testing.T) {
	assert.True(t, ProcessAlive(os.Getpid()))
	assert.False(t, ProcessAlive(0))
	assert.False(t, ProcessAlive(-1))
	assert.False(t, ProcessAlive(999999999))
}
