package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/harun/tether/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigureCommand(t *testing.T) {
	t.Run("help text", func(t *testing.T) {
		output, err := executeCommand(t, "configure", "--help")
		require.NoError(t, err)
		assert.Contains(t, output, "Write or update the Tether configuration file")
	})

	t.Run("writes only changed fields", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "tether.json")

		output, err := executeCommand(t, "configure", "--config", path,
			"--port", "9100", "--bundle", "dev", "--telegram-allow", "11,22", "--shared-pool")
		require.NoError(t, err)
		assert.Contains(t, output, "Configuration saved to: "+path)

		cfg, err := config.Load(path)
		require.NoError(t, err)
		assert.Equal(t, 9100, cfg.Gateway.Port)
		assert.Equal(t, "dev", cfg.Bundle.Default)
		assert.Equal(t, []int64{11, 22}, cfg.Telegram.Allowlist)
		assert.True(t, cfg.Bridges.SharedPool)
		assert.Equal(t, "127.0.0.1", cfg.Gateway.Host)

		_, err = executeCommand(t, "configure", "--config", path, "--host", "0.0.0.0")
		require.NoError(t, err)
		cfg, err = config.Load(path)
		require.NoError(t, err)
		assert.Equal(t, "0.0.0.0", cfg.Gateway.Host)
		assert.Equal(t, 9100, cfg.Gateway.Port, "earlier values survive")
	})

	t.Run("never writes tokens", func(t *testing.T) {
		t.Setenv("TETHER_TELEGRAM_BOT_TOKEN", "123456:ABCdef")
		path := filepath.Join(t.TempDir(), "tether.json")

		_, err := executeCommand(t, "configure", "--config", path, "--telegram")
		require.NoError(t, err)

		raw, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.NotContains(t, string(raw), "ABCdef")
	})

	t.Run("rejects invalid configuration", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "tether.json")
		_, err := executeCommand(t, "configure", "--config", path, "--port", "70000")
		assert.ErrorContains(t, err, "invalid configuration")
		assert.NoFileExists(t, path)
	})
}
