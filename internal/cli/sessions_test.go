package cli

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/harun/tether/pkg/sessionindex"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedIndex(t *testing.T, configPath string) {
	t.Helper()
	index, err := sessionindex.Open(sessionindex.Config{
		DBPath: filepath.Join(filepath.Dir(configPath), "sessions.db"),
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	defer index.Close()

	ctx := context.Background()
	require.NoError(t, index.Upsert(ctx, sessionindex.Record{ID: "sess-live", WorkingDir: "/work/a", Surface: "headless"}))
	require.NoError(t, index.Upsert(ctx, sessionindex.Record{ID: "sess-gone", WorkingDir: "/work/b", Surface: "interactive"}))
	require.NoError(t, index.MarkEnded(ctx, "sess-gone"))
}

func TestSessionsCommand(t *testing.T) {
	t.Run("no index yet", func(t *testing.T) {
		output, err := executeCommand(t, "sessions", "--config", writeConfig(t, nil))
		require.NoError(t, err)
		assert.Contains(t, output, "No sessions recorded yet")
	})

	t.Run("table", func(t *testing.T) {
		path := writeConfig(t, nil)
		seedIndex(t, path)

		output, err := executeCommand(t, "sessions", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, output, "SESSION")
		assert.Contains(t, output, "sess-live")
		assert.Contains(t, output, "sess-gone")
		assert.Contains(t, output, "/work/a")
	})

	t.Run("state filter as json", func(t *testing.T) {
		path := writeConfig(t, nil)
		seedIndex(t, path)

		output, err := executeCommand(t, "sessions", "--config", path, "--state", "ended", "--json")
		require.NoError(t, err)

		var records []sessionindex.Record
		require.NoError(t, json.Unmarshal([]byte(output), &records))
		require.Len(t, records, 1)
		assert.Equal(t, "sess-gone", records[0].ID)
		assert.Equal(t, sessionindex.StateEnded, records[0].State)
	})

	t.Run("no matches", func(t *testing.T) {
		path := writeConfig(t, nil)
		seedIndex(t, path)

		output, err := executeCommand(t, "sessions", "--config", path, "--state", "evicted")
		require.NoError(t, err)
		assert.Contains(t, output, "No sessions found")
	})

	t.Run("unknown state", func(t *testing.T) {
		_, err := executeCommand(t, "sessions", "--state", "zombie")
		assert.ErrorContains(t, err, "unknown state")
	})
}
