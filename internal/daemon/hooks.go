package daemon

import (
	"strings"

	"github.com/harun/tether/internal/config"
	"github.com/harun/tether/pkg/hooks"
	"github.com/rs/zerolog"
)

func newHookManager(cfg config.HooksConfig, logger zerolog.Logger) (*hooks.Manager, error) {
	hookDefs := make([]hooks.Hook, 0, len(cfg.Hooks))
	for _, entry := range cfg.Hooks {
		hookDefs = append(hookDefs, hooks.Hook{
			ID:      strings.TrimSpace(entry.ID),
			Event:   strings.TrimSpace(entry.Event),
			Script:  strings.TrimSpace(entry.Script),
			Timeout: entry.TimeoutDuration(),
			Enabled: entry.Enabled,
		})
	}

	return hooks.NewManager(hooks.Config{
		Enabled: cfg.Enabled,
		Hooks:   hookDefs,
		Shell:   cfg.Shell,
		Logger:  logger,
	})
}
