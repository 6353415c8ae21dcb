package config

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/harun/tether/pkg/hooks"
	"github.com/robfig/cron/v3"
)

var telegramTokenPattern = regexp.MustCompile(`^\d+:[A-Za-z0-9_-]+$`)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateTelegramToken validates a Telegram bot token
func (v *Validator) ValidateTelegramToken(token string) error {
	if token == "" {
		return fmt.Errorf("telegram bot token cannot be empty")
	}
	// <bot_id>:<token>
	if !telegramTokenPattern.MatchString(token) {
		return fmt.Errorf("invalid Telegram bot token format")
	}
	return nil
}

// ValidateSocketModeTokens checks the app-level and bot token prefixes.
func (v *Validator) ValidateSocketModeTokens(appToken, botToken string) error {
	if !strings.HasPrefix(appToken, "xapp-") {
		return fmt.Errorf("socket mode app token must start with xapp-")
	}
	if !strings.HasPrefix(botToken, "xoxb-") {
		return fmt.Errorf("socket mode bot token must start with xoxb-")
	}
	return nil
}

// ValidateLogLevel validates a log level
func (v *Validator) ValidateLogLevel(level string) error {
	switch level {
	case "debug", "info", "warn", "error":
		return nil
	}
	return fmt.Errorf("invalid log level: %s (must be: debug, info, warn, error)", level)
}

// ValidatePort validates a TCP port
func (v *Validator) ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("invalid port: %d", port)
	}
	return nil
}

// ValidateCron validates a five-field cron expression
func (v *Validator) ValidateCron(spec string) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", spec, err)
	}
	return nil
}

// ValidateHook validates a lifecycle hook
func (v *Validator) ValidateHook(h HookConfig) error {
	if h.ID == "" {
		return fmt.Errorf("hook id is required")
	}
	if !hooks.KnownEvent(h.Event) {
		return fmt.Errorf("hook %s: unknown event %q", h.ID, h.Event)
	}
	if strings.TrimSpace(h.Script) == "" {
		return fmt.Errorf("hook %s: script is required", h.ID)
	}
	if h.Timeout < 0 {
		return fmt.Errorf("hook %s: timeout must not be negative", h.ID)
	}
	return nil
}

// ValidateConfig validates the entire configuration
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	if strings.TrimSpace(cfg.Bundle.Default) == "" {
		errs = append(errs, fmt.Errorf("bundle.default is required"))
	}
	if cfg.Bundle.RefreshCron != "" {
		if err := v.ValidateCron(cfg.Bundle.RefreshCron); err != nil {
			errs = append(errs, err)
		}
	}
	if cfg.Bundle.DebounceMS < 0 {
		errs = append(errs, fmt.Errorf("bundle.debounce_ms must not be negative"))
	}

	if cfg.Gateway.Enabled {
		if err := v.ValidatePort(cfg.Gateway.Port); err != nil {
			errs = append(errs, fmt.Errorf("gateway: %w", err))
		}
		if cfg.Gateway.EventBuffer < 1 {
			errs = append(errs, fmt.Errorf("gateway.event_buffer must be positive"))
		}
		if cfg.Gateway.ApprovalTimeout < 1 {
			errs = append(errs, fmt.Errorf("gateway.approval_timeout must be positive"))
		}
	}

	if cfg.Sessions.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("sessions.queue_size must not be negative"))
	}

	if cfg.Bridges.MinBackoff < 0 || cfg.Bridges.MaxBackoff < cfg.Bridges.MinBackoff {
		errs = append(errs, fmt.Errorf("bridges: backoff must satisfy 0 <= min_backoff <= max_backoff"))
	}
	if cfg.Telegram.Enabled {
		if err := v.ValidateTelegramToken(cfg.Telegram.BotToken); err != nil {
			errs = append(errs, err)
		}
	}
	if cfg.SocketMode.Enabled {
		if err := v.ValidateSocketModeTokens(cfg.SocketMode.AppToken, cfg.SocketMode.BotToken); err != nil {
			errs = append(errs, err)
		}
	}

	if cfg.Hooks.Enabled {
		for _, h := range cfg.Hooks.Hooks {
			if err := v.ValidateHook(h); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("tracing.sample_ratio must be within [0,1]"))
	}
	return errs
}
