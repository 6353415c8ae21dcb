package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	dirName   = ".tether"
	fileName  = "tether.json"
	keysFile  = "keys.env"
	envPrefix = "TETHER"
)

// secret is a credential that may also come from the environment or
// keys.env. Names are tried in order; the first is the canonical one.
type secret struct {
	names []string
	set   func(*Config, string)
}

var secrets = []secret{
	{
		names: []string{"TETHER_TELEGRAM_BOT_TOKEN", "TELEGRAM_BOT_TOKEN"},
		set:   func(c *Config, v string) { c.Telegram.BotToken = v },
	},
	{
		names: []string{"TETHER_SOCKET_MODE_APP_TOKEN", "SLACK_APP_TOKEN"},
		set:   func(c *Config, v string) { c.SocketMode.AppToken = v },
	},
	{
		names: []string{"TETHER_SOCKET_MODE_BOT_TOKEN", "SLACK_BOT_TOKEN"},
		set:   func(c *Config, v string) { c.SocketMode.BotToken = v },
	},
	{
		names: []string{"TETHER_GATEWAY_SHARED_SECRET"},
		set:   func(c *Config, v string) { c.Gateway.SharedSecret = v },
	},
}

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, dirName, fileName)
}

// Load reads the config file when it exists, applies TETHER_* overrides
// and secrets, and resolves derived paths. Secrets resolve as
// environment, then keys.env, then the file.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return nil, fmt.Errorf("failed to get home directory")
	}

	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	registerKeys(v, DefaultConfig())

	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Dir(configPath)
	}
	if err := applySecrets(cfg, filepath.Join(cfg.DataDir, keysFile)); err != nil {
		return nil, err
	}
	cfg.resolvePaths()
	return cfg, nil
}

// registerKeys makes every scalar key known to viper so AutomaticEnv can
// override it even when the file does not mention it.
func registerKeys(v *viper.Viper, cfg *Config) {
	defaults := map[string]interface{}{
		"data_dir":                  cfg.DataDir,
		"logging.level":             cfg.Logging.Level,
		"logging.file":              cfg.Logging.File,
		"logging.console":           cfg.Logging.Console,
		"logging.pretty":            cfg.Logging.Pretty,
		"gateway.enabled":           cfg.Gateway.Enabled,
		"gateway.host":              cfg.Gateway.Host,
		"gateway.port":              cfg.Gateway.Port,
		"gateway.event_buffer":      cfg.Gateway.EventBuffer,
		"gateway.approval_timeout":  cfg.Gateway.ApprovalTimeout,
		"bundle.default":            cfg.Bundle.Default,
		"bundle.overlay_dir":        cfg.Bundle.OverlayDir,
		"bundle.watch":              cfg.Bundle.Watch,
		"bundle.refresh_cron":       cfg.Bundle.RefreshCron,
		"sessions.projects_dir":     cfg.Sessions.ProjectsDir,
		"sessions.index_path":       cfg.Sessions.IndexPath,
		"sessions.queue_size":       cfg.Sessions.QueueSize,
		"sessions.working_dir":      cfg.Sessions.WorkingDir,
		"telegram.enabled":          cfg.Telegram.Enabled,
		"socket_mode.enabled":       cfg.SocketMode.Enabled,
		"socket_mode.api_url":       cfg.SocketMode.APIURL,
		"hooks.enabled":             cfg.Hooks.Enabled,
		"tracing.enabled":           cfg.Tracing.Enabled,
		"tracing.sample_ratio":      cfg.Tracing.SampleRatio,
		"bridges.shared_pool":       cfg.Bridges.SharedPool,
		"runtime.chunk_delay_ms":    cfg.Runtime.ChunkDelayMS,
		"sessions.queue_warn_after": cfg.Sessions.QueueWarnAfter,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

// applySecrets overlays keys.env, then the environment, onto cfg.
func applySecrets(cfg *Config, keysPath string) error {
	keys := viper.New()
	if _, err := os.Stat(keysPath); err == nil {
		keys.SetConfigFile(keysPath)
		keys.SetConfigType("env")
		if err := keys.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read %s: %w", keysFile, err)
		}
	}

	for _, s := range secrets {
		if v, ok := lookupEnv(s.names); ok {
			s.set(cfg, v)
			continue
		}
		for _, name := range s.names {
			if v := strings.TrimSpace(keys.GetString(name)); v != "" {
				s.set(cfg, v)
				break
			}
		}
	}
	return nil
}

func lookupEnv(names []string) (string, bool) {
	for _, name := range names {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			return v, true
		}
	}
	return "", false
}

// Save saves the configuration to file. Secrets are left out; they
// belong in keys.env or the environment.
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to get home directory")
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	stripped := *cfg
	stripped.Telegram.BotToken = ""
	stripped.SocketMode.AppToken = ""
	stripped.SocketMode.BotToken = ""
	stripped.Gateway.SharedSecret = ""

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")
	v.Set("data_dir", stripped.DataDir)
	v.Set("logging", stripped.Logging)
	v.Set("gateway", stripped.Gateway)
	v.Set("bundle", stripped.Bundle)
	v.Set("sessions", stripped.Sessions)
	v.Set("runtime", stripped.Runtime)
	v.Set("bridges", stripped.Bridges)
	v.Set("telegram", stripped.Telegram)
	v.Set("socket_mode", stripped.SocketMode)
	v.Set("hooks", stripped.Hooks)
	v.Set("tracing", stripped.Tracing)

	if err := v.WriteConfig(); err != nil {
		if os.IsNotExist(err) {
			if err := v.SafeWriteConfig(); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
		} else {
			return fmt.Errorf("failed to write config file: %w", err)
		}
	}
	return nil
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
