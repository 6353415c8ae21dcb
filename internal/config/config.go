package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/harun/tether/internal/logger"
)

// Config represents the main tether configuration
type Config struct {
	// Data directory; every relative path below resolves against it.
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	Logging    LoggingConfig    `json:"logging" mapstructure:"logging"`
	Gateway    GatewayConfig    `json:"gateway" mapstructure:"gateway"`
	Bundle     BundleConfig     `json:"bundle" mapstructure:"bundle"`
	Sessions   SessionsConfig   `json:"sessions" mapstructure:"sessions"`
	Runtime    RuntimeConfig    `json:"runtime" mapstructure:"runtime"`
	Bridges    BridgesConfig    `json:"bridges" mapstructure:"bridges"`
	Telegram   TelegramConfig   `json:"telegram" mapstructure:"telegram"`
	SocketMode SocketModeConfig `json:"socket_mode" mapstructure:"socket_mode"`
	Hooks      HooksConfig      `json:"hooks" mapstructure:"hooks"`
	Tracing    TracingConfig    `json:"tracing" mapstructure:"tracing"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// GatewayConfig holds the HTTP/WebSocket front-end configuration
type GatewayConfig struct {
	Enabled      bool   `json:"enabled" mapstructure:"enabled"`
	Host         string `json:"host" mapstructure:"host"`
	Port         int    `json:"port" mapstructure:"port"`
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`
	// EventBuffer bounds each connection's event channel.
	EventBuffer     int `json:"event_buffer" mapstructure:"event_buffer"`
	ApprovalTimeout int `json:"approval_timeout" mapstructure:"approval_timeout"` // seconds
}

// BundleConfig controls which bundle sessions run and how it refreshes
type BundleConfig struct {
	Default    string `json:"default" mapstructure:"default"`
	OverlayDir string `json:"overlay_dir" mapstructure:"overlay_dir"`
	Watch      bool   `json:"watch" mapstructure:"watch"`
	// RefreshCron reloads the bundle on a schedule; empty disables.
	RefreshCron string `json:"refresh_cron" mapstructure:"refresh_cron"`
	DebounceMS  int    `json:"debounce_ms" mapstructure:"debounce_ms"`
}

// SessionsConfig controls session storage and queues
type SessionsConfig struct {
	ProjectsDir string `json:"projects_dir" mapstructure:"projects_dir"`
	IndexPath   string `json:"index_path" mapstructure:"index_path"`
	QueueSize   int    `json:"queue_size" mapstructure:"queue_size"`
	// QueueWarnAfter logs operations slower than this many seconds.
	QueueWarnAfter int `json:"queue_warn_after" mapstructure:"queue_warn_after"`
	// WorkingDir is used when a front-end does not send one; empty means home.
	WorkingDir string `json:"working_dir" mapstructure:"working_dir"`
}

// RuntimeConfig configures the built-in loopback runtime
type RuntimeConfig struct {
	ChunkDelayMS int      `json:"chunk_delay_ms" mapstructure:"chunk_delay_ms"`
	Agents       []string `json:"agents" mapstructure:"agents"`
}

// BridgesConfig holds settings shared by chat bridges
type BridgesConfig struct {
	MinBackoff int `json:"min_backoff" mapstructure:"min_backoff"` // seconds
	MaxBackoff int `json:"max_backoff" mapstructure:"max_backoff"` // seconds
	// SharedPool gives every bridge one HTTP pool owned by the daemon.
	SharedPool bool `json:"shared_pool" mapstructure:"shared_pool"`
}

// TelegramConfig holds Telegram bot configuration
type TelegramConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	BotToken    string  `json:"bot_token" mapstructure:"bot_token"`
	Allowlist   []int64 `json:"allowlist" mapstructure:"allowlist"`
	PollTimeout int     `json:"poll_timeout" mapstructure:"poll_timeout"` // seconds
	WorkingDir  string  `json:"working_dir" mapstructure:"working_dir"`
}

// SocketModeConfig holds the socket-mode chat bridge configuration
type SocketModeConfig struct {
	Enabled    bool   `json:"enabled" mapstructure:"enabled"`
	AppToken   string `json:"app_token" mapstructure:"app_token"`
	BotToken   string `json:"bot_token" mapstructure:"bot_token"`
	APIURL     string `json:"api_url" mapstructure:"api_url"`
	WorkingDir string `json:"working_dir" mapstructure:"working_dir"`
}

// HooksConfig holds lifecycle script hooks
type HooksConfig struct {
	Enabled bool         `json:"enabled" mapstructure:"enabled"`
	Shell   string       `json:"shell" mapstructure:"shell"`
	Hooks   []HookConfig `json:"hooks" mapstructure:"hooks"`
}

// HookConfig binds a script to a lifecycle event
type HookConfig struct {
	ID      string `json:"id" mapstructure:"id"`
	Event   string `json:"event" mapstructure:"event"`
	Script  string `json:"script" mapstructure:"script"`
	Timeout int    `json:"timeout" mapstructure:"timeout"` // seconds
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	ServiceName string  `json:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Gateway: GatewayConfig{
			Enabled:         true,
			Host:            "127.0.0.1",
			Port:            8410,
			EventBuffer:     10000,
			ApprovalTimeout: 300,
		},
		Bundle: BundleConfig{
			Default:    "foundation",
			Watch:      true,
			DebounceMS: 250,
		},
		Sessions: SessionsConfig{
			QueueSize:      64,
			QueueWarnAfter: 120,
		},
		Runtime: RuntimeConfig{
			ChunkDelayMS: 0,
			Agents:       []string{"explorer"},
		},
		Bridges: BridgesConfig{
			MinBackoff: 1,
			MaxBackoff: 60,
		},
		Telegram: TelegramConfig{
			PollTimeout: 30,
		},
		Hooks: HooksConfig{
			Shell: "/bin/sh",
		},
		Tracing: TracingConfig{
			ServiceName: "tether",
			SampleRatio: 1,
		},
	}
}

// resolvePaths fills derived paths under DataDir.
func (c *Config) resolvePaths() {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(c.DataDir, p)
	}
	if c.Logging.File == "" {
		c.Logging.File = "tether.log"
	}
	if c.Bundle.OverlayDir == "" {
		c.Bundle.OverlayDir = "bundle"
	}
	if c.Sessions.ProjectsDir == "" {
		c.Sessions.ProjectsDir = "projects"
	}
	if c.Sessions.IndexPath == "" {
		c.Sessions.IndexPath = "sessions.db"
	}
	c.Logging.File = abs(c.Logging.File)
	c.Bundle.OverlayDir = abs(c.Bundle.OverlayDir)
	c.Sessions.ProjectsDir = abs(c.Sessions.ProjectsDir)
	c.Sessions.IndexPath = abs(c.Sessions.IndexPath)
}

// PIDFile is where a running daemon records its process id.
func (c *Config) PIDFile() string {
	return filepath.Join(c.DataDir, "tether.pid")
}

// GatewayAddr is the gateway's listen address.
func (c *Config) GatewayAddr() string {
	return fmt.Sprintf("%s:%d", c.Gateway.Host, c.Gateway.Port)
}

// LoggerConfig maps the logging section onto the logger package.
func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{
		Level:     c.Logging.Level,
		File:      c.Logging.File,
		Console:   c.Logging.Console,
		Pretty:    c.Logging.Pretty,
		Redaction: c.Logging.Redaction,
		MaxSize:   c.Logging.MaxSize,
		MaxAge:    c.Logging.MaxAge,
		Compress:  c.Logging.Compress,
	}
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func (c GatewayConfig) ApprovalTimeoutDuration() time.Duration { return seconds(c.ApprovalTimeout) }
func (c SessionsConfig) QueueWarnAfterDuration() time.Duration { return seconds(c.QueueWarnAfter) }
func (c BridgesConfig) MinBackoffDuration() time.Duration      { return seconds(c.MinBackoff) }
func (c BridgesConfig) MaxBackoffDuration() time.Duration      { return seconds(c.MaxBackoff) }
func (c BundleConfig) Debounce() time.Duration                 { return time.Duration(c.DebounceMS) * time.Millisecond }
func (c RuntimeConfig) ChunkDelay() time.Duration {
	return time.Duration(c.ChunkDelayMS) * time.Millisecond
}
func (h HookConfig) TimeoutDuration() time.Duration { return seconds(h.Timeout) }

// String returns a JSON representation of the config with secrets masked
func (c *Config) String() string {
	masked := *c
	masked.Telegram.BotToken = mask(c.Telegram.BotToken)
	masked.SocketMode.AppToken = mask(c.SocketMode.AppToken)
	masked.SocketMode.BotToken = mask(c.SocketMode.BotToken)
	masked.Gateway.SharedSecret = mask(c.Gateway.SharedSecret)
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	return "***"
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	errs := NewValidator().ValidateConfig(c)
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}
