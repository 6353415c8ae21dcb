package cli

import (
	"fmt"

	"github.com/harun/tether/internal/config"
	"github.com/spf13/cobra"
)

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Write or update the configuration file",
	Long: `Write or update the Tether configuration file from flags.
Only the flags you pass are changed; everything else keeps its current or
default value. Tokens are never written to the file: put them in keys.env
next to it or export TETHER_TELEGRAM_BOT_TOKEN, TETHER_SOCKET_MODE_APP_TOKEN
and TETHER_SOCKET_MODE_BOT_TOKEN.`,
	Args: cobra.NoArgs,
	RunE: runConfigure,
}

var configureOpts struct {
	host          string
	port          int
	bundle        string
	watch         bool
	refreshCron   string
	telegram      bool
	telegramAllow []int64
	socketMode    bool
	sharedPool    bool
	tracing       bool
}

func init() {
	f := configureCmd.Flags()
	f.StringVar(&configureOpts.host, "host", "", "gateway listen host")
	f.IntVar(&configureOpts.port, "port", 0, "gateway listen port")
	f.StringVar(&configureOpts.bundle, "bundle", "", "default bundle name or URI")
	f.BoolVar(&configureOpts.watch, "watch", true, "reload the bundle when the overlay changes")
	f.StringVar(&configureOpts.refreshCron, "refresh-cron", "", "cron schedule for periodic bundle reloads")
	f.BoolVar(&configureOpts.telegram, "telegram", false, "enable the Telegram bridge")
	f.Int64SliceVar(&configureOpts.telegramAllow, "telegram-allow", nil, "Telegram chat ids allowed to use sessions")
	f.BoolVar(&configureOpts.socketMode, "socket-mode", false, "enable the socket-mode chat bridge")
	f.BoolVar(&configureOpts.sharedPool, "shared-pool", false, "share one HTTP pool across bridges")
	f.BoolVar(&configureOpts.tracing, "tracing", false, "enable OpenTelemetry tracing")
	rootCmd.AddCommand(configureCmd)
}

func runConfigure(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	f := cmd.Flags()
	if f.Changed("host") {
		cfg.Gateway.Host = configureOpts.host
	}
	if f.Changed("port") {
		cfg.Gateway.Port = configureOpts.port
	}
	if f.Changed("bundle") {
		cfg.Bundle.Default = configureOpts.bundle
	}
	if f.Changed("watch") {
		cfg.Bundle.Watch = configureOpts.watch
	}
	if f.Changed("refresh-cron") {
		cfg.Bundle.RefreshCron = configureOpts.refreshCron
	}
	if f.Changed("telegram") {
		cfg.Telegram.Enabled = configureOpts.telegram
	}
	if f.Changed("telegram-allow") {
		cfg.Telegram.Allowlist = configureOpts.telegramAllow
	}
	if f.Changed("socket-mode") {
		cfg.SocketMode.Enabled = configureOpts.socketMode
	}
	if f.Changed("shared-pool") {
		cfg.Bridges.SharedPool = configureOpts.sharedPool
	}
	if f.Changed("tracing") {
		cfg.Tracing.Enabled = configureOpts.tracing
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Configuration saved to: %s\n", loader.GetConfigPath())
	fmt.Fprintln(out, "You can now start Tether with: tether start")
	return nil
}
