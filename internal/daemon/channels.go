package daemon

import (
	"fmt"
	"time"

	"github.com/harun/tether/internal/telegram"
	"github.com/harun/tether/pkg/bridge"
)

// initializeBridges registers an adapter per enabled chat bridge. With
// Bridges.SharedPool every adapter borrows one pool owned by the daemon,
// which closes it after the adapters stop.
func (d *Daemon) initializeBridges() error {
	if d.config.Bridges.SharedPool && (d.config.Telegram.Enabled || d.config.SocketMode.Enabled) {
		d.sharedPool = bridge.NewHTTPPool(0)
	}

	if d.config.Telegram.Enabled {
		bot, err := telegram.New(telegram.Options{
			Token:        d.config.Telegram.BotToken,
			PollTimeout:  d.config.Telegram.PollTimeout,
			AllowedChats: d.config.Telegram.Allowlist,
			Router:       d.bridgeRouter(d.config.Telegram.WorkingDir),
			Logger:       d.logger.GetZerolog(),
		})
		if err != nil {
			return fmt.Errorf("failed to create telegram bot: %w", err)
		}
		// Long polls outlive any fixed client timeout.
		if err := d.addBridge(bot, 0); err != nil {
			return err
		}
	}

	if d.config.SocketMode.Enabled {
		sm, err := bridge.NewSocketMode(bridge.SocketModeOptions{
			AppToken: d.config.SocketMode.AppToken,
			BotToken: d.config.SocketMode.BotToken,
			APIURL:   d.config.SocketMode.APIURL,
			Router:   d.bridgeRouter(d.config.SocketMode.WorkingDir),
			Logger:   d.logger.GetZerolog(),
		})
		if err != nil {
			return fmt.Errorf("failed to create socket mode bridge: %w", err)
		}
		if err := d.addBridge(sm, 30*time.Second); err != nil {
			return err
		}
	}
	return nil
}

func (d *Daemon) bridgeRouter(workingDir string) *bridge.Router {
	if workingDir == "" {
		workingDir = d.config.Sessions.WorkingDir
	}
	return bridge.NewRouter(d.registry, workingDir, d.logger.GetZerolog())
}

func (d *Daemon) addBridge(connector bridge.Connector, poolTimeout time.Duration) error {
	opts := bridge.AdapterOptions{
		Connector:   connector,
		PoolTimeout: poolTimeout,
		MinBackoff:  d.config.Bridges.MinBackoffDuration(),
		MaxBackoff:  d.config.Bridges.MaxBackoffDuration(),
		Logger:      d.logger.GetZerolog(),
	}
	// A nil *HTTPPool must not become a non-nil Pool.
	if d.sharedPool != nil {
		opts.Pool = d.sharedPool
	}
	adapter, err := bridge.NewAdapter(opts)
	if err != nil {
		return fmt.Errorf("failed to create %s adapter: %w", connector.Name(), err)
	}
	adapter.OnStateChange(func(state bridge.State) {
		if state == bridge.StateConnected {
			d.logger.Info().Str("bridge", adapter.Name()).Msg("Bridge connected")
		}
	})
	return d.bridges.Add(adapter)
}
