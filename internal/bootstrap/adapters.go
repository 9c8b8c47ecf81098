package bootstrap

import (
	"context"
	"log/slog"

	"github.com/xmidt-org/talaria/headunit"
	"github.com/xmidt-org/talaria/headunit/manager"
	"github.com/xmidt-org/talaria/headunit/runtime"
	"go.uber.org/fx"
)

func authFor(token string) headunit.AuthStrategy {
	if token == "" {
		return nil
	}
	return headunit.StaticAuth{Value: token}
}

func ProvideLinkPool(lc fx.Lifecycle, opts *headunit.Options, logger *slog.Logger) *runtime.LinkPool {
	pool := runtime.NewLinkPool(runtime.LinkOptions{
		BaseWS:           opts.Drivers.BaseWS,
		Service:          opts.Drivers.Service,
		Auth:             authFor(opts.Drivers.Token),
		HandshakeTimeout: opts.Drivers.HandshakeTimeout,
		WriteTimeout:     opts.Drivers.WriteTimeout,
		Logger:           logger,
	})
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			pool.Shutdown()
			return nil
		},
	})
	return pool
}

// ProvideInventory returns nil when no inventory URL is configured.
func ProvideInventory(opts *headunit.Options, logger *slog.Logger) *runtime.DeviceAdapter {
	if opts.Inventory.BaseURL == "" {
		return nil
	}
	return runtime.NewDeviceAdapter(opts.Inventory.BaseURL, authFor(opts.Inventory.Token), logger)
}

// RunAdapters feeds driver links, the inventory poller and, when enabled,
// BlueZ into the manager.
func RunAdapters(lc fx.Lifecycle, opts *headunit.Options, mgr *manager.Manager, links *runtime.LinkPool, inv *runtime.DeviceAdapter, logger *slog.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			subs := []headunit.EventSubscription{links.Subscribe(64)}
			if inv != nil {
				subs = append(subs, inv.Subscribe(64))
				go inv.Run(ctx, opts.Inventory.Interval)
			}
			if opts.Bluetooth.Enabled {
				if sub := startBluez(ctx, opts.Bluetooth.Adapter, logger); sub != nil {
					subs = append(subs, sub)
				}
			}
			go mgr.Run(ctx, subs...)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			if inv != nil {
				inv.Close()
			}
			return nil
		},
	})
}

// startBluez is best effort: a head unit without BlueZ still serves wired
// devices.
func startBluez(ctx context.Context, adapter string, logger *slog.Logger) headunit.EventSubscription {
	conn, err := runtime.DialBluez()
	if err != nil {
		logger.Warn("bluetooth disabled", "error", err)
		return nil
	}
	w := runtime.NewBluezWatcher(conn, adapter, logger)
	sub := w.Subscribe(64)
	go func() {
		defer conn.Close()
		if err := w.Run(ctx); err != nil {
			logger.Error("bluez watcher stopped", "error", err)
		}
	}()
	return sub
}

var AdaptersModule = fx.Options(
	fx.Provide(
		ProvideLinkPool,
		ProvideInventory,
	),
	fx.Invoke(RunAdapters),
)
