package bootstrap

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/xmidt-org/talaria/headunit"
	"github.com/xmidt-org/talaria/headunit/arbiter"
	"github.com/xmidt-org/talaria/headunit/manager"
	"github.com/xmidt-org/talaria/headunit/notify"
	"github.com/xmidt-org/talaria/headunit/registry"
	"github.com/xmidt-org/talaria/headunit/runtime"
	"github.com/xmidt-org/talaria/headunit/startup"
	"go.uber.org/fx"
)

// flusher writes queued updates in the background until closed.
type flusher interface {
	Flush(ctx context.Context) error
	Close()
}

// drainOnStop gives queued writes the stop deadline to land before the
// writer is closed.
func drainOnStop(lc fx.Lifecycle, f flusher, logger *slog.Logger, name string) {
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			if err := f.Flush(ctx); err != nil {
				logger.Warn("pending writes dropped", "writer", name, "error", err)
			}
			f.Close()
			return nil
		},
	})
}

func ProvideStartupPolicy(lc fx.Lifecycle, client *redis.Client, opts *headunit.Options, logger *slog.Logger) *startup.Policy {
	p := startup.NewPolicy(client, opts.Redis.Prefix, logger)
	drainOnStop(lc, p, logger, "startup")
	return p
}

func ProvideRedisPublisher(lc fx.Lifecycle, client *redis.Client, opts *headunit.Options, logger *slog.Logger) *notify.RedisPublisher {
	pub := notify.NewRedisPublisher(client, opts.Redis.Prefix, logger)
	drainOnStop(lc, pub, logger, "redis-publisher")
	return pub
}

func ProvideNotifyHub(events *headunit.EventHub) *notify.Hub {
	return notify.NewHub(events)
}

func ProvideArbiter(reg *registry.Registry, hub *notify.Hub, pub *notify.RedisPublisher, policy *startup.Policy, logger *slog.Logger) (*arbiter.Arbiter, error) {
	return arbiter.New(arbiter.Config{
		Registry:             reg,
		DeviceListListener:   notify.DeviceListFanout{hub, pub},
		ActiveDeviceListener: notify.ActiveDeviceFanout{hub, pub, policy},
		StartupResetter:      policy,
		Logger:               logger,
	})
}

// ProvideQueue runs the dispatch queue for the lifetime of the app.
func ProvideQueue(lc fx.Lifecycle, logger *slog.Logger) *arbiter.Queue {
	q := arbiter.NewQueue(logger)
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go q.Run(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			q.Close()
			return nil
		},
	})
	return q
}

func ProvideManager(q *arbiter.Queue, arb *arbiter.Arbiter, reg *registry.Registry, links *runtime.LinkPool, policy *startup.Policy, logger *slog.Logger) (*manager.Manager, error) {
	return manager.New(manager.Config{
		Queue:    q,
		Arbiter:  arb,
		Registry: reg,
		Links:    links,
		Startup:  policy,
		Logger:   logger,
	})
}

var ArbiterModule = fx.Options(
	fx.Provide(
		ProvideStartupPolicy,
		ProvideRedisPublisher,
		ProvideNotifyHub,
		ProvideArbiter,
		ProvideQueue,
		ProvideManager,
	),
)
