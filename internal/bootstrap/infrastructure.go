package bootstrap

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/xmidt-org/talaria/headunit"
	"go.uber.org/fx"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func ProvideDatabase(opts *headunit.Options) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch opts.Database.Driver {
	case "postgres":
		dialector = postgres.Open(opts.Database.DSN)
	case "sqlite", "":
		dialector = sqlite.Open(opts.Database.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", opts.Database.Driver)
	}
	return gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
}

func ProvideRedisClient(lc fx.Lifecycle, opts *headunit.Options) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Redis.Addr,
		Password: opts.Redis.Password,
		DB:       opts.Redis.DB,
	})
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})
	return client
}

// ProvideEventHub carries active-device and device-list changes to the
// /api/events stream.
func ProvideEventHub(lc fx.Lifecycle) *headunit.EventHub {
	hub := &headunit.EventHub{}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			hub.Close()
			return nil
		},
	})
	return hub
}

var InfrastructureModule = fx.Options(
	fx.Provide(
		ProvideDatabase,
		ProvideRedisClient,
		ProvideEventHub,
	),
)
