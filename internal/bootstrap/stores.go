package bootstrap

import (
	"context"
	"log/slog"

	"github.com/xmidt-org/talaria/headunit/registry"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

func ProvideDeviceStore(db *gorm.DB) *registry.Store {
	return registry.NewStore(db)
}

func ProvideRegistry(store *registry.Store, logger *slog.Logger) *registry.Registry {
	return registry.New(store, logger)
}

// LoadDevices migrates the schema and loads the persisted devices. It runs
// before the dispatch queue starts, so the registry is not yet shared.
func LoadDevices(store *registry.Store, reg *registry.Registry) error {
	if err := store.Migrate(); err != nil {
		return err
	}
	return reg.Load(context.Background())
}

var StoresModule = fx.Options(
	fx.Provide(
		ProvideDeviceStore,
		ProvideRegistry,
	),
	fx.Invoke(LoadDevices),
)
