package bootstrap

import (
	"context"
	"log/slog"

	"github.com/labstack/echo/v4"
	"github.com/xmidt-org/talaria/headunit"
	httpapi "github.com/xmidt-org/talaria/headunit/internal/http"
	"github.com/xmidt-org/talaria/headunit/internal/server"
	"github.com/xmidt-org/talaria/headunit/manager"
	"github.com/xmidt-org/talaria/headunit/runtime"
	"go.uber.org/fx"
)

func ProvideHandler(mgr *manager.Manager, inv *runtime.DeviceAdapter, logger *slog.Logger) *httpapi.Handler {
	var inventory httpapi.Inventory
	if inv != nil {
		inventory = inv
	}
	return httpapi.NewHandler(mgr, inventory, logger)
}

func ProvideEventsHandler(events *headunit.EventHub, logger *slog.Logger) *httpapi.EventsHandler {
	return httpapi.NewEventsHandler(events, logger)
}

func ProvideEcho(h *httpapi.Handler, events *httpapi.EventsHandler) (*echo.Echo, error) {
	return server.New(server.Config{Handler: h, Events: events})
}

func StartServer(lc fx.Lifecycle, e *echo.Echo, opts *headunit.Options, logger *slog.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			errCh := server.Serve(ctx, e, opts.ListenAddr, logger)
			go func() {
				if err := <-errCh; err != nil {
					logger.Error("device API stopped", "error", err)
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			return e.Shutdown(stopCtx)
		},
	})
}

var ServerModule = fx.Options(
	fx.Provide(
		ProvideHandler,
		ProvideEventsHandler,
		ProvideEcho,
	),
	fx.Invoke(StartServer),
)

// Modules is the complete application graph.
func Modules(path ConfigPath) fx.Option {
	return fx.Options(
		fx.Supply(path),
		ConfigModule,
		InfrastructureModule,
		StoresModule,
		ArbiterModule,
		AdaptersModule,
		ServerModule,
	)
}

func Run(path string) {
	fx.New(Modules(ConfigPath(path))).Run()
}
