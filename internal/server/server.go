// Package server runs the head unit's HTTP API.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	api "github.com/xmidt-org/talaria/headunit/internal/http"
)

// Config configures the API server.
type Config struct {
	ListenAddr   string             // address to bind (e.g. :8090)
	Handler      *api.Handler       // required
	Events       *api.EventsHandler // optional; serves /api/events
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

var ErrNilHandler = errors.New("api server: handler is nil")

var corsConfig = middleware.CORSConfig{
	AllowOrigins: []string{"*"},
	AllowMethods: []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodPut,
		http.MethodDelete,
		http.MethodOptions,
	},
	AllowHeaders: []string{"Content-Type", "Authorization"},
	MaxAge:       86400,
}

// New builds the echo instance with the device routes under /api.
func New(cfg Config) (*echo.Echo, error) {
	if cfg.Handler == nil {
		return nil, ErrNilHandler
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(corsConfig))
	e.Server.ReadTimeout = durationOr(cfg.ReadTimeout, 10*time.Second)
	// no default write timeout: /api/events responses stay open
	e.Server.WriteTimeout = cfg.WriteTimeout
	e.Server.IdleTimeout = durationOr(cfg.IdleTimeout, 60*time.Second)
	g := e.Group("/api")
	cfg.Handler.RegisterRoutes(g)
	if cfg.Events != nil {
		cfg.Events.RegisterRoutes(g)
	}
	return e, nil
}

// Serve starts e on addr. The returned channel receives a terminal error, if
// any, and is closed once the server stops. The server shuts down when ctx
// is canceled.
func Serve(ctx context.Context, e *echo.Echo, addr string, logger *slog.Logger) <-chan error {
	if addr == "" {
		addr = ":8090"
	}
	if logger == nil {
		logger = slog.Default()
	}
	errCh := make(chan error, 1)

	go func() {
		logger.Info("device API listening", "addr", addr)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Shutdown(shutdownCtx)
	}()

	return errCh
}

func durationOr(v time.Duration, d time.Duration) time.Duration {
	if v <= 0 {
		return d
	}
	return v
}
