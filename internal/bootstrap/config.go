package bootstrap

import (
	"io"
	"log/slog"
	"os"

	"github.com/xmidt-org/talaria/headunit"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
)

// ConfigPath is the TOML file handed to headunit.LoadOptions.
type ConfigPath string

func LoadConfig(path ConfigPath) (*headunit.Options, error) {
	opts, err := headunit.LoadOptions(string(path))
	if err != nil {
		return nil, err
	}
	return &opts, nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newLogger(w io.Writer, cfg headunit.LogConfig) *slog.Logger {
	hopts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, hopts))
	}
	return slog.New(slog.NewTextHandler(w, hopts))
}

func ProvideLogger(opts *headunit.Options) *slog.Logger {
	return newLogger(os.Stdout, opts.Log)
}

var ConfigModule = fx.Options(
	fx.Provide(LoadConfig, ProvideLogger),
	fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
		return &fxevent.SlogLogger{Logger: logger.With("component", "fx")}
	}),
)
