package headunit

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// AuthStrategy acquires an authorization header value (e.g., "Basic ..." or "Bearer ...").
type AuthStrategy interface {
	AuthorizationValue() (string, error)
}

// StaticAuth implements AuthStrategy using a pre-specified token value.
type StaticAuth struct{ Value string }

func (s StaticAuth) AuthorizationValue() (string, error) { return s.Value, nil }

// Options configures the head unit activation service.
type Options struct {
	ListenAddr string `toml:"listen_addr"`

	Log       LogConfig       `toml:"log"`
	Database  DatabaseConfig  `toml:"database"`
	Redis     RedisConfig     `toml:"redis"`
	Drivers   DriverConfig    `toml:"drivers"`
	Inventory InventoryConfig `toml:"inventory"`
	Bluetooth BluetoothConfig `toml:"bluetooth"`
}

type LogConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // text or json
}

type DatabaseConfig struct {
	Driver string `toml:"driver"` // "postgres" or "sqlite"
	DSN    string `toml:"dsn"`
}

type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	Prefix   string `toml:"prefix"` // key and channel prefix
}

type DriverConfig struct {
	BaseWS           string        `toml:"base_ws"` // websocket base, device id and service are appended
	Service          string        `toml:"service"`
	Token            string        `toml:"token"`
	HandshakeTimeout time.Duration `toml:"handshake_timeout"`
	WriteTimeout     time.Duration `toml:"write_timeout"`
}

type InventoryConfig struct {
	BaseURL  string        `toml:"base_url"` // empty disables polling
	Token    string        `toml:"token"`
	Interval time.Duration `toml:"interval"`
}

type BluetoothConfig struct {
	Enabled bool   `toml:"enabled"`
	Adapter string `toml:"adapter"` // BlueZ adapter object path
}

// DefaultOptions gives baseline sensible defaults for local dev.
func DefaultOptions() Options {
	return Options{
		ListenAddr: ":8090",
		Log:        LogConfig{Level: "info", Format: "text"},
		Database:   DatabaseConfig{Driver: "sqlite", DSN: "headunit.db"},
		Redis:      RedisConfig{Addr: "localhost:6379", Prefix: "headunit"},
		Drivers: DriverConfig{
			BaseWS:           "ws://localhost:6400/drivers",
			Service:          "projection",
			HandshakeTimeout: 10 * time.Second,
			WriteTimeout:     5 * time.Second,
		},
		Inventory: InventoryConfig{Interval: 15 * time.Second},
		Bluetooth: BluetoothConfig{Adapter: "/org/bluez/hci0"},
	}
}

// DefaultConfigPath is ~/.headunit/config.toml, or "" when there is no home directory.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".headunit", "config.toml")
}

// LoadOptions starts from DefaultOptions, applies the TOML file at path if it
// exists and then HEADUNIT_* environment overrides.
func LoadOptions(path string) (Options, error) {
	opts := DefaultOptions()
	if path != "" {
		if _, err := toml.DecodeFile(path, &opts); err != nil && !errors.Is(err, os.ErrNotExist) {
			return opts, fmt.Errorf("load config %s: %w", path, err)
		}
	}
	if err := applyEnv(&opts); err != nil {
		return opts, err
	}
	return opts, nil
}

func applyEnv(o *Options) error {
	str := map[string]*string{
		"HEADUNIT_LISTEN_ADDR":     &o.ListenAddr,
		"HEADUNIT_LOG_LEVEL":       &o.Log.Level,
		"HEADUNIT_LOG_FORMAT":      &o.Log.Format,
		"HEADUNIT_DB_DRIVER":       &o.Database.Driver,
		"HEADUNIT_DB_DSN":          &o.Database.DSN,
		"HEADUNIT_REDIS_ADDR":      &o.Redis.Addr,
		"HEADUNIT_REDIS_PASSWORD":  &o.Redis.Password,
		"HEADUNIT_REDIS_PREFIX":    &o.Redis.Prefix,
		"HEADUNIT_DRIVERS_BASE_WS": &o.Drivers.BaseWS,
		"HEADUNIT_DRIVERS_SERVICE": &o.Drivers.Service,
		"HEADUNIT_DRIVERS_TOKEN":   &o.Drivers.Token,
		"HEADUNIT_INVENTORY_URL":   &o.Inventory.BaseURL,
		"HEADUNIT_INVENTORY_TOKEN": &o.Inventory.Token,
		"HEADUNIT_BLUEZ_ADAPTER":   &o.Bluetooth.Adapter,
	}
	for k, dst := range str {
		if v := os.Getenv(k); v != "" {
			*dst = v
		}
	}
	if v := os.Getenv("HEADUNIT_REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("HEADUNIT_REDIS_DB: %w", err)
		}
		o.Redis.DB = n
	}
	if v := os.Getenv("HEADUNIT_INVENTORY_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return fmt.Errorf("HEADUNIT_INVENTORY_INTERVAL: invalid duration %q", v)
		}
		o.Inventory.Interval = d
	}
	if v := os.Getenv("HEADUNIT_BLUETOOTH"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("HEADUNIT_BLUETOOTH: %w", err)
		}
		o.Bluetooth.Enabled = b
	}
	return nil
}
