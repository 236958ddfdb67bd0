// Package config loads the geotracker process configuration from the
// environment, optionally seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Store backends.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
	StoreMongo  = "mongo"
)

// Config is the process configuration. Backend specific settings (Redis
// address, Mongo URI) are decoded by the backend packages themselves.
type Config struct {
	Store        string        `env:"GEOTRACKER_STORE,default=memory"`
	UserID       string        `env:"GEOTRACKER_USER_ID"`
	DisplayName  string        `env:"GEOTRACKER_DISPLAY_NAME"`
	PrefsPath    string        `env:"GEOTRACKER_PREFS,default=geotracker.yaml"`
	FeedAddr     string        `env:"GEOTRACKER_FEED_ADDR"`
	LogLevel     string        `env:"GEOTRACKER_LOG_LEVEL,default=info"`
	LogFormat    string        `env:"GEOTRACKER_LOG_FORMAT,default=text"`
	ReconnectMin time.Duration `env:"GEOTRACKER_RECONNECT_MIN,default=1s"`
	ReconnectMax time.Duration `env:"GEOTRACKER_RECONNECT_MAX,default=30s"`
}

// Load reads the given .env files (".env" when none are named) into the
// environment without overriding variables that are already set, then
// decodes Config. Missing .env files are ignored.
func Load(envFiles ...string) (Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load env file: %w", err)
	}

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	cfg.Store = strings.ToLower(strings.TrimSpace(cfg.Store))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch c.Store {
	case StoreMemory, StoreRedis, StoreMongo:
	default:
		return fmt.Errorf("config: unknown store %q (want %s, %s or %s)", c.Store, StoreMemory, StoreRedis, StoreMongo)
	}
	if _, err := c.level(); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown log format %q", c.LogFormat)
	}
	if c.ReconnectMin <= 0 || c.ReconnectMax < c.ReconnectMin {
		return fmt.Errorf("config: invalid reconnect backoff %s..%s", c.ReconnectMin, c.ReconnectMax)
	}
	return nil
}

// Level returns the configured log level, or info when it cannot be parsed.
func (c Config) Level() slog.Level {
	l, err := c.level()
	if err != nil {
		return slog.LevelInfo
	}
	return l
}

func (c Config) level() (slog.Level, error) {
	var l slog.Level
	if c.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("config: log level: %w", err)
	}
	return l, nil
}
