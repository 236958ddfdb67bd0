package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

var keys = []string{
	"GEOTRACKER_STORE",
	"GEOTRACKER_USER_ID",
	"GEOTRACKER_DISPLAY_NAME",
	"GEOTRACKER_PREFS",
	"GEOTRACKER_FEED_ADDR",
	"GEOTRACKER_LOG_LEVEL",
	"GEOTRACKER_LOG_FORMAT",
	"GEOTRACKER_RECONNECT_MIN",
	"GEOTRACKER_RECONNECT_MAX",
}

// clearEnv unsets every config variable for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
		_ = os.Unsetenv(k)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store != StoreMemory {
		t.Fatalf("Store = %q, want %q", cfg.Store, StoreMemory)
	}
	if cfg.PrefsPath != "geotracker.yaml" {
		t.Fatalf("PrefsPath = %q", cfg.PrefsPath)
	}
	if cfg.ReconnectMin != time.Second || cfg.ReconnectMax != 30*time.Second {
		t.Fatalf("backoff = %s..%s", cfg.ReconnectMin, cfg.ReconnectMax)
	}
	if cfg.Level() != slog.LevelInfo {
		t.Fatalf("Level = %v", cfg.Level())
	}
}

func TestLoad_EnvFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "test.env")
	body := "GEOTRACKER_STORE=Redis\nGEOTRACKER_USER_ID=alice\nGEOTRACKER_LOG_LEVEL=debug\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	t.Run("file values apply", func(t *testing.T) {
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.Store != StoreRedis || cfg.UserID != "alice" || cfg.Level() != slog.LevelDebug {
			t.Fatalf("cfg = %+v", cfg)
		}
	})

	t.Run("environment wins", func(t *testing.T) {
		t.Setenv("GEOTRACKER_USER_ID", "bob")
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.UserID != "bob" {
			t.Fatalf("UserID = %q, want bob", cfg.UserID)
		}
	})
}

func TestValidate(t *testing.T) {
	base := Config{Store: StoreMemory, LogLevel: "info", LogFormat: "text", ReconnectMin: time.Second, ReconnectMax: time.Minute}
	if err := base.Validate(); err != nil {
		t.Fatalf("base config invalid: %v", err)
	}

	cases := map[string]func(c *Config){
		"store":     func(c *Config) { c.Store = "sqlite" },
		"level":     func(c *Config) { c.LogLevel = "loud" },
		"format":    func(c *Config) { c.LogFormat = "xml" },
		"backoff":   func(c *Config) { c.ReconnectMax = time.Millisecond },
		"zero wait": func(c *Config) { c.ReconnectMin = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := base
			mutate(&c)
			if err := c.Validate(); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
