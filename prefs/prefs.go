// Package prefs reads the device's user preferences from a small YAML file
// and watches it for changes, so a display name edited while the tracker is
// running is pushed to the store.
package prefs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Prefs is the on-disk preference document.
type Prefs struct {
	DisplayName string `yaml:"display_name"`
	// UserID pins the device's user id. When empty a generated id is used.
	UserID string `yaml:"user_id,omitempty"`
}

// Load reads path. A missing file yields zero Prefs and no error.
func Load(path string) (Prefs, error) {
	var p Prefs
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return p, nil
	}
	if err != nil {
		return p, err
	}
	if err := yaml.Unmarshal(b, &p); err != nil {
		return Prefs{}, fmt.Errorf("prefs %s: %w", path, err)
	}
	return p, nil
}

// Save writes p to path, replacing the file atomically.
func Save(path string, p Prefs) error {
	b, err := yaml.Marshal(p)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".prefs-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Option configures Watch.
type Option func(*watchConfig)

type watchConfig struct {
	log *slog.Logger
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *watchConfig) {
		if l != nil {
			c.log = l
		}
	}
}

// Watch calls fn with the current preferences and again each time the file
// changes to a different, parseable value. The parent directory is watched
// so that editors replacing the file are observed. Watch blocks until ctx
// ends.
func Watch(ctx context.Context, path string, fn func(Prefs), opts ...Option) error {
	cfg := watchConfig{log: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify: %w", err)
	}
	defer func() {
		_ = w.Close()
	}()
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	last, err := Load(abs)
	if err != nil {
		cfg.log.Warn("prefs: initial load failed", slog.String("path", abs), slog.String("err", err.Error()))
	}
	fn(last)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			next, err := Load(abs)
			if err != nil {
				// Likely a partial write; the next event will carry the rest.
				cfg.log.Debug("prefs: reload failed", slog.String("err", err.Error()))
				continue
			}
			if next == last {
				continue
			}
			cfg.log.Info("prefs: changed", slog.String("display_name", next.DisplayName))
			last = next
			fn(next)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			cfg.log.Warn("prefs: watcher error", slog.String("err", err.Error()))
		}
	}
}
