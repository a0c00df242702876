package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounce coalesces editor write bursts into one reload.
const debounce = 500 * time.Millisecond

// Watch hot-reloads the mutable limits (message size, rate budget,
// maintenance schedule) when the config file changes. Host/port/backend
// changes still require a restart. Blocks until ctx is done.
func (c *Config) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory: editors replace files via rename, which drops a
	// watch on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}

	var timer *time.Timer
	reload := func() {
		next, err := Load(path)
		if err != nil {
			slog.Warn("config reload failed, keeping previous", "error", err)
			return
		}
		c.applyLimits(next)
		slog.Info("config limits reloaded",
			"max_message_chars", next.Gateway.MaxMessageChars,
			"rate_limit_rpm", next.Gateway.RateLimitRPM,
			"recount_schedule", next.Maintenance.RecountSchedule,
		)
	}

	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, reload)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config watcher error", "error", err)
		}
	}
}
