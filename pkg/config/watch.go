package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const reloadDelay = 250 * time.Millisecond

// Watch reloads the file at path whenever it changes and passes each valid
// configuration to apply. Invalid files are logged and skipped, leaving the
// previous configuration in effect. Watching stops when ctx is done.
func Watch(ctx context.Context, path string, apply func(*Config), logger zerolog.Logger) error {
	if path == "" {
		return fmt.Errorf("config path cannot be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve config path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	// Editors replace the file on save, so the directory is watched.
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	logger = logger.With().Str("component", "config").Str("path", abs).Logger()
	go watchLoop(ctx, watcher, abs, apply, logger)
	logger.Info().Msg("Watching configuration file")
	return nil
}

func watchLoop(ctx context.Context, watcher *fsnotify.Watcher, path string, apply func(*Config), logger zerolog.Logger) {
	defer watcher.Close()

	var reload <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != path || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			reload = time.After(reloadDelay)

		case <-reload:
			reload = nil
			cfg, err := Load(path)
			if err != nil {
				logger.Error().Err(err).Msg("Failed to reload configuration")
				continue
			}
			apply(cfg)
			logger.Info().Msg("Configuration reloaded")

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Error().Err(err).Msg("Watcher error")
		}
	}
}
