package cache_source

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/pmkol/anscache/pkg/pool"
)

const defaultWatchDelay = 2 * time.Second

// Watch reloads p whenever file changes, until ctx is done. Bursts of
// events are merged into one reload fired delay after the last event.
//
// The parent directory is watched, not the file, so a file replaced by
// rename (as most editors and config management tools do) keeps being
// followed.
func Watch(ctx context.Context, file string, p *Provider, delay time.Duration, logger *zap.Logger) error {
	if delay <= 0 {
		delay = defaultWatchDelay
	}
	if logger == nil {
		logger = nopLogger
	}
	file = filepath.Clean(file)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher, %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(file)); err != nil {
		return fmt.Errorf("failed to watch %s, %w", file, err)
	}

	timer := pool.GetTimer()
	defer pool.ReleaseTimer(timer)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case e, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(e.Name) != file {
				continue
			}
			// Chmod alone does not change the content. Remove and Rename
			// are followed by a Create if the file comes back.
			if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
				continue
			}
			logger.Debug("cache file event", zap.Stringer("event", e))
			pool.ResetTimer(timer, delay)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("file watcher error", zap.String("file", file), zap.Error(err))

		case <-timer.C:
			// Errors are logged and counted by the provider.
			_, _ = p.Reload(ctx)
		}
	}
}
