package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchConfigFile watches the config file at configPath and invokes reload
// after changes settle. It returns once the watch is installed; the watch
// itself runs until ctx is cancelled.
//
// Editors that save atomically rename a temp file over the original, which
// drops the original from the watch list, so the watch is re-added after
// rename/remove/create events.
func WatchConfigFile(ctx context.Context, configPath string, reload func() error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config file watcher: %w", err)
	}

	if err := watcher.Add(configPath); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch config file %s: %w", configPath, err)
	}

	var reloadTimer *time.Timer
	var reloadMu sync.Mutex

	go func() {
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}

				if event.Op&(fsnotify.Rename|fsnotify.Remove|fsnotify.Create) != 0 {
					go readdWatch(watcher, configPath)
				}

				// An atomic save surfaces as Remove or Rename on the watched
				// inode, so those schedule a reload too.
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
					continue
				}

				reloadMu.Lock()
				// Debounce: wait for the last change to settle before reloading
				if reloadTimer != nil {
					reloadTimer.Stop()
				}
				reloadTimer = time.AfterFunc(500*time.Millisecond, func() {
					slog.Info("Configuration file changed, reloading", "file", event.Name)
					if err := reload(); err != nil {
						slog.Error("Config reload failed", "error", err)
					}
				})
				reloadMu.Unlock()

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("Config file watcher error", "error", err)
			}
		}
	}()

	return nil
}

// readdWatch retries re-adding the watch with exponential backoff; the file
// may not exist yet mid-way through an atomic save.
func readdWatch(watcher *fsnotify.Watcher, configPath string) {
	for attempt := 0; attempt < 5; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(10<<uint(attempt-1)) * time.Millisecond)
		}

		watcher.Remove(configPath)
		if err := watcher.Add(configPath); err == nil {
			return
		} else if attempt == 4 {
			slog.Error("Failed to re-add config watch", "error", err, "path", configPath)
		}
	}
}
