package core

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces the burst of events editors emit on save.
const watchDebounce = 250 * time.Millisecond

// Watch reloads the configuration whenever the backing file changes,
// until ctx is cancelled. The directory is watched rather than the file
// so that atomic rename-on-save keeps working.
func (cm *ConfigManager) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("[Config] failed to create watcher: %w", err)
	}

	dir := filepath.Dir(cm.filePath)
	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("[Config] failed to watch %s: %w", dir, err)
	}

	go cm.watchLoop(ctx, w)
	return nil
}

func (cm *ConfigManager) watchLoop(ctx context.Context, w *fsnotify.Watcher) {
	defer w.Close()

	target := filepath.Clean(cm.filePath)
	var debounce <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce = time.After(watchDebounce)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			Log.Warnf("Config", "Watcher error: %v", err)
		case <-debounce:
			debounce = nil
			Log.Debugf("Config", "%s changed, reloading", cm.filePath)
			_ = cm.Reload()
		}
	}
}
