package runtime

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"kait/internal/config"
	"kait/internal/logging"
)

// watchConfig hot-reloads the advisory section when config.yaml changes.
// Only the advisory snapshot swaps at runtime; every other section requires
// a restart, matching the documented reload contract.
func (rt *Runtime) watchConfig(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logging.Boot("config watcher unavailable: %v", err)
		return
	}
	defer watcher.Close()

	// Watch the directory, not the file: editors replace config.yaml by
	// rename, which drops a file-level watch.
	if err := watcher.Add(rt.cfg.DataRoot); err != nil {
		logging.Boot("watch %s: %v", rt.cfg.DataRoot, err)
		return
	}

	var debounce *time.Timer
	reload := func() {
		cfg, err := config.Load(rt.cfg.DataRoot)
		if err != nil {
			logging.Boot("config reload skipped: %v", err)
			return
		}
		rt.Advisory.Reload(cfg.Advisory)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != "config.yaml" {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			// Editors fire bursts of events per save; coalesce them.
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, reload)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logging.Boot("config watcher: %v", err)
		}
	}
}
