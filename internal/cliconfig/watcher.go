package cliconfig

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/bft-labs/walvault/pkg/log"
)

// Watcher monitors the config file via fsnotify and delivers reloaded
// configurations to a callback. Only the live-tunable fields matter to the
// receiver; identity fields like DBPath and Bucket still reload but the
// running replica ignores changes to them.
type Watcher struct {
	path    string
	base    Config
	changed map[string]bool
	logger  log.Logger
	onLoad  func(Config)

	mu       sync.Mutex
	debounce *time.Timer
}

// NewWatcher creates a watcher over path. base is the flag-resolved
// configuration the file is layered onto; changed is the set of explicitly
// set flags that the file never overrides.
func NewWatcher(path string, base Config, changed map[string]bool, logger log.Logger, onLoad func(Config)) *Watcher {
	return &Watcher{
		path:    path,
		base:    base,
		changed: changed,
		logger:  logger,
		onLoad:  onLoad,
	}
}

// Run watches the config file's directory until the context is canceled.
// Editors replace files rather than write in place, so the watch is on the
// directory and events are filtered by name.
func (w *Watcher) Run(ctx context.Context) {
	if w.path == "" {
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("config watcher disabled", log.Err(err))
		return
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		w.logger.Warn("config watcher disabled",
			log.String("dir", filepath.Dir(w.path)), log.Err(err))
		return
	}

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.debounceReload(100 * time.Millisecond)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher", log.Err(err))
		}
	}
}

func (w *Watcher) debounceReload(delay time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.debounce = time.AfterFunc(delay, w.reload)
}

func (w *Watcher) reload() {
	fc, err := LoadFileConfig(w.path)
	if err != nil {
		w.logger.Warn("config reload failed", log.String("path", w.path), log.Err(err))
		return
	}

	cfg := w.base
	if err := ApplyFileConfig(&cfg, fc, w.changed); err != nil {
		w.logger.Warn("config reload rejected", log.String("path", w.path), log.Err(err))
		return
	}
	if err := cfg.Validate(); err != nil {
		w.logger.Warn("config reload rejected", log.String("path", w.path), log.Err(err))
		return
	}

	w.logger.Info("configuration reloaded", log.String("path", w.path))
	w.onLoad(cfg)
}
