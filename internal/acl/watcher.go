package acl

import (
	"context"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"

	"github.com/riftproxy/socksentry/pkg/logger"
)

// Watcher hot-reloads an Engine's config from a TOML file whenever it
// changes on disk, debouncing rapid successive writes from editors
// that rewrite-then-rename.
type Watcher struct {
	path   string
	engine *Engine
	log    *logger.Logger
}

func NewWatcher(path string, engine *Engine) *Watcher {
	return &Watcher{path: path, engine: engine, log: logger.Named("acl.watch")}
}

func (w *Watcher) loadOnce() error {
	var raw RawConfig
	if _, err := toml.DecodeFile(w.path, &raw); err != nil {
		return err
	}
	return w.engine.Reload(raw)
}

// Run watches w.path for writes/creates/renames and reloads the engine
// on each, debounced by 200ms, until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(w.path); err != nil {
		return err
	}

	var debounce *time.Timer
	reload := func() {
		if err := w.loadOnce(); err != nil {
			w.log.Error("acl reload failed, keeping prior config", "error", err)
			return
		}
		w.log.Info("acl config reloaded", "path", w.path)
	}

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, reload)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Error("acl watcher error", "error", err)
		}
	}
}
