package skills

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the registry when skill manifests change on disk. Events
// are debounced: editors fire several writes per save.
type Watcher struct {
	registry *Registry
	dir      string
	logger   *slog.Logger
	debounce time.Duration
}

func NewWatcher(registry *Registry, dir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		registry: registry,
		dir:      dir,
		logger:   logger,
		debounce: 500 * time.Millisecond,
	}
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.dir); err != nil {
		_ = fsw.Close()
		return err
	}

	go func() {
		defer fsw.Close()
		var timer *time.Timer
		reload := make(chan struct{}, 1)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				// New skill directories need watching too.
				if ev.Op&fsnotify.Create != 0 && filepath.Ext(ev.Name) == "" {
					_ = fsw.Add(ev.Name)
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(w.debounce, func() {
					select {
					case reload <- struct{}{}:
					default:
					}
				})
			case <-reload:
				if err := w.registry.Reload(ctx); err != nil {
					w.logger.Error("skill reload failed", "error", err)
				} else {
					w.logger.Info("skills reloaded", "dir", w.dir)
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("skills watcher error", "error", err)
			}
		}
	}()
	return nil
}
