package registry

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// LoadFunc reads type registrations from a config file.
type LoadFunc func(path string) ([]TypeSpec, error)

// reloadDebounce coalesces the burst of events an editor save produces.
const reloadDebounce = 250 * time.Millisecond

// Watch reloads the registry whenever the file at path is written, created
// or renamed into place, until ctx is done. The parent directory is
// watched so atomic-rename saves are seen. A reload that fails to load or
// compile is logged and the previous registry stays in effect.
func (r *Registry) Watch(ctx context.Context, path string, load LoadFunc, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fsw.Close()
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	var debounce *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(reloadDebounce)
			} else {
				debounce.Reset(reloadDebounce)
			}
			fire = debounce.C

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			logger.Warn("registry watcher error", "path", abs, "error", err)

		case <-fire:
			fire = nil
			specs, err := load(abs)
			if err != nil {
				logger.Warn("registry reload failed, keeping previous types", "path", abs, "error", err)
				continue
			}
			if err := r.Replace(specs); err != nil {
				logger.Warn("registry reload failed, keeping previous types", "path", abs, "error", err)
				continue
			}
			logger.Info("registry reloaded", "path", abs, "types", r.Types())
		}
	}
}
