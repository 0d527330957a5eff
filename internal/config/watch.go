package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/neboloop/tabrelay/internal/logging"
)

// Watch reloads the file at path whenever it is written and passes the result,
// overlaid on base, to onChange. It blocks until ctx is done.
//
// The parent directory is watched rather than the file so editors that
// replace the file on save are still seen.
func Watch(ctx context.Context, path string, base Config, onChange func(Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer w.Close()

	target := filepath.Clean(path)
	if err := w.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			c, err := LoadFile(target, base)
			if err != nil {
				logging.Warnf("[config] reload of %s failed: %v", target, err)
				continue
			}
			onChange(c)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logging.Warnf("[config] watcher error: %v", err)
		}
	}
}
