package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the store whenever the config file changes and delivers
// the new configuration on the returned channel. Malformed edits are
// logged and skipped so the running configuration stays intact.
//
// The watcher is attached to the parent directory because editors replace
// config files by rename, which drops a watch on the file itself.
func Watch(ctx context.Context, path string) (<-chan *Config, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, err
	}

	out := make(chan *Config, 1)
	go func() {
		defer w.Close()
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Name != path {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					slog.Warn("config: reload failed, keeping previous", "error", err)
					continue
				}
				select {
				case out <- cfg:
				case <-ctx.Done():
					return
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Warn("config: watcher error", "error", err)
			}
		}
	}()
	return out, nil
}
