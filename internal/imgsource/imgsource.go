// Package imgsource discovers slideshow files and watches source
// directories for changes, feeding queue mutations back to the event
// loop.
package imgsource

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// mediaExtensions covers every format some pipeline stage can display:
// still images, animated stills, and video containers.
var mediaExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".webp": true, ".bmp": true, ".tiff": true, ".tif": true,
	".mp4": true, ".mkv": true, ".webm": true, ".avi": true, ".mov": true,
}

// IsMediaPath reports whether a path is displayable by some pipeline.
func IsMediaPath(path string) bool {
	return mediaExtensions[strings.ToLower(filepath.Ext(path))]
}

// Scan lists displayable files in dir, sorted for stable startup order.
// System background directories nest by theme, so those are walked
// recursively; user directories are read flat.
func Scan(dir string, recursive bool) ([]string, error) {
	var paths []string
	if recursive {
		err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil // unreadable subtree, keep walking
			}
			if !d.IsDir() && IsMediaPath(p) {
				paths = append(paths, p)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	} else {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if !e.IsDir() && IsMediaPath(filepath.Join(dir, e.Name())) {
				paths = append(paths, filepath.Join(dir, e.Name()))
			}
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// SystemDirs returns the standard background directories from
// XDG_DATA_DIRS. These are the recursive-scan roots.
func SystemDirs() []string {
	data := os.Getenv("XDG_DATA_DIRS")
	if data == "" {
		data = "/usr/local/share:/usr/share"
	}
	var dirs []string
	for _, d := range strings.Split(data, ":") {
		if d == "" {
			continue
		}
		dirs = append(dirs, filepath.Join(d, "backgrounds"))
	}
	return dirs
}

// Event is a batch of queue mutations for one watched directory.
type Event struct {
	Dir     string
	Added   []string
	Removed []string
}

// Watcher follows source directories and emits Events. Create and
// rename-to become additions; remove and rename-from become removals.
type Watcher struct {
	fsw    *fsnotify.Watcher
	events chan Event
}

// NewWatcher starts a watcher delivering on a bounded channel. Events
// that arrive while the loop is saturated are coalesced per path by
// fsnotify itself; the channel is large enough for bursts.
func NewWatcher(ctx context.Context) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{fsw: fsw, events: make(chan Event, 20)}
	go w.run(ctx)
	return w, nil
}

// Add watches a directory. Idempotent per fsnotify semantics.
func (w *Watcher) Add(dir string) error { return w.fsw.Add(dir) }

// Remove stops watching a directory.
func (w *Watcher) Remove(dir string) error { return w.fsw.Remove(dir) }

// Events delivers directory mutations. Closed on context cancellation.
func (w *Watcher) Events() <-chan Event { return w.events }

func (w *Watcher) run(ctx context.Context) {
	defer w.fsw.Close()
	defer close(w.events)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !IsMediaPath(ev.Name) {
				continue
			}
			out := Event{Dir: filepath.Dir(ev.Name)}
			switch {
			case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
				out.Added = []string{ev.Name}
			case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				out.Removed = []string{ev.Name}
			default:
				continue
			}
			select {
			case w.events <- out:
			case <-ctx.Done():
				return
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("imgsource: watcher error", "error", err)
		}
	}
}
