package manifest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Event reports a manifest file appearing, changing or going away.
type Event struct {
	Path     string
	Manifest Manifest
	Removed  bool
	Err      error
}

// Watcher streams manifest events for one directory. Existing manifests
// are reported first, in file name order.
type Watcher struct {
	fw     *fsnotify.Watcher
	dir    string
	events chan Event
	stop   chan struct{}
	done   chan struct{}
	logger *slog.Logger
}

// IsManifestFile reports whether path has a manifest extension.
func IsManifestFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}

// Watch starts watching dir until ctx is done or Close is called.
func Watch(ctx context.Context, dir string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("manifest watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("manifest watcher: watch %s: %w", dir, err)
	}
	w := &Watcher{
		fw:     fw,
		dir:    dir,
		events: make(chan Event),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: slog.Default().With("component", "manifest_watcher", "dir", dir),
	}
	go w.run(ctx)
	return w, nil
}

// Events is closed when the watcher stops.
func (w *Watcher) Events() <-chan Event { return w.events }

// Close stops the watcher and waits for its goroutine.
func (w *Watcher) Close() error {
	close(w.stop)
	<-w.done
	return w.fw.Close()
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	defer close(w.events)

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.emit(ctx, Event{Path: w.dir, Err: err})
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && IsManifestFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	slices.Sort(names)
	for _, name := range names {
		if !w.emit(ctx, w.load(filepath.Join(w.dir, name))) {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if !IsManifestFile(ev.Name) {
				continue
			}
			var out Event
			switch {
			case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				out = Event{Path: ev.Name, Removed: true}
			case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
				out = w.load(ev.Name)
			default:
				continue
			}
			if !w.emit(ctx, out) {
				return
			}
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

func (w *Watcher) load(path string) Event {
	m, err := Load(path)
	if err != nil {
		w.logger.Warn("manifest rejected", "path", path, "error", err)
		return Event{Path: path, Err: err}
	}
	return Event{Path: path, Manifest: m}
}

func (w *Watcher) emit(ctx context.Context, ev Event) bool {
	select {
	case w.events <- ev:
		return true
	case <-ctx.Done():
		return false
	case <-w.stop:
		return false
	}
}
