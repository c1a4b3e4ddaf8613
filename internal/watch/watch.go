// Package watch reloads a project archive when it changes on disk.
package watch

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"pdfctl/internal/project"
)

// Event is a change to the watched file.
type Event struct {
	Path      string    `json:"path"`
	Operation string    `json:"operation"` // "created", "modified", "deleted", "renamed"
	Time      time.Time `json:"time"`
}

// Watcher reports changes to one file. The parent directory is watched so
// that files replaced by rename, as project saves do, keep being seen.
type Watcher struct {
	watcher  *fsnotify.Watcher
	path     string
	log      *slog.Logger
	Debounce time.Duration
}

// New creates a watcher for path.
func New(path string, log *slog.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{watcher: w, path: abs, log: log, Debounce: 200 * time.Millisecond}, nil
}

func operation(op fsnotify.Op) string {
	switch {
	case op&fsnotify.Create == fsnotify.Create:
		return "created"
	case op&fsnotify.Write == fsnotify.Write:
		return "modified"
	case op&fsnotify.Remove == fsnotify.Remove:
		return "deleted"
	case op&fsnotify.Rename == fsnotify.Rename:
		return "renamed"
	}
	return ""
}

// Run calls onChange once a burst of creates and writes to the file has
// settled. It returns when ctx ends.
func (w *Watcher) Run(ctx context.Context, onChange func(context.Context, Event) error) error {
	defer w.watcher.Close()
	w.log.Info("watching project file", "path", w.path)

	var timer *time.Timer
	var fire <-chan time.Time
	var pending Event
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			op := operation(ev.Op)
			if op != "created" && op != "modified" {
				if op != "" {
					w.log.Debug("project file event ignored", "path", w.path, "operation", op)
				}
				continue
			}
			pending = Event{Path: w.path, Operation: op, Time: time.Now()}
			if timer == nil {
				timer = time.NewTimer(w.Debounce)
			} else {
				timer.Reset(w.Debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			if err := onChange(ctx, pending); err != nil {
				w.log.Error("project reload failed", "path", w.path, "error", err)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Error("file watcher error", "error", err)
		}
	}
}

// Reloader returns a change handler that replaces the contents of p with
// the archive at ev.Path and queues every fit again.
func Reloader(p *project.Project, log *slog.Logger) func(context.Context, Event) error {
	if log == nil {
		log = slog.Default()
	}
	return func(ctx context.Context, ev Event) error {
		if err := p.Close(true); err != nil {
			return err
		}
		if err := p.Load(ev.Path); err != nil {
			return err
		}
		log.Info("project reloaded", "path", ev.Path, "fits", len(p.Fits()))
		return p.Enqueue(p.Fits(), true)
	}
}
