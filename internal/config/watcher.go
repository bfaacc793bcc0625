package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher reports changes to config.yaml (and any extra files) while a
// run is in progress.
type Watcher struct {
	files  []string
	logger *slog.Logger
	events chan ReloadEvent
}

func NewWatcher(homeDir string, logger *slog.Logger, extra ...string) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		files:  append([]string{ConfigPath(homeDir)}, extra...),
		logger: logger.With("component", "config"),
		events: make(chan ReloadEvent, 16),
	}
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Start watches the parent directories of the configured files, so editors
// that replace a file by rename are still observed. The events channel is
// closed when ctx ends.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	wanted := make(map[string]struct{}, len(w.files))
	dirs := make(map[string]struct{})
	for _, f := range w.files {
		clean := filepath.Clean(f)
		wanted[clean] = struct{}{}
		dirs[filepath.Dir(clean)] = struct{}{}
	}
	for dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			w.logger.Warn("cannot watch config dir", "dir", dir, "error", err)
		}
	}

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if _, ok := wanted[filepath.Clean(ev.Name)]; !ok {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case w.events <- ReloadEvent{Path: ev.Name, Op: ev.Op}:
				default:
				}
				w.logger.Info("config file changed", "path", ev.Name, "op", ev.Op.String())
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}
