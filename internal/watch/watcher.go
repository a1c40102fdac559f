// Package watch re-runs a sync when the document tree changes.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/TheMichaelB/kbsync/internal/events"
)

// Options configure a Watcher.
type Options struct {
	Root       string
	Extensions []string      // files that trigger a run; empty = all
	Debounce   time.Duration // quiet period before a run
	RunOnStart bool
}

// Watcher watches a directory tree and calls a function once per quiet
// period after changes.
type Watcher struct {
	fsw    *fsnotify.Watcher
	opts   Options
	exts   map[string]bool
	logger *events.Logger
}

// New creates a watcher over opts.Root and all its subdirectories.
func New(opts Options, logger *events.Logger) (*Watcher, error) {
	if opts.Debounce <= 0 {
		opts.Debounce = 2 * time.Second
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		fsw:    fsw,
		opts:   opts,
		exts:   make(map[string]bool, len(opts.Extensions)),
		logger: logger.WithField("component", "watcher"),
	}
	for _, ext := range opts.Extensions {
		w.exts[strings.ToLower(ext)] = true
	}

	if err := w.addTree(opts.Root); err != nil {
		fsw.Close()
		return nil, err
	}

	return w, nil
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

// Run blocks until ctx is done. fn runs sequentially, never overlapping;
// changes seen while it runs schedule another run. fn errors are logged.
func (w *Watcher) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	w.logger.WithFields(map[string]interface{}{
		"root":     w.opts.Root,
		"debounce": w.opts.Debounce,
	}).Info("Watching for changes")

	var fire <-chan time.Time
	if w.opts.RunOnStart {
		fire = time.After(0)
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}

			w.logger.WithFields(map[string]interface{}{
				"path": event.Name,
				"op":   event.Op.String(),
			}).Debug("Change detected")

			fire = time.After(w.opts.Debounce)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.WithError(err).Warn("Watcher error")

		case <-fire:
			fire = nil

			if err := fn(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				w.logger.WithError(err).Error("Sync run failed")
			}
		}
	}
}

// relevant filters events and registers new directories.
func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Op == fsnotify.Chmod {
		return false
	}

	if event.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addTree(event.Name); err != nil {
				w.logger.WithError(err).WithField("path", event.Name).Warn("Could not watch new directory")
			}
			return true
		}
	}

	if hidden(filepath.Base(event.Name)) {
		return false
	}
	if len(w.exts) == 0 {
		return true
	}

	// Removed directories have no extension; they may have held documents.
	ext := strings.ToLower(filepath.Ext(event.Name))
	return w.exts[ext] || (ext == "" && event.Op.Has(fsnotify.Remove|fsnotify.Rename))
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path != root {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && hidden(d.Name()) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}

func hidden(name string) bool {
	return strings.HasPrefix(name, ".")
}
