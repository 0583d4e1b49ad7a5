// Package watch re-ingests the data directory when files in it change.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"leadrag/internal/extract"
)

const DefaultDebounce = 2 * time.Second

// Batch is the set of changes collected during one quiet period.
type Batch struct {
	// Changed lists created or written files.
	Changed []string
	// Removed is set when any file was deleted or renamed away.
	Removed bool
}

// Handler receives each batch. Errors are logged and watching continues.
type Handler func(ctx context.Context, b Batch) error

type Watcher struct {
	dir      string
	debounce time.Duration
	handle   Handler
	logger   *slog.Logger
}

func New(dir string, debounce time.Duration, handle Handler, logger *slog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{dir: dir, debounce: debounce, handle: handle, logger: logger}
}

// Run watches the directory tree until ctx is cancelled. Events for unsupported files and
// in-flight uploads are ignored.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer watcher.Close()

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	if err := addTree(watcher, w.dir); err != nil {
		return err
	}
	w.logger.Info("watching data directory", "dir", w.dir)

	pending := map[string]bool{}
	removed := false
	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", "err", err)
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := addTree(watcher, event.Name); err != nil {
						w.logger.Warn("cannot watch new directory", "dir", event.Name, "err", err)
					}
					continue
				}
			}
			if ignored(event.Name) {
				continue
			}
			switch {
			case event.Has(fsnotify.Write) || event.Has(fsnotify.Create):
				pending[event.Name] = true
			case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
				delete(pending, event.Name)
				removed = true
			default:
				continue
			}
			timer.Reset(w.debounce)
		case <-timer.C:
			b := Batch{Removed: removed}
			for p := range pending {
				b.Changed = append(b.Changed, p)
			}
			sort.Strings(b.Changed)
			pending, removed = map[string]bool{}, false
			w.logger.Info("data directory changed", "files", len(b.Changed), "removed", b.Removed)
			if err := w.handle(ctx, b); err != nil {
				w.logger.Error("re-ingest after change failed", "err", err)
			}
		}
	}
}

func ignored(path string) bool {
	base := filepath.Base(path)
	return strings.HasPrefix(base, ".") || !extract.Allowed(base)
}

func addTree(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}
