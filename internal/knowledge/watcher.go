package knowledge

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatcherConfig configures a directory watcher.
type WatcherConfig struct {
	Dir        string
	Extensions []string      // default: DefaultExtensions
	Debounce   time.Duration // quiet period before a changed file is ingested (default: 500ms)
	Logger     *slog.Logger
}

// Watcher keeps the knowledge store in sync with a directory: files that are
// created or written are (re-)ingested once they have been quiet for the
// debounce period, and files that are removed or renamed away are removed.
type Watcher struct {
	store      *Store
	dir        string
	extensions []string
	debounce   time.Duration
	logger     *slog.Logger
	fsw        *fsnotify.Watcher
}

func NewWatcher(store *Store, cfg WatcherConfig) (*Watcher, error) {
	if cfg.Dir == "" {
		return nil, errors.New("watcher: directory is required")
	}
	if len(cfg.Extensions) == 0 {
		cfg.Extensions = DefaultExtensions
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 500 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	return &Watcher{
		store:      store,
		dir:        cfg.Dir,
		extensions: cfg.Extensions,
		debounce:   cfg.Debounce,
		logger:     cfg.Logger,
		fsw:        fsw,
	}, nil
}

// Run ingests the current contents of the directory and then follows
// changes until ctx is cancelled. It closes the underlying watcher on return.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()

	if err := filepath.WalkDir(w.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.fsw.Add(path)
		}
		return nil
	}); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}

	n, err := w.store.IngestDir(ctx, w.dir, w.extensions)
	if err != nil && ctx.Err() == nil {
		w.logger.Warn("initial scan incomplete", "dir", w.dir, "error", err)
	}
	w.logger.Info("watching knowledge directory", "dir", w.dir, "documents", n)

	pending := make(map[string]time.Time)
	tick := time.NewTicker(w.debounce / 2)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, ev, pending)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", "error", err)

		case now := <-tick.C:
			for path, last := range pending {
				if now.Sub(last) < w.debounce {
					continue
				}
				delete(pending, path)
				w.ingest(ctx, path)
			}
		}
	}
}

func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event, pending map[string]time.Time) {
	switch {
	case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
		delete(pending, ev.Name)
		if !hasExtension(ev.Name, w.extensions) {
			return
		}
		if err := w.store.RemoveByOrigin(ctx, OriginForPath(ev.Name)); err != nil {
			w.logger.Warn("remove failed", "path", ev.Name, "error", err)
		}
	case ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write):
		if hasExtension(ev.Name, w.extensions) {
			pending[ev.Name] = time.Now()
		}
	}
}

func (w *Watcher) ingest(ctx context.Context, path string) {
	req, err := ReadFile(path)
	if err != nil {
		w.logger.Warn("skipping changed file", "path", path, "error", err)
		return
	}
	if _, err := w.store.Ingest(ctx, req); err != nil {
		w.logger.Warn("ingest failed", "path", path, "error", err)
	}
}
