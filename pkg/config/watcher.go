package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultReloadDelay debounces bursts of file events into one reload.
const DefaultReloadDelay = 500 * time.Millisecond

// CatalogWatcher re-parses a catalog when its files change and hands valid
// catalogs to a callback. Invalid catalogs are logged and ignored so the
// last good catalog stays in effect.
type CatalogWatcher struct {
	parser   *CUEParser
	sources  []string
	onChange func(*Catalog)
	logger   zerolog.Logger
	delay    time.Duration

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	timer   *time.Timer
	done    chan struct{}
}

// NewCatalogWatcher creates a watcher over catalog sources (files or directories).
func NewCatalogWatcher(parser *CUEParser, sources []string, onChange func(*Catalog), logger zerolog.Logger) *CatalogWatcher {
	return &CatalogWatcher{
		parser:   parser,
		sources:  sources,
		onChange: onChange,
		logger:   logger.With().Str("component", "catalog-watcher").Logger(),
		delay:    DefaultReloadDelay,
	}
}

// SetDelay overrides the debounce delay. Must be called before Start.
func (w *CatalogWatcher) SetDelay(d time.Duration) {
	w.delay = d
}

// Start begins watching. Events are processed until ctx is cancelled or Stop is called.
func (w *CatalogWatcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	for _, source := range w.sources {
		info, err := os.Stat(source)
		if err != nil {
			_ = watcher.Close()
			return fmt.Errorf("failed to stat catalog source %s: %w", source, err)
		}

		if info.IsDir() {
			err = filepath.WalkDir(source, func(path string, d os.DirEntry, err error) error {
				if err != nil {
					return err
				}
				if d.IsDir() {
					return watcher.Add(path)
				}
				return nil
			})
		} else {
			// Editors replace files; watching the parent sees the rename.
			err = watcher.Add(filepath.Dir(source))
		}
		if err != nil {
			_ = watcher.Close()
			return fmt.Errorf("failed to watch %s: %w", source, err)
		}
	}

	w.mu.Lock()
	w.watcher = watcher
	w.done = make(chan struct{})
	w.mu.Unlock()

	go w.processEvents(ctx, watcher)

	w.logger.Info().Strs("sources", w.sources).Msg("Watching blueprint catalog")
	return nil
}

func (w *CatalogWatcher) processEvents(ctx context.Context, watcher *fsnotify.Watcher) {
	defer close(w.done)

	for {
		select {
		case <-ctx.Done():
			w.stopTimer()
			_ = watcher.Close()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				w.stopTimer()
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if !w.relevant(event.Name) {
				continue
			}

			w.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Catalog file changed")

			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.timer = time.AfterFunc(w.delay, func() { w.reload(ctx) })
			w.mu.Unlock()

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// relevant reports whether a changed file can affect the catalog.
func (w *CatalogWatcher) relevant(name string) bool {
	switch filepath.Ext(name) {
	case ".cue", ".star":
		return true
	}
	return false
}

func (w *CatalogWatcher) reload(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	catalog, err := w.parser.Parse(ctx, w.sources)
	if err != nil {
		w.logger.Error().Err(err).Msg("Failed to reload blueprint catalog")
		return
	}
	if err := catalog.Err(); err != nil {
		w.logger.Error().Err(err).Int("errors", len(catalog.Errors)).Msg("Reloaded catalog is invalid, keeping previous")
		return
	}

	w.onChange(catalog)
	w.logger.Info().Int("types", len(catalog.Types)).Msg("Blueprint catalog reloaded")
}

func (w *CatalogWatcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

// Stop closes the underlying watcher and waits for the event loop to exit.
func (w *CatalogWatcher) Stop() error {
	w.mu.Lock()
	watcher, done := w.watcher, w.done
	w.watcher = nil
	w.mu.Unlock()

	if watcher == nil {
		return nil
	}
	err := watcher.Close()
	<-done
	w.stopTimer()
	return err
}
