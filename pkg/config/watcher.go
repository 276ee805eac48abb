package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mihaimyh/gobudget/pkg/budget"
)

// DefaultDebounce coalesces the burst of events editors emit for one save
const DefaultDebounce = 200 * time.Millisecond

// SeedWatcher re-applies a limits file whenever it changes on disk
type SeedWatcher struct {
	path     string
	governor *budget.Governor
	logger   budget.Logger
	debounce time.Duration

	// OnApplied is called after every reload attempt (optional)
	OnApplied func(err error)
}

// NewSeedWatcher creates a watcher for the seed file at path
func NewSeedWatcher(path string, gov *budget.Governor, logger budget.Logger) *SeedWatcher {
	if logger == nil {
		logger = &budget.NoopLogger{}
	}
	return &SeedWatcher{
		path:     filepath.Clean(path),
		governor: gov,
		logger:   logger,
		debounce: DefaultDebounce,
	}
}

// Reload loads the file and applies it once
func (w *SeedWatcher) Reload(ctx context.Context) error {
	seed, err := LoadSeed(w.path)
	if err != nil {
		return err
	}
	if err := seed.Apply(ctx, w.governor); err != nil {
		return fmt.Errorf("failed to apply seed: %w", err)
	}
	w.logger.Info("limits seed applied",
		budget.Field{Key: "path", Value: w.path},
		budget.Field{Key: "tenants", Value: len(seed.Tenants)},
	)
	return nil
}

// Watch blocks until ctx is cancelled, reloading after each change.
// The parent directory is watched so atomic renames by editors are seen.
// A file that fails to parse or validate is logged and nothing from it is
// applied. A storage failure for one tenant is logged and the rest of the
// file, defaults included, is still applied.
func (w *SeedWatcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch seed directory: %w", err)
	}
	w.logger.Info("limits seed watcher started", budget.Field{Key: "path", Value: w.path})

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	reload := func() {
		err := w.Reload(ctx)
		if err != nil {
			w.logger.Error("limits seed reload failed",
				budget.Field{Key: "path", Value: w.path},
				budget.Field{Key: "error", Value: err.Error()},
			)
		}
		if w.OnApplied != nil {
			w.OnApplied(err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("limits seed watcher stopped")
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, reload)
			mu.Unlock()

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			// Continue watching despite errors
			w.logger.Warn("limits seed watcher error", budget.Field{Key: "error", Value: err.Error()})
		}
	}
}
