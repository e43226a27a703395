package spool

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher delivers spool files ready for ingestion: whatever already sits
// in the directory at startup, then files as scrapers drop them.
type Watcher struct {
	dir      string
	debounce time.Duration
	logger   zerolog.Logger
}

// NewWatcher watches dir. Debounce is how long a file must stay quiet
// before it is considered fully written.
func NewWatcher(dir string, debounce time.Duration, logger zerolog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	return &Watcher{
		dir:      dir,
		debounce: debounce,
		logger:   logger.With().Str("component", "spool_watcher").Logger(),
	}
}

// Run calls handle with batches of ready file paths until ctx ends or
// handle fails. Write events are debounced so a scraper still streaming a
// file is not read mid-write.
func (w *Watcher) Run(ctx context.Context, handle func(ctx context.Context, paths []string) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Subscribe before the catch-up scan so a file landing between the two
	// is seen at least once. Re-delivery is harmless: ingestion is
	// idempotent and archived files simply fail to open.
	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}

	if paths, err := ListFiles(w.dir); err != nil {
		return err
	} else if len(paths) > 0 {
		w.logger.Info().Int("files", len(paths)).Msg("catching up on existing spool files")
		if err := handle(ctx, paths); err != nil {
			return err
		}
	}

	pending := make(map[string]struct{})
	var timer *time.Timer
	var ready <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !isSpoolFile(event.Name) {
				continue
			}
			pending[event.Name] = struct{}{}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.debounce)
			ready = timer.C

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("spool watch error")

		case <-ready:
			paths := make([]string, 0, len(pending))
			for path := range pending {
				paths = append(paths, path)
			}
			sort.Strings(paths)
			clear(pending)
			timer = nil
			ready = nil

			w.logger.Debug().Int("files", len(paths)).Msg("spool files settled")
			if err := handle(ctx, paths); err != nil {
				return err
			}
		}
	}
}
