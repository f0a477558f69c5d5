package ml

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/Capstone-E1/aquasmart_edge/internal/metrics"
)

// reloadDelay coalesces the burst of events an artifact replacement produces
const reloadDelay = 250 * time.Millisecond

// ModelWatcher reloads the model artifact whenever the administrator replaces it
type ModelWatcher struct {
	path      string
	predictor *Predictor
	logger    zerolog.Logger
}

// NewModelWatcher creates a watcher for the artifact at path
func NewModelWatcher(path string, predictor *Predictor, logger zerolog.Logger) *ModelWatcher {
	return &ModelWatcher{
		path:      filepath.Clean(path),
		predictor: predictor,
		logger:    logger.With().Str("component", "model-watcher").Str("path", path).Logger(),
	}
}

// Run watches the artifact until ctx is cancelled. The parent directory is
// watched so atomic rename-into-place replacements are seen.
func (w *ModelWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create model watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch model directory: %w", err)
	}
	w.logger.Info().Msg("watching model artifact")

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDelay)
			} else {
				timer.Reset(reloadDelay)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			w.Reload()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(err).Msg("model watcher error")
		}
	}
}

// Reload loads the artifact and swaps it in; on failure the active model is kept
func (w *ModelWatcher) Reload() bool {
	m, err := LoadModel(w.path)
	if err != nil {
		metrics.ModelReloads.WithLabelValues("failed").Inc()
		w.logger.Error().Err(err).Msg("model reload failed, keeping active model")
		return false
	}
	if _, err := w.predictor.Swap(m); err != nil {
		metrics.ModelReloads.WithLabelValues("failed").Inc()
		w.logger.Error().Err(err).Msg("model swap rejected")
		return false
	}
	metrics.ModelReloads.WithLabelValues("ok").Inc()
	return true
}
