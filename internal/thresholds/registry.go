// Package thresholds holds the versioned, atomically swapped control thresholds.
package thresholds

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Capstone-E1/aquasmart_edge/internal/metrics"
	"github.com/Capstone-E1/aquasmart_edge/internal/models"
	"github.com/Capstone-E1/aquasmart_edge/internal/store"
)

// ErrUnknownGeneration is returned when rolling back to a generation never recorded
var ErrUnknownGeneration = errors.New("unknown thresholds generation")

// PromotionListener is notified after a new snapshot becomes active
type PromotionListener func(models.ThresholdSnapshot)

// Registry owns the single active thresholds snapshot. Readers load the
// active snapshot with one atomic read; writers serialize on mu and
// publish a complete new snapshot.
type Registry struct {
	active atomic.Pointer[models.ThresholdSnapshot]
	bounds models.ThresholdBounds

	mu        sync.Mutex // serializes writers and guards history
	history   []models.ThresholdSnapshot
	journal   store.Journal
	listeners []PromotionListener
	now       func() time.Time
	logger    zerolog.Logger
}

// NewRegistry loads the thresholds history from the journal. When the
// journal holds no history, the defaults become generation 1.
func NewRegistry(ctx context.Context, journal store.Journal, defaults models.ControlThresholds, bounds models.ThresholdBounds, logger zerolog.Logger) (*Registry, error) {
	if err := defaults.Validate(bounds); err != nil {
		return nil, err
	}

	r := &Registry{
		bounds:  bounds,
		journal: journal,
		now:     time.Now,
		logger:  logger.With().Str("component", "thresholds").Logger(),
	}

	history, err := journal.ThresholdHistory(ctx)
	if err != nil {
		return nil, fmt.Errorf("load thresholds history: %w", err)
	}

	if len(history) == 0 {
		initial := models.ThresholdSnapshot{
			Generation: 1,
			Thresholds: defaults,
			Source:     models.ThresholdSourceDefault,
			CreatedAt:  r.now(),
		}
		if err := journal.SaveThresholds(ctx, initial); err != nil {
			return nil, fmt.Errorf("save default thresholds: %w", err)
		}
		history = append(history, initial)
	}

	r.history = history
	latest := history[len(history)-1]
	r.active.Store(&latest)
	metrics.ThresholdsGeneration.Set(float64(latest.Generation))

	r.logger.Info().Uint64("generation", latest.Generation).Str("source", string(latest.Source)).Msg("active thresholds loaded")
	return r, nil
}

// Active returns the active snapshot. The returned value is a copy and
// stays consistent for the caller's whole control cycle.
func (r *Registry) Active() models.ThresholdSnapshot {
	return *r.active.Load()
}

// Bounds returns the valid search space
func (r *Registry) Bounds() models.ThresholdBounds {
	return r.bounds
}

// OnPromote registers a listener for newly activated snapshots
func (r *Registry) OnPromote(fn PromotionListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Promote validates and activates a new thresholds set under the next generation
func (r *Registry) Promote(ctx context.Context, t models.ControlThresholds, fitness float64, source models.ThresholdSource) (models.ThresholdSnapshot, error) {
	if err := t.Validate(r.bounds); err != nil {
		return models.ThresholdSnapshot{}, err
	}

	return r.publish(ctx, models.ThresholdSnapshot{
		Thresholds:   t,
		Fitness:      fitness,
		FitnessKnown: true,
		Source:       source,
	})
}

// Rollback reactivates the thresholds of an earlier generation as a new generation
func (r *Registry) Rollback(ctx context.Context, generation uint64) (models.ThresholdSnapshot, error) {
	var target *models.ThresholdSnapshot
	r.mu.Lock()
	for i := range r.history {
		if r.history[i].Generation == generation {
			snap := r.history[i]
			target = &snap
			break
		}
	}
	r.mu.Unlock()

	if target == nil {
		return models.ThresholdSnapshot{}, fmt.Errorf("%w: %d", ErrUnknownGeneration, generation)
	}

	return r.publish(ctx, models.ThresholdSnapshot{
		Thresholds:   target.Thresholds,
		Fitness:      target.Fitness,
		FitnessKnown: target.FitnessKnown,
		Source:       models.ThresholdSourceRollback,
	})
}

// publish persists the snapshot first so the journal never lags the active state
func (r *Registry) publish(ctx context.Context, snap models.ThresholdSnapshot) (models.ThresholdSnapshot, error) {
	r.mu.Lock()

	snap.Generation = r.active.Load().Generation + 1
	snap.CreatedAt = r.now()

	if err := r.journal.SaveThresholds(ctx, snap); err != nil {
		r.mu.Unlock()
		return models.ThresholdSnapshot{}, fmt.Errorf("persist thresholds generation %d: %w", snap.Generation, err)
	}

	r.history = append(r.history, snap)
	published := snap
	r.active.Store(&published)
	listeners := append([]PromotionListener(nil), r.listeners...)
	r.mu.Unlock()

	metrics.ThresholdsGeneration.Set(float64(snap.Generation))
	r.logger.Info().
		Uint64("generation", snap.Generation).
		Str("source", string(snap.Source)).
		Float64("fitness", snap.Fitness).
		Msg("thresholds promoted")

	for _, fn := range listeners {
		fn(snap)
	}
	return snap, nil
}

// History returns every recorded snapshot ordered by generation
func (r *Registry) History() []models.ThresholdSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]models.ThresholdSnapshot, len(r.history))
	copy(out, r.history)
	return out
}
