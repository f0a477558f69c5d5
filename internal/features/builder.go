// Package features derives the fixed-shape feature vector consumed by the
// risk predictor from a recent window of the readings history.
package features

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Capstone-E1/aquasmart_edge/internal/models"
	"github.com/Capstone-E1/aquasmart_edge/internal/store"
)

// Builder computes feature vectors over a fixed window
type Builder struct {
	store      store.TimeSeriesStore
	window     time.Duration
	staleAfter time.Duration
}

// NewBuilder creates a feature builder. Channels whose last valid value is
// older than staleAfter are flagged stale even when the window has data.
func NewBuilder(ts store.TimeSeriesStore, window, staleAfter time.Duration) *Builder {
	return &Builder{store: ts, window: window, staleAfter: staleAfter}
}

// Window returns the configured feature window
func (b *Builder) Window() time.Duration {
	return b.window
}

// Build derives the feature vector as of the given time. Missing data
// never fails the build: channels degrade to stale or never-seen features.
// Errors are returned only for store failures or cancellation.
func (b *Builder) Build(ctx context.Context, asOf time.Time) (models.FeatureVector, error) {
	fv := models.FeatureVector{
		AsOf:        asOf,
		WindowStart: asOf.Add(-b.window),
		WindowEnd:   asOf,
		Channels:    make(map[models.Channel]models.ChannelFeature, len(models.Channels)),
	}

	for _, ch := range models.Channels {
		if err := ctx.Err(); err != nil {
			return models.FeatureVector{}, err
		}
		f, err := b.channelFeature(ctx, ch, fv.WindowStart, asOf)
		if err != nil {
			return models.FeatureVector{}, err
		}
		fv.Channels[ch] = f
	}
	return fv, nil
}

func (b *Builder) channelFeature(ctx context.Context, ch models.Channel, from, asOf time.Time) (models.ChannelFeature, error) {
	f := models.ChannelFeature{Channel: ch}

	// The window is closed at asOf: a reading stamped exactly asOf is included
	seq, err := b.store.Query(ctx, ch, from, asOf.Add(time.Nanosecond))
	if err != nil {
		return f, storeError(ch, err)
	}

	var (
		n                        int
		sumX, sumY, sumXY, sumXX float64
		last                     models.Reading
	)
	for r, err := range seq {
		if err != nil {
			return f, storeError(ch, err)
		}
		if !r.IsValid() {
			continue
		}
		// x is minutes relative to the window start to keep sums well conditioned
		x := r.Timestamp.Sub(from).Minutes()
		n++
		sumX += x
		sumY += r.Value
		sumXY += x * r.Value
		sumXX += x * x
		last = r
	}

	if n == 0 {
		// Fall back to the last valid value before the window
		prev, ok, err := b.store.LastValidBefore(ctx, ch, from)
		if err != nil {
			return f, storeError(ch, err)
		}
		if !ok {
			f.NeverSeen = true
			f.Stale = true
			f.StalenessSeconds = models.NeverSeenStaleness
			return f, nil
		}
		setLast(&f, prev, asOf)
		f.Stale = true
		return f, nil
	}

	mean := sumY / float64(n)
	f.Mean = &mean
	f.Samples = n

	// Least-squares slope in units per minute; zero when all samples share a timestamp
	slope := 0.0
	if denom := float64(n)*sumXX - sumX*sumX; n > 1 && denom > 1e-12 {
		slope = (float64(n)*sumXY - sumX*sumY) / denom
	}
	f.Slope = &slope

	setLast(&f, last, asOf)
	f.Stale = b.staleAfter > 0 && f.StalenessSeconds > b.staleAfter.Seconds()
	return f, nil
}

// setLast records the last valid value and its staleness relative to asOf
func setLast(f *models.ChannelFeature, r models.Reading, asOf time.Time) {
	value := r.Value
	seen := r.Timestamp
	id := r.ID
	f.LastValue = &value
	f.LastSeen = &seen
	f.LastReadingID = &id
	f.StalenessSeconds = asOf.Sub(seen).Seconds()
	if f.StalenessSeconds < 0 {
		// Source clocks ahead of the edge box count as fresh
		f.StalenessSeconds = 0
	}
}

func storeError(ch models.Channel, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, store.ErrStoreUnavailable) {
		return fmt.Errorf("features for %s: %w", ch, err)
	}
	return fmt.Errorf("features for %s: %w: %w", ch, store.ErrStoreUnavailable, err)
}
