package thresholds

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Capstone-E1/aquasmart_edge/internal/models"
	"github.com/Capstone-E1/aquasmart_edge/internal/store"
)

func newRegistry(t *testing.T, journal store.Journal) *Registry {
	t.Helper()
	r, err := NewRegistry(context.Background(), journal, models.DefaultThresholds(), models.DefaultThresholdBounds(), zerolog.Nop())
	require.NoError(t, err)
	return r
}

func TestRegistry_DefaultsBecomeFirstGeneration(t *testing.T) {
	journal := store.NewStore(10)
	r := newRegistry(t, journal)

	active := r.Active()
	assert.Equal(t, uint64(1), active.Generation)
	assert.Equal(t, models.ThresholdSourceDefault, active.Source)
	assert.False(t, active.FitnessKnown)

	persisted, err := journal.ThresholdHistory(context.Background())
	require.NoError(t, err)
	assert.Len(t, persisted, 1)
}

func TestRegistry_PromoteAndReload(t *testing.T) {
	journal := store.NewStore(10)
	r := newRegistry(t, journal)

	tuned := models.DefaultThresholds()
	tuned.OxygenLowMgL = 6.0
	snap, err := r.Promote(context.Background(), tuned, -12.5, models.ThresholdSourceOptimizer)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), snap.Generation)
	assert.Equal(t, 6.0, r.Active().Thresholds.OxygenLowMgL)

	// A restarted registry resumes from the journal
	reloaded := newRegistry(t, journal)
	assert.Equal(t, uint64(2), reloaded.Active().Generation)
	assert.Len(t, reloaded.History(), 2)
}

func TestRegistry_RejectsInvalidThresholds(t *testing.T) {
	r := newRegistry(t, store.NewStore(10))

	bad := models.DefaultThresholds()
	bad.PhMin = 9
	_, err := r.Promote(context.Background(), bad, 0, models.ThresholdSourceOptimizer)
	assert.ErrorIs(t, err, models.ErrInvalidThresholds)
	assert.Equal(t, uint64(1), r.Active().Generation)
}

func TestRegistry_Rollback(t *testing.T) {
	r := newRegistry(t, store.NewStore(10))

	tuned := models.DefaultThresholds()
	tuned.TurbidityMax = 80
	_, err := r.Promote(context.Background(), tuned, 1, models.ThresholdSourceOptimizer)
	require.NoError(t, err)

	snap, err := r.Rollback(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), snap.Generation)
	assert.Equal(t, models.ThresholdSourceRollback, snap.Source)
	assert.Equal(t, models.DefaultThresholds(), r.Active().Thresholds)

	_, err = r.Rollback(context.Background(), 42)
	assert.ErrorIs(t, err, ErrUnknownGeneration)
}

func TestRegistry_FailedPersistKeepsActive(t *testing.T) {
	journal := store.NewStore(10)
	r := newRegistry(t, journal)
	require.NoError(t, journal.Close())

	_, err := r.Promote(context.Background(), models.DefaultThresholds(), 1, models.ThresholdSourceOptimizer)
	assert.ErrorIs(t, err, store.ErrStoreUnavailable)
	assert.Equal(t, uint64(1), r.Active().Generation)
}

func TestRegistry_ConcurrentReadersSeeWholeSnapshots(t *testing.T) {
	r := newRegistry(t, store.NewStore(10))

	a := models.DefaultThresholds()
	b := models.DefaultThresholds()
	b.OxygenLowMgL, b.OxygenCriticalMgL = 7.0, 5.0

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap := r.Active()
				pair := [2]float64{snap.Thresholds.OxygenLowMgL, snap.Thresholds.OxygenCriticalMgL}
				if pair != [2]float64{a.OxygenLowMgL, a.OxygenCriticalMgL} && pair != [2]float64{b.OxygenLowMgL, b.OxygenCriticalMgL} {
					t.Errorf("torn thresholds read: %v", pair)
					return
				}
			}
		}()
	}

	for i := 0; i < 50; i++ {
		next := a
		if i%2 == 0 {
			next = b
		}
		_, err := r.Promote(context.Background(), next, float64(i), models.ThresholdSourceOptimizer)
		require.NoError(t, err)
	}
	close(stop)
	wg.Wait()

	history := r.History()
	for i := 1; i < len(history); i++ {
		assert.Equal(t, history[i-1].Generation+1, history[i].Generation)
	}
}
