package features

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Capstone-E1/aquasmart_edge/internal/models"
	"github.com/Capstone-E1/aquasmart_edge/internal/store"
)

var asOf = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func appendReading(t *testing.T, s store.TimeSeriesStore, ch models.Channel, ago time.Duration, value float64) {
	t.Helper()
	require.NoError(t, s.Append(context.Background(), models.Reading{
		Channel:   ch,
		Value:     value,
		Timestamp: asOf.Add(-ago),
		Quality:   ch.Classify(value),
	}))
}

func TestBuilder_MeanSlopeAndLast(t *testing.T) {
	s := store.NewStore(10)
	// Oxygen falling 0.1 mg/L per minute
	appendReading(t, s, models.ChannelDissolvedOxygen, 4*time.Minute, 6.4)
	appendReading(t, s, models.ChannelDissolvedOxygen, 3*time.Minute, 6.3)
	appendReading(t, s, models.ChannelDissolvedOxygen, 2*time.Minute, 6.2)
	appendReading(t, s, models.ChannelDissolvedOxygen, 1*time.Minute, 6.1)

	fv, err := NewBuilder(s, 10*time.Minute, 2*time.Minute).Build(context.Background(), asOf)
	require.NoError(t, err)

	do := fv.Feature(models.ChannelDissolvedOxygen)
	require.NotNil(t, do.Mean)
	require.NotNil(t, do.Slope)
	require.NotNil(t, do.LastValue)
	assert.InDelta(t, 6.25, *do.Mean, 1e-9)
	assert.InDelta(t, -0.1, *do.Slope, 1e-9)
	assert.Equal(t, 6.1, *do.LastValue)
	assert.Equal(t, 4, do.Samples)
	assert.InDelta(t, 60, do.StalenessSeconds, 1e-9)
	assert.False(t, do.Stale)
	assert.False(t, do.NeverSeen)
}

func TestBuilder_NoDataInWindowIsStaleNotZero(t *testing.T) {
	s := store.NewStore(10)
	appendReading(t, s, models.ChannelPH, 30*time.Minute, 7.4)

	fv, err := NewBuilder(s, 10*time.Minute, 2*time.Minute).Build(context.Background(), asOf)
	require.NoError(t, err)

	ph := fv.Feature(models.ChannelPH)
	assert.True(t, ph.Stale)
	assert.False(t, ph.NeverSeen)
	assert.Nil(t, ph.Mean, "mean must be absent, not zero")
	assert.Nil(t, ph.Slope)
	require.NotNil(t, ph.LastValue)
	assert.Equal(t, 7.4, *ph.LastValue)
	assert.InDelta(t, 1800, ph.StalenessSeconds, 1e-9)

	turb := fv.Feature(models.ChannelTurbidity)
	assert.True(t, turb.NeverSeen)
	assert.True(t, turb.Stale)
	assert.Nil(t, turb.LastValue)
	assert.Equal(t, models.NeverSeenStaleness, turb.StalenessSeconds)
}

func TestBuilder_InvalidReadingsExcluded(t *testing.T) {
	s := store.NewStore(10)
	appendReading(t, s, models.ChannelTurbidity, 5*time.Minute, 20)
	appendReading(t, s, models.ChannelTurbidity, 2*time.Minute, math.NaN())
	appendReading(t, s, models.ChannelTurbidity, 1*time.Minute, 5000)

	fv, err := NewBuilder(s, 10*time.Minute, 2*time.Minute).Build(context.Background(), asOf)
	require.NoError(t, err)

	turb := fv.Feature(models.ChannelTurbidity)
	assert.Equal(t, 1, turb.Samples)
	assert.Equal(t, 20.0, *turb.LastValue)
	assert.True(t, turb.Stale, "last valid value is 5 minutes old")
}

func TestBuilder_StoreFailure(t *testing.T) {
	s := store.NewStore(10)
	require.NoError(t, s.Close())

	_, err := NewBuilder(s, 10*time.Minute, 2*time.Minute).Build(context.Background(), asOf)
	assert.ErrorIs(t, err, store.ErrStoreUnavailable)
}

func TestBuilder_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewBuilder(store.NewStore(10), 10*time.Minute, 2*time.Minute).Build(ctx, asOf)
	assert.ErrorIs(t, err, context.Canceled)
}
