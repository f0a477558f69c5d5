package ml

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Capstone-E1/aquasmart_edge/internal/models"
)

var asOf = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func ptr(v float64) *float64 { return &v }

// vector builds a feature vector with fresh last values for the given channels
func vector(values map[models.Channel]float64) models.FeatureVector {
	fv := models.FeatureVector{AsOf: asOf, Channels: map[models.Channel]models.ChannelFeature{}}
	for _, ch := range models.Channels {
		v, ok := values[ch]
		if !ok {
			fv.Channels[ch] = models.ChannelFeature{Channel: ch, NeverSeen: true, Stale: true, StalenessSeconds: models.NeverSeenStaleness}
			continue
		}
		seen := asOf.Add(-10 * time.Second)
		fv.Channels[ch] = models.ChannelFeature{
			Channel:          ch,
			Mean:             ptr(v),
			Slope:            ptr(0),
			LastValue:        ptr(v),
			LastSeen:         &seen,
			Samples:          5,
			StalenessSeconds: 10,
		}
	}
	return fv
}

func TestPredictor_Labels(t *testing.T) {
	p := NewPredictor(DefaultModel(), 2*time.Minute, zerolog.Nop())

	tests := []struct {
		name   string
		oxygen float64
		want   models.RiskLabel
	}{
		{name: "healthy oxygen", oxygen: 7.0, want: models.RiskNominal},
		{name: "marginal oxygen", oxygen: 5.0, want: models.RiskWarning},
		{name: "low oxygen", oxygen: 3.5, want: models.RiskCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := p.Predict(context.Background(), vector(map[models.Channel]float64{
				models.ChannelDissolvedOxygen: tt.oxygen,
				models.ChannelTemperature:     26,
				models.ChannelTurbidity:       20,
				models.ChannelPH:              7.5,
			}), 3)
			require.NoError(t, err)
			assert.Equal(t, tt.want, a.Label, "score %.3f", a.Score)
			assert.Equal(t, uint64(3), a.ThresholdsGeneration)
			assert.Equal(t, "builtin-logistic-v1", a.ModelVersion)
			assert.True(t, a.ComputedAt.Equal(asOf))
			assert.Greater(t, a.Confidence, 0.9)
		})
	}
}

func TestPredictor_Deterministic(t *testing.T) {
	p := NewPredictor(DefaultModel(), 2*time.Minute, zerolog.Nop())
	fv := vector(map[models.Channel]float64{models.ChannelDissolvedOxygen: 5.4, models.ChannelTemperature: 28})

	first, err := p.Predict(context.Background(), fv, 1)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := p.Predict(context.Background(), fv, 1)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestPredictor_StaleRequiredChannelIsUnknown(t *testing.T) {
	p := NewPredictor(DefaultModel(), 2*time.Minute, zerolog.Nop())

	fv := vector(map[models.Channel]float64{models.ChannelDissolvedOxygen: 7})
	do := fv.Channels[models.ChannelDissolvedOxygen]
	do.StalenessSeconds = 600
	do.Stale = true
	fv.Channels[models.ChannelDissolvedOxygen] = do

	a, err := p.Predict(context.Background(), fv, 1)
	require.NoError(t, err)
	assert.Equal(t, models.RiskUnknown, a.Label)
	assert.Zero(t, a.Confidence)
	assert.Contains(t, a.Reason, "dissolved_oxygen")

	never, err := p.Predict(context.Background(), vector(nil), 1)
	require.NoError(t, err)
	assert.Equal(t, models.RiskUnknown, never.Label)
}

func TestPredictor_MissingOptionalInputsLowerConfidence(t *testing.T) {
	p := NewPredictor(DefaultModel(), 2*time.Minute, zerolog.Nop())

	a, err := p.Predict(context.Background(), vector(map[models.Channel]float64{models.ChannelDissolvedOxygen: 7}), 1)
	require.NoError(t, err)
	assert.NotEqual(t, models.RiskUnknown, a.Label)
	assert.Less(t, a.Confidence, 0.5)
	assert.NotEmpty(t, a.Reason)
}

func TestPredictor_StaleOptionalChannelIsLeftOut(t *testing.T) {
	p := NewPredictor(DefaultModel(), 2*time.Minute, zerolog.Nop())
	values := map[models.Channel]float64{
		models.ChannelDissolvedOxygen: 6.5,
		models.ChannelTemperature:     26,
		models.ChannelTurbidity:       20,
	}

	without, err := p.Predict(context.Background(), vector(values), 1)
	require.NoError(t, err)

	// A pH far off its reference, last seen six hours ago
	values[models.ChannelPH] = 10.5
	fv := vector(values)
	ph := fv.Channels[models.ChannelPH]
	ph.StalenessSeconds = (6 * time.Hour).Seconds()
	ph.Stale = true
	fv.Channels[models.ChannelPH] = ph

	stale, err := p.Predict(context.Background(), fv, 1)
	require.NoError(t, err)
	assert.Equal(t, without.Score, stale.Score)
	assert.Equal(t, without.Label, stale.Label)
	assert.Equal(t, without.Confidence, stale.Confidence)
	assert.Contains(t, stale.Reason, "4 of 5")
}

func TestPredictor_CancelledContext(t *testing.T) {
	p := NewPredictor(DefaultModel(), 2*time.Minute, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Predict(ctx, vector(map[models.Channel]float64{models.ChannelDissolvedOxygen: 7}), 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPredictor_ModelUnavailableAndSwap(t *testing.T) {
	p := NewPredictor(nil, 2*time.Minute, zerolog.Nop())

	_, err := p.Predict(context.Background(), vector(nil), 1)
	assert.ErrorIs(t, err, ErrModelUnavailable)

	prev, err := p.Swap(DefaultModel())
	require.NoError(t, err)
	assert.Nil(t, prev)

	_, err = p.Swap(&Model{Version: "broken"})
	assert.ErrorIs(t, err, ErrInvalidModel)
	assert.Equal(t, "builtin-logistic-v1", p.Model().Version, "rejected swap keeps the active model")
}

const testArtifact = `
model_version: pond-7-v2
intercept: -1.5
required_channels: [dissolved_oxygen]
cut_scores:
  warning: 0.5
  critical: 0.8
features:
  - channel: dissolved_oxygen
    kind: last
    reference: 6.5
    scale: 1
    weight: -2
`

func TestParseModel(t *testing.T) {
	m, err := ParseModel([]byte(testArtifact))
	require.NoError(t, err)
	assert.Equal(t, "pond-7-v2", m.Version)
	require.Len(t, m.Terms, 1)
	assert.Equal(t, KindLast, m.Terms[0].Kind)

	_, err = ParseModel([]byte("model_version: x\ncut_scores: {warning: 0.9, critical: 0.2}\n"))
	assert.ErrorIs(t, err, ErrInvalidModel)
}

func TestModelWatcher_ReloadsReplacedArtifact(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "risk.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testArtifact), 0o644))

	p := NewPredictor(DefaultModel(), 2*time.Minute, zerolog.Nop())
	w := NewModelWatcher(path, p, zerolog.Nop())
	require.True(t, w.Reload())
	assert.Equal(t, "pond-7-v2", p.Model().Version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watcher time to register before replacing the file
	time.Sleep(100 * time.Millisecond)
	updated := []byte(strings.Replace(testArtifact, "pond-7-v2", "pond-7-v3", 1))
	tmp := filepath.Join(dir, "risk.yaml.tmp")
	require.NoError(t, os.WriteFile(tmp, updated, 0o644))
	require.NoError(t, os.Rename(tmp, path))

	require.Eventually(t, func() bool { return p.Model().Version == "pond-7-v3" }, 5*time.Second, 50*time.Millisecond)

	// A broken artifact keeps the active model
	require.NoError(t, os.WriteFile(path, []byte("model_version: [oops"), 0o644))
	time.Sleep(2 * reloadDelay)
	assert.Equal(t, "pond-7-v3", p.Model().Version)

	cancel()
	require.NoError(t, <-done)
}
