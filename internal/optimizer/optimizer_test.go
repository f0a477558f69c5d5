package optimizer

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Capstone-E1/aquasmart_edge/internal/models"
	"github.com/Capstone-E1/aquasmart_edge/internal/store"
	"github.com/Capstone-E1/aquasmart_edge/internal/thresholds"
)

var end = time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)

// pondHistory records six hours of one-minute readings with an oxygen dip
// every two hours
func pondHistory(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()
	s := store.NewStore(100)
	start := end.Add(-6 * time.Hour)

	for m := 0; m < 360; m++ {
		at := start.Add(time.Duration(m) * time.Minute)
		oxygen := 6.8 - 3.5*math.Max(0, math.Sin(2*math.Pi*float64(m)/120))
		for ch, v := range map[models.Channel]float64{
			models.ChannelDissolvedOxygen: oxygen,
			models.ChannelPH:              7.4,
			models.ChannelTurbidity:       15,
		} {
			require.NoError(t, s.Append(ctx, models.Reading{
				ID:        uuid.New(),
				Seq:       uint64(m + 1),
				SensorID:  "tank-a",
				Channel:   ch,
				Value:     v,
				Timestamp: at,
				Quality:   ch.Classify(v),
			}))
		}
	}
	return s
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Population = 16
	cfg.Generations = 12
	cfg.Survivors = 4
	cfg.Workers = 3
	cfg.Lookback = 6 * time.Hour
	cfg.Margin = 0
	return cfg
}

func newOptimizer(t *testing.T, cfg Config) (*Optimizer, *thresholds.Registry) {
	t.Helper()
	registry, err := thresholds.NewRegistry(context.Background(), store.NewStore(10),
		models.DefaultThresholds(), models.DefaultThresholdBounds(), zerolog.Nop())
	require.NoError(t, err)

	o := New(pondHistory(t), registry, cfg, zerolog.Nop())
	o.now = func() time.Time { return end }
	return o, registry
}

func flatHistory(n int, oxygen, ph, turbidity float64) History {
	h := History{Step: time.Minute}
	for i := 0; i < n; i++ {
		h.Rows = append(h.Rows, Row{At: end.Add(time.Duration(i) * time.Minute), Oxygen: oxygen, PH: ph, Turbidity: turbidity})
	}
	return h
}

func TestEvaluate_PenalizesNeedlessAeration(t *testing.T) {
	bounds := models.DefaultThresholdBounds()
	obj := DefaultObjective(4.0)
	h := flatHistory(120, 6.0, 7.4, 15)

	calm, err := Evaluate(models.DefaultThresholds(), bounds, h, obj)
	require.NoError(t, err)
	assert.Equal(t, 0.0, calm.Fitness)

	eager := models.DefaultThresholds()
	eager.OxygenLowMgL = 7.0
	busy, err := Evaluate(eager, bounds, h, obj)
	require.NoError(t, err)
	assert.Equal(t, 1, busy.Activations)
	assert.Less(t, busy.Fitness, calm.Fitness)
}

func TestEvaluate_HazardAndMissedExcursions(t *testing.T) {
	bounds := models.DefaultThresholdBounds()
	obj := DefaultObjective(4.0)
	h := flatHistory(60, 3.5, 9.0, 15)

	lax := models.DefaultThresholds()
	lax.OxygenLowMgL, lax.OxygenCriticalMgL = 3.2, 2.5
	lax.PhMax = 9.2
	s, err := Evaluate(lax, bounds, h, obj)
	require.NoError(t, err)
	assert.Equal(t, 60.0, s.HazardMinutes)
	assert.Equal(t, 60.0, s.MissedMinutes)

	strict, err := Evaluate(models.DefaultThresholds(), bounds, h, obj)
	require.NoError(t, err)
	assert.Zero(t, strict.HazardMinutes)
	assert.Zero(t, strict.MissedMinutes)
	assert.Greater(t, strict.Fitness, s.Fitness)
}

func TestEvaluate_RejectsInvalidInputs(t *testing.T) {
	bounds := models.DefaultThresholdBounds()
	obj := DefaultObjective(4.0)

	inverted := models.DefaultThresholds()
	inverted.OxygenCriticalMgL = 6.0
	_, err := Evaluate(inverted, bounds, flatHistory(10, 6, 7, 10), obj)
	assert.ErrorIs(t, err, ErrInvalidCandidate)

	malformed := flatHistory(3, 6, 7, 10)
	malformed.Rows[2].At = malformed.Rows[0].At
	_, err = Evaluate(models.DefaultThresholds(), bounds, malformed, obj)
	assert.ErrorIs(t, err, ErrMalformedHistory)

	infinite := flatHistory(3, 6, 7, 10)
	infinite.Rows[1].Oxygen = math.Inf(1)
	_, err = Evaluate(models.DefaultThresholds(), bounds, infinite, obj)
	assert.ErrorIs(t, err, ErrMalformedHistory)
}

func TestLoadHistory_HoldsLastValue(t *testing.T) {
	ctx := context.Background()
	s := store.NewStore(10)
	start := end.Add(-10 * time.Minute)
	require.NoError(t, s.Append(ctx, models.Reading{ID: uuid.New(), Channel: models.ChannelDissolvedOxygen, Value: 6.1, Timestamp: start, Quality: models.QualityValid}))
	require.NoError(t, s.Append(ctx, models.Reading{ID: uuid.New(), Channel: models.ChannelDissolvedOxygen, Value: 99, Timestamp: start.Add(time.Minute), Quality: models.QualityOutOfRange}))

	h, err := LoadHistory(ctx, s, start, end, time.Minute, 3*time.Minute)
	require.NoError(t, err)
	require.Len(t, h.Rows, 10)

	assert.Equal(t, 6.1, h.Rows[0].Oxygen)
	assert.Equal(t, 6.1, h.Rows[3].Oxygen, "held within the hold window")
	assert.True(t, math.IsNaN(h.Rows[4].Oxygen), "gap once the hold expires")
	assert.True(t, math.IsNaN(h.Rows[0].PH), "never seen channel is a gap")
}

func TestSearch_DiscardsInvalidCandidates(t *testing.T) {
	cfg := testConfig()
	cfg.Generations = 1

	invalid := models.DefaultThresholds()
	invalid.OxygenCriticalMgL, invalid.OxygenLowMgL = 6.0, 5.0

	res, err := Search(context.Background(), flatHistory(60, 6, 7.4, 15), models.DefaultThresholdBounds(),
		[]models.ControlThresholds{invalid, models.DefaultThresholds()}, cfg)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, res.Discarded, 1)
	assert.NoError(t, res.Best.Validate(models.DefaultThresholdBounds()))
}

func TestSearch_MalformedHistoryLeavesNoCandidate(t *testing.T) {
	cfg := testConfig()
	h := flatHistory(3, 6, 7, 10)
	h.Rows[1].At = h.Rows[0].At

	_, err := Search(context.Background(), h, models.DefaultThresholdBounds(), nil, cfg)
	assert.ErrorIs(t, err, ErrNoViableCandidate)
}

func TestSearch_EarlyStop(t *testing.T) {
	cfg := testConfig()
	cfg.Generations = 500
	cfg.Patience = 3

	// A flat, calm history cannot be improved on beyond a perfect score
	res, err := Search(context.Background(), flatHistory(60, 7, 7.4, 15), models.DefaultThresholdBounds(),
		[]models.ControlThresholds{models.DefaultThresholds()}, cfg)
	require.NoError(t, err)
	assert.True(t, res.EarlyStop)
	assert.Less(t, res.Generations, cfg.Generations)
	assert.Equal(t, 0.0, res.BestScore.Fitness)
}

func TestOptimizer_DeterministicForSameSeed(t *testing.T) {
	cfg := testConfig()

	first, reg1 := newOptimizer(t, cfg)
	second, reg2 := newOptimizer(t, cfg)

	r1, err := first.Run(context.Background())
	require.NoError(t, err)
	r2, err := second.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, r1.Search, r2.Search)
	assert.Equal(t, r1.Promoted, r2.Promoted)
	assert.Equal(t, reg1.Active().Thresholds, reg2.Active().Thresholds)
	assert.GreaterOrEqual(t, r1.Search.BestScore.Fitness, r1.ActiveFitness, "the active thresholds seed the search")

	cfg.Seed = 7
	other, _ := newOptimizer(t, cfg)
	r3, err := other.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 360, r3.HistoryRows)
}

func TestOptimizer_PromotesOnlyPastMargin(t *testing.T) {
	cfg := testConfig()
	cfg.Margin = 1e9

	o, registry := newOptimizer(t, cfg)
	res, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.False(t, res.Promoted)
	assert.Equal(t, "retained", res.Outcome)
	assert.Equal(t, uint64(1), registry.Active().Generation)

	last, ok := o.Last()
	require.True(t, ok)
	assert.Equal(t, res.Outcome, last.Outcome)
}

func TestOptimizer_PromotedFitnessBeatsActive(t *testing.T) {
	cfg := testConfig()

	o, registry := newOptimizer(t, cfg)
	res, err := o.Run(context.Background())
	require.NoError(t, err)

	if !res.Promoted {
		assert.LessOrEqual(t, res.Search.BestScore.Fitness, res.ActiveFitness+cfg.Margin)
		assert.Equal(t, uint64(1), registry.Active().Generation)
		return
	}
	active := registry.Active()
	assert.Equal(t, uint64(2), active.Generation)
	assert.Equal(t, models.ThresholdSourceOptimizer, active.Source)
	assert.Greater(t, active.Fitness, res.ActiveFitness)
}

func TestOptimizer_CancelledRunDiscardsResult(t *testing.T) {
	o, registry := newOptimizer(t, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := o.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, uint64(1), registry.Active().Generation)
	_, ok := o.Last()
	assert.False(t, ok)
}

func TestOptimizer_InsufficientHistory(t *testing.T) {
	registry, err := thresholds.NewRegistry(context.Background(), store.NewStore(10),
		models.DefaultThresholds(), models.DefaultThresholdBounds(), zerolog.Nop())
	require.NoError(t, err)

	o := New(store.NewStore(10), registry, testConfig(), zerolog.Nop())
	res, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "insufficient_history", res.Outcome)
	assert.False(t, res.Promoted)
}
