package ml

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Capstone-E1/aquasmart_edge/internal/metrics"
	"github.com/Capstone-E1/aquasmart_edge/internal/models"
)

// ErrModelUnavailable is returned when no model is loaded
var ErrModelUnavailable = errors.New("risk model unavailable")

// Predictor turns feature vectors into risk assessments. The active model
// is swapped atomically so a prediction always sees one complete model.
type Predictor struct {
	model        atomic.Pointer[Model]
	stalenessMax time.Duration
	logger       zerolog.Logger
}

// NewPredictor creates a predictor. model may be nil, in which case every
// prediction fails with ErrModelUnavailable until a model is swapped in.
func NewPredictor(model *Model, stalenessMax time.Duration, logger zerolog.Logger) *Predictor {
	p := &Predictor{
		stalenessMax: stalenessMax,
		logger:       logger.With().Str("component", "predictor").Logger(),
	}
	if model != nil {
		p.model.Store(model)
	}
	return p
}

// Swap atomically replaces the active model and returns the previous one
func (p *Predictor) Swap(m *Model) (*Model, error) {
	if m != nil {
		if err := m.Validate(); err != nil {
			return nil, err
		}
	}
	prev := p.model.Swap(m)

	if m != nil {
		p.logger.Info().Str("model_version", m.Version).Msg("risk model activated")
	} else {
		p.logger.Warn().Msg("risk model unloaded")
	}
	return prev, nil
}

// Model returns the active model, or nil
func (p *Predictor) Model() *Model {
	return p.model.Load()
}

// Predict computes the risk assessment for a feature vector. It is
// deterministic: the same features and model yield the same assessment.
// A required channel that is stale beyond the configured maximum yields an
// unknown assessment instead of an extrapolated score; the terms of other
// stale channels are left out and lower the confidence.
func (p *Predictor) Predict(ctx context.Context, fv models.FeatureVector, thresholdsGeneration uint64) (models.RiskAssessment, error) {
	if err := ctx.Err(); err != nil {
		return models.RiskAssessment{}, err
	}
	m := p.model.Load()
	if m == nil {
		return models.RiskAssessment{}, ErrModelUnavailable
	}

	assessment := models.RiskAssessment{
		ModelVersion:         m.Version,
		ThresholdsGeneration: thresholdsGeneration,
		ComputedAt:           fv.AsOf,
	}

	var stale []string
	freshness := 0.0
	for _, ch := range m.RequiredChannels {
		f := fv.Feature(ch)
		if !f.FreshWithin(p.stalenessMax) {
			stale = append(stale, string(ch))
			continue
		}
		if p.stalenessMax > 0 {
			freshness += 1 - f.StalenessSeconds/p.stalenessMax.Seconds()
		} else {
			freshness++
		}
	}
	if len(stale) > 0 {
		sort.Strings(stale)
		assessment.Label = models.RiskUnknown
		// Unknown risk is reported at the conservative end of the scale
		assessment.Score = 1
		assessment.Confidence = 0
		assessment.Reason = "stale inputs: " + strings.Join(stale, ",")
		return assessment, nil
	}

	logit := m.Intercept
	used := 0
	for _, t := range m.Terms {
		f := fv.Feature(t.Channel)
		if !f.FreshWithin(p.stalenessMax) {
			continue
		}
		c, ok := t.contribution(f)
		if !ok {
			continue
		}
		logit += c
		used++
	}

	score := sigmoid(logit)
	coverage := float64(used) / float64(len(m.Terms))
	if n := len(m.RequiredChannels); n > 0 {
		coverage *= freshness / float64(n)
	}

	assessment.Score = score
	assessment.Label = m.Label(score)
	assessment.Confidence = math.Max(0, math.Min(1, coverage))
	if used < len(m.Terms) {
		assessment.Reason = fmt.Sprintf("%d of %d model inputs available", used, len(m.Terms))
	}

	metrics.RiskScore.Set(score)
	return assessment, nil
}
