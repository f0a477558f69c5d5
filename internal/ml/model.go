package ml

import (
	"errors"
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Capstone-E1/aquasmart_edge/internal/models"
)

// FeatureKind selects which derived value of a channel feeds a model term
type FeatureKind string

const (
	KindLast      FeatureKind = "last"      // last valid value
	KindMean      FeatureKind = "mean"      // window mean
	KindSlope     FeatureKind = "slope"     // units per minute
	KindDeviation FeatureKind = "deviation" // |last - reference|
)

// Term is one weighted input of the logistic risk model
type Term struct {
	Channel   models.Channel `yaml:"channel" json:"channel"`
	Kind      FeatureKind    `yaml:"kind" json:"kind"`
	Reference float64        `yaml:"reference" json:"reference"`
	Scale     float64        `yaml:"scale" json:"scale"`
	Weight    float64        `yaml:"weight" json:"weight"`
}

// CutScores map a risk score onto a label
type CutScores struct {
	Warning  float64 `yaml:"warning" json:"warning"`
	Critical float64 `yaml:"critical" json:"critical"`
}

// Model is a logistic risk model loaded from a YAML artifact
type Model struct {
	Version          string           `yaml:"model_version" json:"model_version"`
	Intercept        float64          `yaml:"intercept" json:"intercept"`
	RequiredChannels []models.Channel `yaml:"required_channels" json:"required_channels"`
	Cuts             CutScores        `yaml:"cut_scores" json:"cut_scores"`
	Terms            []Term           `yaml:"features" json:"features"`
}

// ErrInvalidModel is returned for artifacts that fail validation
var ErrInvalidModel = errors.New("invalid model artifact")

// Validate checks the model artifact for consistency
func (m *Model) Validate() error {
	if m.Version == "" {
		return fmt.Errorf("%w: model_version is required", ErrInvalidModel)
	}
	if !(m.Cuts.Warning > 0 && m.Cuts.Warning < m.Cuts.Critical && m.Cuts.Critical < 1) {
		return fmt.Errorf("%w: cut scores must satisfy 0 < warning < critical < 1", ErrInvalidModel)
	}
	if len(m.Terms) == 0 {
		return fmt.Errorf("%w: at least one feature term is required", ErrInvalidModel)
	}
	for _, ch := range m.RequiredChannels {
		if !ch.Valid() {
			return fmt.Errorf("%w: unknown required channel %q", ErrInvalidModel, ch)
		}
	}
	for i, t := range m.Terms {
		if !t.Channel.Valid() {
			return fmt.Errorf("%w: feature %d has unknown channel %q", ErrInvalidModel, i, t.Channel)
		}
		switch t.Kind {
		case KindLast, KindMean, KindSlope, KindDeviation:
		default:
			return fmt.Errorf("%w: feature %d has unknown kind %q", ErrInvalidModel, i, t.Kind)
		}
		if !(t.Scale > 0) || math.IsInf(t.Weight, 0) || math.IsNaN(t.Weight) {
			return fmt.Errorf("%w: feature %d needs a positive scale and finite weight", ErrInvalidModel, i)
		}
	}
	return nil
}

// LoadModel reads and validates a YAML model artifact
func LoadModel(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model %s: %w", path, err)
	}
	return ParseModel(data)
}

// ParseModel decodes and validates a YAML model artifact
func ParseModel(data []byte) (*Model, error) {
	var m Model
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidModel, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// DefaultModel is the built-in model used when no artifact is configured.
// Its coefficients are a conservative starting point, not a trained fit:
// risk rises as oxygen falls or trends down, and with warm or turbid water.
func DefaultModel() *Model {
	return &Model{
		Version:          "builtin-logistic-v1",
		Intercept:        -2.0,
		RequiredChannels: []models.Channel{models.ChannelDissolvedOxygen},
		Cuts:             CutScores{Warning: 0.4, Critical: 0.7},
		Terms: []Term{
			{Channel: models.ChannelDissolvedOxygen, Kind: KindLast, Reference: 6.0, Scale: 1.0, Weight: -1.8},
			{Channel: models.ChannelDissolvedOxygen, Kind: KindSlope, Reference: 0, Scale: 0.05, Weight: -0.8},
			{Channel: models.ChannelTemperature, Kind: KindMean, Reference: 26, Scale: 2, Weight: 0.5},
			{Channel: models.ChannelTurbidity, Kind: KindMean, Reference: 20, Scale: 50, Weight: 0.3},
			{Channel: models.ChannelPH, Kind: KindDeviation, Reference: 7.5, Scale: 1, Weight: 0.4},
		},
	}
}

// input extracts the term's raw input from a channel feature
func (t Term) input(f models.ChannelFeature) (float64, bool) {
	switch t.Kind {
	case KindLast:
		if f.LastValue != nil {
			return *f.LastValue, true
		}
	case KindMean:
		if f.Mean != nil {
			return *f.Mean, true
		}
	case KindSlope:
		if f.Slope != nil {
			return *f.Slope, true
		}
	case KindDeviation:
		if f.LastValue != nil {
			return math.Abs(*f.LastValue - t.Reference), true
		}
	}
	return 0, false
}

// contribution returns the term's logit contribution
func (t Term) contribution(f models.ChannelFeature) (float64, bool) {
	v, ok := t.input(f)
	if !ok {
		return 0, false
	}
	if t.Kind == KindDeviation {
		return t.Weight * v / t.Scale, true
	}
	return t.Weight * (v - t.Reference) / t.Scale, true
}

// Label maps a score onto a risk label
func (m *Model) Label(score float64) models.RiskLabel {
	switch {
	case score >= m.Cuts.Critical:
		return models.RiskCritical
	case score >= m.Cuts.Warning:
		return models.RiskWarning
	default:
		return models.RiskNominal
	}
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
