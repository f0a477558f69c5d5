package models

import (
	"time"

	"github.com/google/uuid"
)

// ChannelFeature holds the derived features of a single channel.
// Mean and Slope are nil when the window held no valid reading; LastValue
// is nil when the channel has never produced a valid reading.
type ChannelFeature struct {
	Channel          Channel    `json:"channel"`
	Mean             *float64   `json:"mean"`
	Slope            *float64   `json:"slope_per_minute"`
	LastValue        *float64   `json:"last_value"`
	LastSeen         *time.Time `json:"last_seen,omitempty"`
	LastReadingID    *uuid.UUID `json:"last_reading_id,omitempty"`
	Samples          int        `json:"samples"`
	StalenessSeconds float64    `json:"staleness_seconds"`
	Stale            bool       `json:"stale"`
	NeverSeen        bool       `json:"never_seen"`
}

// NeverSeenStaleness is the staleness reported for channels without any valid reading
const NeverSeenStaleness = -1.0

// FreshWithin reports whether the channel has a last value no older than maxStaleness
func (f ChannelFeature) FreshWithin(maxStaleness time.Duration) bool {
	if f.NeverSeen || f.LastValue == nil {
		return false
	}
	return f.StalenessSeconds <= maxStaleness.Seconds()
}

// FeatureVector is the fixed-shape input of the risk predictor
type FeatureVector struct {
	AsOf        time.Time                  `json:"as_of"`
	WindowStart time.Time                  `json:"window_start"`
	WindowEnd   time.Time                  `json:"window_end"`
	Channels    map[Channel]ChannelFeature `json:"channels"`
}

// Feature returns the features of a channel; channels are always present
// in vectors produced by the feature builder
func (fv *FeatureVector) Feature(ch Channel) ChannelFeature {
	if f, ok := fv.Channels[ch]; ok {
		return f
	}
	return ChannelFeature{Channel: ch, NeverSeen: true, Stale: true, StalenessSeconds: NeverSeenStaleness}
}

// RiskLabel is the coarse classification of a risk score
type RiskLabel string

const (
	RiskNominal  RiskLabel = "nominal"
	RiskWarning  RiskLabel = "warning"
	RiskCritical RiskLabel = "critical"
	RiskUnknown  RiskLabel = "unknown"
)

// RiskAssessment is the predictor output for one control cycle
type RiskAssessment struct {
	Score                float64   `json:"score"`
	Label                RiskLabel `json:"label"`
	Confidence           float64   `json:"confidence"`
	ModelVersion         string    `json:"model_version"`
	ThresholdsGeneration uint64    `json:"thresholds_generation"`
	Reason               string    `json:"reason,omitempty"`
	ComputedAt           time.Time `json:"computed_at"`
}
