package control

import (
	"testing"
	"time"

	"github.com/Capstone-E1/aquasmart_edge/internal/models"
)

func oxygenVector(value float64, staleness float64) models.FeatureVector {
	seen := t0.Add(-time.Duration(staleness) * time.Second)
	return models.FeatureVector{
		AsOf: t0,
		Channels: map[models.Channel]models.ChannelFeature{
			models.ChannelDissolvedOxygen: {
				Channel:          models.ChannelDissolvedOxygen,
				LastValue:        &value,
				LastSeen:         &seen,
				StalenessSeconds: staleness,
			},
		},
	}
}

func TestDecide(t *testing.T) {
	th := models.DefaultThresholds()
	risk := func(label models.RiskLabel) *models.RiskAssessment {
		return &models.RiskAssessment{Label: label}
	}

	tests := []struct {
		name       string
		fv         models.FeatureVector
		assessment *models.RiskAssessment
		want       Decision
	}{
		{"critical oxygen beats nominal risk", oxygenVector(3.5, 5), risk(models.RiskNominal), Decision{models.TargetOn, ReasonOxygenCriticalOverride}},
		{"critical oxygen beats unknown risk", oxygenVector(3.5, 5), risk(models.RiskUnknown), Decision{models.TargetOn, ReasonOxygenCriticalOverride}},
		{"critical oxygen without a model", oxygenVector(3.5, 5), nil, Decision{models.TargetOn, ReasonOxygenCriticalOverride}},
		{"stale oxygen is not an override", oxygenVector(3.5, 600), risk(models.RiskNominal), Decision{models.TargetOff, ReasonRiskNominal}},
		{"unknown risk", oxygenVector(7, 5), risk(models.RiskUnknown), Decision{models.TargetOn, ReasonRiskUnknown}},
		{"model unavailable", oxygenVector(7, 5), nil, Decision{models.TargetOn, ReasonModelUnavailable}},
		{"critical risk", oxygenVector(7, 5), risk(models.RiskCritical), Decision{models.TargetOn, ReasonRiskCritical}},
		{"warning risk", oxygenVector(7, 5), risk(models.RiskWarning), Decision{models.TargetOn, ReasonRiskWarning}},
		{"low oxygen with nominal risk", oxygenVector(5, 5), risk(models.RiskNominal), Decision{models.TargetOn, ReasonOxygenLow}},
		{"nominal", oxygenVector(7, 5), risk(models.RiskNominal), Decision{models.TargetOff, ReasonRiskNominal}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Decide(tt.fv, tt.assessment, th, 2*time.Minute)
			if got != tt.want {
				t.Errorf("Expected %+v, got %+v", tt.want, got)
			}
		})
	}
}

func TestApplyHysteresis(t *testing.T) {
	th := models.DefaultThresholds()
	on := ActuatorStatus{State: models.TargetOn, OnSince: t0}
	off := Decision{Target: models.TargetOff, Reason: ReasonRiskNominal}

	if got := applyHysteresis(off, on, th, t0.Add(time.Minute)); got.Reason != ReasonHysteresisHold {
		t.Errorf("Expected hysteresis hold, got %+v", got)
	}
	if got := applyHysteresis(off, on, th, t0.Add(th.Hysteresis())); got != off {
		t.Errorf("Expected OFF once the window elapsed, got %+v", got)
	}

	critical := Decision{Target: models.TargetOn, Reason: ReasonRiskCritical}
	if got := applyHysteresis(critical, ActuatorStatus{State: models.TargetOff}, th, t0); got != critical {
		t.Errorf("Expected ON never delayed, got %+v", got)
	}
}
