package control

import (
	"time"

	"github.com/Capstone-E1/aquasmart_edge/internal/models"
)

// Decision reasons recorded on actuator commands
const (
	ReasonOxygenCriticalOverride = "oxygen_critical_override"
	ReasonRiskUnknown            = "risk_unknown"
	ReasonModelUnavailable       = "model_unavailable"
	ReasonRiskCritical           = "risk_critical"
	ReasonRiskWarning            = "risk_warning"
	ReasonOxygenLow              = "oxygen_low"
	ReasonRiskNominal            = "risk_nominal"
	ReasonHysteresisHold         = "hysteresis_hold"
	ReasonCycleBudgetExceeded    = "cycle_budget_exceeded"
	ReasonFailSafe               = "fail_safe"
)

// Decision is the target actuator state chosen by a control cycle
type Decision struct {
	Target models.TargetState `json:"target_state"`
	Reason string             `json:"reason"`
}

// Decide applies the thresholds to the features and the risk assessment.
//
// The oxygen override comes first and holds regardless of the model:
// a fresh dissolved-oxygen value below the critical level always turns
// aeration on. An unknown assessment or a missing model turns aeration on.
// Otherwise critical and warning risk turn it on, as does oxygen below the
// low threshold; nominal risk turns it off.
func Decide(fv models.FeatureVector, a *models.RiskAssessment, t models.ControlThresholds, stalenessMax time.Duration) Decision {
	do := fv.Feature(models.ChannelDissolvedOxygen)
	fresh := do.FreshWithin(stalenessMax)

	if fresh && *do.LastValue < t.OxygenCriticalMgL {
		return Decision{Target: models.TargetOn, Reason: ReasonOxygenCriticalOverride}
	}
	if a == nil {
		return Decision{Target: models.TargetOn, Reason: ReasonModelUnavailable}
	}

	switch a.Label {
	case models.RiskUnknown:
		return Decision{Target: models.TargetOn, Reason: ReasonRiskUnknown}
	case models.RiskCritical:
		return Decision{Target: models.TargetOn, Reason: ReasonRiskCritical}
	case models.RiskWarning:
		return Decision{Target: models.TargetOn, Reason: ReasonRiskWarning}
	}

	if fresh && *do.LastValue < t.OxygenLowMgL {
		return Decision{Target: models.TargetOn, Reason: ReasonOxygenLow}
	}
	return Decision{Target: models.TargetOff, Reason: ReasonRiskNominal}
}

// applyHysteresis holds an OFF decision while aeration has been on for less
// than the hysteresis window. ON decisions are never delayed.
func applyHysteresis(d Decision, status ActuatorStatus, t models.ControlThresholds, now time.Time) Decision {
	if d.Target != models.TargetOff || status.State != models.TargetOn {
		return d
	}
	if now.Sub(status.OnSince) < t.Hysteresis() {
		return Decision{Target: models.TargetUnchanged, Reason: ReasonHysteresisHold}
	}
	return d
}
