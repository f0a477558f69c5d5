package models

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// ControlThresholds are the tunable parameters applied by the control loop
type ControlThresholds struct {
	OxygenLowMgL              float64 `json:"oxygen_low_mgL" yaml:"oxygen_low_mgL"`
	OxygenCriticalMgL         float64 `json:"oxygen_critical_mgL" yaml:"oxygen_critical_mgL"`
	TurbidityMax              float64 `json:"turbidity_max" yaml:"turbidity_max"`
	PhMin                     float64 `json:"ph_min" yaml:"ph_min"`
	PhMax                     float64 `json:"ph_max" yaml:"ph_max"`
	AerationHysteresisSeconds float64 `json:"aeration_hysteresis_seconds" yaml:"aeration_hysteresis_seconds"`
}

// Bound is an inclusive numeric range
type Bound struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Clamp limits v to the bound
func (b Bound) Clamp(v float64) float64 {
	return math.Max(b.Min, math.Min(b.Max, v))
}

// Contains reports whether v lies within the bound
func (b Bound) Contains(v float64) bool {
	return v >= b.Min && v <= b.Max
}

// Span returns the width of the bound
func (b Bound) Span() float64 {
	return b.Max - b.Min
}

// ThresholdBounds is the physically valid search space for thresholds
type ThresholdBounds struct {
	OxygenLow      Bound
	OxygenCritical Bound
	TurbidityMax   Bound
	PhMin          Bound
	PhMax          Bound
	Hysteresis     Bound
}

// DefaultThresholdBounds returns the default search space
func DefaultThresholdBounds() ThresholdBounds {
	return ThresholdBounds{
		OxygenLow:      Bound{Min: 3.0, Max: 9.0},
		OxygenCritical: Bound{Min: 2.0, Max: 7.0},
		TurbidityMax:   Bound{Min: 10, Max: 200},
		PhMin:          Bound{Min: 5.5, Max: 7.5},
		PhMax:          Bound{Min: 7.5, Max: 9.5},
		Hysteresis:     Bound{Min: 30, Max: 3600},
	}
}

// DefaultThresholds returns the thresholds active at first start.
// They are configuration defaults, not biologically validated values.
func DefaultThresholds() ControlThresholds {
	return ControlThresholds{
		OxygenLowMgL:              5.5,
		OxygenCriticalMgL:         4.0,
		TurbidityMax:              50,
		PhMin:                     6.5,
		PhMax:                     8.5,
		AerationHysteresisSeconds: 300,
	}
}

// ErrInvalidThresholds is returned for threshold sets outside the valid space
var ErrInvalidThresholds = errors.New("invalid control thresholds")

// Validate checks the thresholds against the bounds and internal ordering
func (t ControlThresholds) Validate(b ThresholdBounds) error {
	checks := []struct {
		name  string
		value float64
		bound Bound
	}{
		{"oxygen_low_mgL", t.OxygenLowMgL, b.OxygenLow},
		{"oxygen_critical_mgL", t.OxygenCriticalMgL, b.OxygenCritical},
		{"turbidity_max", t.TurbidityMax, b.TurbidityMax},
		{"ph_min", t.PhMin, b.PhMin},
		{"ph_max", t.PhMax, b.PhMax},
		{"aeration_hysteresis_seconds", t.AerationHysteresisSeconds, b.Hysteresis},
	}
	for _, c := range checks {
		if math.IsNaN(c.value) || !c.bound.Contains(c.value) {
			return fmt.Errorf("%w: %s=%.3f outside [%.3f, %.3f]", ErrInvalidThresholds, c.name, c.value, c.bound.Min, c.bound.Max)
		}
	}
	if t.OxygenCriticalMgL >= t.OxygenLowMgL {
		return fmt.Errorf("%w: oxygen_critical_mgL %.2f must be below oxygen_low_mgL %.2f",
			ErrInvalidThresholds, t.OxygenCriticalMgL, t.OxygenLowMgL)
	}
	if t.PhMin >= t.PhMax {
		return fmt.Errorf("%w: ph_min %.2f must be below ph_max %.2f", ErrInvalidThresholds, t.PhMin, t.PhMax)
	}
	return nil
}

// Hysteresis returns the aeration hysteresis as a duration
func (t ControlThresholds) Hysteresis() time.Duration {
	return time.Duration(t.AerationHysteresisSeconds * float64(time.Second))
}

// ThresholdSource records how a thresholds snapshot came to be active
type ThresholdSource string

const (
	ThresholdSourceDefault   ThresholdSource = "default"
	ThresholdSourceOptimizer ThresholdSource = "optimizer"
	ThresholdSourceRollback  ThresholdSource = "rollback"
)

// ThresholdSnapshot is an immutable, generation-tagged thresholds version
type ThresholdSnapshot struct {
	Generation   uint64            `json:"generation"`
	Thresholds   ControlThresholds `json:"thresholds"`
	Fitness      float64           `json:"fitness"`
	FitnessKnown bool              `json:"fitness_known"`
	Source       ThresholdSource   `json:"source"`
	CreatedAt    time.Time         `json:"created_at"`
}

// TargetState is the desired state of the aeration actuator
type TargetState string

const (
	TargetOn        TargetState = "on"
	TargetOff       TargetState = "off"
	TargetUnchanged TargetState = "unchanged"
)

// ActuatorCommand is an entry of the append-only actuator command log
type ActuatorCommand struct {
	ID                   uuid.UUID   `json:"id"`
	ActuatorID           string      `json:"actuator_id"`
	TargetState          TargetState `json:"target_state"`
	Reason               string      `json:"reason"`
	IssuedAt             time.Time   `json:"issued_at"`
	ThresholdsGeneration uint64      `json:"thresholds_generation"`
	NoOp                 bool        `json:"no_op"`
}

// NewActuatorCommand creates a command with a fresh id
func NewActuatorCommand(actuatorID string, target TargetState, reason string, at time.Time) ActuatorCommand {
	return ActuatorCommand{
		ID:          uuid.New(),
		ActuatorID:  actuatorID,
		TargetState: target,
		Reason:      reason,
		IssuedAt:    at,
	}
}

// ActuatorConfirmation is reported by the actuator driver once a state is observed
type ActuatorConfirmation struct {
	ActuatorID string      `json:"actuator_id"`
	State      TargetState `json:"state"`
	ObservedAt time.Time   `json:"observed_at"`
}
