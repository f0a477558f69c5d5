package models

import (
	"time"

	"github.com/google/uuid"
)

// Severity is the urgency of an alert
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rank orders severities so alerts can be compared and escalated
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// AlertKind categorizes what raised an alert
type AlertKind string

const (
	AlertOxygenCritical     AlertKind = "oxygen_critical"
	AlertOxygenLow          AlertKind = "oxygen_low"
	AlertPhOutOfBand        AlertKind = "ph_out_of_band"
	AlertTurbidityHigh      AlertKind = "turbidity_high"
	AlertChannelStale       AlertKind = "channel_stale"
	AlertSensorFault        AlertKind = "sensor_fault"
	AlertRiskElevated       AlertKind = "risk_elevated"
	AlertRiskUnknown        AlertKind = "risk_unknown"
	AlertFailSafe           AlertKind = "fail_safe"
	AlertCycleOverrun       AlertKind = "cycle_overrun"
	AlertThresholdsPromoted AlertKind = "thresholds_promoted"
	AlertDependencyHealed   AlertKind = "dependency_recovered"
)

// AlertEvent is a structured alert delivered to the alert sink
type AlertEvent struct {
	ID                   uuid.UUID   `json:"id"`
	Severity             Severity    `json:"severity"`
	Kind                 AlertKind   `json:"kind"`
	Channel              Channel     `json:"channel,omitempty"`
	Message              string      `json:"message"`
	Value                *float64    `json:"value,omitempty"`
	Threshold            *float64    `json:"threshold,omitempty"`
	CorrelatedReadingIDs []uuid.UUID `json:"correlated_reading_ids,omitempty"`
	RaisedAt             time.Time   `json:"raised_at"`
	ResolvedAt           *time.Time  `json:"resolved_at,omitempty"`
}

// NewAlertEvent creates an unresolved alert with a fresh id
func NewAlertEvent(severity Severity, kind AlertKind, channel Channel, message string, at time.Time) AlertEvent {
	return AlertEvent{
		ID:       uuid.New(),
		Severity: severity,
		Kind:     kind,
		Channel:  channel,
		Message:  message,
		RaisedAt: at,
	}
}

// Resolve returns a copy of the alert marked as resolved at the given time
func (a AlertEvent) Resolve(at time.Time) AlertEvent {
	resolved := a
	resolved.ResolvedAt = &at
	return resolved
}

// IsResolved reports whether the alert has been resolved
func (a *AlertEvent) IsResolved() bool {
	return a.ResolvedAt != nil
}

// Duration returns how long the alert was open; zero if still unresolved
func (a *AlertEvent) Duration() time.Duration {
	if a.ResolvedAt == nil {
		return 0
	}
	return a.ResolvedAt.Sub(a.RaisedAt)
}

// Key identifies the condition an alert tracks, used for dedup and resolution
func (a *AlertEvent) Key() string {
	return string(a.Kind) + ":" + string(a.Channel)
}
