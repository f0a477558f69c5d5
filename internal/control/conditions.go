package control

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Capstone-E1/aquasmart_edge/internal/models"
)

// AlertSink receives alert events. Emit must never block the caller.
type AlertSink interface {
	Emit(models.AlertEvent)
	SetEscalated(bool)
}

// conditions tracks the open water-quality alerts so each condition is
// raised once and resolved when it clears
type conditions struct {
	open map[string]models.AlertEvent
}

func newConditions() *conditions {
	return &conditions{open: make(map[string]models.AlertEvent)}
}

// update raises the conditions not open yet and resolves the open ones
// that no longer hold
func (c *conditions) update(current []models.AlertEvent, now time.Time, sink AlertSink) {
	seen := make(map[string]bool, len(current))
	for _, ev := range current {
		key := ev.Key()
		seen[key] = true
		if _, ok := c.open[key]; ok {
			continue
		}
		c.open[key] = ev
		sink.Emit(ev)
	}

	for key, ev := range c.open {
		if seen[key] {
			continue
		}
		delete(c.open, key)
		sink.Emit(ev.Resolve(now))
	}
}

// waterQualityAlerts lists the conditions that hold for a feature vector
// under the active thresholds
func waterQualityAlerts(fv models.FeatureVector, a *models.RiskAssessment, t models.ControlThresholds, stalenessMax time.Duration, now time.Time) []models.AlertEvent {
	var out []models.AlertEvent

	add := func(sev models.Severity, kind models.AlertKind, f models.ChannelFeature, msg string, threshold float64) {
		ev := models.NewAlertEvent(sev, kind, f.Channel, msg, now)
		ev.Threshold = &threshold
		if f.LastValue != nil {
			v := *f.LastValue
			ev.Value = &v
		}
		if f.LastReadingID != nil {
			ev.CorrelatedReadingIDs = []uuid.UUID{*f.LastReadingID}
		}
		out = append(out, ev)
	}

	for _, ch := range models.Channels {
		f := fv.Feature(ch)
		if !f.FreshWithin(stalenessMax) {
			msg := fmt.Sprintf("%s has no fresh reading", ch)
			if f.NeverSeen {
				msg = fmt.Sprintf("%s has never reported a valid reading", ch)
			}
			ev := models.NewAlertEvent(models.SeverityWarning, models.AlertChannelStale, ch, msg, now)
			if f.LastReadingID != nil {
				ev.CorrelatedReadingIDs = []uuid.UUID{*f.LastReadingID}
			}
			out = append(out, ev)
			continue
		}

		v := *f.LastValue
		switch ch {
		case models.ChannelDissolvedOxygen:
			if v < t.OxygenCriticalMgL {
				add(models.SeverityCritical, models.AlertOxygenCritical, f,
					fmt.Sprintf("dissolved oxygen %.2f mg/L below critical %.2f mg/L", v, t.OxygenCriticalMgL), t.OxygenCriticalMgL)
			} else if v < t.OxygenLowMgL {
				add(models.SeverityWarning, models.AlertOxygenLow, f,
					fmt.Sprintf("dissolved oxygen %.2f mg/L below %.2f mg/L", v, t.OxygenLowMgL), t.OxygenLowMgL)
			}
		case models.ChannelPH:
			if v < t.PhMin {
				add(models.SeverityWarning, models.AlertPhOutOfBand, f,
					fmt.Sprintf("pH %.2f below %.2f", v, t.PhMin), t.PhMin)
			} else if v > t.PhMax {
				add(models.SeverityWarning, models.AlertPhOutOfBand, f,
					fmt.Sprintf("pH %.2f above %.2f", v, t.PhMax), t.PhMax)
			}
		case models.ChannelTurbidity:
			if v > t.TurbidityMax {
				add(models.SeverityWarning, models.AlertTurbidityHigh, f,
					fmt.Sprintf("turbidity %.1f NTU above %.1f NTU", v, t.TurbidityMax), t.TurbidityMax)
			}
		}
	}

	if a != nil {
		switch a.Label {
		case models.RiskCritical:
			ev := models.NewAlertEvent(models.SeverityCritical, models.AlertRiskElevated, "",
				fmt.Sprintf("critical oxygen depletion risk (score %.2f, model %s)", a.Score, a.ModelVersion), now)
			out = append(out, ev)
		case models.RiskUnknown:
			out = append(out, models.NewAlertEvent(models.SeverityWarning, models.AlertRiskUnknown, "",
				"risk unknown: "+a.Reason, now))
		}
	}
	return out
}

// SensorFaultAlert returns the alert for a reading that failed validation
func SensorFaultAlert(r models.Reading) (models.AlertEvent, bool) {
	if r.IsValid() {
		return models.AlertEvent{}, false
	}
	msg := fmt.Sprintf("%s sensor %s reported an invalid value (%s)", r.Channel, r.SensorID, r.Quality)
	ev := models.NewAlertEvent(models.SeverityWarning, models.AlertSensorFault, r.Channel, msg, r.ReceivedAt)
	ev.CorrelatedReadingIDs = []uuid.UUID{r.ID}
	if r.Quality == models.QualityOutOfRange {
		v := r.Value
		ev.Value = &v
	}
	return ev, true
}
