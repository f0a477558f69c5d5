package optimizer

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/Capstone-E1/aquasmart_edge/internal/models"
)

// ErrInvalidCandidate is returned for candidates outside the valid search space
var ErrInvalidCandidate = errors.New("invalid candidate")

// Objective weights the penalties of the threshold policy replay.
// The reference bands describe the conditions that should be flagged;
// they are configuration, not biological authority.
type Objective struct {
	HazardOxygenMgL   float64 // unaerated time below this level is hazard
	ComfortOxygenMgL  float64 // aerated time above this level is unnecessary
	ReferencePHMin    float64
	ReferencePHMax    float64
	ReferenceTurbMax  float64
	HazardWeight      float64 // per hazard minute
	ActivationWeight  float64 // per off-to-on transition
	UnnecessaryWeight float64 // per unnecessary aeration minute
	MissedWeight      float64 // per unflagged excursion minute
	FalseFlagWeight   float64 // per flagged minute without excursion
}

// DefaultObjective returns the default replay objective
func DefaultObjective(hazardOxygen float64) Objective {
	return Objective{
		HazardOxygenMgL:   hazardOxygen,
		ComfortOxygenMgL:  6.5,
		ReferencePHMin:    6.5,
		ReferencePHMax:    8.5,
		ReferenceTurbMax:  50,
		HazardWeight:      10,
		ActivationWeight:  2,
		UnnecessaryWeight: 0.2,
		MissedWeight:      1,
		FalseFlagWeight:   0.25,
	}
}

// Score breaks down a replay
type Score struct {
	Fitness            float64 `json:"fitness"`
	HazardMinutes      float64 `json:"hazard_minutes"`
	Activations        int     `json:"activations"`
	UnnecessaryMinutes float64 `json:"unnecessary_minutes"`
	MissedMinutes      float64 `json:"missed_excursion_minutes"`
	FalseFlagMinutes   float64 `json:"false_flag_minutes"`
}

// Evaluate replays the history through the aeration policy a thresholds set
// would apply and returns its fitness: the negated weighted penalties per
// replayed hour. Higher is better; zero is a perfect replay.
func Evaluate(t models.ControlThresholds, bounds models.ThresholdBounds, h History, obj Objective) (Score, error) {
	if err := t.Validate(bounds); err != nil {
		return Score{}, fmt.Errorf("%w: %w", ErrInvalidCandidate, err)
	}
	if err := h.Validate(); err != nil {
		return Score{}, err
	}
	if len(h.Rows) == 0 {
		return Score{}, fmt.Errorf("%w: empty history", ErrMalformedHistory)
	}

	var (
		s          Score
		aerating   bool
		onSince    time.Time
		stepMin    = h.Step.Minutes()
		hysteresis = t.Hysteresis()
	)

	for _, r := range h.Rows {
		if !math.IsNaN(r.Oxygen) {
			want := r.Oxygen < t.OxygenLowMgL
			switch {
			case want && !aerating:
				aerating = true
				onSince = r.At
				s.Activations++
			case !want && aerating && r.At.Sub(onSince) >= hysteresis:
				aerating = false
			}

			if r.Oxygen < obj.HazardOxygenMgL && !aerating {
				s.HazardMinutes += stepMin
			}
			if aerating && r.Oxygen >= obj.ComfortOxygenMgL {
				s.UnnecessaryMinutes += stepMin
			}
		}

		if !math.IsNaN(r.PH) {
			excursion := r.PH < obj.ReferencePHMin || r.PH > obj.ReferencePHMax
			flagged := r.PH < t.PhMin || r.PH > t.PhMax
			tally(&s, excursion, flagged, stepMin)
		}
		if !math.IsNaN(r.Turbidity) {
			tally(&s, r.Turbidity > obj.ReferenceTurbMax, r.Turbidity > t.TurbidityMax, stepMin)
		}
	}

	penalty := obj.HazardWeight*s.HazardMinutes +
		obj.ActivationWeight*float64(s.Activations) +
		obj.UnnecessaryWeight*s.UnnecessaryMinutes +
		obj.MissedWeight*s.MissedMinutes +
		obj.FalseFlagWeight*s.FalseFlagMinutes

	s.Fitness = -penalty / h.Hours()
	return s, nil
}

func tally(s *Score, excursion, flagged bool, minutes float64) {
	switch {
	case excursion && !flagged:
		s.MissedMinutes += minutes
	case flagged && !excursion:
		s.FalseFlagMinutes += minutes
	}
}
