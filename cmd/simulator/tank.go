package main

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/Capstone-E1/aquasmart_edge/internal/models"
)

// Profile describes the water behaviour of a simulated tank
type Profile struct {
	Name string
	// BaseTemperature and TemperatureSwing shape the diurnal temperature curve (C)
	BaseTemperature  float64
	TemperatureSwing float64
	// Respiration is the oxygen demand of the stock (mg/L per hour)
	Respiration float64
	// Transfer is the aerator's oxygen transfer rate towards saturation (1/hour)
	Transfer float64
	// Reaeration is the surface exchange rate without aeration (1/hour)
	Reaeration float64
	// AeratorFailsAfter stops the aerator from obeying commands after the given
	// simulated duration. Zero disables the failure.
	AeratorFailsAfter time.Duration
	// FaultRate is the probability that a channel reports a null value
	FaultRate float64
}

var profiles = map[string]Profile{
	"healthy": {
		Name: "healthy", BaseTemperature: 27, TemperatureSwing: 1.5,
		Respiration: 0.6, Transfer: 1.2, Reaeration: 0.08, FaultRate: 0.002,
	},
	"stressed": {
		Name: "stressed", BaseTemperature: 30, TemperatureSwing: 2.5,
		Respiration: 1.4, Transfer: 1.0, Reaeration: 0.05, FaultRate: 0.01,
	},
	"aerator-failure": {
		Name: "aerator-failure", BaseTemperature: 29, TemperatureSwing: 2,
		Respiration: 1.8, Transfer: 1.2, Reaeration: 0.05, FaultRate: 0.002,
		AeratorFailsAfter: 2 * time.Hour,
	},
}

// profileNames returns the known profile names in a stable order
func profileNames() []string {
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// lookupProfile returns the named profile
func lookupProfile(name string) (Profile, error) {
	p, ok := profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("unknown profile %q (known: %v)", name, profileNames())
	}
	return p, nil
}

// Tank is a small water-quality model of one pond driven by an aerator
type Tank struct {
	profile Profile
	rng     *rand.Rand

	elapsed     time.Duration
	oxygen      float64
	ph          float64
	turbidity   float64
	temperature float64
	aerating    bool
	failed      bool
}

// NewTank creates a tank that starts near saturation
func NewTank(p Profile, seed uint64) *Tank {
	t := &Tank{
		profile:   p,
		rng:       rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		ph:        7.4,
		turbidity: 12,
	}
	t.temperature = p.BaseTemperature
	t.oxygen = saturation(t.temperature) * 0.9
	return t
}

// saturation returns the dissolved oxygen saturation of fresh water in mg/L
func saturation(tempC float64) float64 {
	return 14.62 - 0.3898*tempC + 0.006969*tempC*tempC - 0.00005896*tempC*tempC*tempC
}

// SetAerator applies a command. It reports the state the aerator is really in.
func (t *Tank) SetAerator(on bool) bool {
	if !t.failed {
		t.aerating = on
	}
	return t.aerating
}

// Aerating reports whether the aerator is running
func (t *Tank) Aerating() bool {
	return t.aerating
}

// Failed reports whether the aerator failure has been triggered
func (t *Tank) Failed() bool {
	return t.failed
}

// Step advances the model by dt
func (t *Tank) Step(dt time.Duration) {
	t.elapsed += dt
	hours := dt.Hours()
	p := t.profile

	if p.AeratorFailsAfter > 0 && !t.failed && t.elapsed >= p.AeratorFailsAfter {
		t.failed = true
		t.aerating = false
	}

	// Warmest in the afternoon, coolest before dawn
	phase := 2 * math.Pi * (t.elapsed.Hours() - 9) / 24
	t.temperature = p.BaseTemperature + p.TemperatureSwing*math.Sin(phase) + t.rng.NormFloat64()*0.05

	sat := saturation(t.temperature)
	rate := p.Reaeration
	if t.aerating {
		rate += p.Transfer
	}
	t.oxygen += (rate*(sat-t.oxygen) - p.Respiration) * hours
	t.oxygen += t.rng.NormFloat64() * 0.02
	t.oxygen = clamp(t.oxygen, 0, 20)

	// Respiration lowers pH through CO2; aeration strips it again
	drift := -0.02 * p.Respiration * hours
	if t.aerating {
		drift += 0.03 * hours
	}
	t.ph = clamp(t.ph+drift+t.rng.NormFloat64()*0.005, 6, 9)

	t.turbidity = clamp(t.turbidity+t.rng.NormFloat64()*0.3, 1, 200)
}

// Readings returns the current value of each channel. A nil value marks a
// simulated sensor fault.
func (t *Tank) Readings() map[models.Channel]*float64 {
	values := map[models.Channel]float64{
		models.ChannelDissolvedOxygen: round(t.oxygen, 2),
		models.ChannelTemperature:     round(t.temperature, 2),
		models.ChannelPH:              round(t.ph, 2),
		models.ChannelTurbidity:       round(t.turbidity, 1),
	}
	out := make(map[models.Channel]*float64, len(values))
	for ch, v := range values {
		if t.rng.Float64() < t.profile.FaultRate {
			out[ch] = nil
			continue
		}
		out[ch] = &v
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round(v float64, digits int) float64 {
	p := math.Pow(10, float64(digits))
	return math.Round(v*p) / p
}
