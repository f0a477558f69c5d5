package models

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Channel identifies a water-quality sensor channel
type Channel string

const (
	ChannelPH              Channel = "ph"
	ChannelTemperature     Channel = "temperature"
	ChannelDissolvedOxygen Channel = "dissolved_oxygen"
	ChannelTurbidity       Channel = "turbidity"
)

// Channels lists every supported channel in a stable order
var Channels = []Channel{ChannelPH, ChannelTemperature, ChannelDissolvedOxygen, ChannelTurbidity}

// ChannelSpec describes the canonical unit and physical range of a channel
type ChannelSpec struct {
	Unit string
	Min  float64
	Max  float64
}

// channelSpecs holds the physically plausible range per channel.
// Values outside these ranges are recorded but tagged out_of_range.
var channelSpecs = map[Channel]ChannelSpec{
	ChannelPH:              {Unit: "pH", Min: 0, Max: 14},
	ChannelTemperature:     {Unit: "C", Min: 0, Max: 50},
	ChannelDissolvedOxygen: {Unit: "mg/L", Min: 0, Max: 20},
	ChannelTurbidity:       {Unit: "NTU", Min: 0, Max: 1000},
}

// Spec returns the channel's canonical unit and physical range
func (c Channel) Spec() (ChannelSpec, bool) {
	spec, ok := channelSpecs[c]
	return spec, ok
}

// Valid reports whether the channel is one of the supported channels
func (c Channel) Valid() bool {
	_, ok := channelSpecs[c]
	return ok
}

// ParseChannel maps the channel names and common aliases used by sensor
// gateways onto a Channel
func ParseChannel(name string) (Channel, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "ph":
		return ChannelPH, nil
	case "temperature", "temp", "water_temp":
		return ChannelTemperature, nil
	case "dissolved_oxygen", "oxygen", "do", "o2":
		return ChannelDissolvedOxygen, nil
	case "turbidity", "turb":
		return ChannelTurbidity, nil
	}
	return "", fmt.Errorf("unknown sensor channel %q", name)
}

// NormalizeValue converts a value expressed in unit into the channel's
// canonical unit. An empty unit is taken to be the canonical one.
func (c Channel) NormalizeValue(value float64, unit string) (float64, error) {
	spec, ok := c.Spec()
	if !ok {
		return 0, fmt.Errorf("unknown sensor channel %q", c)
	}

	u := strings.TrimSpace(unit)
	if u == "" || strings.EqualFold(u, spec.Unit) {
		return value, nil
	}

	switch c {
	case ChannelTemperature:
		switch strings.ToUpper(strings.TrimPrefix(u, "°")) {
		case "C", "CELSIUS":
			return value, nil
		case "F", "FAHRENHEIT":
			return (value - 32) * 5 / 9, nil
		case "K", "KELVIN":
			return value - 273.15, nil
		}
	case ChannelDissolvedOxygen:
		if strings.EqualFold(u, "ppm") || strings.EqualFold(u, "mg/l") {
			return value, nil
		}
	case ChannelTurbidity:
		if strings.EqualFold(u, "ntu") {
			return value, nil
		}
	}
	return 0, fmt.Errorf("unsupported unit %q for channel %s", unit, c)
}

// Quality classifies the validity of a recorded reading
type Quality string

const (
	QualityValid       Quality = "valid"
	QualityOutOfRange  Quality = "out_of_range"
	QualitySensorError Quality = "sensor_error"
)

// Classify returns the quality of a value already in the canonical unit
func (c Channel) Classify(value float64) Quality {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return QualitySensorError
	}
	spec, ok := c.Spec()
	if !ok {
		return QualitySensorError
	}
	if value < spec.Min || value > spec.Max {
		return QualityOutOfRange
	}
	return QualityValid
}

// RawSample is an untrusted sample as delivered by the acquisition layer
type RawSample struct {
	SensorID        string    `json:"sensor_id"`
	Channel         string    `json:"channel"`
	Value           float64   `json:"value"`
	Unit            string    `json:"unit"`
	SourceTimestamp time.Time `json:"timestamp"`
}

// Reading is a canonical, immutable sensor reading as recorded in the store
type Reading struct {
	ID         uuid.UUID `json:"id"`
	Seq        uint64    `json:"seq"`
	SensorID   string    `json:"sensor_id"`
	Channel    Channel   `json:"channel"`
	Value      float64   `json:"value"`
	Unit       string    `json:"unit"`
	Timestamp  time.Time `json:"timestamp"`
	ReceivedAt time.Time `json:"received_at"`
	Quality    Quality   `json:"quality"`
}

// IsValid reports whether the reading may be used for feature computation
func (r *Reading) IsValid() bool {
	return r.Quality == QualityValid
}

// String formats the reading for logging
func (r Reading) String() string {
	return fmt.Sprintf("%s=%.2f%s@%s (%s)",
		r.Channel, r.Value, r.Unit, r.Timestamp.Format(time.RFC3339), r.Quality)
}

// MarshalJSON encodes non-finite values as null, which JSON cannot represent
func (r Reading) MarshalJSON() ([]byte, error) {
	type alias Reading
	aux := struct {
		alias
		Value *float64 `json:"value"`
	}{alias: alias(r)}
	if !math.IsNaN(r.Value) && !math.IsInf(r.Value, 0) {
		v := r.Value
		aux.Value = &v
	}
	return json.Marshal(aux)
}

// UnmarshalJSON decodes a null value as NaN
func (r *Reading) UnmarshalJSON(data []byte) error {
	type alias Reading
	aux := struct {
		*alias
		Value *float64 `json:"value"`
	}{alias: (*alias)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	r.Value = math.NaN()
	if aux.Value != nil {
		r.Value = *aux.Value
	}
	return nil
}
