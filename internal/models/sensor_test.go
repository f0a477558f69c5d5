package models

import (
	"errors"
	"math"
	"testing"
	"time"
)

func TestChannel_Classify(t *testing.T) {
	tests := []struct {
		name     string
		channel  Channel
		value    float64
		expected Quality
	}{
		{name: "pH in range", channel: ChannelPH, value: 7.2, expected: QualityValid},
		{name: "pH above 14", channel: ChannelPH, value: 14.5, expected: QualityOutOfRange},
		{name: "negative oxygen", channel: ChannelDissolvedOxygen, value: -0.1, expected: QualityOutOfRange},
		{name: "oxygen NaN", channel: ChannelDissolvedOxygen, value: math.NaN(), expected: QualitySensorError},
		{name: "turbidity +Inf", channel: ChannelTurbidity, value: math.Inf(1), expected: QualitySensorError},
		{name: "temperature upper edge", channel: ChannelTemperature, value: 50, expected: QualityValid},
		{name: "unknown channel", channel: Channel("salinity"), value: 30, expected: QualitySensorError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.channel.Classify(tt.value); got != tt.expected {
				t.Errorf("Expected quality %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestChannel_NormalizeValue(t *testing.T) {
	tests := []struct {
		name     string
		channel  Channel
		value    float64
		unit     string
		expected float64
		wantErr  bool
	}{
		{name: "celsius passthrough", channel: ChannelTemperature, value: 26, unit: "C", expected: 26},
		{name: "fahrenheit", channel: ChannelTemperature, value: 212, unit: "F", expected: 100},
		{name: "kelvin", channel: ChannelTemperature, value: 300.15, unit: "K", expected: 27},
		{name: "ppm oxygen", channel: ChannelDissolvedOxygen, value: 6.1, unit: "ppm", expected: 6.1},
		{name: "empty unit is canonical", channel: ChannelTurbidity, value: 12, unit: "", expected: 12},
		{name: "percent saturation rejected", channel: ChannelDissolvedOxygen, value: 80, unit: "%", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.channel.NormalizeValue(tt.value, tt.unit)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Expected error for unit %q", tt.unit)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if math.Abs(got-tt.expected) > 1e-9 {
				t.Errorf("Expected %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestParseChannel_Aliases(t *testing.T) {
	for alias, want := range map[string]Channel{
		"pH":     ChannelPH,
		"O2":     ChannelDissolvedOxygen,
		" temp ": ChannelTemperature,
		"turb":   ChannelTurbidity,
	} {
		got, err := ParseChannel(alias)
		if err != nil {
			t.Fatalf("ParseChannel(%q) returned error: %v", alias, err)
		}
		if got != want {
			t.Errorf("ParseChannel(%q) = %v, want %v", alias, got, want)
		}
	}

	if _, err := ParseChannel("ammonia"); err == nil {
		t.Error("Expected error for unsupported channel")
	}
}

func TestControlThresholds_Validate(t *testing.T) {
	bounds := DefaultThresholdBounds()

	if err := DefaultThresholds().Validate(bounds); err != nil {
		t.Fatalf("Default thresholds should be valid: %v", err)
	}

	inverted := DefaultThresholds()
	inverted.OxygenCriticalMgL = inverted.OxygenLowMgL + 0.5
	if err := inverted.Validate(bounds); !errors.Is(err, ErrInvalidThresholds) {
		t.Errorf("Expected ErrInvalidThresholds for inverted oxygen levels, got %v", err)
	}

	outOfBounds := DefaultThresholds()
	outOfBounds.AerationHysteresisSeconds = 5
	if err := outOfBounds.Validate(bounds); !errors.Is(err, ErrInvalidThresholds) {
		t.Errorf("Expected ErrInvalidThresholds for short hysteresis, got %v", err)
	}
}

func TestAlertEvent_Resolve(t *testing.T) {
	raised := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	alert := NewAlertEvent(SeverityWarning, AlertOxygenLow, ChannelDissolvedOxygen, "oxygen low", raised)

	resolved := alert.Resolve(raised.Add(15 * time.Minute))

	if alert.IsResolved() {
		t.Error("Resolve must not mutate the original alert")
	}
	if !resolved.IsResolved() {
		t.Fatal("Expected resolved copy")
	}
	if resolved.Duration() != 15*time.Minute {
		t.Errorf("Expected duration 15m, got %v", resolved.Duration())
	}
	if resolved.Key() != "oxygen_low:dissolved_oxygen" {
		t.Errorf("Unexpected key %q", resolved.Key())
	}
}

func TestChannelFeature_FreshWithin(t *testing.T) {
	v := 6.0
	fresh := ChannelFeature{Channel: ChannelDissolvedOxygen, LastValue: &v, StalenessSeconds: 30}
	if !fresh.FreshWithin(time.Minute) {
		t.Error("Expected 30s old value to be fresh within 1m")
	}
	if fresh.FreshWithin(10 * time.Second) {
		t.Error("Expected 30s old value to be stale within 10s")
	}

	never := ChannelFeature{Channel: ChannelDissolvedOxygen, NeverSeen: true, StalenessSeconds: NeverSeenStaleness}
	if never.FreshWithin(time.Hour) {
		t.Error("Never-seen channel must not be fresh")
	}
}
