package services

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Capstone-E1/aquasmart_edge/internal/models"
)

// SensorParser handles parsing of sensor payloads from the acquisition layer
type SensorParser struct{}

// NewSensorParser creates a new instance of SensorParser
func NewSensorParser() *SensorParser {
	return &SensorParser{}
}

// samplePayload is a single sample as published by a sensor node.
// A null value marks a sensor fault.
type samplePayload struct {
	SensorID  string          `json:"sensor_id"`
	Channel   string          `json:"channel"`
	Value     *float64        `json:"value"`
	Unit      string          `json:"unit"`
	Timestamp json.RawMessage `json:"timestamp"`
}

// batchPayload carries one value per channel from the same sensor node
type batchPayload struct {
	SensorID  string              `json:"sensor_id"`
	Timestamp json.RawMessage     `json:"timestamp"`
	Readings  map[string]*float64 `json:"readings"`
	Units     map[string]string   `json:"units"`
}

// Parse detects the payload format and returns the raw samples it carries.
// sensorID is used when the payload does not name its sensor.
func (sp *SensorParser) Parse(payload []byte, sensorID string) ([]models.RawSample, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty sensor payload")
	}

	switch trimmed[0] {
	case '{', '[':
		return sp.ParseSensorJSON(trimmed, sensorID)
	default:
		return sp.ParseSensorString(string(trimmed), sensorID)
	}
}

// ParseSensorJSON parses a single sample, a list of samples, or a per-channel batch
func (sp *SensorParser) ParseSensorJSON(payload []byte, sensorID string) ([]models.RawSample, error) {
	trimmed := bytes.TrimSpace(payload)

	if len(trimmed) > 0 && trimmed[0] == '[' {
		var list []samplePayload
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, fmt.Errorf("failed to parse sensor JSON list: %w", err)
		}
		samples := make([]models.RawSample, 0, len(list))
		for _, p := range list {
			s, err := p.sample(sensorID)
			if err != nil {
				return nil, err
			}
			samples = append(samples, s)
		}
		return samples, nil
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		return nil, fmt.Errorf("failed to parse sensor JSON: %w", err)
	}

	if _, isBatch := probe["readings"]; isBatch {
		var batch batchPayload
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			return nil, fmt.Errorf("failed to parse sensor batch: %w", err)
		}
		return batch.samples(sensorID)
	}

	var single samplePayload
	if err := json.Unmarshal(trimmed, &single); err != nil {
		return nil, fmt.Errorf("failed to parse sensor JSON: %w", err)
	}
	s, err := single.sample(sensorID)
	if err != nil {
		return nil, err
	}
	return []models.RawSample{s}, nil
}

func (p samplePayload) sample(defaultSensor string) (models.RawSample, error) {
	if p.Channel == "" {
		return models.RawSample{}, fmt.Errorf("sensor sample without channel")
	}
	ts, err := parseTimestamp(p.Timestamp)
	if err != nil {
		return models.RawSample{}, err
	}
	return models.RawSample{
		SensorID:        firstNonEmpty(p.SensorID, defaultSensor),
		Channel:         p.Channel,
		Value:           valueOrNaN(p.Value),
		Unit:            p.Unit,
		SourceTimestamp: ts,
	}, nil
}

func (b batchPayload) samples(defaultSensor string) ([]models.RawSample, error) {
	if len(b.Readings) == 0 {
		return nil, fmt.Errorf("sensor batch without readings")
	}
	ts, err := parseTimestamp(b.Timestamp)
	if err != nil {
		return nil, err
	}

	// Stable order so batch outcomes are reported deterministically
	names := make([]string, 0, len(b.Readings))
	for name := range b.Readings {
		names = append(names, name)
	}
	sort.Strings(names)

	samples := make([]models.RawSample, 0, len(names))
	for _, name := range names {
		samples = append(samples, models.RawSample{
			SensorID:        firstNonEmpty(b.SensorID, defaultSensor),
			Channel:         name,
			Value:           valueOrNaN(b.Readings[name]),
			Unit:            b.Units[name],
			SourceTimestamp: ts,
		})
	}
	return samples, nil
}

// ParseSensorString parses comma-separated samples (fallback format), one per line.
// Expected format: "channel,value,unit[,rfc3339]"
func (sp *SensorParser) ParseSensorString(payload string, sensorID string) ([]models.RawSample, error) {
	r := csv.NewReader(strings.NewReader(payload))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	var samples []models.RawSample
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse sensor string: %w", err)
		}
		if len(record) < 3 || len(record) > 4 {
			return nil, fmt.Errorf("failed to parse sensor string: expected 3 or 4 fields (channel,value,unit[,timestamp]), got %d", len(record))
		}

		value, err := strconv.ParseFloat(strings.TrimSpace(record[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse sensor value %q: %w", record[1], err)
		}

		sample := models.RawSample{
			SensorID: sensorID,
			Channel:  strings.TrimSpace(record[0]),
			Value:    value,
			Unit:     strings.TrimSpace(record[2]),
		}
		if len(record) == 4 && strings.TrimSpace(record[3]) != "" {
			ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(record[3]))
			if err != nil {
				return nil, fmt.Errorf("failed to parse sensor timestamp %q: %w", record[3], err)
			}
			sample.SourceTimestamp = ts
		}
		samples = append(samples, sample)
	}

	if len(samples) == 0 {
		return nil, fmt.Errorf("failed to parse sensor string: no samples")
	}
	return samples, nil
}

// FormatSample formats a raw sample for logging or debugging
func (sp *SensorParser) FormatSample(s models.RawSample) string {
	ts := "receive-time"
	if !s.SourceTimestamp.IsZero() {
		ts = s.SourceTimestamp.Format(time.RFC3339)
	}
	return fmt.Sprintf("Sensor: %s, Channel: %s, Value: %.3f %s, Time: %s",
		s.SensorID, s.Channel, s.Value, s.Unit, ts)
}

// parseTimestamp accepts an RFC 3339 string or unix seconds; absent means zero
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		if text == "" {
			return time.Time{}, nil
		}
		ts, err := time.Parse(time.RFC3339Nano, text)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid sample timestamp %q: %w", text, err)
		}
		return ts, nil
	}

	var seconds float64
	if err := json.Unmarshal(raw, &seconds); err != nil {
		return time.Time{}, fmt.Errorf("invalid sample timestamp %s", raw)
	}
	whole, frac := math.Modf(seconds)
	return time.Unix(int64(whole), int64(frac*1e9)).UTC(), nil
}

func valueOrNaN(v *float64) float64 {
	if v == nil {
		return math.NaN()
	}
	return *v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
