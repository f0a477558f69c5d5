package services

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Capstone-E1/aquasmart_edge/internal/metrics"
	"github.com/Capstone-E1/aquasmart_edge/internal/models"
	"github.com/Capstone-E1/aquasmart_edge/internal/store"
)

// RejectedSample is returned for samples that cannot be classified at all.
// Such samples are not recorded.
type RejectedSample struct {
	Sample models.RawSample
	Reason string
}

func (e *RejectedSample) Error() string {
	return fmt.Sprintf("rejected sample from %q (channel %q): %s", e.Sample.SensorID, e.Sample.Channel, e.Reason)
}

// ReadingObserver is notified of every recorded reading
type ReadingObserver func(models.Reading)

// Ingestor validates raw samples, classifies their quality and appends them
// to the readings history
type Ingestor struct {
	store    store.TimeSeriesStore
	logger   zerolog.Logger
	seq      atomic.Uint64
	now      func() time.Time
	observer ReadingObserver
}

// IngestorOption customizes an Ingestor
type IngestorOption func(*Ingestor)

// WithClock overrides the receive-time clock
func WithClock(now func() time.Time) IngestorOption {
	return func(i *Ingestor) { i.now = now }
}

// WithObserver registers a callback for recorded readings
func WithObserver(fn ReadingObserver) IngestorOption {
	return func(i *Ingestor) { i.observer = fn }
}

// NewIngestor creates a new Ingestor writing into the given store
func NewIngestor(ts store.TimeSeriesStore, logger zerolog.Logger, opts ...IngestorOption) *Ingestor {
	i := &Ingestor{
		store:  ts,
		logger: logger.With().Str("component", "ingest").Logger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Ingest classifies and records a raw sample. Out-of-range and non-finite
// values are recorded with their quality tag rather than dropped. A
// *RejectedSample error means the sample named an unknown channel or unit.
func (i *Ingestor) Ingest(ctx context.Context, raw models.RawSample) (models.Reading, error) {
	receivedAt := i.now()

	channel, err := models.ParseChannel(raw.Channel)
	if err != nil {
		metrics.SamplesRejected.WithLabelValues("unknown_channel").Inc()
		return models.Reading{}, &RejectedSample{Sample: raw, Reason: err.Error()}
	}

	value, err := channel.NormalizeValue(raw.Value, raw.Unit)
	if err != nil {
		metrics.SamplesRejected.WithLabelValues("unknown_unit").Inc()
		return models.Reading{}, &RejectedSample{Sample: raw, Reason: err.Error()}
	}

	spec, _ := channel.Spec()
	ts := raw.SourceTimestamp
	if ts.IsZero() {
		ts = receivedAt
	}

	reading := models.Reading{
		ID:         uuid.New(),
		Seq:        i.seq.Add(1),
		SensorID:   raw.SensorID,
		Channel:    channel,
		Value:      value,
		Unit:       spec.Unit,
		Timestamp:  ts,
		ReceivedAt: receivedAt,
		Quality:    channel.Classify(value),
	}

	if err := i.store.Append(ctx, reading); err != nil {
		return models.Reading{}, fmt.Errorf("append %s reading: %w", channel, err)
	}

	metrics.ReadingsIngested.WithLabelValues(string(channel), string(reading.Quality)).Inc()
	if !reading.IsValid() {
		i.logger.Warn().Str("sensor", raw.SensorID).Str("reading", reading.String()).Msg("recorded invalid reading")
	} else {
		i.logger.Debug().Str("reading", reading.String()).Msg("recorded reading")
	}

	if i.observer != nil {
		i.observer(reading)
	}
	return reading, nil
}

// IngestResult is the outcome of one sample of a batch
type IngestResult struct {
	Reading *models.Reading `json:"reading,omitempty"`
	Error   string          `json:"error,omitempty"`
	err     error
}

// Err returns the ingest error of the sample, if any
func (r IngestResult) Err() error {
	return r.err
}

// IngestBatch ingests samples in order and reports the outcome of each.
// A store failure stops the batch; the remaining samples report that error.
func (i *Ingestor) IngestBatch(ctx context.Context, samples []models.RawSample) []IngestResult {
	results := make([]IngestResult, len(samples))

	var fatal error
	for idx, raw := range samples {
		if fatal != nil {
			results[idx] = IngestResult{Error: fatal.Error(), err: fatal}
			continue
		}

		reading, err := i.Ingest(ctx, raw)
		if err != nil {
			results[idx] = IngestResult{Error: err.Error(), err: err}
			var rejected *RejectedSample
			if !errors.As(err, &rejected) {
				fatal = err
			}
			continue
		}
		results[idx] = IngestResult{Reading: &reading}
	}
	return results
}
