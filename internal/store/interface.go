package store

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/Capstone-E1/aquasmart_edge/internal/models"
)

// ErrStoreUnavailable wraps every failure to reach the underlying storage
var ErrStoreUnavailable = errors.New("store unavailable")

// ErrClosed is returned by operations on a closed store
var ErrClosed = errors.New("store closed")

// TimeSeriesStore defines the append/query contract of the readings history
type TimeSeriesStore interface {
	// Health check
	Ping(ctx context.Context) error

	// Append records a reading. Readings are never mutated once appended.
	Append(ctx context.Context, reading models.Reading) error

	// Query returns the readings of a channel with from <= timestamp < to,
	// ascending by timestamp regardless of arrival order. The sequence is
	// lazy and may be ranged over more than once. A failure while reading
	// is yielded as a final non-nil error.
	Query(ctx context.Context, channel models.Channel, from, to time.Time) (iter.Seq2[models.Reading, error], error)

	// Latest returns the reading with the greatest timestamp for a channel
	Latest(ctx context.Context, channel models.Channel) (models.Reading, bool, error)

	// LastValidBefore returns the newest valid reading with timestamp < t
	LastValidBefore(ctx context.Context, channel models.Channel, t time.Time) (models.Reading, bool, error)

	// Prune removes readings older than the retention cutoff
	Prune(ctx context.Context, before time.Time) (int, error)

	Close() error
}

// Journal persists the append-only control logs and thresholds history
type Journal interface {
	AppendCommand(ctx context.Context, cmd models.ActuatorCommand) error
	RecentCommands(ctx context.Context, limit int) ([]models.ActuatorCommand, error)

	AppendAlert(ctx context.Context, alert models.AlertEvent) error
	RecentAlerts(ctx context.Context, limit int) ([]models.AlertEvent, error)

	SaveThresholds(ctx context.Context, snapshot models.ThresholdSnapshot) error
	ThresholdHistory(ctx context.Context) ([]models.ThresholdSnapshot, error)
}

// Backend is a storage engine providing both the readings history and the journal
type Backend interface {
	TimeSeriesStore
	Journal
}

// Collect drains a query sequence into a slice
func Collect(seq iter.Seq2[models.Reading, error]) ([]models.Reading, error) {
	var out []models.Reading
	for r, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}
