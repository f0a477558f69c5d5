package store

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Capstone-E1/aquasmart_edge/internal/models"
)

// series is the time-ordered history of one channel.
// Each channel has its own lock so appends on different channels never contend.
type series struct {
	mu       sync.RWMutex
	readings []models.Reading // sorted by Timestamp, then Seq
}

// insert places the reading at its timestamp position (stable for equal timestamps)
func (s *series) insert(r models.Reading) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.readings)
	// Fast path: in-order arrival
	if n == 0 || !r.Timestamp.Before(s.readings[n-1].Timestamp) {
		s.readings = append(s.readings, r)
		return
	}

	idx := sort.Search(n, func(i int) bool {
		return s.readings[i].Timestamp.After(r.Timestamp)
	})
	s.readings = append(s.readings, models.Reading{})
	copy(s.readings[idx+1:], s.readings[idx:])
	s.readings[idx] = r
}

// window copies the readings with from <= ts < to
func (s *series) window(from, to time.Time) []models.Reading {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lo := sort.Search(len(s.readings), func(i int) bool {
		return !s.readings[i].Timestamp.Before(from)
	})
	hi := sort.Search(len(s.readings), func(i int) bool {
		return !s.readings[i].Timestamp.Before(to)
	})
	if lo >= hi {
		return nil
	}
	out := make([]models.Reading, hi-lo)
	copy(out, s.readings[lo:hi])
	return out
}

// pruneBefore drops the prefix older than the cutoff
func (s *series) pruneBefore(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := sort.Search(len(s.readings), func(i int) bool {
		return !s.readings[i].Timestamp.Before(cutoff)
	})
	if idx == 0 {
		return 0
	}
	remaining := make([]models.Reading, len(s.readings)-idx)
	copy(remaining, s.readings[idx:])
	s.readings = remaining
	return idx
}

// Store manages the in-memory readings history and control journal
type Store struct {
	series map[models.Channel]*series // fixed at construction, read-only map
	closed atomic.Bool

	journalMu       sync.RWMutex
	commands        []models.ActuatorCommand
	alerts          []models.AlertEvent
	thresholds      []models.ThresholdSnapshot
	journalCapacity int
}

// NewStore creates a new in-memory store keeping at most journalCapacity
// commands and alerts
func NewStore(journalCapacity int) *Store {
	if journalCapacity <= 0 {
		journalCapacity = 1000 // Default to keep last 1000 journal entries
	}

	s := &Store{
		series:          make(map[models.Channel]*series, len(models.Channels)),
		journalCapacity: journalCapacity,
	}
	for _, ch := range models.Channels {
		s.series[ch] = &series{}
	}
	return s
}

func (s *Store) channel(ch models.Channel) (*series, error) {
	if s.closed.Load() {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, ErrClosed)
	}
	sr, ok := s.series[ch]
	if !ok {
		return nil, fmt.Errorf("unknown channel %q", ch)
	}
	return sr, nil
}

// Ping reports whether the store accepts operations
func (s *Store) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, ErrClosed)
	}
	return ctx.Err()
}

// Append stores a reading in timestamp order
func (s *Store) Append(ctx context.Context, reading models.Reading) error {
	sr, err := s.channel(reading.Channel)
	if err != nil {
		return err
	}
	sr.insert(reading)
	return nil
}

// Query returns a lazy, restartable sequence of the readings in [from, to)
func (s *Store) Query(ctx context.Context, ch models.Channel, from, to time.Time) (iter.Seq2[models.Reading, error], error) {
	sr, err := s.channel(ch)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return func(yield func(models.Reading, error) bool) {
		// Each pass takes its own snapshot so slow consumers never hold the lock
		for _, r := range sr.window(from, to) {
			if !yield(r, nil) {
				return
			}
		}
	}, nil
}

// Latest returns the most recent reading of a channel
func (s *Store) Latest(ctx context.Context, ch models.Channel) (models.Reading, bool, error) {
	sr, err := s.channel(ch)
	if err != nil {
		return models.Reading{}, false, err
	}

	sr.mu.RLock()
	defer sr.mu.RUnlock()

	if len(sr.readings) == 0 {
		return models.Reading{}, false, nil
	}
	return sr.readings[len(sr.readings)-1], true, nil
}

// LastValidBefore returns the newest valid reading strictly before t
func (s *Store) LastValidBefore(ctx context.Context, ch models.Channel, t time.Time) (models.Reading, bool, error) {
	sr, err := s.channel(ch)
	if err != nil {
		return models.Reading{}, false, err
	}

	sr.mu.RLock()
	defer sr.mu.RUnlock()

	idx := sort.Search(len(sr.readings), func(i int) bool {
		return !sr.readings[i].Timestamp.Before(t)
	})
	for i := idx - 1; i >= 0; i-- {
		if sr.readings[i].IsValid() {
			return sr.readings[i], true, nil
		}
	}
	return models.Reading{}, false, nil
}

// Prune removes readings older than the cutoff, one channel at a time
func (s *Store) Prune(ctx context.Context, before time.Time) (int, error) {
	if err := s.Ping(ctx); err != nil {
		return 0, err
	}

	total := 0
	for _, ch := range models.Channels {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		total += s.series[ch].pruneBefore(before)
	}
	return total, nil
}

// Count returns the number of readings held for a channel
func (s *Store) Count(ch models.Channel) int {
	sr, ok := s.series[ch]
	if !ok {
		return 0
	}
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	return len(sr.readings)
}

// Close marks the store unavailable; later operations fail with ErrStoreUnavailable
func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}

// === Journal Methods ===

// AppendCommand records an actuator command
func (s *Store) AppendCommand(ctx context.Context, cmd models.ActuatorCommand) error {
	if err := s.Ping(ctx); err != nil {
		return err
	}
	s.journalMu.Lock()
	defer s.journalMu.Unlock()

	s.commands = append(s.commands, cmd)
	if len(s.commands) > s.journalCapacity {
		s.commands = s.commands[len(s.commands)-s.journalCapacity:]
	}
	return nil
}

// RecentCommands returns the newest commands first
func (s *Store) RecentCommands(ctx context.Context, limit int) ([]models.ActuatorCommand, error) {
	if err := s.Ping(ctx); err != nil {
		return nil, err
	}
	s.journalMu.RLock()
	defer s.journalMu.RUnlock()

	return newestFirst(s.commands, limit), nil
}

// AppendAlert records an alert event
func (s *Store) AppendAlert(ctx context.Context, alert models.AlertEvent) error {
	if err := s.Ping(ctx); err != nil {
		return err
	}
	s.journalMu.Lock()
	defer s.journalMu.Unlock()

	s.alerts = append(s.alerts, alert)
	if len(s.alerts) > s.journalCapacity {
		s.alerts = s.alerts[len(s.alerts)-s.journalCapacity:]
	}
	return nil
}

// RecentAlerts returns the newest alerts first
func (s *Store) RecentAlerts(ctx context.Context, limit int) ([]models.AlertEvent, error) {
	if err := s.Ping(ctx); err != nil {
		return nil, err
	}
	s.journalMu.RLock()
	defer s.journalMu.RUnlock()

	return newestFirst(s.alerts, limit), nil
}

// SaveThresholds appends a thresholds snapshot to the history
func (s *Store) SaveThresholds(ctx context.Context, snapshot models.ThresholdSnapshot) error {
	if err := s.Ping(ctx); err != nil {
		return err
	}
	s.journalMu.Lock()
	defer s.journalMu.Unlock()

	s.thresholds = append(s.thresholds, snapshot)
	return nil
}

// ThresholdHistory returns every saved snapshot ordered by generation
func (s *Store) ThresholdHistory(ctx context.Context) ([]models.ThresholdSnapshot, error) {
	s.journalMu.RLock()
	defer s.journalMu.RUnlock()

	out := make([]models.ThresholdSnapshot, len(s.thresholds))
	copy(out, s.thresholds)
	sort.Slice(out, func(i, j int) bool { return out[i].Generation < out[j].Generation })
	return out, nil
}

func newestFirst[T any](entries []T, limit int) []T {
	n := len(entries)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]T, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, entries[i])
	}
	return out
}
