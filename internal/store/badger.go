package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"os"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/Capstone-E1/aquasmart_edge/internal/models"
)

// Key prefixes of the badger keyspace
const (
	prefixReading   = "r/"
	prefixCommand   = "c/"
	prefixAlert     = "a/"
	prefixThreshold = "t/"
)

// BadgerConfig configures the embedded badger backend
type BadgerConfig struct {
	// Path is the data directory; ignored when InMemory is set
	Path string

	InMemory   bool
	SyncWrites bool

	// GCInterval of the value log garbage collector, 0 disables it
	GCInterval     time.Duration
	GCDiscardRatio float64

	Logger zerolog.Logger
}

// DefaultBadgerConfig returns the configuration used on the edge box
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     10 * time.Minute,
		GCDiscardRatio: 0.5,
		Logger:         zerolog.Nop(),
	}
}

// InMemoryBadgerConfig returns a configuration suitable for tests
func InMemoryBadgerConfig() BadgerConfig {
	return BadgerConfig{
		InMemory: true,
		Logger:   zerolog.Nop(),
	}
}

// badgerLogger routes badger's internal logging through zerolog
type badgerLogger struct {
	logger zerolog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error().Msgf(format, args...)
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn().Msgf(format, args...)
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug().Msgf(format, args...)
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Trace().Msgf(format, args...)
}

// BadgerStore is the embedded, offline storage backend
type BadgerStore struct {
	db     *badger.DB
	logger zerolog.Logger

	stopGC chan struct{}
	gcDone chan struct{}
}

// OpenBadger opens (or creates) a badger backed store
func OpenBadger(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger path is required for persistent storage")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create data directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(badgerLogger{logger: cfg.Logger})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	s := &BadgerStore{
		db:     db,
		logger: cfg.Logger,
	}

	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.stopGC = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}

	return s, nil
}

// runGC periodically reclaims value log space left behind by pruning
func (s *BadgerStore) runGC(interval time.Duration, ratio float64) {
	defer close(s.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			if err := s.db.RunValueLogGC(ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				s.logger.Warn().Err(err).Msg("badger value log GC failed")
			}
		}
	}
}

// encodeTime maps a timestamp onto 8 bytes whose byte order matches time order
func encodeTime(t time.Time) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(t.UnixNano())^(1<<63))
	return buf[:]
}

func channelPrefix(ch models.Channel) []byte {
	return []byte(prefixReading + string(ch) + "/")
}

func readingKey(r models.Reading) []byte {
	key := channelPrefix(r.Channel)
	key = append(key, encodeTime(r.Timestamp)...)
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], r.Seq)
	key = append(key, seq[:]...)
	// Readings replayed without an ingest sequence still need unique keys
	return append(key, r.ID[:]...)
}

func timeKey(prefix string, t time.Time, suffix []byte) []byte {
	key := append([]byte(prefix), encodeTime(t)...)
	return append(key, suffix...)
}

func unavailable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, badger.ErrDBClosed) {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, ErrClosed)
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

func (s *BadgerStore) put(key []byte, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key[:2], err)
	}
	return unavailable(s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	}))
}

// Ping reports whether the database is open
func (s *BadgerStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.db.IsClosed() {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, ErrClosed)
	}
	return nil
}

// Append persists a reading under its time ordered key
func (s *BadgerStore) Append(ctx context.Context, reading models.Reading) error {
	if !reading.Channel.Valid() {
		return fmt.Errorf("unknown channel %q", reading.Channel)
	}
	return s.put(readingKey(reading), reading)
}

// Query returns a lazy sequence over [from, to). Every pass opens its own
// read transaction, so the sequence can be ranged over repeatedly.
func (s *BadgerStore) Query(ctx context.Context, ch models.Channel, from, to time.Time) (iter.Seq2[models.Reading, error], error) {
	if err := s.Ping(ctx); err != nil {
		return nil, err
	}

	prefix := channelPrefix(ch)
	start := append(append([]byte{}, prefix...), encodeTime(from)...)
	end := append(append([]byte{}, prefix...), encodeTime(to)...)

	return func(yield func(models.Reading, error) bool) {
		stopped := false
		err := s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = prefix
			it := txn.NewIterator(opts)
			defer it.Close()

			for it.Seek(start); it.ValidForPrefix(prefix); it.Next() {
				item := it.Item()
				if bytes.Compare(item.Key(), end) >= 0 {
					return nil
				}
				var r models.Reading
				if err := item.Value(func(val []byte) error {
					return json.Unmarshal(val, &r)
				}); err != nil {
					s.logger.Warn().Err(err).Str("key", string(item.Key()[:len(prefix)])).Msg("skipping undecodable reading")
					continue
				}
				if !yield(r, nil) {
					stopped = true
					return nil
				}
			}
			return nil
		})
		if err != nil && !stopped {
			s.logger.Error().Err(err).Str("channel", string(ch)).Msg("reading query aborted")
			yield(models.Reading{}, unavailable(err))
		}
	}, nil
}

// seekLast returns the newest reading of a channel with key below limit
// that satisfies accept
func (s *BadgerStore) seekLast(ch models.Channel, limit []byte, accept func(models.Reading) bool) (models.Reading, bool, error) {
	prefix := channelPrefix(ch)
	var found models.Reading
	var ok bool

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(limit); it.ValidForPrefix(prefix); it.Next() {
			var r models.Reading
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &r)
			}); err != nil {
				return fmt.Errorf("decode reading: %w", err)
			}
			if accept(r) {
				found, ok = r, true
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return models.Reading{}, false, unavailable(err)
	}
	return found, ok, nil
}

// Latest returns the reading with the greatest timestamp
func (s *BadgerStore) Latest(ctx context.Context, ch models.Channel) (models.Reading, bool, error) {
	if err := s.Ping(ctx); err != nil {
		return models.Reading{}, false, err
	}
	limit := append(channelPrefix(ch), 0xFF)
	return s.seekLast(ch, limit, func(models.Reading) bool { return true })
}

// LastValidBefore returns the newest valid reading with timestamp < t
func (s *BadgerStore) LastValidBefore(ctx context.Context, ch models.Channel, t time.Time) (models.Reading, bool, error) {
	if err := s.Ping(ctx); err != nil {
		return models.Reading{}, false, err
	}
	// The bare time prefix sorts before every key stamped exactly t
	limit := append(channelPrefix(ch), encodeTime(t)...)
	return s.seekLast(ch, limit, func(r models.Reading) bool { return r.IsValid() })
}

// Prune deletes readings older than the cutoff, one channel per batch
func (s *BadgerStore) Prune(ctx context.Context, before time.Time) (int, error) {
	if err := s.Ping(ctx); err != nil {
		return 0, err
	}

	total := 0
	for _, ch := range models.Channels {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		prefix := channelPrefix(ch)
		cutoff := append(append([]byte{}, prefix...), encodeTime(before)...)

		var keys [][]byte
		err := s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = prefix
			opts.PrefetchValues = false
			it := txn.NewIterator(opts)
			defer it.Close()

			for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
				key := it.Item().KeyCopy(nil)
				if bytes.Compare(key, cutoff) >= 0 {
					break
				}
				keys = append(keys, key)
			}
			return nil
		})
		if err != nil {
			return total, unavailable(err)
		}
		if len(keys) == 0 {
			continue
		}

		wb := s.db.NewWriteBatch()
		for _, key := range keys {
			if err := wb.Delete(key); err != nil {
				wb.Cancel()
				return total, unavailable(err)
			}
		}
		if err := wb.Flush(); err != nil {
			return total, unavailable(err)
		}
		total += len(keys)
	}
	return total, nil
}

// Close stops garbage collection and closes the database
func (s *BadgerStore) Close() error {
	if s.stopGC != nil {
		close(s.stopGC)
		<-s.gcDone
		s.stopGC = nil
	}
	return s.db.Close()
}

// === Journal Methods ===

// AppendCommand journals an actuator command
func (s *BadgerStore) AppendCommand(ctx context.Context, cmd models.ActuatorCommand) error {
	return s.put(timeKey(prefixCommand, cmd.IssuedAt, cmd.ID[:]), cmd)
}

// RecentCommands returns the newest commands first
func (s *BadgerStore) RecentCommands(ctx context.Context, limit int) ([]models.ActuatorCommand, error) {
	return newestEntries[models.ActuatorCommand](s.db, prefixCommand, limit)
}

// AppendAlert journals an alert event. Resolutions are appended as new entries.
func (s *BadgerStore) AppendAlert(ctx context.Context, alert models.AlertEvent) error {
	at := alert.RaisedAt
	if alert.ResolvedAt != nil {
		at = *alert.ResolvedAt
	}
	return s.put(timeKey(prefixAlert, at, alert.ID[:]), alert)
}

// RecentAlerts returns the newest alerts first
func (s *BadgerStore) RecentAlerts(ctx context.Context, limit int) ([]models.AlertEvent, error) {
	return newestEntries[models.AlertEvent](s.db, prefixAlert, limit)
}

// SaveThresholds persists a thresholds snapshot keyed by generation
func (s *BadgerStore) SaveThresholds(ctx context.Context, snapshot models.ThresholdSnapshot) error {
	var gen [8]byte
	binary.BigEndian.PutUint64(gen[:], snapshot.Generation)
	return s.put(append([]byte(prefixThreshold), gen[:]...), snapshot)
}

// ThresholdHistory returns all snapshots ordered by generation
func (s *BadgerStore) ThresholdHistory(ctx context.Context) ([]models.ThresholdSnapshot, error) {
	history, err := newestEntries[models.ThresholdSnapshot](s.db, prefixThreshold, 0)
	if err != nil {
		return nil, err
	}
	sort.Slice(history, func(i, j int) bool { return history[i].Generation < history[j].Generation })
	return history, nil
}

// newestEntries decodes up to limit JSON values under prefix, newest key first
func newestEntries[T any](db *badger.DB, prefix string, limit int) ([]T, error) {
	var out []T
	p := []byte(prefix)

	err := db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = p
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(append(append([]byte{}, p...), 0xFF)); it.ValidForPrefix(p); it.Next() {
			var entry T
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			}); err != nil {
				return fmt.Errorf("decode %s entry: %w", prefix, err)
			}
			out = append(out, entry)
			if limit > 0 && len(out) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, unavailable(err)
	}
	return out, nil
}
