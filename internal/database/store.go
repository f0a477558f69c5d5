package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/Capstone-E1/aquasmart_edge/internal/models"
	"github.com/Capstone-E1/aquasmart_edge/internal/store"
)

// DatabaseStore implements the readings history and journal on PostgreSQL
type DatabaseStore struct {
	db     *sqlx.DB
	logger zerolog.Logger
}

var _ store.Backend = (*DatabaseStore)(nil)

// NewDatabaseStore creates a new database store
func NewDatabaseStore(db *sqlx.DB, logger zerolog.Logger) *DatabaseStore {
	return &DatabaseStore{db: db, logger: logger.With().Str("component", "postgres").Logger()}
}

// readingRow is the database shape of a reading
type readingRow struct {
	ID         uuid.UUID       `db:"id"`
	Seq        int64           `db:"seq"`
	SensorID   string          `db:"sensor_id"`
	Channel    string          `db:"channel"`
	Value      sql.NullFloat64 `db:"value"`
	Unit       string          `db:"unit"`
	Timestamp  time.Time       `db:"ts"`
	ReceivedAt time.Time       `db:"received_at"`
	Quality    string          `db:"quality"`
}

func toRow(r models.Reading) readingRow {
	finite := !math.IsNaN(r.Value) && !math.IsInf(r.Value, 0)
	return readingRow{
		ID:         r.ID,
		Seq:        int64(r.Seq),
		SensorID:   r.SensorID,
		Channel:    string(r.Channel),
		Value:      sql.NullFloat64{Float64: r.Value, Valid: finite},
		Unit:       r.Unit,
		Timestamp:  r.Timestamp,
		ReceivedAt: r.ReceivedAt,
		Quality:    string(r.Quality),
	}
}

func (row readingRow) reading() models.Reading {
	value := math.NaN()
	if row.Value.Valid {
		value = row.Value.Float64
	}
	return models.Reading{
		ID:         row.ID,
		Seq:        uint64(row.Seq),
		SensorID:   row.SensorID,
		Channel:    models.Channel(row.Channel),
		Value:      value,
		Unit:       row.Unit,
		Timestamp:  row.Timestamp,
		ReceivedAt: row.ReceivedAt,
		Quality:    models.Quality(row.Quality),
	}
}

func unavailable(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", store.ErrStoreUnavailable, err)
}

// Ping checks the database connection
func (s *DatabaseStore) Ping(ctx context.Context) error {
	return unavailable(s.db.PingContext(ctx))
}

// Append stores a reading
func (s *DatabaseStore) Append(ctx context.Context, reading models.Reading) error {
	query := `
		INSERT INTO readings (id, seq, sensor_id, channel, value, unit, ts, received_at, quality)
		VALUES (:id, :seq, :sensor_id, :channel, :value, :unit, :ts, :received_at, :quality)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.db.NamedExecContext(ctx, query, toRow(reading))
	return unavailable(err)
}

const readingColumns = "id, seq, sensor_id, channel, value, unit, ts, received_at, quality"

// Query streams the readings of [from, to) in timestamp order. Each pass
// over the sequence issues its own query.
func (s *DatabaseStore) Query(ctx context.Context, ch models.Channel, from, to time.Time) (iter.Seq2[models.Reading, error], error) {
	if err := s.Ping(ctx); err != nil {
		return nil, err
	}

	query := `SELECT ` + readingColumns + `
		FROM readings
		WHERE channel = $1 AND ts >= $2 AND ts < $3
		ORDER BY ts ASC, seq ASC`

	return func(yield func(models.Reading, error) bool) {
		rows, err := s.db.QueryxContext(ctx, query, string(ch), from, to)
		if err != nil {
			s.logger.Error().Err(err).Str("channel", string(ch)).Msg("reading query failed")
			yield(models.Reading{}, unavailable(err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var row readingRow
			if err := rows.StructScan(&row); err != nil {
				s.logger.Warn().Err(err).Msg("skipping unreadable reading row")
				continue
			}
			if !yield(row.reading(), nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			s.logger.Error().Err(err).Str("channel", string(ch)).Msg("reading query aborted")
			yield(models.Reading{}, unavailable(err))
		}
	}, nil
}

func (s *DatabaseStore) getReading(ctx context.Context, query string, args ...any) (models.Reading, bool, error) {
	var row readingRow
	err := s.db.GetContext(ctx, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Reading{}, false, nil
	}
	if err != nil {
		return models.Reading{}, false, unavailable(err)
	}
	return row.reading(), true, nil
}

// Latest returns the most recent reading of a channel
func (s *DatabaseStore) Latest(ctx context.Context, ch models.Channel) (models.Reading, bool, error) {
	query := `SELECT ` + readingColumns + `
		FROM readings
		WHERE channel = $1
		ORDER BY ts DESC, seq DESC
		LIMIT 1`
	return s.getReading(ctx, query, string(ch))
}

// LastValidBefore returns the newest valid reading strictly before t
func (s *DatabaseStore) LastValidBefore(ctx context.Context, ch models.Channel, t time.Time) (models.Reading, bool, error) {
	query := `SELECT ` + readingColumns + `
		FROM readings
		WHERE channel = $1 AND ts < $2 AND quality = 'valid'
		ORDER BY ts DESC, seq DESC
		LIMIT 1`
	return s.getReading(ctx, query, string(ch), t)
}

// Prune deletes readings older than the cutoff, one channel per statement
func (s *DatabaseStore) Prune(ctx context.Context, before time.Time) (int, error) {
	total := 0
	for _, ch := range models.Channels {
		res, err := s.db.ExecContext(ctx, `DELETE FROM readings WHERE channel = $1 AND ts < $2`, string(ch), before)
		if err != nil {
			return total, unavailable(err)
		}
		n, _ := res.RowsAffected()
		total += int(n)
	}
	return total, nil
}

// Close closes the connection pool
func (s *DatabaseStore) Close() error {
	return s.db.Close()
}

// === Journal Methods ===

// AppendCommand records an actuator command
func (s *DatabaseStore) AppendCommand(ctx context.Context, cmd models.ActuatorCommand) error {
	query := `
		INSERT INTO actuator_commands (id, actuator_id, target_state, reason, issued_at, thresholds_generation, no_op)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.db.ExecContext(ctx, query, cmd.ID, cmd.ActuatorID, string(cmd.TargetState), cmd.Reason,
		cmd.IssuedAt, int64(cmd.ThresholdsGeneration), cmd.NoOp)
	return unavailable(err)
}

type commandRow struct {
	ID                   uuid.UUID `db:"id"`
	ActuatorID           string    `db:"actuator_id"`
	TargetState          string    `db:"target_state"`
	Reason               string    `db:"reason"`
	IssuedAt             time.Time `db:"issued_at"`
	ThresholdsGeneration int64     `db:"thresholds_generation"`
	NoOp                 bool      `db:"no_op"`
}

// RecentCommands returns the newest commands first
func (s *DatabaseStore) RecentCommands(ctx context.Context, limit int) ([]models.ActuatorCommand, error) {
	if limit <= 0 {
		limit = math.MaxInt32
	}

	var rows []commandRow
	query := `
		SELECT id, actuator_id, target_state, reason, issued_at, thresholds_generation, no_op
		FROM actuator_commands
		ORDER BY issued_at DESC
		LIMIT $1`
	if err := s.db.SelectContext(ctx, &rows, query, limit); err != nil {
		return nil, unavailable(err)
	}

	cmds := make([]models.ActuatorCommand, 0, len(rows))
	for _, row := range rows {
		cmds = append(cmds, models.ActuatorCommand{
			ID:                   row.ID,
			ActuatorID:           row.ActuatorID,
			TargetState:          models.TargetState(row.TargetState),
			Reason:               row.Reason,
			IssuedAt:             row.IssuedAt,
			ThresholdsGeneration: uint64(row.ThresholdsGeneration),
			NoOp:                 row.NoOp,
		})
	}
	return cmds, nil
}

// AppendAlert records an alert event or its resolution
func (s *DatabaseStore) AppendAlert(ctx context.Context, alert models.AlertEvent) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	eventAt := alert.RaisedAt
	if alert.ResolvedAt != nil {
		eventAt = *alert.ResolvedAt
	}

	query := `
		INSERT INTO alert_events (alert_id, severity, kind, channel, event_at, payload)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err = s.db.ExecContext(ctx, query, alert.ID, string(alert.Severity), string(alert.Kind),
		string(alert.Channel), eventAt, payload)
	return unavailable(err)
}

// RecentAlerts returns the newest alert events first
func (s *DatabaseStore) RecentAlerts(ctx context.Context, limit int) ([]models.AlertEvent, error) {
	if limit <= 0 {
		limit = math.MaxInt32
	}

	var payloads [][]byte
	query := `SELECT payload FROM alert_events ORDER BY event_at DESC, row_id DESC LIMIT $1`
	if err := s.db.SelectContext(ctx, &payloads, query, limit); err != nil {
		return nil, unavailable(err)
	}

	alerts := make([]models.AlertEvent, 0, len(payloads))
	for _, p := range payloads {
		var alert models.AlertEvent
		if err := json.Unmarshal(p, &alert); err != nil {
			s.logger.Warn().Err(err).Msg("skipping undecodable alert row")
			continue
		}
		alerts = append(alerts, alert)
	}
	return alerts, nil
}

// SaveThresholds persists a thresholds snapshot
func (s *DatabaseStore) SaveThresholds(ctx context.Context, snapshot models.ThresholdSnapshot) error {
	thresholds, err := json.Marshal(snapshot.Thresholds)
	if err != nil {
		return fmt.Errorf("encode thresholds: %w", err)
	}

	query := `
		INSERT INTO threshold_snapshots (generation, source, fitness, fitness_known, thresholds, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (generation) DO NOTHING`
	_, err = s.db.ExecContext(ctx, query, int64(snapshot.Generation), string(snapshot.Source),
		snapshot.Fitness, snapshot.FitnessKnown, thresholds, snapshot.CreatedAt)
	return unavailable(err)
}

type snapshotRow struct {
	Generation   int64     `db:"generation"`
	Source       string    `db:"source"`
	Fitness      float64   `db:"fitness"`
	FitnessKnown bool      `db:"fitness_known"`
	Thresholds   []byte    `db:"thresholds"`
	CreatedAt    time.Time `db:"created_at"`
}

// ThresholdHistory returns all snapshots ordered by generation
func (s *DatabaseStore) ThresholdHistory(ctx context.Context) ([]models.ThresholdSnapshot, error) {
	var rows []snapshotRow
	query := `
		SELECT generation, source, fitness, fitness_known, thresholds, created_at
		FROM threshold_snapshots
		ORDER BY generation ASC`
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, unavailable(err)
	}

	history := make([]models.ThresholdSnapshot, 0, len(rows))
	for _, row := range rows {
		snap := models.ThresholdSnapshot{
			Generation:   uint64(row.Generation),
			Source:       models.ThresholdSource(row.Source),
			Fitness:      row.Fitness,
			FitnessKnown: row.FitnessKnown,
			CreatedAt:    row.CreatedAt,
		}
		if err := json.Unmarshal(row.Thresholds, &snap.Thresholds); err != nil {
			return nil, fmt.Errorf("decode thresholds generation %d: %w", row.Generation, err)
		}
		history = append(history, snap)
	}
	return history, nil
}
