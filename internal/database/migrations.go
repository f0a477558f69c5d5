package database

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
)

// schema lists the tables of the edge controller in creation order
var schema = []struct {
	name string
	ddl  string
}{
	{
		// Append-only readings history; value is NULL for non-finite samples
		name: "readings",
		ddl: `
		CREATE TABLE IF NOT EXISTS readings (
			id UUID PRIMARY KEY,
			seq BIGINT NOT NULL,
			sensor_id VARCHAR(100) NOT NULL,
			channel VARCHAR(32) NOT NULL CHECK (channel IN ('ph', 'temperature', 'dissolved_oxygen', 'turbidity')),
			value DOUBLE PRECISION,
			unit VARCHAR(16) NOT NULL,
			ts TIMESTAMP WITH TIME ZONE NOT NULL,
			received_at TIMESTAMP WITH TIME ZONE NOT NULL,
			quality VARCHAR(16) NOT NULL CHECK (quality IN ('valid', 'out_of_range', 'sensor_error'))
		);`,
	},
	{
		name: "actuator_commands",
		ddl: `
		CREATE TABLE IF NOT EXISTS actuator_commands (
			id UUID PRIMARY KEY,
			actuator_id VARCHAR(100) NOT NULL,
			target_state VARCHAR(16) NOT NULL CHECK (target_state IN ('on', 'off', 'unchanged')),
			reason VARCHAR(64) NOT NULL,
			issued_at TIMESTAMP WITH TIME ZONE NOT NULL,
			thresholds_generation BIGINT NOT NULL,
			no_op BOOLEAN NOT NULL DEFAULT false
		);`,
	},
	{
		// Alert lifecycle log; a resolution is a second row for the same alert id
		name: "alert_events",
		ddl: `
		CREATE TABLE IF NOT EXISTS alert_events (
			row_id BIGSERIAL PRIMARY KEY,
			alert_id UUID NOT NULL,
			severity VARCHAR(16) NOT NULL,
			kind VARCHAR(64) NOT NULL,
			channel VARCHAR(32) NOT NULL DEFAULT '',
			event_at TIMESTAMP WITH TIME ZONE NOT NULL,
			payload JSONB NOT NULL
		);`,
	},
	{
		name: "threshold_snapshots",
		ddl: `
		CREATE TABLE IF NOT EXISTS threshold_snapshots (
			generation BIGINT PRIMARY KEY,
			source VARCHAR(16) NOT NULL,
			fitness DOUBLE PRECISION NOT NULL,
			fitness_known BOOLEAN NOT NULL,
			thresholds JSONB NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL
		);`,
	},
}

var indexes = []string{
	"CREATE INDEX IF NOT EXISTS idx_readings_channel_ts ON readings(channel, ts, seq);",
	"CREATE INDEX IF NOT EXISTS idx_actuator_commands_issued_at ON actuator_commands(issued_at DESC);",
	"CREATE INDEX IF NOT EXISTS idx_alert_events_event_at ON alert_events(event_at DESC);",
}

// CreateTables creates all tables and indexes of the edge controller
func CreateTables(ctx context.Context, db *sqlx.DB, logger zerolog.Logger) error {
	logger.Info().Msg("creating database tables")

	for _, table := range schema {
		if _, err := db.ExecContext(ctx, table.ddl); err != nil {
			return fmt.Errorf("failed to create %s table: %w", table.name, err)
		}
	}

	for _, indexSQL := range indexes {
		if _, err := db.ExecContext(ctx, indexSQL); err != nil {
			logger.Warn().Err(err).Str("index", indexSQL).Msg("failed to create index")
		}
	}

	logger.Info().Int("tables", len(schema)).Msg("database tables created")
	return nil
}

// DropTables drops all tables in reverse creation order
func DropTables(ctx context.Context, db *sqlx.DB, logger zerolog.Logger) error {
	logger.Warn().Msg("dropping database tables")

	for i := len(schema) - 1; i >= 0; i-- {
		query := fmt.Sprintf("DROP TABLE IF EXISTS %s CASCADE;", schema[i].name)
		if _, err := db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to drop table %s: %w", schema[i].name, err)
		}
	}
	return nil
}

// CheckTablesExist checks if all required tables exist
func CheckTablesExist(ctx context.Context, db *sqlx.DB) error {
	for _, table := range schema {
		var exists bool
		query := `SELECT EXISTS (
			SELECT FROM information_schema.tables
			WHERE table_name = $1
		);`

		if err := db.GetContext(ctx, &exists, query, table.name); err != nil {
			return fmt.Errorf("failed to check table %s: %w", table.name, err)
		}
		if !exists {
			return fmt.Errorf("table %s does not exist", table.name)
		}
	}
	return nil
}
