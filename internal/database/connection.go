package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/Capstone-E1/aquasmart_edge/config"
)

// DB holds the database connection
type DB struct {
	*sqlx.DB
}

// Connect establishes connection to the local PostgreSQL database
func Connect(ctx context.Context, cfg config.DatabaseConfig, logger zerolog.Logger) (*DB, error) {
	connStr := cfg.URL
	if connStr != "" {
		logger.Info().Msg("using DATABASE_URL from environment")
	} else {
		connStr = BuildConnectionString(cfg)
		logger.Info().Str("host", cfg.Host).Str("port", cfg.Port).Str("db", cfg.DBName).Msg("connecting to database")
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	db, err := sqlx.ConnectContext(pingCtx, "postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Small pool: the edge box runs a single writer process
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	logger.Info().Msg("connected to PostgreSQL database")
	return &DB{db}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	if db.DB != nil {
		return db.DB.Close()
	}
	return nil
}

// BuildConnectionString builds a PostgreSQL connection string
func BuildConnectionString(cfg config.DatabaseConfig) string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode)
}
