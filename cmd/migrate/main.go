package main

import (
	"context"
	"flag"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Capstone-E1/aquasmart_edge/config"
	"github.com/Capstone-E1/aquasmart_edge/internal/database"
)

func main() {
	var (
		drop   = flag.Bool("drop", false, "Drop all tables before creating")
		create = flag.Bool("create", true, "Create tables")
		check  = flag.Bool("check", false, "Check if tables exist")
	)
	flag.Parse()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	logger := config.NewLogger(cfg.Log).With().Str("component", "migrate").Logger()

	if cfg.Database.URL == "" && cfg.Database.Password == "" {
		logger.Warn().Msg("no DATABASE_URL or DB_PASSWORD set, connecting with the configured DB_* settings")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	// Connect to database
	db, err := database.Connect(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	// Drop tables if requested
	if *drop {
		if err := database.DropTables(ctx, db.DB, logger); err != nil {
			logger.Fatal().Err(err).Msg("failed to drop tables")
		}
	}

	// Create tables
	if *create {
		if err := database.CreateTables(ctx, db.DB, logger); err != nil {
			logger.Fatal().Err(err).Msg("failed to create tables")
		}
	}

	// Check tables
	if *check {
		if err := database.CheckTablesExist(ctx, db.DB); err != nil {
			logger.Fatal().Err(err).Msg("table check failed")
		}
		logger.Info().Msg("all tables present")
	}

	logger.Info().Msg("database migration completed")
}
