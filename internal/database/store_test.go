package database

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/Capstone-E1/aquasmart_edge/config"
	"github.com/Capstone-E1/aquasmart_edge/internal/models"
	"github.com/Capstone-E1/aquasmart_edge/internal/store"
)

func TestBuildConnectionString(t *testing.T) {
	cfg := config.DatabaseConfig{
		Host: "db.local", Port: "5433", User: "edge", Password: "secret", DBName: "aquasmart", SSLMode: "require",
	}
	expected := "host=db.local port=5433 user=edge password=secret dbname=aquasmart sslmode=require"
	if got := BuildConnectionString(cfg); got != expected {
		t.Errorf("Expected %q, got %q", expected, got)
	}
}

func TestReadingRowRoundTrip(t *testing.T) {
	ts := time.Date(2025, 3, 1, 6, 0, 0, 0, time.UTC)
	r := models.Reading{
		ID:         uuid.New(),
		Seq:        42,
		SensorID:   "pond-1",
		Channel:    models.ChannelDissolvedOxygen,
		Value:      5.5,
		Unit:       "mg/L",
		Timestamp:  ts,
		ReceivedAt: ts.Add(time.Second),
		Quality:    models.QualityValid,
	}

	row := toRow(r)
	if !row.Value.Valid {
		t.Fatalf("Expected a valid value column")
	}
	back := row.reading()
	if back != r {
		t.Errorf("Expected %+v, got %+v", r, back)
	}
}

func TestReadingRowStoresNaNAsNull(t *testing.T) {
	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		row := toRow(models.Reading{Channel: models.ChannelPH, Value: v, Quality: models.QualitySensorError})
		if row.Value.Valid {
			t.Errorf("Expected NULL for %v", v)
		}
		if got := row.reading().Value; !math.IsNaN(got) {
			t.Errorf("Expected NaN when reading back %v, got %v", v, got)
		}
	}
}

func TestPingReportsStoreUnavailable(t *testing.T) {
	// Nothing listens on port 1; sqlx.Open does not dial until the ping
	db, err := sqlx.Open("postgres", "host=127.0.0.1 port=1 user=edge dbname=none sslmode=disable connect_timeout=1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s := NewDatabaseStore(db, zerolog.Nop())
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Ping(ctx); !errors.Is(err, store.ErrStoreUnavailable) {
		t.Errorf("Expected ErrStoreUnavailable, got %v", err)
	}
}
