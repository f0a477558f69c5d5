package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Capstone-E1/aquasmart_edge/config"
	"github.com/Capstone-E1/aquasmart_edge/internal/ml"
	"github.com/Capstone-E1/aquasmart_edge/internal/models"
)

func TestPromotionAlert(t *testing.T) {
	at := time.Date(2025, 6, 1, 2, 0, 0, 0, time.UTC)
	ev := promotionAlert(models.ThresholdSnapshot{
		Generation: 7,
		Source:     models.ThresholdSourceOptimizer,
		CreatedAt:  at,
	})

	assert.Equal(t, models.AlertThresholdsPromoted, ev.Kind)
	assert.Equal(t, models.SeverityInfo, ev.Severity)
	assert.Equal(t, "thresholds generation 7 active (optimizer)", ev.Message)
	assert.True(t, ev.RaisedAt.Equal(at))
	assert.False(t, ev.IsResolved())
}

func TestOptimizerConfigHoldsForStaleness(t *testing.T) {
	cfg := &config.Config{}
	cfg.Optimizer.Population = 20
	cfg.Optimizer.Survivors = 4
	cfg.Optimizer.HazardOxygenMgL = 3.5
	cfg.Control.StalenessMax = 90 * time.Second

	oc := optimizerConfig(cfg)
	assert.Equal(t, 20, oc.Population)
	assert.Equal(t, 4, oc.Survivors)
	assert.Equal(t, 90*time.Second, oc.Hold)
}

func TestOpenBackendMemory(t *testing.T) {
	cfg := &config.Config{}
	cfg.Storage.Backend = "memory"
	cfg.Storage.JournalCapacity = 10

	backend, err := openBackend(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer backend.Close()
	assert.NoError(t, backend.Ping(context.Background()))
}

func TestLoadModelFallsBackToBuiltin(t *testing.T) {
	builtin := ml.DefaultModel().Version

	assert.Equal(t, builtin, loadModel("", zerolog.Nop()).Version)
	assert.Equal(t, builtin, loadModel(filepath.Join(t.TempDir(), "missing.yaml"), zerolog.Nop()).Version)
}
