package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv blanks the variables a test depends on; viper ignores empty values
func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t, "PORT", "STORAGE_BACKEND", "CYCLE_PERIOD", "CYCLE_BUDGET", "MQTT_BROKER", "MQTT_BROKER_URL",
		"OPTIMIZER_HAZARD_OXYGEN", "LOG_LEVEL", "CORS_ALLOWED_ORIGINS", "MQTT_TOPIC_ACTUATOR_PREFIX")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "badger", cfg.Storage.Backend)
	assert.Equal(t, 5*time.Second, cfg.Control.CyclePeriod)
	assert.Equal(t, 2*time.Second, cfg.Control.CycleBudget)
	assert.Equal(t, "tcp://localhost:1883", cfg.MQTT.BrokerURL)
	assert.Equal(t, 4.0, cfg.Optimizer.HazardOxygenMgL)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, cfg.Control.Hysteresis.Seconds(), cfg.Thresholds.AerationHysteresisSeconds)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("STORAGE_BACKEND", "Memory")
	t.Setenv("MQTT_BROKER_URL", "")
	t.Setenv("MQTT_BROKER", "broker.local:1883")
	t.Setenv("MQTT_TOPIC_ACTUATOR_PREFIX", "farm/actuators/")
	t.Setenv("CORS_ALLOWED_ORIGINS", "http://a.local, http://b.local")
	t.Setenv("CYCLE_PERIOD", "10s")
	t.Setenv("CYCLE_BUDGET", "3s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, "tcp://broker.local:1883", cfg.MQTT.BrokerURL)
	assert.Equal(t, "farm/actuators", cfg.MQTT.TopicActuatorPrefix)
	assert.Equal(t, []string{"http://a.local", "http://b.local"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 10*time.Second, cfg.Control.CyclePeriod)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"budget longer than period", map[string]string{"CYCLE_PERIOD": "1s", "CYCLE_BUDGET": "2s"}},
		{"unknown backend", map[string]string{"STORAGE_BACKEND": "sqlite"}},
		{"unknown log level", map[string]string{"LOG_LEVEL": "verbose"}},
		{"staleness too short", map[string]string{"STALENESS_MAX": "1s"}},
		{"survivors above population", map[string]string{"OPTIMIZER_POPULATION": "8", "OPTIMIZER_SURVIVORS": "9"}},
		{"inverted oxygen thresholds", map[string]string{"THRESHOLD_OXYGEN_LOW": "2", "THRESHOLD_OXYGEN_CRITICAL": "3"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Errorf("Expected an error for %s, got nil", tt.name)
			}
		})
	}
}

func TestNormalizeBrokerURL(t *testing.T) {
	tests := map[string]string{
		"":                     "",
		"localhost:1883":       "tcp://localhost:1883",
		"tcp://localhost:1883": "tcp://localhost:1883",
		"ssl://broker.io:8883": "ssl://broker.io:8883",
	}
	for in, expected := range tests {
		if got := normalizeBrokerURL(in); got != expected {
			t.Errorf("normalizeBrokerURL(%q): expected %q, got %q", in, expected, got)
		}
	}
}

func TestNewLoggerFallsBackToInfo(t *testing.T) {
	logger := NewLogger(LogConfig{Level: "nonsense", Format: "json"})
	assert.Equal(t, "info", logger.GetLevel().String())
}
