package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/Capstone-E1/aquasmart_edge/internal/models"
)

// Config holds all configuration for the aquaculture edge controller
type Config struct {
	Server     ServerConfig
	MQTT       MQTTConfig
	Database   DatabaseConfig
	Storage    StorageConfig
	Control    ControlConfig
	Thresholds models.ControlThresholds
	Optimizer  OptimizerConfig
	Log        LogConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port           string        `validate:"required"`
	ReadTimeout    time.Duration `validate:"gt=0"`
	WriteTimeout   time.Duration `validate:"gt=0"`
	IngestRate     float64       `validate:"gt=0"`
	IngestBurst    int           `validate:"gte=1"`
	AllowedOrigins []string
}

// MQTTConfig holds MQTT broker configuration
type MQTTConfig struct {
	Enabled             bool
	BrokerURL           string `validate:"required_if=Enabled true"`
	ClientID            string `validate:"required"`
	Username            string
	Password            string
	KeepAlive           time.Duration `validate:"gt=0"`
	PingTimeout         time.Duration `validate:"gt=0"`
	ConnectRetry        bool
	TopicSensorData     string `validate:"required"`
	TopicActuatorPrefix string `validate:"required"`
	TopicAlerts         string `validate:"required"`
}

// DatabaseConfig holds PostgreSQL database configuration
type DatabaseConfig struct {
	URL      string
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// StorageConfig selects and tunes the readings/journal backend
type StorageConfig struct {
	Backend                string        `validate:"oneof=memory badger postgres"`
	BadgerPath             string        `validate:"required_if=Backend badger"`
	RetentionHorizon       time.Duration `validate:"gte=24h,lte=87600h"`
	RetentionSweepInterval time.Duration `validate:"gte=1m,lte=24h"`
	JournalCapacity        int           `validate:"gte=10"`
}

// ControlConfig holds control loop and predictor configuration
type ControlConfig struct {
	SampleWindow time.Duration `validate:"gte=30s,lte=6h"`
	CyclePeriod  time.Duration `validate:"gte=500ms,lte=10m"`
	CycleBudget  time.Duration `validate:"gte=100ms,ltefield=CyclePeriod"`
	StalenessMax time.Duration `validate:"gte=5s,lte=1h"`
	Hysteresis   time.Duration `validate:"gte=30s,lte=1h"`
	ActuatorID   string        `validate:"required"`
	ModelPath    string
	// Bounded backoff used when forcing the actuator on in fail-safe
	FailSafeRetryMax time.Duration `validate:"gt=0"`
}

// OptimizerConfig holds the threshold search configuration
type OptimizerConfig struct {
	Enabled     bool
	Population  int           `validate:"gte=4,lte=1000"`
	Generations int           `validate:"gte=1,lte=10000"`
	Survivors   int           `validate:"gte=2,ltefield=Population"`
	Seed        uint64
	Patience    int           `validate:"gte=1,lte=1000"`
	Epsilon     float64       `validate:"gte=0"`
	Margin      float64       `validate:"gte=0"`
	Interval    time.Duration `validate:"gte=1h,lte=720h"`
	Lookback    time.Duration `validate:"gte=1h,lte=8760h"`
	Workers     int           `validate:"gte=1,lte=64"`
	Step        time.Duration `validate:"gte=1s,lte=1h"`
	// Oxygen level below which unaerated time counts as hazard
	HazardOxygenMgL float64 `validate:"gt=0"`
}

// LogConfig holds logger configuration
type LogConfig struct {
	Level  string `validate:"oneof=trace debug info warn error"`
	Format string `validate:"oneof=json console"`
}

// setDefaults registers the documented default of every option
func setDefaults(v *viper.Viper) {
	thresholds := models.DefaultThresholds()

	v.SetDefault("PORT", "8080")
	v.SetDefault("SERVER_READ_TIMEOUT", 15*time.Second)
	v.SetDefault("SERVER_WRITE_TIMEOUT", 15*time.Second)
	v.SetDefault("INGEST_RATE_LIMIT", 50.0)
	v.SetDefault("INGEST_RATE_BURST", 100)
	v.SetDefault("CORS_ALLOWED_ORIGINS", "*")

	v.SetDefault("MQTT_ENABLED", true)
	v.SetDefault("MQTT_BROKER", "tcp://localhost:1883")
	v.SetDefault("MQTT_CLIENT_ID", "aquasmart_edge")
	v.SetDefault("MQTT_USERNAME", "")
	v.SetDefault("MQTT_PASSWORD", "")
	v.SetDefault("MQTT_KEEP_ALIVE", 30*time.Second)
	v.SetDefault("MQTT_PING_TIMEOUT", 10*time.Second)
	v.SetDefault("MQTT_CONNECT_RETRY", true)
	v.SetDefault("MQTT_TOPIC_SENSOR_DATA", "aquasmart/edge/sensors/+")
	v.SetDefault("MQTT_TOPIC_ACTUATOR_PREFIX", "aquasmart/edge/actuators")
	v.SetDefault("MQTT_TOPIC_ALERTS", "aquasmart/edge/alerts")

	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", "5432")
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "")
	v.SetDefault("DB_NAME", "aquasmart")
	v.SetDefault("DB_SSLMODE", "disable")

	v.SetDefault("STORAGE_BACKEND", "badger")
	v.SetDefault("BADGER_PATH", "./data/readings")
	v.SetDefault("RETENTION_HORIZON", 17520*time.Hour)
	v.SetDefault("RETENTION_SWEEP_INTERVAL", time.Hour)
	v.SetDefault("JOURNAL_CAPACITY", 5000)

	v.SetDefault("SAMPLE_WINDOW", 10*time.Minute)
	v.SetDefault("CYCLE_PERIOD", 5*time.Second)
	v.SetDefault("CYCLE_BUDGET", 2*time.Second)
	v.SetDefault("STALENESS_MAX", 2*time.Minute)
	v.SetDefault("HYSTERESIS", thresholds.Hysteresis())
	v.SetDefault("ACTUATOR_ID", "aerator-1")
	v.SetDefault("MODEL_PATH", "")
	v.SetDefault("FAILSAFE_RETRY_MAX", 30*time.Second)

	v.SetDefault("THRESHOLD_OXYGEN_LOW", thresholds.OxygenLowMgL)
	v.SetDefault("THRESHOLD_OXYGEN_CRITICAL", thresholds.OxygenCriticalMgL)
	v.SetDefault("THRESHOLD_TURBIDITY_MAX", thresholds.TurbidityMax)
	v.SetDefault("THRESHOLD_PH_MIN", thresholds.PhMin)
	v.SetDefault("THRESHOLD_PH_MAX", thresholds.PhMax)

	v.SetDefault("OPTIMIZER_ENABLED", true)
	v.SetDefault("OPTIMIZER_POPULATION", 50)
	v.SetDefault("OPTIMIZER_GENERATIONS", 100)
	v.SetDefault("OPTIMIZER_SURVIVORS", 10)
	v.SetDefault("OPTIMIZER_SEED", 42)
	v.SetDefault("OPTIMIZER_PATIENCE", 12)
	v.SetDefault("OPTIMIZER_EPSILON", 1e-6)
	v.SetDefault("OPTIMIZER_MARGIN", 0.01)
	v.SetDefault("OPTIMIZER_INTERVAL", 24*time.Hour)
	v.SetDefault("OPTIMIZER_LOOKBACK", 168*time.Hour)
	v.SetDefault("OPTIMIZER_WORKERS", 2)
	v.SetDefault("OPTIMIZER_STEP", time.Minute)
	v.SetDefault("OPTIMIZER_HAZARD_OXYGEN", 4.0)

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
}

// Load loads configuration from .env, environment variables and defaults,
// then validates every option against its documented range
func Load() (*Config, error) {
	// .env is optional on the edge box
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	cfg := &Config{
		Server: ServerConfig{
			Port:           v.GetString("PORT"),
			ReadTimeout:    v.GetDuration("SERVER_READ_TIMEOUT"),
			WriteTimeout:   v.GetDuration("SERVER_WRITE_TIMEOUT"),
			IngestRate:     v.GetFloat64("INGEST_RATE_LIMIT"),
			IngestBurst:    v.GetInt("INGEST_RATE_BURST"),
			AllowedOrigins: splitList(v.GetString("CORS_ALLOWED_ORIGINS")),
		},
		MQTT: MQTTConfig{
			Enabled:             v.GetBool("MQTT_ENABLED"),
			BrokerURL:           normalizeBrokerURL(firstNonEmpty(os.Getenv("MQTT_BROKER_URL"), v.GetString("MQTT_BROKER"))),
			ClientID:            v.GetString("MQTT_CLIENT_ID"),
			Username:            v.GetString("MQTT_USERNAME"),
			Password:            v.GetString("MQTT_PASSWORD"),
			KeepAlive:           v.GetDuration("MQTT_KEEP_ALIVE"),
			PingTimeout:         v.GetDuration("MQTT_PING_TIMEOUT"),
			ConnectRetry:        v.GetBool("MQTT_CONNECT_RETRY"),
			TopicSensorData:     v.GetString("MQTT_TOPIC_SENSOR_DATA"),
			TopicActuatorPrefix: strings.TrimSuffix(v.GetString("MQTT_TOPIC_ACTUATOR_PREFIX"), "/"),
			TopicAlerts:         v.GetString("MQTT_TOPIC_ALERTS"),
		},
		Database: DatabaseConfig{
			URL:      v.GetString("DATABASE_URL"),
			Host:     v.GetString("DB_HOST"),
			Port:     v.GetString("DB_PORT"),
			User:     v.GetString("DB_USER"),
			Password: v.GetString("DB_PASSWORD"),
			DBName:   v.GetString("DB_NAME"),
			SSLMode:  v.GetString("DB_SSLMODE"),
		},
		Storage: StorageConfig{
			Backend:                strings.ToLower(v.GetString("STORAGE_BACKEND")),
			BadgerPath:             v.GetString("BADGER_PATH"),
			RetentionHorizon:       v.GetDuration("RETENTION_HORIZON"),
			RetentionSweepInterval: v.GetDuration("RETENTION_SWEEP_INTERVAL"),
			JournalCapacity:        v.GetInt("JOURNAL_CAPACITY"),
		},
		Control: ControlConfig{
			SampleWindow:     v.GetDuration("SAMPLE_WINDOW"),
			CyclePeriod:      v.GetDuration("CYCLE_PERIOD"),
			CycleBudget:      v.GetDuration("CYCLE_BUDGET"),
			StalenessMax:     v.GetDuration("STALENESS_MAX"),
			Hysteresis:       v.GetDuration("HYSTERESIS"),
			ActuatorID:       v.GetString("ACTUATOR_ID"),
			ModelPath:        v.GetString("MODEL_PATH"),
			FailSafeRetryMax: v.GetDuration("FAILSAFE_RETRY_MAX"),
		},
		Optimizer: OptimizerConfig{
			Enabled:         v.GetBool("OPTIMIZER_ENABLED"),
			Population:      v.GetInt("OPTIMIZER_POPULATION"),
			Generations:     v.GetInt("OPTIMIZER_GENERATIONS"),
			Survivors:       v.GetInt("OPTIMIZER_SURVIVORS"),
			Seed:            v.GetUint64("OPTIMIZER_SEED"),
			Patience:        v.GetInt("OPTIMIZER_PATIENCE"),
			Epsilon:         v.GetFloat64("OPTIMIZER_EPSILON"),
			Margin:          v.GetFloat64("OPTIMIZER_MARGIN"),
			Interval:        v.GetDuration("OPTIMIZER_INTERVAL"),
			Lookback:        v.GetDuration("OPTIMIZER_LOOKBACK"),
			Workers:         v.GetInt("OPTIMIZER_WORKERS"),
			Step:            v.GetDuration("OPTIMIZER_STEP"),
			HazardOxygenMgL: v.GetFloat64("OPTIMIZER_HAZARD_OXYGEN"),
		},
		Log: LogConfig{
			Level:  strings.ToLower(v.GetString("LOG_LEVEL")),
			Format: strings.ToLower(v.GetString("LOG_FORMAT")),
		},
	}

	cfg.Thresholds = models.ControlThresholds{
		OxygenLowMgL:              v.GetFloat64("THRESHOLD_OXYGEN_LOW"),
		OxygenCriticalMgL:         v.GetFloat64("THRESHOLD_OXYGEN_CRITICAL"),
		TurbidityMax:              v.GetFloat64("THRESHOLD_TURBIDITY_MAX"),
		PhMin:                     v.GetFloat64("THRESHOLD_PH_MIN"),
		PhMax:                     v.GetFloat64("THRESHOLD_PH_MAX"),
		AerationHysteresisSeconds: cfg.Control.Hysteresis.Seconds(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks every option against its documented range
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := c.Thresholds.Validate(models.DefaultThresholdBounds()); err != nil {
		return fmt.Errorf("invalid default thresholds: %w", err)
	}
	return nil
}

// NewLogger builds the process logger from the log configuration
func NewLogger(cfg LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.Format == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Logger()
}

// normalizeBrokerURL adds the tcp:// scheme when missing.
// Supports both "localhost:1883" and "tcp://localhost:1883" formats
func normalizeBrokerURL(broker string) string {
	if broker == "" || strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
