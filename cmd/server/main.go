package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/Capstone-E1/aquasmart_edge/config"
	"github.com/Capstone-E1/aquasmart_edge/internal/alerts"
	"github.com/Capstone-E1/aquasmart_edge/internal/control"
	"github.com/Capstone-E1/aquasmart_edge/internal/database"
	"github.com/Capstone-E1/aquasmart_edge/internal/features"
	httphandlers "github.com/Capstone-E1/aquasmart_edge/internal/http"
	"github.com/Capstone-E1/aquasmart_edge/internal/ml"
	"github.com/Capstone-E1/aquasmart_edge/internal/models"
	"github.com/Capstone-E1/aquasmart_edge/internal/mqtt"
	"github.com/Capstone-E1/aquasmart_edge/internal/optimizer"
	"github.com/Capstone-E1/aquasmart_edge/internal/services"
	"github.com/Capstone-E1/aquasmart_edge/internal/store"
	"github.com/Capstone-E1/aquasmart_edge/internal/thresholds"
	"github.com/Capstone-E1/aquasmart_edge/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := config.NewLogger(cfg.Log)
	log.Logger = logger

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error().Err(err).Msg("edge controller stopped with error")
		os.Exit(1)
	}
	logger.Info().Msg("shutdown complete")
}

// openBackend opens the configured store
func openBackend(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (store.Backend, error) {
	switch cfg.Storage.Backend {
	case "memory":
		logger.Warn().Msg("using in-memory store, history is lost on restart")
		return store.NewStore(cfg.Storage.JournalCapacity), nil

	case "postgres":
		db, err := database.Connect(ctx, cfg.Database, logger)
		if err != nil {
			return nil, err
		}
		if err := database.CreateTables(ctx, db.DB, logger); err != nil {
			db.Close()
			return nil, err
		}
		return database.NewDatabaseStore(db.DB, logger), nil

	default:
		bcfg := store.DefaultBadgerConfig(cfg.Storage.BadgerPath)
		bcfg.Logger = logger
		s, err := store.OpenBadger(bcfg)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("path", cfg.Storage.BadgerPath).Msg("opened badger store")
		return s, nil
	}
}

// loadModel returns the configured model artifact or the built-in model
func loadModel(path string, logger zerolog.Logger) *ml.Model {
	if path == "" {
		return ml.DefaultModel()
	}
	m, err := ml.LoadModel(path)
	if err != nil {
		logger.Error().Err(err).Str("path", path).Msg("failed to load model, using built-in model")
		return ml.DefaultModel()
	}
	return m
}

func optimizerConfig(cfg *config.Config) optimizer.Config {
	o := cfg.Optimizer
	return optimizer.Config{
		Population:  o.Population,
		Generations: o.Generations,
		Survivors:   o.Survivors,
		Seed:        o.Seed,
		Patience:    o.Patience,
		Epsilon:     o.Epsilon,
		Margin:      o.Margin,
		Workers:     o.Workers,
		Lookback:    o.Lookback,
		Step:        o.Step,
		Hold:        cfg.Control.StalenessMax,
		Objective:   optimizer.DefaultObjective(o.HazardOxygenMgL),
	}
}

// promotionAlert announces a newly active thresholds generation
func promotionAlert(s models.ThresholdSnapshot) models.AlertEvent {
	return models.NewAlertEvent(models.SeverityInfo, models.AlertThresholdsPromoted, "",
		fmt.Sprintf("thresholds generation %d active (%s)", s.Generation, s.Source), s.CreatedAt)
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	logger.Info().Str("port", cfg.Server.Port).Str("storage", cfg.Storage.Backend).Bool("mqtt", cfg.MQTT.Enabled).
		Msg("starting AquaSmart edge aeration controller")

	backend, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer backend.Close()

	registry, err := thresholds.NewRegistry(ctx, backend, cfg.Thresholds, models.DefaultThresholdBounds(), logger)
	if err != nil {
		return fmt.Errorf("load thresholds: %w", err)
	}

	predictor := ml.NewPredictor(loadModel(cfg.Control.ModelPath, logger), cfg.Control.StalenessMax, logger)
	builder := features.NewBuilder(backend, cfg.Control.SampleWindow, cfg.Control.StalenessMax)

	// Live dashboard and alert fan-out
	hub := ws.NewHub(logger)
	dispatcher := alerts.NewDispatcher(alerts.DefaultConfig(), logger,
		alerts.NewLogChannel(logger),
		alerts.NewJournalChannel(backend),
		alerts.NewFuncChannel("websocket", func(_ context.Context, ev models.AlertEvent) error {
			hub.BroadcastAlert(ev)
			return nil
		}),
	)

	// Actuator transport: MQTT when enabled, otherwise log-only
	var actuator *control.ActuatorManager
	var driver control.Driver
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient = mqtt.NewClient(&mqtt.Config{
			BrokerURL:      cfg.MQTT.BrokerURL,
			ClientID:       cfg.MQTT.ClientID,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			KeepAlive:      cfg.MQTT.KeepAlive,
			PingTimeout:    cfg.MQTT.PingTimeout,
			ConnectRetry:   cfg.MQTT.ConnectRetry,
			SensorTopic:    cfg.MQTT.TopicSensorData,
			ActuatorPrefix: cfg.MQTT.TopicActuatorPrefix,
			AlertTopic:     cfg.MQTT.TopicAlerts,
		}, logger)
		driver = mqttClient
		dispatcher.AddChannel(alerts.NewFuncChannel("mqtt", mqttClient.PublishAlert))
	} else {
		driver = control.NewLogDriver(func(c models.ActuatorConfirmation) { actuator.Confirm(c) }, logger)
	}
	actuator = control.NewActuatorManager(cfg.Control.ActuatorID, driver, backend, logger)

	ingestor := services.NewIngestor(backend, logger, services.WithObserver(func(r models.Reading) {
		hub.BroadcastReading(r)
		if ev, ok := control.SensorFaultAlert(r); ok {
			dispatcher.Emit(ev)
		}
	}))

	loop := control.NewLoop(control.Config{
		CyclePeriod:      cfg.Control.CyclePeriod,
		CycleBudget:      cfg.Control.CycleBudget,
		StalenessMax:     cfg.Control.StalenessMax,
		FailSafeRetryMax: cfg.Control.FailSafeRetryMax,
	}, builder, predictor, registry, backend, actuator, dispatcher, logger)
	loop.OnCycle(func(report control.CycleReport) {
		hub.BroadcastCycle(report)
		if report.Command != nil && !report.Command.NoOp {
			hub.BroadcastCommand(*report.Command)
		}
	})

	registry.OnPromote(func(s models.ThresholdSnapshot) {
		dispatcher.Emit(promotionAlert(s))
	})

	opt := optimizer.New(backend, registry, optimizerConfig(cfg), logger)

	scheduler := services.NewScheduler(logger)
	scheduler.Add(services.RetentionJob(backend, cfg.Storage.RetentionHorizon, cfg.Storage.RetentionSweepInterval, logger))
	if cfg.Optimizer.Enabled {
		scheduler.Add(services.Job{
			Name:     httphandlers.OptimizerJob,
			Interval: cfg.Optimizer.Interval,
			Run: func(ctx context.Context) error {
				_, err := opt.Run(ctx)
				if errors.Is(err, optimizer.ErrRunInProgress) {
					return nil
				}
				return err
			},
		})
	}

	handlers := httphandlers.NewHandlers(httphandlers.Dependencies{
		Store:     backend,
		Ingestor:  ingestor,
		Features:  builder,
		Registry:  registry,
		Loop:      loop,
		Optimizer: opt,
		Scheduler: scheduler,
		Alerts:    dispatcher,
		SiteName:  cfg.MQTT.ClientID,
		Logger:    logger,
	})
	router := httphandlers.SetupRoutes(handlers, hub, httphandlers.RouteConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		IngestRate:     rate.Limit(cfg.Server.IngestRate),
		IngestBurst:    cfg.Server.IngestBurst,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	if mqttClient != nil {
		mqttClient.SetSampleHandler(func(sensorID string, samples []models.RawSample) {
			for _, res := range ingestor.IngestBatch(gctx, samples) {
				if err := res.Err(); err != nil {
					logger.Warn().Err(err).Str("sensor_id", sensorID).Msg("sample not recorded")
				}
			}
		})
		mqttClient.SetConfirmationHandler(actuator.Confirm)
		if err := mqttClient.SubscribeToSensorData(); err != nil {
			return err
		}
		if err := mqttClient.SubscribeToActuatorState(); err != nil {
			return err
		}
		if err := mqttClient.Connect(); err != nil {
			return err
		}
		defer mqttClient.Disconnect()
	}

	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return scheduler.Run(gctx) })
	g.Go(func() error { return loop.Run(gctx) })

	if cfg.Control.ModelPath != "" {
		watcher := ml.NewModelWatcher(cfg.Control.ModelPath, predictor, logger)
		g.Go(func() error {
			if err := watcher.Run(gctx); err != nil {
				// The active model keeps serving without hot reload
				logger.Error().Err(err).Msg("model watcher stopped")
			}
			return nil
		})
	}

	g.Go(func() error {
		logger.Info().Str("addr", server.Addr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("server forced to shutdown")
		}
		return nil
	})

	return g.Wait()
}
