package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Edge controller instruments, exposed on /metrics.

var (
	// Ingest
	ReadingsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aquasmart",
		Subsystem: "ingest",
		Name:      "readings_total",
		Help:      "Total readings recorded, by channel and quality",
	}, []string{"channel", "quality"})

	SamplesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aquasmart",
		Subsystem: "ingest",
		Name:      "samples_rejected_total",
		Help:      "Total raw samples that could not be classified",
	}, []string{"source"})

	// Control loop
	ControlCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aquasmart",
		Subsystem: "control",
		Name:      "cycles_total",
		Help:      "Total control cycles, by decision reason",
	}, []string{"reason"})

	ControlCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "aquasmart",
		Subsystem: "control",
		Name:      "cycle_duration_seconds",
		Help:      "Control cycle processing duration",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})

	ControlCyclesSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "aquasmart",
		Subsystem: "control",
		Name:      "cycles_skipped_total",
		Help:      "Total ticks skipped because the previous cycle overran",
	})

	ControlState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "aquasmart",
		Subsystem: "control",
		Name:      "state",
		Help:      "Current control loop state (1 for the active state)",
	}, []string{"state"})

	ActuatorCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aquasmart",
		Subsystem: "actuator",
		Name:      "commands_total",
		Help:      "Total actuator commands, by target and whether sent",
	}, []string{"target", "outcome"})

	RiskScore = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "aquasmart",
		Subsystem: "predictor",
		Name:      "risk_score",
		Help:      "Latest risk score",
	})

	ModelReloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aquasmart",
		Subsystem: "predictor",
		Name:      "model_reloads_total",
		Help:      "Total model artifact reloads",
	}, []string{"result"})

	// Alerts
	AlertsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aquasmart",
		Subsystem: "alerts",
		Name:      "emitted_total",
		Help:      "Total alerts delivered, by severity",
	}, []string{"severity"})

	AlertsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aquasmart",
		Subsystem: "alerts",
		Name:      "dropped_total",
		Help:      "Total alerts dropped, by reason",
	}, []string{"reason"})

	// Optimizer
	OptimizerRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aquasmart",
		Subsystem: "optimizer",
		Name:      "runs_total",
		Help:      "Total optimizer runs, by outcome",
	}, []string{"outcome"})

	OptimizerBestFitness = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "aquasmart",
		Subsystem: "optimizer",
		Name:      "best_fitness",
		Help:      "Best fitness of the latest optimizer run",
	})

	OptimizerCandidatesDiscarded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "aquasmart",
		Subsystem: "optimizer",
		Name:      "candidates_discarded_total",
		Help:      "Total candidates whose evaluation failed",
	})

	ThresholdsGeneration = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "aquasmart",
		Subsystem: "thresholds",
		Name:      "generation",
		Help:      "Generation of the active control thresholds",
	})

	// Retention
	RetentionPruned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "aquasmart",
		Subsystem: "retention",
		Name:      "pruned_total",
		Help:      "Total readings removed by the retention sweep",
	})

	SchedulerJobErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aquasmart",
		Subsystem: "scheduler",
		Name:      "job_errors_total",
		Help:      "Total failed runs of background jobs",
	}, []string{"job"})
)
