// Package control runs the sensing-to-actuation state machine of the
// aeration controller.
package control

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/Capstone-E1/aquasmart_edge/internal/metrics"
	"github.com/Capstone-E1/aquasmart_edge/internal/models"
)

var (
	// ErrActuatorUnavailable is returned when the actuator driver cannot be reached
	ErrActuatorUnavailable = errors.New("actuator unavailable")
	// ErrFailSafeActive is reported by cycles run while the loop is in fail-safe
	ErrFailSafeActive = errors.New("control loop in fail-safe")
	// ErrDependencyUnhealthy is returned when a reset finds a dependency still failing
	ErrDependencyUnhealthy = errors.New("dependency unhealthy")
)

// State is a control loop state
type State string

const (
	StateIdle      State = "IDLE"
	StateSampling  State = "SAMPLING"
	StateAssessing State = "ASSESSING"
	StateDeciding  State = "DECIDING"
	StateActuating State = "ACTUATING"
	StateFailSafe  State = "FAIL_SAFE"
)

var allStates = []State{StateIdle, StateSampling, StateAssessing, StateDeciding, StateActuating, StateFailSafe}

// FeatureSource builds the feature vector of a cycle
type FeatureSource interface {
	Build(ctx context.Context, asOf time.Time) (models.FeatureVector, error)
}

// RiskPredictor assesses a feature vector
type RiskPredictor interface {
	Predict(ctx context.Context, fv models.FeatureVector, thresholdsGeneration uint64) (models.RiskAssessment, error)
}

// ThresholdSource provides the active thresholds snapshot
type ThresholdSource interface {
	Active() models.ThresholdSnapshot
}

// Pinger is a dependency whose health gates a fail-safe reset
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config tunes the control loop
type Config struct {
	CyclePeriod      time.Duration
	CycleBudget      time.Duration
	StalenessMax     time.Duration
	FailSafeRetryMax time.Duration
}

// CycleReport records what one control cycle observed and decided
type CycleReport struct {
	StartedAt            time.Time               `json:"started_at"`
	Duration             time.Duration           `json:"duration"`
	State                State                   `json:"state"`
	ThresholdsGeneration uint64                  `json:"thresholds_generation"`
	Features             *models.FeatureVector   `json:"features,omitempty"`
	Assessment           *models.RiskAssessment  `json:"assessment,omitempty"`
	Decision             Decision                `json:"decision"`
	Command              *models.ActuatorCommand `json:"command,omitempty"`
	Error                string                  `json:"error,omitempty"`
	Err                  error                   `json:"-"`
}

// FailSafeInfo describes why the loop is in fail-safe
type FailSafeInfo struct {
	Cause string    `json:"cause"`
	Since time.Time `json:"since"`
	alert models.AlertEvent
}

// Status is a point-in-time view of the loop
type Status struct {
	State     State          `json:"state"`
	FailSafe  *FailSafeInfo  `json:"fail_safe,omitempty"`
	LastCycle *CycleReport   `json:"last_cycle,omitempty"`
	Actuator  ActuatorStatus `json:"actuator"`
}

// Loop is the single control loop instance owning the actuator
type Loop struct {
	cfg        Config
	features   FeatureSource
	predictor  RiskPredictor
	thresholds ThresholdSource
	store      Pinger
	actuator   *ActuatorManager
	alerts     AlertSink

	cycleMu    sync.Mutex // one cycle or reset at a time
	conditions *conditions

	mu        sync.RWMutex // guards the fields below
	state     State
	failSafe  *FailSafeInfo
	last      *CycleReport
	observers []func(CycleReport)

	now    func() time.Time
	logger zerolog.Logger
}

// NewLoop creates the control loop
func NewLoop(cfg Config, features FeatureSource, predictor RiskPredictor, thresholds ThresholdSource,
	storePinger Pinger, actuator *ActuatorManager, alerts AlertSink, logger zerolog.Logger) *Loop {
	l := &Loop{
		cfg:        cfg,
		features:   features,
		predictor:  predictor,
		thresholds: thresholds,
		store:      storePinger,
		actuator:   actuator,
		alerts:     alerts,
		conditions: newConditions(),
		now:        time.Now,
		logger:     logger.With().Str("component", "control").Logger(),
	}
	l.setState(StateIdle)
	return l
}

// OnCycle registers an observer called after every cycle
func (l *Loop) OnCycle(fn func(CycleReport)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observers = append(l.observers, fn)
}

// State returns the current state
func (l *Loop) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Status returns the current state, the last cycle and the actuator state
func (l *Loop) Status() Status {
	l.mu.RLock()
	s := Status{State: l.state}
	if l.failSafe != nil {
		fs := *l.failSafe
		s.FailSafe = &fs
	}
	if l.last != nil {
		last := *l.last
		s.LastCycle = &last
	}
	l.mu.RUnlock()

	s.Actuator = l.actuator.Status()
	return s
}

// LastCycle returns the report of the most recent cycle
func (l *Loop) LastCycle() (CycleReport, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.last == nil {
		return CycleReport{}, false
	}
	return *l.last, true
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()

	for _, st := range allStates {
		v := 0.0
		if st == s {
			v = 1
		}
		metrics.ControlState.WithLabelValues(string(st)).Set(v)
	}
}

// Run executes one cycle per period until ctx is cancelled. A cycle that
// overruns its period causes the next tick to be skipped, never queued.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.CyclePeriod)
	defer ticker.Stop()

	l.logger.Info().Dur("period", l.cfg.CyclePeriod).Dur("budget", l.cfg.CycleBudget).Msg("control loop started")

	for {
		start := time.Now()
		l.Cycle(ctx, l.now())

		if elapsed := time.Since(start); elapsed > l.cfg.CyclePeriod {
			select {
			case <-ticker.C:
				metrics.ControlCyclesSkipped.Inc()
				l.logger.Warn().Dur("elapsed", elapsed).Msg("control cycle overran its period, skipping next cycle")
				l.alerts.Emit(models.NewAlertEvent(models.SeverityWarning, models.AlertCycleOverrun, "",
					fmt.Sprintf("control cycle took %s, period is %s", elapsed.Round(time.Millisecond), l.cfg.CyclePeriod), l.now()))
			default:
			}
		}

		select {
		case <-ctx.Done():
			l.logger.Info().Msg("control loop stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Cycle runs one control cycle as of now
func (l *Loop) Cycle(ctx context.Context, now time.Time) CycleReport {
	l.cycleMu.Lock()
	defer l.cycleMu.Unlock()

	start := time.Now()
	snap := l.thresholds.Active()
	report := CycleReport{StartedAt: now, ThresholdsGeneration: snap.Generation}

	if l.State() == StateFailSafe {
		return l.finish(l.failSafeCycle(ctx, report, now), start)
	}

	budget, cancel := context.WithTimeout(ctx, l.cfg.CycleBudget)
	defer cancel()

	l.setState(StateSampling)
	fv, err := l.features.Build(budget, now)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			report.Err = ctx.Err()
			l.setState(StateIdle)
			return l.finish(report, start)
		case errors.Is(err, context.DeadlineExceeded):
			return l.finish(l.budgetExceeded(ctx, report, now), start)
		default:
			return l.finish(l.enterFailSafe(ctx, report, fmt.Errorf("sampling: %w", err), now), start)
		}
	}
	report.Features = &fv

	l.setState(StateAssessing)
	var assessment *models.RiskAssessment
	if a, err := l.assess(budget, fv, snap.Generation); err != nil {
		l.logger.Warn().Err(err).Msg("risk assessment unavailable")
	} else {
		assessment = &a
		metrics.RiskScore.Set(a.Score)
	}
	report.Assessment = assessment

	if budget.Err() != nil && ctx.Err() == nil {
		return l.finish(l.budgetExceeded(ctx, report, now), start)
	}

	// Unknown risk goes straight to the conservative decision
	if assessment != nil && assessment.Label != models.RiskUnknown {
		l.setState(StateDeciding)
	}
	decision := Decide(fv, assessment, snap.Thresholds, l.cfg.StalenessMax)
	decision = applyHysteresis(decision, l.actuator.Status(), snap.Thresholds, now)

	l.conditions.update(waterQualityAlerts(fv, assessment, snap.Thresholds, l.cfg.StalenessMax, now), now, l.alerts)

	return l.finish(l.actuate(ctx, report, decision, now), start)
}

// assess runs the predictor under the cycle budget. A predictor that does
// not return in time is abandoned.
func (l *Loop) assess(ctx context.Context, fv models.FeatureVector, generation uint64) (models.RiskAssessment, error) {
	type result struct {
		assessment models.RiskAssessment
		err        error
	}
	done := make(chan result, 1)
	go func() {
		a, err := l.predictor.Predict(ctx, fv, generation)
		done <- result{a, err}
	}()

	select {
	case r := <-done:
		return r.assessment, r.err
	case <-ctx.Done():
		return models.RiskAssessment{}, ctx.Err()
	}
}

func (l *Loop) budgetExceeded(ctx context.Context, report CycleReport, now time.Time) CycleReport {
	l.logger.Warn().Dur("budget", l.cfg.CycleBudget).Msg("cycle budget exceeded, aerating")
	return l.actuate(ctx, report, Decision{Target: models.TargetOn, Reason: ReasonCycleBudgetExceeded}, now)
}

func (l *Loop) actuate(ctx context.Context, report CycleReport, d Decision, now time.Time) CycleReport {
	l.setState(StateActuating)
	report.Decision = d

	cmd, err := l.actuator.Issue(ctx, d, report.ThresholdsGeneration, now)
	if !errors.Is(err, ErrActuatorUnavailable) {
		report.Command = &cmd
	}
	if err != nil {
		return l.enterFailSafe(ctx, report, fmt.Errorf("actuating: %w", err), now)
	}

	event := l.logger.Info()
	if cmd.NoOp {
		event = l.logger.Debug()
	}
	event.Str("target", string(d.Target)).
		Str("reason", d.Reason).
		Bool("no_op", cmd.NoOp).
		Uint64("generation", report.ThresholdsGeneration).
		Msg("control decision")

	l.setState(StateIdle)
	return report
}

// enterFailSafe forces aeration on, escalates alerting and latches the
// loop in FAIL_SAFE until an explicit reset
func (l *Loop) enterFailSafe(ctx context.Context, report CycleReport, cause error, now time.Time) CycleReport {
	alert := models.NewAlertEvent(models.SeverityCritical, models.AlertFailSafe, "",
		"control loop entered fail-safe, aeration forced on: "+cause.Error(), now)

	l.mu.Lock()
	l.failSafe = &FailSafeInfo{Cause: cause.Error(), Since: now, alert: alert}
	l.mu.Unlock()
	l.setState(StateFailSafe)

	l.alerts.SetEscalated(true)
	l.alerts.Emit(alert)
	l.logger.Error().Err(cause).Msg("entering fail-safe")

	report = l.forceOn(ctx, report, now)
	report.Err = fmt.Errorf("%w: %w", ErrFailSafeActive, cause)
	return report
}

func (l *Loop) failSafeCycle(ctx context.Context, report CycleReport, now time.Time) CycleReport {
	report = l.forceOn(ctx, report, now)
	l.mu.RLock()
	cause := l.failSafe.Cause
	l.mu.RUnlock()
	report.Err = fmt.Errorf("%w: %s", ErrFailSafeActive, cause)
	return report
}

// forceOn drives the actuator on, retrying with bounded backoff. Journal
// failures do not block actuation.
func (l *Loop) forceOn(ctx context.Context, report CycleReport, now time.Time) CycleReport {
	d := Decision{Target: models.TargetOn, Reason: ReasonFailSafe}
	report.Decision = d

	op := func() (models.ActuatorCommand, error) {
		cmd, err := l.actuator.Issue(ctx, d, report.ThresholdsGeneration, now)
		if err != nil && !errors.Is(err, ErrActuatorUnavailable) {
			l.logger.Warn().Err(err).Msg("fail-safe command applied but not journaled")
			return cmd, nil
		}
		return cmd, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second

	cmd, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(l.cfg.FailSafeRetryMax),
		backoff.WithNotify(func(err error, next time.Duration) {
			l.logger.Warn().Err(err).Dur("retry_in", next).Msg("retrying fail-safe actuation")
		}),
	)
	if err != nil {
		l.logger.Error().Err(err).Msg("actuator unreachable in fail-safe, retrying next cycle")
		return report
	}
	report.Command = &cmd
	return report
}

// Reset leaves FAIL_SAFE once the store and the actuator respond again
func (l *Loop) Reset(ctx context.Context) error {
	l.cycleMu.Lock()
	defer l.cycleMu.Unlock()

	l.mu.RLock()
	fs := l.failSafe
	l.mu.RUnlock()
	if fs == nil {
		return nil
	}

	if err := l.store.Ping(ctx); err != nil {
		return fmt.Errorf("%w: store: %w", ErrDependencyUnhealthy, err)
	}
	if err := l.actuator.Ping(ctx); err != nil {
		return fmt.Errorf("%w: actuator: %w", ErrDependencyUnhealthy, err)
	}

	now := l.now()
	l.mu.Lock()
	l.failSafe = nil
	l.mu.Unlock()
	l.setState(StateIdle)

	resolved := fs.alert.Resolve(now)
	l.alerts.SetEscalated(false)
	l.alerts.Emit(resolved)
	l.alerts.Emit(models.NewAlertEvent(models.SeverityInfo, models.AlertDependencyHealed, "",
		"dependencies healthy, control loop reset from fail-safe", now))
	l.logger.Info().Str("cause", fs.Cause).Dur("duration", resolved.Duration()).Msg("fail-safe reset")
	return nil
}

func (l *Loop) finish(report CycleReport, start time.Time) CycleReport {
	report.Duration = time.Since(start)
	report.State = l.State()
	if report.Err != nil {
		report.Error = report.Err.Error()
	}

	reason := report.Decision.Reason
	if reason == "" {
		reason = "none"
	}
	metrics.ControlCycles.WithLabelValues(reason).Inc()
	metrics.ControlCycleDuration.Observe(report.Duration.Seconds())

	l.mu.Lock()
	stored := report
	l.last = &stored
	observers := append([]func(CycleReport){}, l.observers...)
	l.mu.Unlock()

	for _, fn := range observers {
		fn(report)
	}
	return report
}
