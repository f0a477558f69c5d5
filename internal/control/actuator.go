package control

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Capstone-E1/aquasmart_edge/internal/metrics"
	"github.com/Capstone-E1/aquasmart_edge/internal/models"
	"github.com/Capstone-E1/aquasmart_edge/internal/store"
)

// Driver delivers commands to the physical actuator. Delivery does not mean
// the actuator changed state; the observed state arrives through Confirm.
type Driver interface {
	Send(ctx context.Context, cmd models.ActuatorCommand) error
	Ping(ctx context.Context) error
}

// ActuatorStatus is the last known state of the actuator
type ActuatorStatus struct {
	ActuatorID  string                  `json:"actuator_id"`
	State       models.TargetState      `json:"state"`
	OnSince     time.Time               `json:"on_since,omitempty"`
	Confirmed   bool                    `json:"confirmed"`
	ConfirmedAt *time.Time              `json:"confirmed_at,omitempty"`
	LastCommand *models.ActuatorCommand `json:"last_command,omitempty"`
}

// ActuatorManager serializes every command for one actuator. Commands that
// would not change the last known state are journaled as no-ops and never
// reach the driver.
type ActuatorManager struct {
	mu      sync.Mutex
	driver  Driver
	journal store.Journal
	status  ActuatorStatus
	sentAt  time.Time
	logger  zerolog.Logger
}

// NewActuatorManager creates the manager of actuatorID. The initial state is
// unknown, so the first decision is always sent.
func NewActuatorManager(actuatorID string, driver Driver, journal store.Journal, logger zerolog.Logger) *ActuatorManager {
	return &ActuatorManager{
		driver:  driver,
		journal: journal,
		status:  ActuatorStatus{ActuatorID: actuatorID},
		logger:  logger.With().Str("component", "actuator").Str("actuator_id", actuatorID).Logger(),
	}
}

// Issue applies a decision. The returned error wraps ErrActuatorUnavailable
// when the driver could not be reached; any other error means the command
// was applied but could not be journaled.
func (m *ActuatorManager) Issue(ctx context.Context, d Decision, generation uint64, at time.Time) (models.ActuatorCommand, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cmd := models.NewActuatorCommand(m.status.ActuatorID, d.Target, d.Reason, at)
	cmd.ThresholdsGeneration = generation
	cmd.NoOp = d.Target == models.TargetUnchanged || d.Target == m.status.State

	outcome := "no_op"
	if !cmd.NoOp {
		if err := m.driver.Send(ctx, cmd); err != nil {
			metrics.ActuatorCommands.WithLabelValues(string(cmd.TargetState), "failed").Inc()
			m.logger.Error().Err(err).Str("target", string(cmd.TargetState)).Str("reason", cmd.Reason).Msg("actuator command failed")
			return cmd, fmt.Errorf("%w: %s: %w", ErrActuatorUnavailable, m.status.ActuatorID, err)
		}
		if cmd.TargetState == models.TargetOn {
			m.status.OnSince = at
		}
		m.status.State = cmd.TargetState
		m.status.Confirmed = false
		m.sentAt = at
		outcome = "sent"
	}

	last := cmd
	m.status.LastCommand = &last
	metrics.ActuatorCommands.WithLabelValues(string(cmd.TargetState), outcome).Inc()

	if err := m.journal.AppendCommand(ctx, cmd); err != nil {
		return cmd, fmt.Errorf("journal actuator command: %w", err)
	}
	return cmd, nil
}

// Confirm records the state observed by the actuator driver
func (m *ActuatorManager) Confirm(c models.ActuatorConfirmation) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Observations older than the last sent command are superseded by it
	if c.ActuatorID != m.status.ActuatorID || c.ObservedAt.Before(m.sentAt) {
		return
	}
	if c.State == models.TargetOn && m.status.State != models.TargetOn {
		m.status.OnSince = c.ObservedAt
	}
	if c.State != m.status.State {
		m.logger.Warn().
			Str("expected", string(m.status.State)).
			Str("observed", string(c.State)).
			Msg("actuator reported a different state")
	}
	m.status.State = c.State
	m.status.Confirmed = true
	observed := c.ObservedAt
	m.status.ConfirmedAt = &observed
}

// Status returns a copy of the last known actuator state
func (m *ActuatorManager) Status() ActuatorStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Ping checks that the actuator driver is reachable
func (m *ActuatorManager) Ping(ctx context.Context) error {
	return m.driver.Ping(ctx)
}

// LogDriver is the actuator driver used without a hardware transport. It
// logs every command and confirms it immediately.
type LogDriver struct {
	confirm func(models.ActuatorConfirmation)
	logger  zerolog.Logger
}

// NewLogDriver creates a log-only driver reporting confirmations to confirm
func NewLogDriver(confirm func(models.ActuatorConfirmation), logger zerolog.Logger) *LogDriver {
	return &LogDriver{confirm: confirm, logger: logger.With().Str("component", "log_driver").Logger()}
}

// Send logs the command
func (d *LogDriver) Send(ctx context.Context, cmd models.ActuatorCommand) error {
	d.logger.Info().
		Str("actuator_id", cmd.ActuatorID).
		Str("target", string(cmd.TargetState)).
		Str("reason", cmd.Reason).
		Msg("actuator command")
	if d.confirm != nil {
		// Confirm asynchronously; the manager holds its lock while sending
		go d.confirm(models.ActuatorConfirmation{ActuatorID: cmd.ActuatorID, State: cmd.TargetState, ObservedAt: cmd.IssuedAt})
	}
	return nil
}

// Ping always succeeds
func (d *LogDriver) Ping(ctx context.Context) error {
	return ctx.Err()
}
