// Package alerts delivers alert events to their channels without ever
// blocking the component that raised them.
package alerts

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Capstone-E1/aquasmart_edge/internal/metrics"
	"github.com/Capstone-E1/aquasmart_edge/internal/models"
	"github.com/Capstone-E1/aquasmart_edge/internal/store"
)

// Channel delivers alerts to one destination
type Channel interface {
	Name() string
	Deliver(ctx context.Context, ev models.AlertEvent) error
}

// Config tunes the dispatcher
type Config struct {
	QueueSize       int
	Cooldown        time.Duration // minimum spacing of repeats of a condition that is still open
	RecentCapacity  int
	DeliveryTimeout time.Duration
}

// DefaultConfig returns the default dispatcher configuration
func DefaultConfig() Config {
	return Config{
		QueueSize:       256,
		Cooldown:        time.Minute,
		RecentCapacity:  200,
		DeliveryTimeout: 5 * time.Second,
	}
}

// Dispatcher queues alerts and fans them out to every channel from its
// own goroutine
type Dispatcher struct {
	cfg       Config
	queue     chan queued
	channels  []Channel
	escalated atomic.Bool

	mu         sync.Mutex
	lastRaised map[string]time.Time
	open       map[string]bool
	suppressed map[uuid.UUID]struct{}
	recent     []models.AlertEvent

	now    func() time.Time
	logger zerolog.Logger
}

// NewDispatcher creates a dispatcher delivering to channels
func NewDispatcher(cfg Config, logger zerolog.Logger, channels ...Channel) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.RecentCapacity <= 0 {
		cfg.RecentCapacity = DefaultConfig().RecentCapacity
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = DefaultConfig().DeliveryTimeout
	}
	return &Dispatcher{
		cfg:        cfg,
		queue:      make(chan queued, cfg.QueueSize),
		channels:   channels,
		lastRaised: make(map[string]time.Time),
		open:       make(map[string]bool),
		suppressed: make(map[uuid.UUID]struct{}),
		now:        time.Now,
		logger:     logger.With().Str("component", "alerts").Logger(),
	}
}

// AddChannel registers a channel. It must be called before Run.
func (d *Dispatcher) AddChannel(c Channel) {
	d.channels = append(d.channels, c)
}

// queued is an alert waiting for delivery, with the escalation in force
// when it was emitted
type queued struct {
	ev       models.AlertEvent
	escalate bool
}

// Emit queues an alert. It never blocks: when the queue is full the alert
// is dropped and counted. While escalated, open alerts are raised at
// critical severity.
func (d *Dispatcher) Emit(ev models.AlertEvent) {
	select {
	case d.queue <- queued{ev: ev, escalate: d.escalated.Load() && !ev.IsResolved()}:
	default:
		metrics.AlertsDropped.WithLabelValues("queue_full").Inc()
		d.logger.Warn().Str("kind", string(ev.Kind)).Str("alert_id", ev.ID.String()).Msg("alert queue full, dropping alert")
	}
}

// SetEscalated turns severity escalation on or off
func (d *Dispatcher) SetEscalated(on bool) {
	if d.escalated.Swap(on) != on {
		d.logger.Info().Bool("escalated", on).Msg("alert escalation changed")
	}
}

// Escalated reports whether alerts are being escalated
func (d *Dispatcher) Escalated() bool {
	return d.escalated.Load()
}

// Run delivers queued alerts until ctx is cancelled, then drains the queue
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info().Int("channels", len(d.channels)).Msg("alert dispatcher started")
	for {
		select {
		case q := <-d.queue:
			d.dispatch(q)
		case <-ctx.Done():
			for {
				select {
				case q := <-d.queue:
					d.dispatch(q)
				default:
					d.logger.Info().Msg("alert dispatcher stopped")
					return nil
				}
			}
		}
	}
}

func (d *Dispatcher) dispatch(q queued) {
	ev, ok := d.admit(q)
	if !ok {
		metrics.AlertsDropped.WithLabelValues("cooldown").Inc()
		d.logger.Debug().Str("key", ev.Key()).Msg("alert suppressed by cooldown")
		return
	}
	metrics.AlertsEmitted.WithLabelValues(string(ev.Severity)).Inc()

	for _, c := range d.channels {
		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.DeliveryTimeout)
		if err := c.Deliver(ctx, ev); err != nil {
			d.logger.Warn().Err(err).Str("channel", c.Name()).Str("alert_id", ev.ID.String()).Msg("alert delivery failed")
		}
		cancel()
	}
}

// admit applies the cooldown and records admitted alerts. Only a repeat of
// a condition that is still open is held back; critical alerts and the
// first alert after a resolution always pass. The resolution of a
// suppressed alert is suppressed too.
func (d *Dispatcher) admit(q queued) (models.AlertEvent, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ev := q.ev
	key := ev.Key()
	if ev.IsResolved() {
		if _, ok := d.suppressed[ev.ID]; ok {
			delete(d.suppressed, ev.ID)
			return ev, false
		}
		delete(d.open, key)
	} else {
		now := d.now()
		last, seen := d.lastRaised[key]
		repeat := seen && d.open[key] && now.Sub(last) < d.cfg.Cooldown
		if repeat && ev.Severity.Rank() < models.SeverityCritical.Rank() {
			d.suppressed[ev.ID] = struct{}{}
			return ev, false
		}
		d.lastRaised[key] = now
		d.open[key] = true
	}

	if q.escalate {
		ev.Severity = models.SeverityCritical
	}
	d.recent = append(d.recent, ev)
	if over := len(d.recent) - d.cfg.RecentCapacity; over > 0 {
		d.recent = append(d.recent[:0], d.recent[over:]...)
	}
	return ev, true
}

// Recent returns up to limit delivered alerts, newest first
func (d *Dispatcher) Recent(limit int) []models.AlertEvent {
	d.mu.Lock()
	defer d.mu.Unlock()

	if limit <= 0 || limit > len(d.recent) {
		limit = len(d.recent)
	}
	out := make([]models.AlertEvent, 0, limit)
	for i := len(d.recent) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, d.recent[i])
	}
	return out
}

// LogChannel writes alerts to the structured log
type LogChannel struct {
	logger zerolog.Logger
}

// NewLogChannel creates a log channel
func NewLogChannel(logger zerolog.Logger) *LogChannel {
	return &LogChannel{logger: logger.With().Str("component", "alert_log").Logger()}
}

// Name returns the channel name
func (c *LogChannel) Name() string { return "log" }

// Deliver logs the alert at a level matching its severity
func (c *LogChannel) Deliver(ctx context.Context, ev models.AlertEvent) error {
	event := c.logger.Info()
	switch {
	case ev.IsResolved():
	case ev.Severity == models.SeverityCritical:
		event = c.logger.Error()
	case ev.Severity == models.SeverityWarning:
		event = c.logger.Warn()
	}

	event = event.
		Str("alert_id", ev.ID.String()).
		Str("severity", string(ev.Severity)).
		Str("kind", string(ev.Kind)).
		Bool("resolved", ev.IsResolved())
	if ev.Channel != "" {
		event = event.Str("channel", string(ev.Channel))
	}
	if ev.Value != nil {
		event = event.Float64("value", *ev.Value)
	}
	event.Msg(ev.Message)
	return nil
}

// JournalChannel appends alerts to the persistent journal
type JournalChannel struct {
	journal store.Journal
}

// NewJournalChannel creates a journal channel
func NewJournalChannel(journal store.Journal) *JournalChannel {
	return &JournalChannel{journal: journal}
}

// Name returns the channel name
func (c *JournalChannel) Name() string { return "journal" }

// Deliver appends the alert
func (c *JournalChannel) Deliver(ctx context.Context, ev models.AlertEvent) error {
	return c.journal.AppendAlert(ctx, ev)
}

// FuncChannel adapts a delivery function into a channel
type FuncChannel struct {
	name    string
	deliver func(ctx context.Context, ev models.AlertEvent) error
}

// NewFuncChannel creates a named channel from a delivery function
func NewFuncChannel(name string, deliver func(ctx context.Context, ev models.AlertEvent) error) *FuncChannel {
	return &FuncChannel{name: name, deliver: deliver}
}

// Name returns the channel name
func (c *FuncChannel) Name() string { return c.name }

// Deliver calls the delivery function
func (c *FuncChannel) Deliver(ctx context.Context, ev models.AlertEvent) error {
	return c.deliver(ctx, ev)
}
