package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Capstone-E1/aquasmart_edge/internal/metrics"
	"github.com/Capstone-E1/aquasmart_edge/internal/store"
)

// ErrJobRunning is returned when a job is triggered while it is still executing
var ErrJobRunning = errors.New("job already running")

// ErrUnknownJob is returned when triggering a job that was never added
var ErrUnknownJob = errors.New("unknown job")

// Job is a periodic background task
type Job struct {
	Name       string
	Interval   time.Duration
	RunOnStart bool
	Run        func(ctx context.Context) error
}

// JobExecution records the latest run of a job
type JobExecution struct {
	Job         string     `json:"job"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Status      string     `json:"status"` // running, completed, failed
	Error       string     `json:"error,omitempty"`
	Trigger     string     `json:"trigger"` // schedule, manual
}

// Scheduler runs independent periodic jobs, each on its own goroutine
type Scheduler struct {
	logger zerolog.Logger

	mu         sync.RWMutex
	jobs       map[string]Job
	order      []string
	executions map[string]*JobExecution
	isRunning  bool
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewScheduler creates a new scheduler instance
func NewScheduler(logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		logger:     logger.With().Str("component", "scheduler").Logger(),
		jobs:       make(map[string]Job),
		executions: make(map[string]*JobExecution),
	}
}

// Add registers a job; jobs added after Start begin on the next Start
func (s *Scheduler) Add(job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.Name]; !exists {
		s.order = append(s.order, job.Name)
	}
	s.jobs[job.Name] = job
}

// Start begins the scheduler background goroutines
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		s.logger.Warn().Msg("scheduler already running")
		return
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.isRunning = true

	for _, name := range s.order {
		job := s.jobs[name]
		s.wg.Add(1)
		go s.run(job)
		s.logger.Info().Str("job", job.Name).Dur("interval", job.Interval).Msg("job scheduled")
	}
}

// Stop halts all jobs and waits for running executions to return
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.isRunning = false
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info().Msg("scheduler stopped")
}

// Run starts the scheduler and blocks until ctx is done
func (s *Scheduler) Run(ctx context.Context) error {
	s.Start(ctx)
	<-ctx.Done()
	s.Stop()
	return nil
}

// run is the loop of a single job
func (s *Scheduler) run(job Job) {
	defer s.wg.Done()

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	if job.RunOnStart {
		s.execute(s.ctx, job, "schedule")
	}

	for {
		select {
		case <-ticker.C:
			s.execute(s.ctx, job, "schedule")
		case <-s.ctx.Done():
			return
		}
	}
}

// Trigger runs a job immediately in the background
func (s *Scheduler) Trigger(name string) error {
	s.mu.RLock()
	job, ok := s.jobs[name]
	ctx := s.ctx
	s.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if s.isJobCurrentlyExecuting(name) {
		return fmt.Errorf("%w: %s", ErrJobRunning, name)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(ctx, job, "manual")
	}()
	return nil
}

// execute runs one job execution unless the previous one is still going
func (s *Scheduler) execute(ctx context.Context, job Job, trigger string) {
	if ctx.Err() != nil {
		return
	}

	execution := &JobExecution{
		Job:       job.Name,
		StartedAt: time.Now(),
		Status:    "running",
		Trigger:   trigger,
	}

	s.mu.Lock()
	if prev := s.executions[job.Name]; prev != nil && prev.Status == "running" {
		s.mu.Unlock()
		s.logger.Debug().Str("job", job.Name).Msg("previous execution still running, skipping")
		return
	}
	s.executions[job.Name] = execution
	s.mu.Unlock()

	err := job.Run(ctx)
	completed := time.Now()

	s.mu.Lock()
	execution.CompletedAt = &completed
	if err != nil {
		execution.Status = "failed"
		execution.Error = err.Error()
	} else {
		execution.Status = "completed"
	}
	s.mu.Unlock()

	if err != nil {
		metrics.SchedulerJobErrors.WithLabelValues(job.Name).Inc()
		s.logger.Error().Err(err).Str("job", job.Name).Str("trigger", trigger).Msg("job failed")
		return
	}
	s.logger.Debug().Str("job", job.Name).Dur("took", completed.Sub(execution.StartedAt)).Msg("job completed")
}

// isJobCurrentlyExecuting checks if a job is currently being executed
func (s *Scheduler) isJobCurrentlyExecuting(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e := s.executions[name]
	return e != nil && e.Status == "running"
}

// Executions returns a copy of the latest execution of every job
func (s *Scheduler) Executions() []JobExecution {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]JobExecution, 0, len(s.executions))
	for _, name := range s.order {
		if e := s.executions[name]; e != nil {
			out = append(out, *e)
		}
	}
	return out
}

// IsRunning returns whether the scheduler is currently running
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// RetentionJob builds the sweep that prunes readings older than the horizon
func RetentionJob(ts store.TimeSeriesStore, horizon, interval time.Duration, logger zerolog.Logger) Job {
	return Job{
		Name:     "retention",
		Interval: interval,
		Run: func(ctx context.Context) error {
			cutoff := time.Now().Add(-horizon)
			pruned, err := ts.Prune(ctx, cutoff)
			if pruned > 0 {
				metrics.RetentionPruned.Add(float64(pruned))
				logger.Info().Int("pruned", pruned).Time("cutoff", cutoff).Msg("retention sweep removed readings")
			}
			if err != nil {
				return fmt.Errorf("retention sweep: %w", err)
			}
			return nil
		},
	}
}
