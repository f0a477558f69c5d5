// Package optimizer tunes the control thresholds with a seeded population
// search replayed against the recorded water-quality history.
package optimizer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Capstone-E1/aquasmart_edge/internal/metrics"
	"github.com/Capstone-E1/aquasmart_edge/internal/models"
	"github.com/Capstone-E1/aquasmart_edge/internal/store"
	"github.com/Capstone-E1/aquasmart_edge/internal/thresholds"
)

var (
	// ErrNoViableCandidate is returned when every candidate of a generation was discarded
	ErrNoViableCandidate = errors.New("no viable threshold candidate")
	// ErrRunInProgress is returned when a run is requested while another is active
	ErrRunInProgress = errors.New("optimizer run already in progress")
)

const (
	mutationRate  = 0.2
	mutationSigma = 0.1 // fraction of the gene's span
	alphaMin      = 0.15
	alphaMax      = 0.85
)

// Config tunes the search
type Config struct {
	Population  int
	Generations int
	Survivors   int
	Seed        uint64
	Patience    int
	Epsilon     float64
	Margin      float64
	Workers     int
	Lookback    time.Duration
	Step        time.Duration
	Hold        time.Duration // how long a reading stands in for missing samples
	Objective   Objective
}

// DefaultConfig returns the default search configuration
func DefaultConfig() Config {
	return Config{
		Population:  50,
		Generations: 100,
		Survivors:   10,
		Seed:        42,
		Patience:    12,
		Epsilon:     1e-6,
		Margin:      0.01,
		Workers:     2,
		Lookback:    7 * 24 * time.Hour,
		Step:        time.Minute,
		Hold:        2 * time.Minute,
		Objective:   DefaultObjective(4.0),
	}
}

// genome is the search-space encoding of a thresholds set
type genome [6]float64

func encode(t models.ControlThresholds) genome {
	return genome{t.OxygenLowMgL, t.OxygenCriticalMgL, t.TurbidityMax, t.PhMin, t.PhMax, t.AerationHysteresisSeconds}
}

func (g genome) decode() models.ControlThresholds {
	return models.ControlThresholds{
		OxygenLowMgL:              g[0],
		OxygenCriticalMgL:         g[1],
		TurbidityMax:              g[2],
		PhMin:                     g[3],
		PhMax:                     g[4],
		AerationHysteresisSeconds: g[5],
	}
}

func geneBounds(b models.ThresholdBounds) [6]models.Bound {
	return [6]models.Bound{b.OxygenLow, b.OxygenCritical, b.TurbidityMax, b.PhMin, b.PhMax, b.Hysteresis}
}

type candidate struct {
	genes     genome
	score     Score
	evaluated bool
}

// SearchResult is the outcome of a completed search
type SearchResult struct {
	Best        models.ControlThresholds `json:"best"`
	BestScore   Score                    `json:"best_score"`
	Generations int                      `json:"generations"`
	Evaluated   int                      `json:"evaluated"`
	Discarded   int                      `json:"discarded"`
	EarlyStop   bool                     `json:"early_stop"`
}

// Search runs the population search over history. Seeds are placed in the
// initial population as-is; the rest is drawn uniformly from the bounds.
// Identical inputs and seed always produce the identical result.
func Search(ctx context.Context, h History, bounds models.ThresholdBounds, seeds []models.ControlThresholds, cfg Config) (SearchResult, error) {
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9E3779B97F4A7C15))
	gb := geneBounds(bounds)

	population := make([]candidate, 0, cfg.Population)
	for _, s := range seeds {
		if len(population) == cfg.Population {
			break
		}
		population = append(population, candidate{genes: encode(s)})
	}
	for len(population) < cfg.Population {
		var g genome
		for i, b := range gb {
			g[i] = b.Min + rng.Float64()*b.Span()
		}
		population = append(population, candidate{genes: g})
	}

	var (
		result  SearchResult
		best    = math.Inf(-1)
		stalled int
	)

	for gen := 0; gen < cfg.Generations; gen++ {
		if err := ctx.Err(); err != nil {
			return SearchResult{}, fmt.Errorf("search cancelled after %d generations: %w", gen, err)
		}

		evaluated, discarded := evaluate(population, bounds, h, cfg)
		result.Evaluated += evaluated
		result.Discarded += discarded
		result.Generations = gen + 1

		population = slices.DeleteFunc(population, func(c candidate) bool { return !c.evaluated })
		if len(population) == 0 {
			return SearchResult{}, fmt.Errorf("%w in generation %d", ErrNoViableCandidate, gen)
		}
		slices.SortStableFunc(population, func(a, b candidate) int {
			switch {
			case a.score.Fitness > b.score.Fitness:
				return -1
			case a.score.Fitness < b.score.Fitness:
				return 1
			}
			return 0
		})

		top := population[0]
		if top.score.Fitness-best < cfg.Epsilon {
			stalled++
		} else {
			stalled = 0
		}
		if top.score.Fitness > best {
			best = top.score.Fitness
			result.Best = top.genes.decode()
			result.BestScore = top.score
		}
		if stalled >= cfg.Patience {
			result.EarlyStop = true
			break
		}
		if gen == cfg.Generations-1 {
			break
		}

		survivors := population[:min(cfg.Survivors, len(population))]
		next := make([]candidate, 0, cfg.Population)
		next = append(next, survivors...)
		for len(next) < cfg.Population {
			next = append(next, candidate{genes: offspring(rng, survivors, gb)})
		}
		population = next
	}

	return result, nil
}

// evaluate scores every candidate not scored yet on a bounded worker pool.
// Candidates whose evaluation fails are left unevaluated.
func evaluate(population []candidate, bounds models.ThresholdBounds, h History, cfg Config) (evaluated, discarded int) {
	failed := make([]bool, len(population))

	var g errgroup.Group
	g.SetLimit(max(cfg.Workers, 1))
	for i := range population {
		if population[i].evaluated {
			continue
		}
		evaluated++
		g.Go(func() error {
			score, err := Evaluate(population[i].genes.decode(), bounds, h, cfg.Objective)
			if err != nil {
				failed[i] = true
				return nil
			}
			population[i].score = score
			population[i].evaluated = true
			return nil
		})
	}
	_ = g.Wait()

	for _, f := range failed {
		if f {
			discarded++
		}
	}
	metrics.OptimizerCandidatesDiscarded.Add(float64(discarded))
	return evaluated, discarded
}

// offspring blends two distinct survivors and applies bounded gaussian mutation
func offspring(rng *rand.Rand, survivors []candidate, gb [6]models.Bound) genome {
	a := rng.IntN(len(survivors))
	b := a
	if len(survivors) > 1 {
		for b == a {
			b = rng.IntN(len(survivors))
		}
	}
	p1, p2 := survivors[a].genes, survivors[b].genes

	alpha := alphaMin + (alphaMax-alphaMin)*rng.Float64()
	var child genome
	for i := range child {
		child[i] = alpha*p1[i] + (1-alpha)*p2[i]
		if rng.Float64() < mutationRate {
			child[i] += rng.NormFloat64() * mutationSigma * gb[i].Span()
		}
		child[i] = gb[i].Clamp(child[i])
	}
	return child
}

// RunResult summarizes one optimizer run
type RunResult struct {
	StartedAt     time.Time                `json:"started_at"`
	CompletedAt   time.Time                `json:"completed_at"`
	HistoryRows   int                      `json:"history_rows"`
	ActiveFitness float64                  `json:"active_fitness"`
	Search        SearchResult             `json:"search"`
	Promoted      bool                     `json:"promoted"`
	Generation    uint64                   `json:"generation"`
	Thresholds    models.ControlThresholds `json:"thresholds"`
	Outcome       string                   `json:"outcome"`
}

// Optimizer periodically re-tunes the active thresholds against the store
type Optimizer struct {
	ts       store.TimeSeriesStore
	registry *thresholds.Registry
	cfg      Config
	now      func() time.Time
	running  atomic.Bool
	last     atomic.Pointer[RunResult]
	logger   zerolog.Logger
}

// New creates an optimizer promoting into registry
func New(ts store.TimeSeriesStore, registry *thresholds.Registry, cfg Config, logger zerolog.Logger) *Optimizer {
	return &Optimizer{
		ts:       ts,
		registry: registry,
		cfg:      cfg,
		now:      time.Now,
		logger:   logger.With().Str("component", "optimizer").Logger(),
	}
}

// Last returns the result of the most recent completed run
func (o *Optimizer) Last() (RunResult, bool) {
	r := o.last.Load()
	if r == nil {
		return RunResult{}, false
	}
	return *r, true
}

// Run searches the lookback history and promotes the best candidate when it
// beats the active thresholds, re-scored on the same history, by the margin.
// Cancelled or failed runs never promote.
func (o *Optimizer) Run(ctx context.Context) (RunResult, error) {
	if !o.running.CompareAndSwap(false, true) {
		return RunResult{}, ErrRunInProgress
	}
	defer o.running.Store(false)

	res := RunResult{StartedAt: o.now()}
	to := res.StartedAt.Truncate(o.cfg.Step)
	h, err := LoadHistory(ctx, o.ts, to.Add(-o.cfg.Lookback), to, o.cfg.Step, o.cfg.Hold)
	if err != nil {
		return o.fail(err)
	}
	res.HistoryRows = len(h.Rows)

	if !hasOxygen(h) {
		res.Outcome = "insufficient_history"
		return o.finish(res), nil
	}

	active := o.registry.Active()
	res.Generation = active.Generation
	res.Thresholds = active.Thresholds
	bounds := o.registry.Bounds()

	activeScore, err := Evaluate(active.Thresholds, bounds, h, o.cfg.Objective)
	if err != nil {
		return o.fail(fmt.Errorf("score active thresholds: %w", err))
	}
	res.ActiveFitness = activeScore.Fitness

	sr, err := Search(ctx, h, bounds, []models.ControlThresholds{active.Thresholds}, o.cfg)
	if err != nil {
		return o.fail(err)
	}
	res.Search = sr
	metrics.OptimizerBestFitness.Set(sr.BestScore.Fitness)

	if sr.BestScore.Fitness <= activeScore.Fitness+o.cfg.Margin {
		res.Outcome = "retained"
		return o.finish(res), nil
	}

	if err := ctx.Err(); err != nil {
		return o.fail(err)
	}
	snap, err := o.registry.Promote(ctx, sr.Best, sr.BestScore.Fitness, models.ThresholdSourceOptimizer)
	if err != nil {
		return o.fail(fmt.Errorf("promote thresholds: %w", err))
	}
	res.Promoted = true
	res.Generation = snap.Generation
	res.Thresholds = snap.Thresholds
	res.Outcome = "promoted"
	return o.finish(res), nil
}

func (o *Optimizer) finish(res RunResult) RunResult {
	res.CompletedAt = o.now()
	o.last.Store(&res)
	metrics.OptimizerRuns.WithLabelValues(res.Outcome).Inc()

	o.logger.Info().
		Str("outcome", res.Outcome).
		Int("history_rows", res.HistoryRows).
		Int("generations", res.Search.Generations).
		Int("discarded", res.Search.Discarded).
		Float64("active_fitness", res.ActiveFitness).
		Float64("best_fitness", res.Search.BestScore.Fitness).
		Uint64("generation", res.Generation).
		Dur("took", res.CompletedAt.Sub(res.StartedAt)).
		Msg("optimizer run completed")
	return res
}

func (o *Optimizer) fail(err error) (RunResult, error) {
	outcome := "failed"
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		outcome = "cancelled"
	}
	metrics.OptimizerRuns.WithLabelValues(outcome).Inc()
	o.logger.Warn().Err(err).Str("outcome", outcome).Msg("optimizer run discarded")
	return RunResult{}, err
}

func hasOxygen(h History) bool {
	for _, r := range h.Rows {
		if !math.IsNaN(r.Oxygen) {
			return true
		}
	}
	return false
}
