// Package multichain runs several independent Metropolis chains of the same
// target concurrently. Chains share nothing: each owns its sampler, its
// sample store and its generator, seeded with Seed+i.
package multichain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fluxorio/metropolis/pkg/concurrency"
	"github.com/fluxorio/metropolis/pkg/diag"
	"github.com/fluxorio/metropolis/pkg/failfast"
	"github.com/fluxorio/metropolis/pkg/logging"
	"github.com/fluxorio/metropolis/pkg/mcmc"
)

// Config describes one multi-chain run.
type Config struct {
	Target   mcmc.Target
	Proposal mcmc.Proposal
	// Initial holds one starting vector per chain.
	Initial [][]float64
	Seed    uint64

	Iterations int
	// BurnIn steps are taken and discarded before production sampling.
	BurnIn int
	// Tune adapts the proposal scale during burn-in. The proposal must
	// implement mcmc.Scaler.
	Tune        bool
	TuneOptions mcmc.TuneOptions

	// Workers bounds concurrency; 0 runs every chain at once.
	Workers int
}

// ChainResult is the outcome of one chain.
type ChainResult struct {
	Index int
	Seed  uint64
	Chain *mcmc.Chain
	// Start is the state production sampling began from, after burn-in.
	Start []float64
	Final []float64
	// AcceptanceRate covers production samples only.
	AcceptanceRate float64
	// ScaleFactor is the cumulative proposal rescaling from tuning, 1
	// without tuning.
	ScaleFactor float64
	Duration    time.Duration
}

// Result collects every chain of a successful run, ordered by index.
type Result struct {
	Chains   []ChainResult
	Duration time.Duration
}

// Flat concatenates the samples of all chains.
func (r *Result) Flat() [][]float64 {
	chains := make([]*mcmc.Chain, len(r.Chains))
	for i := range r.Chains {
		chains[i] = r.Chains[i].Chain
	}
	return mcmc.Flatten(chains...)
}

// Columns returns parameter j of every chain, one slice per chain.
func (r *Result) Columns(j int) [][]float64 {
	cols := make([][]float64, len(r.Chains))
	for i := range r.Chains {
		cols[i] = r.Chains[i].Chain.Column(j)
	}
	return cols
}

// Retained returns a copy of r whose chains keep every thin-th sample
// after dropping the first discard. Acceptance figures stay those of the
// full run.
func (r *Result) Retained(discard, thin int) *Result {
	out := &Result{Chains: make([]ChainResult, len(r.Chains)), Duration: r.Duration}
	for i, c := range r.Chains {
		kept := diag.Thin(diag.Discard(c.Chain.Samples(), discard), thin)
		c.Chain = mcmc.ChainOf(c.Chain.Dim(), kept)
		out.Chains[i] = c
	}
	return out
}

// AcceptanceRate is the pooled production acceptance rate.
func (r *Result) AcceptanceRate() float64 {
	var accepted, total int
	for _, c := range r.Chains {
		accepted += c.Chain.Accepted()
		total += c.Chain.Len()
	}
	if total == 0 {
		return 0
	}
	return float64(accepted) / float64(total)
}

// Observer is told about every chain that finishes.
type Observer interface {
	ObserveChain(res ChainResult)
}

// Runner executes multi-chain runs on a worker pool.
type Runner struct {
	logger   logging.Logger
	observer Observer
}

// Option configures a Runner.
type Option func(*Runner)

// WithObserver registers an observer for finished chains.
func WithObserver(o Observer) Option {
	return func(r *Runner) { r.observer = o }
}

// NewRunner creates a Runner.
func NewRunner(logger logging.Logger, opts ...Option) *Runner {
	failfast.NotNil(logger, "logger")
	r := &Runner{logger: logger}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run samples every chain and returns the results. The first chain error
// cancels the rest and is returned; partial results are discarded.
func (r *Runner) Run(ctx context.Context, cfg Config) (*Result, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := len(cfg.Initial)
	workers := cfg.Workers
	if workers <= 0 || workers > n {
		workers = n
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	pool := concurrency.NewWorkerPool(runCtx, concurrency.WorkerPoolConfig{
		Workers:   workers,
		QueueSize: n,
		Logger:    r.logger,
	})
	if err := pool.Start(); err != nil {
		return nil, err
	}

	start := time.Now()
	results := make([]ChainResult, n)
	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	fail := func(err error) {
		once.Do(func() {
			firstErr = err
			cancel()
		})
	}

	for i := 0; i < n; i++ {
		wg.Add(1)
		task := concurrency.NewNamedTask(fmt.Sprintf("chain-%d", i), func(context.Context) error {
			defer wg.Done()
			res, err := r.runChain(runCtx, cfg, i)
			if err != nil {
				err = fmt.Errorf("chain %d: %w", i, err)
				fail(err)
				return err
			}
			results[i] = res
			if r.observer != nil {
				r.observer.ObserveChain(res)
			}
			return nil
		})
		if err := pool.Submit(task); err != nil {
			wg.Done()
			fail(fmt.Errorf("chain %d: %w", i, err))
		}
	}
	wg.Wait()
	if err := pool.Stop(context.Background()); err != nil {
		r.logger.Warnf("worker pool stop: %v", err)
	}

	if firstErr != nil {
		// A cancelled parent wins over the knock-on cancellations.
		if ctx.Err() != nil && !errors.Is(firstErr, ctx.Err()) {
			return nil, ctx.Err()
		}
		return nil, firstErr
	}
	return &Result{Chains: results, Duration: time.Since(start)}, nil
}

func (r *Runner) runChain(ctx context.Context, cfg Config, i int) (ChainResult, error) {
	start := time.Now()
	seed := cfg.Seed + uint64(i)
	log := r.logger.WithFields(map[string]interface{}{"chain": i, "seed": seed})

	s, err := mcmc.New(cfg.Target, mcmc.Config{
		Initial:  cfg.Initial[i],
		Proposal: cfg.Proposal,
		Rand:     mcmc.NewRand(seed),
	})
	if err != nil {
		return ChainResult{}, err
	}

	factor := 1.0
	if cfg.BurnIn > 0 {
		if cfg.Tune {
			opts := tuneSchedule(cfg.BurnIn, cfg.TuneOptions)
			factor, err = mcmc.Tune(ctx, s, opts)
			// Whatever the batches leave of the burn-in runs on the tuned proposal.
			if rest := cfg.BurnIn - opts.Batches*opts.BatchSize; err == nil && rest > 0 {
				err = s.Run(ctx, rest)
				s.Reset()
			}
		} else {
			err = s.Run(ctx, cfg.BurnIn)
			if err == nil {
				log.Debugf("burn-in acceptance %.3f", s.AcceptanceRate())
			}
			s.Reset()
		}
		if err != nil {
			return ChainResult{}, fmt.Errorf("burn-in: %w", err)
		}
	}

	startState := s.Current()
	if err := s.Run(ctx, cfg.Iterations); err != nil {
		return ChainResult{}, err
	}
	res := ChainResult{
		Index:          i,
		Seed:           seed,
		Chain:          s.Chain(),
		Start:          startState,
		Final:          s.Current(),
		AcceptanceRate: s.AcceptanceRate(),
		ScaleFactor:    factor,
		Duration:       time.Since(start),
	}
	log.Infof("chain finished: %d samples, acceptance %.3f", res.Chain.Len(), res.AcceptanceRate)
	return res, nil
}

func (c Config) validate() error {
	if c.Target == nil || c.Proposal == nil {
		return fmt.Errorf("%w: target and proposal are required", mcmc.ErrInvalidConfig)
	}
	if len(c.Initial) == 0 {
		return fmt.Errorf("%w: no chains", mcmc.ErrInvalidConfig)
	}
	if c.BurnIn < 0 {
		return fmt.Errorf("%w: negative burn-in %d", mcmc.ErrInvalidConfig, c.BurnIn)
	}
	if c.Tune && c.BurnIn == 0 {
		return fmt.Errorf("%w: tuning needs a burn-in", mcmc.ErrInvalidConfig)
	}
	return nil
}

// tuneSchedule fits the tuning batches inside burnIn steps. An explicit
// BatchSize fixes the batch length and the batch count follows from it;
// otherwise Batches (default 20) splits the burn-in evenly.
func tuneSchedule(burnIn int, opts mcmc.TuneOptions) mcmc.TuneOptions {
	if opts.BatchSize > 0 {
		opts.BatchSize = min(opts.BatchSize, burnIn)
		opts.Batches = burnIn / opts.BatchSize
		return opts
	}
	if opts.Batches <= 0 {
		opts.Batches = 20
	}
	opts.Batches = min(opts.Batches, burnIn)
	opts.BatchSize = burnIn / opts.Batches
	return opts
}
