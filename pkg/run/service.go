// Package run executes one configured sampling run end to end: model and
// proposal construction, multi-chain sampling, diagnostics, and the
// configured sinks (trace log, run store, metrics, events, tracing).
package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fluxorio/metropolis/pkg/config"
	"github.com/fluxorio/metropolis/pkg/diag"
	"github.com/fluxorio/metropolis/pkg/events"
	"github.com/fluxorio/metropolis/pkg/failfast"
	"github.com/fluxorio/metropolis/pkg/logging"
	"github.com/fluxorio/metropolis/pkg/mcmc"
	"github.com/fluxorio/metropolis/pkg/model"
	"github.com/fluxorio/metropolis/pkg/multichain"
	"github.com/fluxorio/metropolis/pkg/observability/prometheus"
	"github.com/fluxorio/metropolis/pkg/observability/tracing"
	"github.com/fluxorio/metropolis/pkg/store"
	"github.com/fluxorio/metropolis/pkg/tracelog"
)

// Report is the outcome of a successful run.
type Report struct {
	ID             string            `json:"id"`
	Model          string            `json:"model"`
	Chains         int               `json:"chains"`
	Iterations     int               `json:"iterations"`
	// Samples counts the draws left after discard and thinning.
	Samples        int               `json:"samples"`
	AcceptanceRate float64           `json:"acceptance_rate"`
	ChainRates     []float64         `json:"chain_rates"`
	ScaleFactors   []float64         `json:"scale_factors"`
	Parameters     []store.Parameter `json:"parameters"`
	Duration       time.Duration     `json:"duration"`
	TraceDir       string            `json:"trace_dir,omitempty"`

	// Result holds the chains themselves. It is not serialised.
	Result *multichain.Result `json:"-"`
}

// Service runs sampling jobs. It is safe for concurrent use.
type Service struct {
	logger    logging.Logger
	registry  *model.Registry
	metrics   *prometheus.Metrics
	tracer    *tracing.Provider
	runs      *store.RunStore
	publisher events.Publisher
}

// Option configures a Service.
type Option func(*Service)

// WithRegistry replaces the default model registry.
func WithRegistry(r *model.Registry) Option { return func(s *Service) { s.registry = r } }

// WithMetrics records run and chain metrics.
func WithMetrics(m *prometheus.Metrics) Option { return func(s *Service) { s.metrics = m } }

// WithTracing wraps each run in a span.
func WithTracing(p *tracing.Provider) Option { return func(s *Service) { s.tracer = p } }

// WithStore persists every run, failed ones included.
func WithStore(rs *store.RunStore) Option { return func(s *Service) { s.runs = rs } }

// WithPublisher publishes lifecycle events.
func WithPublisher(p events.Publisher) Option { return func(s *Service) { s.publisher = p } }

// NewService creates a Service.
func NewService(logger logging.Logger, opts ...Option) *Service {
	failfast.NotNil(logger, "logger")
	s := &Service{
		logger:    logger,
		registry:  model.NewRegistry(),
		publisher: events.Nop{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tracer == nil {
		tp, err := tracing.New(config.TracingConfig{Exporter: "none"})
		failfast.Err(err)
		s.tracer = tp
	}
	return s
}

// Run validates cfg and executes it.
func (s *Service) Run(ctx context.Context, cfg config.RunConfig) (*Report, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	id := uuid.NewString()
	name := cfg.Model.Name
	log := s.logger.WithFields(map[string]interface{}{"run": id, "model": name})

	ctx, span := s.tracer.Start(ctx, "metropolis.run",
		attribute.String("run.id", id),
		attribute.String("model", name),
		attribute.Int("chains", cfg.Sampler.Chains),
		attribute.Int("iterations", cfg.Sampler.Iterations),
	)
	defer span.End()

	s.publish(ctx, log, events.Event{Type: events.TypeRunStarted, RunID: id, Model: name,
		Chains: cfg.Sampler.Chains, Iterations: cfg.Sampler.Iterations})
	log.Infof("run started: %d chains x %d iterations", cfg.Sampler.Chains, cfg.Sampler.Iterations)

	start := time.Now()
	report, err := s.execute(ctx, id, cfg, log)
	elapsed := time.Since(start)
	if err != nil {
		tracing.RecordError(span, err)
		s.recordFailure(ctx, log, id, cfg, elapsed, err)
		return nil, err
	}
	report.Duration = elapsed
	span.SetAttributes(attribute.Float64("acceptance_rate", report.AcceptanceRate))

	if s.metrics != nil {
		s.metrics.RecordRun(name, store.StatusCompleted, elapsed)
	}
	if err := s.save(ctx, id, cfg, store.StatusCompleted, report, elapsed, nil); err != nil {
		tracing.RecordError(span, err)
		return nil, fmt.Errorf("persist run: %w", err)
	}
	s.publish(ctx, log, events.Event{Type: events.TypeRunCompleted, RunID: id, Model: name,
		Chains: report.Chains, Iterations: report.Iterations, AcceptanceRate: report.AcceptanceRate})
	log.Infof("run completed in %s: acceptance %.3f", elapsed.Round(time.Millisecond), report.AcceptanceRate)
	return report, nil
}

func (s *Service) execute(ctx context.Context, id string, cfg config.RunConfig, log logging.Logger) (*Report, error) {
	target, err := s.registry.Build(cfg.Model, cfg.Data)
	if err != nil {
		return nil, err
	}
	proposal, err := BuildProposal(cfg.Sampler)
	if err != nil {
		return nil, err
	}

	var opts []multichain.Option
	if s.metrics != nil {
		opts = append(opts, multichain.WithObserver(s.metrics.ChainObserver(cfg.Model.Name)))
	}
	initial := StartingPoints(cfg.Sampler)
	result, err := multichain.NewRunner(log, opts...).Run(ctx, multichain.Config{
		Target:      target,
		Proposal:    proposal,
		Initial:     initial,
		Seed:        cfg.Sampler.Seed,
		Iterations:  cfg.Sampler.Iterations,
		BurnIn:      cfg.Sampler.BurnIn,
		Tune:        cfg.Sampler.Tune,
		TuneOptions: tuneOptions(cfg.Sampler),
		Workers:     cfg.Sampler.Workers,
	})
	if err != nil {
		return nil, err
	}

	kept := result.Retained(cfg.Sampler.Discard, cfg.Sampler.Thin)
	report := &Report{
		ID:             id,
		Model:          cfg.Model.Name,
		Chains:         len(result.Chains),
		Iterations:     cfg.Sampler.Iterations,
		Samples:        len(kept.Flat()),
		AcceptanceRate: result.AcceptanceRate(),
		Result:         result,
	}
	for _, c := range result.Chains {
		report.ChainRates = append(report.ChainRates, c.AcceptanceRate)
		report.ScaleFactors = append(report.ScaleFactors, c.ScaleFactor)
	}
	report.Parameters = summarize(kept, target.Dim(), log)

	if dir := cfg.Output.TraceDir; dir != "" {
		report.TraceDir = filepath.Join(dir, id)
		if err := writeTrace(report.TraceDir, result); err != nil {
			return nil, fmt.Errorf("write trace: %w", err)
		}
	}
	return report, nil
}

func tuneOptions(s config.SamplerConfig) mcmc.TuneOptions {
	return mcmc.TuneOptions{Batches: s.TuneBatches}
}

// summarize computes per-parameter diagnostics. Statistics that need more
// samples or chains than available are NaN.
func summarize(result *multichain.Result, dim int, log logging.Logger) []store.Parameter {
	sums, err := diag.SummarizeAll(result.Flat())
	if err != nil {
		log.Warnf("summaries unavailable: %v", err)
	}

	params := make([]store.Parameter, dim)
	for j := range params {
		p := store.Parameter{
			Index: j, Mean: math.NaN(), StdDev: math.NaN(),
			Q16: math.NaN(), Q50: math.NaN(), Q84: math.NaN(),
			RHat: math.NaN(), ESS: math.NaN(),
		}
		if j < len(sums) {
			sum := sums[j]
			p.Mean, p.StdDev, p.Q16, p.Q50, p.Q84 = sum.Mean, sum.StdDev, sum.Q16, sum.Q50, sum.Q84
		}

		cols := result.Columns(j)
		if r, err := diag.RHat(cols); err == nil {
			p.RHat = r
		}
		var ess float64
		ok := true
		for _, c := range cols {
			e, err := diag.EffectiveSampleSize(c)
			if err != nil {
				ok = false
				break
			}
			ess += e
		}
		if ok {
			p.ESS = ess
		}
		if p.RHat > 1.1 {
			log.Warnf("parameter %d has R-hat %.3f; chains may not have converged", j, p.RHat)
		}
		params[j] = p
	}
	return params
}

func writeTrace(dir string, result *multichain.Result) error {
	tl, err := tracelog.Open(tracelog.DefaultConfig(dir))
	if err != nil {
		return err
	}
	for _, c := range result.Chains {
		if _, err := tl.AppendChain(c.Index, c.Start, c.Chain); err != nil {
			_ = tl.Close()
			return err
		}
	}
	return tl.Close()
}

func (s *Service) recordFailure(ctx context.Context, log logging.Logger, id string, cfg config.RunConfig, elapsed time.Duration, runErr error) {
	log.Errorf("run failed after %s: %v", elapsed.Round(time.Millisecond), runErr)
	if s.metrics != nil {
		s.metrics.RecordRun(cfg.Model.Name, store.StatusFailed, elapsed)
	}
	// The caller's context may be what failed; bookkeeping still goes out.
	bg := context.WithoutCancel(ctx)
	if err := s.save(bg, id, cfg, store.StatusFailed, nil, elapsed, runErr); err != nil {
		log.Errorf("persist failed run: %v", err)
	}
	s.publish(bg, log, events.Event{Type: events.TypeRunFailed, RunID: id, Model: cfg.Model.Name, Error: runErr.Error()})
}

func (s *Service) save(ctx context.Context, id string, cfg config.RunConfig, status string, report *Report, elapsed time.Duration, runErr error) error {
	if s.runs == nil {
		return nil
	}
	raw, err := json.Marshal(cfg.Spec())
	if err != nil {
		return err
	}
	rec := &store.Run{
		ID:         id,
		Model:      cfg.Model.Name,
		Status:     status,
		Chains:     cfg.Sampler.Chains,
		Iterations: cfg.Sampler.Iterations,
		Duration:   elapsed,
		Config:     string(raw),
	}
	if report != nil {
		rec.AcceptanceRate = report.AcceptanceRate
		rec.Parameters = report.Parameters
	}
	if runErr != nil {
		rec.Error = runErr.Error()
	}
	return s.runs.Save(ctx, rec)
}

func (s *Service) publish(ctx context.Context, log logging.Logger, e events.Event) {
	if err := s.publisher.Publish(ctx, e); err != nil && !errors.Is(err, context.Canceled) {
		log.Warnf("publish %s: %v", e.Type, err)
	}
}
