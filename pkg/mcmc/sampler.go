package mcmc

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
)

// ctxCheckInterval is how many steps Run takes between context checks.
const ctxCheckInterval = 256

// Config holds the settings of a single chain.
type Config struct {
	// Initial is the starting guess θ0. It is copied.
	Initial []float64
	// Proposal generates candidates around the current state.
	Proposal Proposal
	// Rand is owned by the sampler from here on. Use NewRand(seed).
	Rand *rand.Rand
}

// Transition describes the outcome of one Step.
type Transition struct {
	Iteration   int
	Proposed    []float64
	LogCurrent  float64
	LogProposed float64
	// LogRatio is log a = LogProposed - LogCurrent, with the infeasible
	// cases pinned to ±Inf.
	LogRatio float64
	// U is the uniform draw compared against the ratio, or NaN when the
	// decision did not need one.
	U        float64
	Accepted bool
}

// Sampler runs a Metropolis chain. It is not safe for concurrent use; run
// one Sampler per goroutine.
type Sampler struct {
	target   Target
	proposal Proposal
	rng      *rand.Rand

	current  []float64
	proposed []float64
	logp     float64

	chain *Chain
}

// New validates cfg against target and evaluates the starting point. An
// infeasible start (-Inf) is allowed; a NaN start is not.
func New(target Target, cfg Config) (*Sampler, error) {
	if target == nil {
		return nil, fmt.Errorf("%w: target is nil", ErrInvalidConfig)
	}
	if cfg.Proposal == nil {
		return nil, fmt.Errorf("%w: proposal is nil", ErrInvalidConfig)
	}
	if cfg.Rand == nil {
		return nil, fmt.Errorf("%w: random generator is nil", ErrInvalidConfig)
	}
	dim := target.Dim()
	if dim <= 0 {
		return nil, fmt.Errorf("%w: target dimension %d", ErrDimension, dim)
	}
	if len(cfg.Initial) != dim {
		return nil, fmt.Errorf("%w: initial vector has %d parameters, target expects %d", ErrDimension, len(cfg.Initial), dim)
	}
	if err := checkProposal(cfg.Proposal, dim); err != nil {
		return nil, err
	}

	s := &Sampler{
		target:   target,
		proposal: cfg.Proposal,
		rng:      cfg.Rand,
		current:  append([]float64(nil), cfg.Initial...),
		proposed: make([]float64, dim),
		chain:    NewChain(dim),
	}
	s.logp = target.LogProb(s.current)
	if math.IsNaN(s.logp) {
		return nil, fmt.Errorf("%w: at initial vector %v", ErrNaN, s.current)
	}
	return s, nil
}

func checkProposal(p Proposal, dim int) error {
	if pd := p.Dim(); pd != 0 && pd != dim {
		return fmt.Errorf("%w: proposal has dimension %d, target expects %d", ErrDimension, pd, dim)
	}
	if v, ok := p.(validator); ok {
		return v.validate()
	}
	return nil
}

// Step proposes one candidate and records the resulting state.
// A NaN log-density at the candidate fails the step and leaves the chain
// untouched.
func (s *Sampler) Step() (Transition, error) {
	t, err := s.step()
	t.Proposed = append([]float64(nil), s.proposed...)
	return t, err
}

func (s *Sampler) step() (Transition, error) {
	s.proposal.Propose(s.proposed, s.current, s.rng)
	lp := s.target.LogProb(s.proposed)

	t := Transition{
		Iteration:   s.chain.Len(),
		LogCurrent:  s.logp,
		LogProposed: lp,
		U:           math.NaN(),
	}
	if math.IsNaN(lp) {
		t.LogRatio = math.NaN()
		return t, fmt.Errorf("%w: at proposal %v (iteration %d)", ErrNaN, s.proposed, t.Iteration)
	}

	t.LogRatio, t.U, t.Accepted = decide(s.logp, lp, s.rng)
	if t.Accepted {
		copy(s.current, s.proposed)
		s.logp = lp
	}
	s.chain.push(s.current, t.Accepted)
	return t, nil
}

// decide applies the Metropolis rule in log space.
//
// A -Inf candidate is always rejected, including when the current state is
// also -Inf: the chain never moves between infeasible points. A feasible
// candidate from an infeasible state is always accepted.
func decide(logCur, logProp float64, rng *rand.Rand) (logA, u float64, accept bool) {
	u = math.NaN()
	switch {
	case math.IsInf(logProp, -1):
		return math.Inf(-1), u, false
	case math.IsInf(logCur, -1):
		return math.Inf(1), u, true
	}
	logA = logProp - logCur
	if math.IsNaN(logA) {
		// +Inf against +Inf.
		return logA, u, false
	}
	if logA >= 0 {
		return logA, u, true
	}
	u = openUnit(rng)
	return logA, u, math.Log(u) < logA
}

// Run takes exactly k steps. k <= 0 is a no-op. Cancelling ctx stops the
// chain early with ctx.Err(); the steps already taken stay recorded.
func (s *Sampler) Run(ctx context.Context, k int) error {
	for i := 0; i < k; i++ {
		if i%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if _, err := s.step(); err != nil {
			return err
		}
	}
	return nil
}

// Reset discards the recorded chain and counters. The current state and its
// cached log-density are kept, so sampling resumes where it stopped.
func (s *Sampler) Reset() {
	s.chain.Reset()
}

// SetProposal swaps the proposal, e.g. after tuning.
func (s *Sampler) SetProposal(p Proposal) error {
	if p == nil {
		return fmt.Errorf("%w: proposal is nil", ErrInvalidConfig)
	}
	if err := checkProposal(p, len(s.current)); err != nil {
		return err
	}
	s.proposal = p
	return nil
}

// Proposal returns the proposal in use.
func (s *Sampler) Proposal() Proposal { return s.proposal }

// Current returns a copy of the current state.
func (s *Sampler) Current() []float64 {
	return append([]float64(nil), s.current...)
}

// LogProb returns the cached log-density of the current state.
func (s *Sampler) LogProb() float64 { return s.logp }

// Chain returns the chain recorded since creation or the last Reset.
func (s *Sampler) Chain() *Chain { return s.chain }

// Iterations returns the number of steps since creation or the last Reset.
func (s *Sampler) Iterations() int { return s.chain.Len() }

// Accepted returns the number of accepted proposals since the last Reset.
func (s *Sampler) Accepted() int { return s.chain.Accepted() }

// AcceptanceRate returns Accepted/Iterations, 0 before the first step.
func (s *Sampler) AcceptanceRate() float64 { return s.chain.AcceptanceRate() }
