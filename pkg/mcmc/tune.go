package mcmc

import (
	"context"
	"fmt"
)

// TuneOptions controls adaptive step-size tuning during burn-in.
type TuneOptions struct {
	Batches   int     // number of tuning batches (default 20)
	BatchSize int     // steps per batch (default 100)
	MinRate   float64 // lower edge of the target acceptance band (default 0.2)
	MaxRate   float64 // upper edge of the target acceptance band (default 0.5)
	Factor    float64 // multiplicative adjustment per batch, > 1 (default 1.5)
}

func (o TuneOptions) withDefaults() TuneOptions {
	if o.Batches <= 0 {
		o.Batches = 20
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.MinRate <= 0 && o.MaxRate <= 0 {
		o.MinRate, o.MaxRate = 0.2, 0.5
	}
	if o.Factor <= 1 {
		o.Factor = 1.5
	}
	return o
}

// Tune runs burn-in batches and rescales the sampler's proposal after each
// batch whose acceptance rate falls outside [MinRate, MaxRate]. The chain is
// reset afterwards, so production sampling starts from the last burn-in
// state. It returns the cumulative scale factor applied.
//
// The proposal must implement Scaler. Tuning breaks detailed balance, so
// the tuned samples are discarded.
func Tune(ctx context.Context, s *Sampler, opts TuneOptions) (float64, error) {
	opts = opts.withDefaults()
	if opts.MinRate >= opts.MaxRate || opts.MaxRate > 1 {
		return 1, fmt.Errorf("%w: acceptance band [%v, %v]", ErrInvalidConfig, opts.MinRate, opts.MaxRate)
	}
	if _, ok := s.proposal.(Scaler); !ok {
		return 1, fmt.Errorf("%w: proposal %T cannot be rescaled", ErrInvalidConfig, s.proposal)
	}

	total := 1.0
	defer s.Reset()
	for b := 0; b < opts.Batches; b++ {
		s.Reset()
		if err := s.Run(ctx, opts.BatchSize); err != nil {
			return total, err
		}
		rate := s.AcceptanceRate()

		f := 1.0
		switch {
		case rate < opts.MinRate/4:
			f = 1 / (opts.Factor * opts.Factor)
		case rate < opts.MinRate:
			f = 1 / opts.Factor
		case rate > opts.MaxRate+(1-opts.MaxRate)/2:
			f = opts.Factor * opts.Factor
		case rate > opts.MaxRate:
			f = opts.Factor
		}
		if f == 1 {
			continue
		}
		sc, ok := s.proposal.(Scaler)
		if !ok {
			return total, fmt.Errorf("%w: proposal %T cannot be rescaled", ErrInvalidConfig, s.proposal)
		}
		s.proposal = sc.Rescaled(f)
		total *= f
	}
	return total, nil
}
