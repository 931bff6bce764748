package run

import (
	"fmt"

	"github.com/fluxorio/metropolis/pkg/config"
	"github.com/fluxorio/metropolis/pkg/mcmc"
)

// jitterSeedMix separates the start-point generator from the chain
// generators, which use Seed+i.
const jitterSeedMix = 0x5deece66d

// BuildProposal constructs the proposal named in the sampler section.
func BuildProposal(s config.SamplerConfig) (mcmc.Proposal, error) {
	var (
		p   mcmc.Proposal
		err error
	)
	switch s.Proposal {
	case "", "gaussian":
		p, err = mcmc.NewGaussian(s.Scale)
	case "correlated":
		p, err = mcmc.NewCorrelated(s.Covariance)
	case "uniform":
		p, err = mcmc.NewUniform(s.Scale...)
	default:
		err = fmt.Errorf("%w: unknown proposal %q", mcmc.ErrInvalidConfig, s.Proposal)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// StartingPoints returns one initial vector per chain. Chain 0 starts at
// s.Initial; the others add independent N(0, Jitter²) noise per
// coordinate, drawn from a generator derived from s.Seed.
func StartingPoints(s config.SamplerConfig) [][]float64 {
	rng := mcmc.NewRand(s.Seed ^ jitterSeedMix)
	out := make([][]float64, s.Chains)
	for i := range out {
		theta := append([]float64(nil), s.Initial...)
		if i > 0 && s.Jitter > 0 {
			for j := range theta {
				theta[j] += s.Jitter * rng.NormFloat64()
			}
		}
		out[i] = theta
	}
	return out
}
