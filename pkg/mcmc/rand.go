package mcmc

import "math/rand/v2"

// NewRand returns a generator seeded deterministically from seed. Each chain
// must own its generator; *rand.Rand is not safe for concurrent use.
func NewRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// openUnit draws from the open interval (0, 1).
func openUnit(rng *rand.Rand) float64 {
	for {
		if r := rng.Float64(); r > 0 {
			return r
		}
	}
}
