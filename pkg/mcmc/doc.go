// Package mcmc implements a single-chain Metropolis sampler.
//
// A Sampler drives one Markov chain over a Target log-density using a
// symmetric Proposal. Every chain owns its own generator (see NewRand), so
// independent chains can run concurrently without sharing state.
//
//	target := mcmc.Bind(model, data)
//	s, err := mcmc.New(target, mcmc.Config{
//		Initial:  []float64{0},
//		Proposal: mcmc.NewIsotropic(0.5),
//		Rand:     mcmc.NewRand(42),
//	})
//	if err != nil {
//		return err
//	}
//	_ = s.Run(ctx, 1000) // burn-in
//	s.Reset()
//	_ = s.Run(ctx, 5000)
//	samples := s.Chain().Samples()
package mcmc
