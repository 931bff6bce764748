// Package model holds the probability models the sampler service can run:
// a product of independent normals, and straight-line fits to data with
// known uncertainties, optionally with an intrinsic scatter term.
//
// Every model satisfies mcmc.Model for its data type and is turned into an
// mcmc.Target with mcmc.Bind or through a Registry.
package model
