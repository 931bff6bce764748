package mcmc

import "errors"

var (
	// ErrDimension is returned when the initial vector, the target and the
	// proposal disagree on the parameter dimension.
	ErrDimension = errors.New("mcmc: dimension mismatch")

	// ErrNaN is returned when a log-density evaluates to NaN.
	ErrNaN = errors.New("mcmc: log-density is NaN")

	// ErrInvalidConfig is returned for missing or malformed sampler settings.
	ErrInvalidConfig = errors.New("mcmc: invalid configuration")
)
