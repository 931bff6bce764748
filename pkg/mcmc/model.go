package mcmc

import "math"

// Model supplies the log-prior and log-likelihood of a parameter vector for
// observations of type D. Implementations must be pure: the same theta and
// data always yield the same values, and neither argument is modified.
//
// Returning math.Inf(-1) marks theta as infeasible. NaN is never a valid
// result.
type Model[D any] interface {
	// Dim returns the parameter dimension the model expects.
	Dim() int
	// LogPrior returns log p(theta) up to an additive constant.
	LogPrior(theta []float64) float64
	// LogLikelihood returns log p(data | theta) up to an additive constant.
	LogLikelihood(theta []float64, data D) float64
}

// LogPosterior returns LogPrior + LogLikelihood. The likelihood is not
// evaluated when the prior is -Inf or NaN.
func LogPosterior[D any](m Model[D], theta []float64, data D) float64 {
	lp := m.LogPrior(theta)
	if math.IsNaN(lp) || math.IsInf(lp, -1) {
		return lp
	}
	return lp + m.LogLikelihood(theta, data)
}

// Target is the log-density the sampler explores.
type Target interface {
	Dim() int
	LogProb(theta []float64) float64
}

// Bind fixes the observations of a model and returns its posterior as a
// Target. data is passed through untouched on every evaluation.
func Bind[D any](m Model[D], data D) Target {
	return &boundModel[D]{model: m, data: data}
}

type boundModel[D any] struct {
	model Model[D]
	data  D
}

func (b *boundModel[D]) Dim() int { return b.model.Dim() }

func (b *boundModel[D]) LogProb(theta []float64) float64 {
	return LogPosterior(b.model, theta, b.data)
}

// TargetFunc adapts a plain log-density function of known dimension.
type TargetFunc struct {
	N int
	F func(theta []float64) float64
}

// Dim implements Target.
func (t TargetFunc) Dim() int { return t.N }

// LogProb implements Target.
func (t TargetFunc) LogProb(theta []float64) float64 { return t.F(theta) }
