package model

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

// Line fits y = m*x + b to a Dataset with known Gaussian uncertainties.
// theta is [m, b].
type Line struct {
	prior Bounds
}

// NewLine returns a line model with a uniform prior on (m, b).
func NewLine(prior Bounds) (*Line, error) {
	if prior.Dim() != 2 {
		return nil, fmt.Errorf("line: prior needs 2 bounds, got %d", prior.Dim())
	}
	return &Line{prior: prior}, nil
}

// Dim returns 2.
func (l *Line) Dim() int { return 2 }

// LogPrior implements mcmc.Model.
func (l *Line) LogPrior(theta []float64) float64 { return l.prior.LogPrior(theta) }

// LogLikelihood implements mcmc.Model.
func (l *Line) LogLikelihood(theta []float64, data Dataset) float64 {
	m, b := theta[0], theta[1]
	var lp float64
	for i, x := range data.X {
		lp += distuv.Normal{Mu: m*x + b, Sigma: data.YErr[i]}.LogProb(data.Y[i])
	}
	return lp
}

// ScatterLine is Line with an extra intrinsic scatter s added in
// quadrature to each point's uncertainty. theta is [m, b, s]; s has a
// Jeffreys prior, proportional to 1/s for s > 0.
type ScatterLine struct {
	prior Bounds
}

// NewScatterLine returns a scatter model with a uniform prior on (m, b).
func NewScatterLine(prior Bounds) (*ScatterLine, error) {
	if prior.Dim() != 2 {
		return nil, fmt.Errorf("line-scatter: prior needs 2 bounds, got %d", prior.Dim())
	}
	return &ScatterLine{prior: prior}, nil
}

// Dim returns 3.
func (l *ScatterLine) Dim() int { return 3 }

// LogPrior implements mcmc.Model.
func (l *ScatterLine) LogPrior(theta []float64) float64 {
	s := theta[2]
	if !(s > 0) || math.IsInf(s, 1) {
		return math.Inf(-1)
	}
	lp := l.prior.LogPrior(theta)
	if math.IsInf(lp, -1) {
		return lp
	}
	return lp - math.Log(s)
}

// LogLikelihood implements mcmc.Model.
func (l *ScatterLine) LogLikelihood(theta []float64, data Dataset) float64 {
	m, b, s := theta[0], theta[1], theta[2]
	var lp float64
	for i, x := range data.X {
		sigma := math.Hypot(data.YErr[i], s)
		lp += distuv.Normal{Mu: m*x + b, Sigma: sigma}.LogProb(data.Y[i])
	}
	return lp
}
