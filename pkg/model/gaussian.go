package model

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

// None is the data type of models without observations.
type None struct{}

// Gaussian is a product of independent normal densities with a flat prior.
type Gaussian struct {
	dists []distuv.Normal
}

// NewGaussian builds the density from per-dimension means and standard
// deviations. A single standard deviation is shared by every dimension.
func NewGaussian(mean, stdDev []float64) (*Gaussian, error) {
	if len(mean) == 0 {
		return nil, fmt.Errorf("gaussian: mean is empty")
	}
	if len(stdDev) != 1 && len(stdDev) != len(mean) {
		return nil, fmt.Errorf("gaussian: need 1 or %d standard deviations, got %d", len(mean), len(stdDev))
	}
	g := &Gaussian{dists: make([]distuv.Normal, len(mean))}
	for i, mu := range mean {
		sigma := stdDev[0]
		if len(stdDev) > 1 {
			sigma = stdDev[i]
		}
		if !(sigma > 0) || math.IsInf(sigma, 0) || math.IsNaN(mu) || math.IsInf(mu, 0) {
			return nil, fmt.Errorf("gaussian: invalid parameters at %d: mean %v, std dev %v", i, mu, sigma)
		}
		g.dists[i] = distuv.Normal{Mu: mu, Sigma: sigma}
	}
	return g, nil
}

// Dim returns the number of dimensions.
func (g *Gaussian) Dim() int { return len(g.dists) }

// LogPrior is flat.
func (g *Gaussian) LogPrior([]float64) float64 { return 0 }

// LogLikelihood returns the summed normal log-density of theta.
func (g *Gaussian) LogLikelihood(theta []float64, _ None) float64 {
	var lp float64
	for i, d := range g.dists {
		lp += d.LogProb(theta[i])
	}
	return lp
}
