package mcmc

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
)

// Proposal draws a candidate state from a distribution centred on the
// current state. Implementations must be symmetric, q(x'|x) == q(x|x'),
// which is what lets the sampler use the plain posterior ratio.
//
// Proposals are immutable once built and may be shared between chains; the
// generator passed to Propose is the only mutable state involved.
type Proposal interface {
	// Dim returns the dimension the proposal was built for, or 0 when it
	// applies to any dimension.
	Dim() int
	// Propose writes the candidate for cur into dst. len(dst) == len(cur).
	Propose(dst, cur []float64, rng *rand.Rand)
}

// Scaler is implemented by proposals whose step size can be multiplied by
// a factor. Rescaled returns a new proposal and leaves the receiver as is.
type Scaler interface {
	Proposal
	Rescaled(factor float64) Proposal
}

// Gaussian perturbs each coordinate independently with N(0, scale_i²).
type Gaussian struct {
	scales []float64
}

// NewIsotropic returns a Gaussian proposal using the same standard deviation
// for every coordinate, whatever the dimension.
func NewIsotropic(scale float64) *Gaussian {
	return &Gaussian{scales: []float64{scale}}
}

// NewGaussian returns a Gaussian proposal with one standard deviation per
// coordinate.
func NewGaussian(scales []float64) (*Gaussian, error) {
	if len(scales) == 0 {
		return nil, fmt.Errorf("%w: gaussian proposal needs at least one scale", ErrInvalidConfig)
	}
	for i, s := range scales {
		if !(s > 0) || math.IsInf(s, 0) {
			return nil, fmt.Errorf("%w: scale[%d] = %v must be positive and finite", ErrInvalidConfig, i, s)
		}
	}
	return &Gaussian{scales: append([]float64(nil), scales...)}, nil
}

// Dim implements Proposal.
func (g *Gaussian) Dim() int {
	if len(g.scales) == 1 {
		return 0
	}
	return len(g.scales)
}

// Propose implements Proposal.
func (g *Gaussian) Propose(dst, cur []float64, rng *rand.Rand) {
	for i := range cur {
		dst[i] = cur[i] + rng.NormFloat64()*g.scale(i)
	}
}

func (g *Gaussian) scale(i int) float64 {
	if len(g.scales) == 1 {
		return g.scales[0]
	}
	return g.scales[i]
}

// Scales returns a copy of the per-coordinate standard deviations.
func (g *Gaussian) Scales() []float64 {
	return append([]float64(nil), g.scales...)
}

// Rescaled implements Scaler.
func (g *Gaussian) Rescaled(factor float64) Proposal {
	out := make([]float64, len(g.scales))
	for i, s := range g.scales {
		out[i] = s * factor
	}
	return &Gaussian{scales: out}
}

// Correlated perturbs the state with a multivariate normal N(0, Σ). Draws
// are produced as L·z where L is the lower Cholesky factor of Σ.
type Correlated struct {
	n     int
	lower []float64 // row-major n×n, upper triangle zero
}

// NewCorrelated factorises the covariance matrix cov, which must be square,
// symmetric and positive definite.
func NewCorrelated(cov [][]float64) (*Correlated, error) {
	n := len(cov)
	if n == 0 {
		return nil, fmt.Errorf("%w: empty covariance", ErrInvalidConfig)
	}
	sym := mat.NewSymDense(n, nil)
	for i, row := range cov {
		if len(row) != n {
			return nil, fmt.Errorf("%w: covariance row %d has %d columns, want %d", ErrInvalidConfig, i, len(row), n)
		}
		for j := i; j < n; j++ {
			if math.Abs(row[j]-cov[j][i]) > 1e-12*math.Max(1, math.Abs(row[j])) {
				return nil, fmt.Errorf("%w: covariance is not symmetric at (%d,%d)", ErrInvalidConfig, i, j)
			}
			sym.SetSym(i, j, row[j])
		}
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(sym); !ok {
		return nil, fmt.Errorf("%w: covariance is not positive definite", ErrInvalidConfig)
	}
	var l mat.TriDense
	chol.LTo(&l)

	c := &Correlated{n: n, lower: make([]float64, n*n)}
	for i := 0; i < n; i++ {
		for j := 0; j <= i; j++ {
			c.lower[i*n+j] = l.At(i, j)
		}
	}
	return c, nil
}

// Dim implements Proposal.
func (c *Correlated) Dim() int { return c.n }

// Propose implements Proposal.
func (c *Correlated) Propose(dst, cur []float64, rng *rand.Rand) {
	z := make([]float64, c.n)
	for i := range z {
		z[i] = rng.NormFloat64()
	}
	for i := 0; i < c.n; i++ {
		var step float64
		row := c.lower[i*c.n : i*c.n+i+1]
		for j, lij := range row {
			step += lij * z[j]
		}
		dst[i] = cur[i] + step
	}
}

// Rescaled implements Scaler. The covariance is multiplied by factor².
func (c *Correlated) Rescaled(factor float64) Proposal {
	out := &Correlated{n: c.n, lower: make([]float64, len(c.lower))}
	for i, v := range c.lower {
		out.lower[i] = v * factor
	}
	return out
}

// Uniform perturbs each coordinate by U(-w/2, w/2).
type Uniform struct {
	widths []float64
}

// NewUniform returns a box proposal. A single width applies to every
// coordinate.
func NewUniform(widths ...float64) (*Uniform, error) {
	if len(widths) == 0 {
		return nil, fmt.Errorf("%w: uniform proposal needs at least one width", ErrInvalidConfig)
	}
	for i, w := range widths {
		if !(w > 0) || math.IsInf(w, 0) {
			return nil, fmt.Errorf("%w: width[%d] = %v must be positive and finite", ErrInvalidConfig, i, w)
		}
	}
	return &Uniform{widths: append([]float64(nil), widths...)}, nil
}

// Dim implements Proposal.
func (u *Uniform) Dim() int {
	if len(u.widths) == 1 {
		return 0
	}
	return len(u.widths)
}

// Propose implements Proposal.
func (u *Uniform) Propose(dst, cur []float64, rng *rand.Rand) {
	for i := range cur {
		w := u.widths[0]
		if len(u.widths) > 1 {
			w = u.widths[i]
		}
		dst[i] = cur[i] + (rng.Float64()-0.5)*w
	}
}

// Rescaled implements Scaler.
func (u *Uniform) Rescaled(factor float64) Proposal {
	out := make([]float64, len(u.widths))
	for i, w := range u.widths {
		out[i] = w * factor
	}
	return &Uniform{widths: out}
}

var (
	_ Scaler = (*Gaussian)(nil)
	_ Scaler = (*Correlated)(nil)
	_ Scaler = (*Uniform)(nil)
)

// validator is implemented by proposals that can be built without error
// checking (NewIsotropic, zero values) and must be checked before sampling.
type validator interface {
	validate() error
}

func (g *Gaussian) validate() error {
	if len(g.scales) == 0 {
		return fmt.Errorf("%w: gaussian proposal has no scales", ErrInvalidConfig)
	}
	for i, s := range g.scales {
		if !(s > 0) || math.IsInf(s, 0) {
			return fmt.Errorf("%w: scale[%d] = %v must be positive and finite", ErrInvalidConfig, i, s)
		}
	}
	return nil
}

func (u *Uniform) validate() error {
	if len(u.widths) == 0 {
		return fmt.Errorf("%w: uniform proposal has no widths", ErrInvalidConfig)
	}
	for i, w := range u.widths {
		if !(w > 0) || math.IsInf(w, 0) {
			return fmt.Errorf("%w: width[%d] = %v must be positive and finite", ErrInvalidConfig, i, w)
		}
	}
	return nil
}

func (c *Correlated) validate() error {
	if c.n == 0 || len(c.lower) != c.n*c.n {
		return fmt.Errorf("%w: correlated proposal has no covariance", ErrInvalidConfig)
	}
	return nil
}
