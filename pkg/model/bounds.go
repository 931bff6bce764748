package model

import (
	"fmt"
	"math"
)

// Bounds is a uniform box prior: 0 inside the closed box, -Inf outside.
type Bounds struct {
	Lower []float64
	Upper []float64
}

// NewBounds checks that lower and upper have the same length and that
// every interval is non-empty.
func NewBounds(lower, upper []float64) (Bounds, error) {
	if len(lower) != len(upper) {
		return Bounds{}, fmt.Errorf("bounds: %d lower and %d upper limits", len(lower), len(upper))
	}
	for i := range lower {
		if math.IsNaN(lower[i]) || math.IsNaN(upper[i]) || lower[i] >= upper[i] {
			return Bounds{}, fmt.Errorf("bounds: empty interval [%v, %v] at %d", lower[i], upper[i], i)
		}
	}
	return Bounds{
		Lower: append([]float64(nil), lower...),
		Upper: append([]float64(nil), upper...),
	}, nil
}

// Dim returns the number of bounded coordinates.
func (b Bounds) Dim() int { return len(b.Lower) }

// LogPrior checks the leading Dim() coordinates of theta.
func (b Bounds) LogPrior(theta []float64) float64 {
	for i := range b.Lower {
		if !(theta[i] >= b.Lower[i] && theta[i] <= b.Upper[i]) {
			return math.Inf(-1)
		}
	}
	return 0
}
