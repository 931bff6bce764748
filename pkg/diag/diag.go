// Package diag computes post-hoc diagnostics of recorded chains: marginal
// summaries, autocorrelation, effective sample size and the Gelman-Rubin
// statistic. Nothing here feeds back into sampling.
package diag

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/stat"
)

// ErrTooShort is returned when a series has too few samples.
var ErrTooShort = errors.New("diag: series too short")

// Summary describes the marginal distribution of one parameter. Q16, Q50
// and Q84 bracket the central 68% interval.
type Summary struct {
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	Q16    float64 `json:"q16"`
	Q50    float64 `json:"q50"`
	Q84    float64 `json:"q84"`
}

// Summarize returns the summary of x. x is not modified.
func Summarize(x []float64) (Summary, error) {
	if len(x) < 2 {
		return Summary{}, fmt.Errorf("%w: %d samples", ErrTooShort, len(x))
	}
	mean, std := stat.MeanStdDev(x, nil)
	sorted := append([]float64(nil), x...)
	sort.Float64s(sorted)
	return Summary{
		Mean:   mean,
		StdDev: std,
		Q16:    stat.Quantile(0.16, stat.Empirical, sorted, nil),
		Q50:    stat.Quantile(0.50, stat.Empirical, sorted, nil),
		Q84:    stat.Quantile(0.84, stat.Empirical, sorted, nil),
	}, nil
}

// SummarizeAll summarises every column of samples.
func SummarizeAll(samples [][]float64) ([]Summary, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: no samples", ErrTooShort)
	}
	dim := len(samples[0])
	out := make([]Summary, dim)
	col := make([]float64, len(samples))
	for j := 0; j < dim; j++ {
		for i, s := range samples {
			col[i] = s[j]
		}
		s, err := Summarize(col)
		if err != nil {
			return nil, fmt.Errorf("parameter %d: %w", j, err)
		}
		out[j] = s
	}
	return out, nil
}

// Autocorrelation returns the normalised autocorrelation of x for lags
// 0..len(x)-1, computed by FFT. A constant series has ρ(0) = 1 and zero
// elsewhere.
func Autocorrelation(x []float64) []float64 {
	n := len(x)
	if n == 0 {
		return nil
	}
	mean := stat.Mean(x, nil)

	// Zero padding to at least 2n avoids circular wrap-around.
	m := 1
	for m < 2*n {
		m <<= 1
	}
	seq := make([]float64, m)
	for i, v := range x {
		seq[i] = v - mean
	}
	fft := fourier.NewFFT(m)
	coeff := fft.Coefficients(nil, seq)
	for i, c := range coeff {
		coeff[i] = complex(real(c)*real(c)+imag(c)*imag(c), 0)
	}
	acov := fft.Sequence(nil, coeff)

	acf := make([]float64, n)
	if acov[0] <= 0 {
		acf[0] = 1
		return acf
	}
	for k := range acf {
		acf[k] = acov[k] / acov[0]
	}
	return acf
}

// windowFactor is Sokal's c: the summation window M is the smallest lag
// with M >= c·τ(M).
const windowFactor = 5

// IntegratedTime estimates the integrated autocorrelation time
// τ = 1 + 2 Σ ρ(k) with automatic windowing.
func IntegratedTime(x []float64) (float64, error) {
	if len(x) < 2 {
		return 0, fmt.Errorf("%w: %d samples", ErrTooShort, len(x))
	}
	acf := Autocorrelation(x)
	tau := 1.0
	for m := 1; m < len(acf); m++ {
		tau += 2 * acf[m]
		if float64(m) >= windowFactor*tau {
			break
		}
	}
	return math.Max(tau, 1e-12), nil
}

// EffectiveSampleSize is len(x) divided by the integrated time.
func EffectiveSampleSize(x []float64) (float64, error) {
	tau, err := IntegratedTime(x)
	if err != nil {
		return 0, err
	}
	return float64(len(x)) / tau, nil
}

// RHat is the Gelman-Rubin potential scale reduction factor over chains of
// one parameter. Chains are truncated to the shortest. Values near 1 mean
// the chains agree.
func RHat(chains [][]float64) (float64, error) {
	if len(chains) < 2 {
		return 0, fmt.Errorf("%w: need at least 2 chains, got %d", ErrTooShort, len(chains))
	}
	n := len(chains[0])
	for _, c := range chains[1:] {
		n = min(n, len(c))
	}
	if n < 2 {
		return 0, fmt.Errorf("%w: chains of %d samples", ErrTooShort, n)
	}

	means := make([]float64, len(chains))
	var w float64
	for i, c := range chains {
		mean, v := stat.MeanVariance(c[:n], nil)
		means[i] = mean
		w += v
	}
	w /= float64(len(chains))
	b := float64(n) * stat.Variance(means, nil)
	if w == 0 {
		if b == 0 {
			return 1, nil
		}
		return math.Inf(1), nil
	}
	varHat := float64(n-1)/float64(n)*w + b/float64(n)
	return math.Sqrt(varHat / w), nil
}

// Discard drops the first n samples.
func Discard(samples [][]float64, n int) [][]float64 {
	if n >= len(samples) {
		return nil
	}
	if n < 0 {
		n = 0
	}
	return samples[n:]
}

// Thin keeps every k-th sample starting with the first.
func Thin(samples [][]float64, k int) [][]float64 {
	if k <= 1 {
		return samples
	}
	out := make([][]float64, 0, (len(samples)+k-1)/k)
	for i := 0; i < len(samples); i += k {
		out = append(out, samples[i])
	}
	return out
}
