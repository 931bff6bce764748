package mcmc

import (
	"context"
	"errors"
	"math"
	"testing"
)

// gaussian1D returns the log-density of N(mu, sd²) up to a constant.
func gaussian1D(mu, sd float64) Target {
	return TargetFunc{N: 1, F: func(x []float64) float64 {
		z := (x[0] - mu) / sd
		return -0.5 * z * z
	}}
}

func newTestSampler(t *testing.T, target Target, initial []float64, scale float64, seed uint64) *Sampler {
	t.Helper()
	s, err := New(target, Config{
		Initial:  initial,
		Proposal: NewIsotropic(scale),
		Rand:     NewRand(seed),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func TestNew_Validation(t *testing.T) {
	target := gaussian1D(0, 1)
	rng := NewRand(1)

	tests := []struct {
		name    string
		target  Target
		cfg     Config
		wantErr error
	}{
		{
			name:    "nil target",
			cfg:     Config{Initial: []float64{0}, Proposal: NewIsotropic(1), Rand: rng},
			wantErr: ErrInvalidConfig,
		},
		{
			name:    "nil proposal",
			target:  target,
			cfg:     Config{Initial: []float64{0}, Rand: rng},
			wantErr: ErrInvalidConfig,
		},
		{
			name:    "nil rand",
			target:  target,
			cfg:     Config{Initial: []float64{0}, Proposal: NewIsotropic(1)},
			wantErr: ErrInvalidConfig,
		},
		{
			name:    "initial dimension mismatch",
			target:  target,
			cfg:     Config{Initial: []float64{0, 1}, Proposal: NewIsotropic(1), Rand: rng},
			wantErr: ErrDimension,
		},
		{
			name:    "empty initial",
			target:  target,
			cfg:     Config{Proposal: NewIsotropic(1), Rand: rng},
			wantErr: ErrDimension,
		},
		{
			name:    "proposal dimension mismatch",
			target:  target,
			cfg:     Config{Initial: []float64{0}, Proposal: &Gaussian{scales: []float64{1, 1}}, Rand: rng},
			wantErr: ErrDimension,
		},
		{
			name:    "non-positive scale",
			target:  target,
			cfg:     Config{Initial: []float64{0}, Proposal: NewIsotropic(0), Rand: rng},
			wantErr: ErrInvalidConfig,
		},
		{
			name:    "zero-value gaussian",
			target:  target,
			cfg:     Config{Initial: []float64{0}, Proposal: &Gaussian{}, Rand: rng},
			wantErr: ErrInvalidConfig,
		},
		{
			name:    "zero-value uniform",
			target:  target,
			cfg:     Config{Initial: []float64{0}, Proposal: &Uniform{}, Rand: rng},
			wantErr: ErrInvalidConfig,
		},
		{
			name:    "uniform with zero width",
			target:  target,
			cfg:     Config{Initial: []float64{0}, Proposal: &Uniform{widths: []float64{0}}, Rand: rng},
			wantErr: ErrInvalidConfig,
		},
		{
			name:    "zero-value correlated",
			target:  target,
			cfg:     Config{Initial: []float64{0}, Proposal: &Correlated{}, Rand: rng},
			wantErr: ErrInvalidConfig,
		},
		{
			name:    "NaN at start",
			target:  TargetFunc{N: 1, F: func([]float64) float64 { return math.NaN() }},
			cfg:     Config{Initial: []float64{0}, Proposal: NewIsotropic(1), Rand: rng},
			wantErr: ErrNaN,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.target, tt.cfg)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("New() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestNew_CopiesInitial(t *testing.T) {
	initial := []float64{3}
	s := newTestSampler(t, gaussian1D(0, 1), initial, 1, 1)
	initial[0] = 99
	if got := s.Current()[0]; got != 3 {
		t.Errorf("Current() = %v, want 3", got)
	}
}

func TestSampler_DecisionsMatchDraws(t *testing.T) {
	s := newTestSampler(t, gaussian1D(0, 1), []float64{0}, 2.0, 7)

	prev := s.Current()
	for i := 0; i < 2000; i++ {
		tr, err := s.Step()
		if err != nil {
			t.Fatalf("Step() error = %v", err)
		}
		if tr.Iteration != i {
			t.Fatalf("Iteration = %d, want %d", tr.Iteration, i)
		}
		if got := tr.LogProposed - tr.LogCurrent; math.Abs(got-tr.LogRatio) > 1e-12 {
			t.Fatalf("LogRatio = %v, want %v", tr.LogRatio, got)
		}

		drew := !math.IsNaN(tr.U)
		if drew && (tr.U <= 0 || tr.U >= 1) {
			t.Fatalf("U = %v outside (0,1)", tr.U)
		}
		switch {
		case tr.LogRatio >= 0:
			if drew || !tr.Accepted {
				t.Fatalf("step %d: log a = %v >= 0 must accept without a draw", i, tr.LogRatio)
			}
		default:
			if !drew {
				t.Fatalf("step %d: log a = %v < 0 needs a draw", i, tr.LogRatio)
			}
			if want := math.Log(tr.U) < tr.LogRatio; tr.Accepted != want {
				t.Fatalf("step %d: accepted = %v, want %v (log r = %v, log a = %v)", i, tr.Accepted, want, math.Log(tr.U), tr.LogRatio)
			}
		}

		got := s.Chain().At(i)
		want := prev
		if tr.Accepted {
			want = tr.Proposed
		}
		if got[0] != want[0] {
			t.Fatalf("chain[%d] = %v, want %v", i, got, want)
		}
		prev = append(prev[:0], got...)
	}
}

func TestSampler_RunLengthAndRate(t *testing.T) {
	for _, k := range []int{-5, 0, 1, 17, 1000} {
		s := newTestSampler(t, gaussian1D(0, 1), []float64{0}, 1, 3)
		if err := s.Run(context.Background(), k); err != nil {
			t.Fatalf("Run(%d) error = %v", k, err)
		}
		want := k
		if want < 0 {
			want = 0
		}
		if got := s.Chain().Len(); got != want {
			t.Errorf("Run(%d): Chain().Len() = %d, want %d", k, got, want)
		}
		if got := s.Iterations(); got != want {
			t.Errorf("Run(%d): Iterations() = %d, want %d", k, got, want)
		}
		if rate := s.AcceptanceRate(); rate < 0 || rate > 1 {
			t.Errorf("Run(%d): AcceptanceRate() = %v outside [0,1]", k, rate)
		}
	}
}

func TestSampler_InfeasibleStartNeverAccepts(t *testing.T) {
	nowhere := TargetFunc{N: 2, F: func([]float64) float64 { return math.Inf(-1) }}
	s, err := New(nowhere, Config{
		Initial:  []float64{1, 2},
		Proposal: NewIsotropic(1),
		Rand:     NewRand(11),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	for i := 0; i < 500; i++ {
		tr, err := s.Step()
		if err != nil {
			t.Fatalf("Step() error = %v", err)
		}
		if tr.Accepted {
			t.Fatalf("step %d accepted a move between infeasible points", i)
		}
		if !math.IsInf(tr.LogRatio, -1) {
			t.Fatalf("LogRatio = %v, want -Inf", tr.LogRatio)
		}
	}
	if s.Accepted() != 0 {
		t.Errorf("Accepted() = %d, want 0", s.Accepted())
	}
	for i := 0; i < s.Chain().Len(); i++ {
		if got := s.Chain().At(i); got[0] != 1 || got[1] != 2 {
			t.Fatalf("chain[%d] = %v, want [1 2]", i, got)
		}
	}
}

func TestSampler_LeavesInfeasibleStart(t *testing.T) {
	// Positive half-line only; start outside it.
	half := TargetFunc{N: 1, F: func(x []float64) float64 {
		if x[0] <= 0 {
			return math.Inf(-1)
		}
		return -x[0]
	}}
	s, err := New(half, Config{Initial: []float64{-0.1}, Proposal: NewIsotropic(1), Rand: NewRand(5)})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	for i := 0; i < 200; i++ {
		tr, err := s.Step()
		if err != nil {
			t.Fatalf("Step() error = %v", err)
		}
		if tr.Accepted {
			if math.IsInf(tr.LogCurrent, -1) && !math.IsInf(tr.LogRatio, 1) {
				t.Errorf("LogRatio = %v, want +Inf when leaving an infeasible state", tr.LogRatio)
			}
			if tr.Proposed[0] <= 0 {
				t.Fatalf("accepted infeasible proposal %v", tr.Proposed)
			}
		}
	}
	if s.Current()[0] <= 0 {
		t.Errorf("Current() = %v, chain never reached the feasible region", s.Current())
	}
}

func TestSampler_NaNFailsStep(t *testing.T) {
	target := TargetFunc{N: 1, F: func(x []float64) float64 {
		if x[0] > 0.5 {
			return math.NaN()
		}
		return 0
	}}
	s, err := New(target, Config{Initial: []float64{0}, Proposal: NewIsotropic(1), Rand: NewRand(9)})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	err = s.Run(context.Background(), 1000)
	if !errors.Is(err, ErrNaN) {
		t.Fatalf("Run() error = %v, want ErrNaN", err)
	}
	n := s.Chain().Len()
	if n >= 1000 {
		t.Fatalf("Chain().Len() = %d, expected the run to stop early", n)
	}
	if cur := s.Current()[0]; cur > 0.5 {
		t.Errorf("Current() = %v, NaN proposal must not be adopted", cur)
	}
}

func TestSampler_Reset(t *testing.T) {
	s := newTestSampler(t, gaussian1D(0, 1), []float64{4}, 1, 21)
	if err := s.Run(context.Background(), 300); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	before := s.Current()
	logp := s.LogProb()

	s.Reset()

	if s.Chain().Len() != 0 {
		t.Errorf("Chain().Len() = %d after Reset, want 0", s.Chain().Len())
	}
	if s.Accepted() != 0 {
		t.Errorf("Accepted() = %d after Reset, want 0", s.Accepted())
	}
	if s.AcceptanceRate() != 0 {
		t.Errorf("AcceptanceRate() = %v after Reset, want 0", s.AcceptanceRate())
	}
	if got := s.Current(); got[0] != before[0] {
		t.Errorf("Current() = %v after Reset, want %v", got, before)
	}
	if s.LogProb() != logp {
		t.Errorf("LogProb() = %v after Reset, want %v", s.LogProb(), logp)
	}

	// Sampling continues from the retained state.
	tr, err := s.Step()
	if err != nil {
		t.Fatalf("Step() error = %v", err)
	}
	if tr.LogCurrent != logp {
		t.Errorf("first LogCurrent after Reset = %v, want %v", tr.LogCurrent, logp)
	}
	if s.Chain().Len() != 1 {
		t.Errorf("Chain().Len() = %d, want 1", s.Chain().Len())
	}
}

func TestSampler_Deterministic(t *testing.T) {
	run := func() [][]float64 {
		target := TargetFunc{N: 2, F: func(x []float64) float64 {
			return -0.5 * (x[0]*x[0] + 4*x[1]*x[1])
		}}
		s, err := New(target, Config{Initial: []float64{1, -1}, Proposal: NewIsotropic(0.7), Rand: NewRand(1234)})
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		if err := s.Run(context.Background(), 1500); err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		return s.Chain().Samples()
	}

	a, b := run(), run()
	if len(a) != len(b) {
		t.Fatalf("chain lengths differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i][0] != b[i][0] || a[i][1] != b[i][1] {
			t.Fatalf("chains diverge at %d: %v vs %v", i, a[i], b[i])
		}
	}
}

func TestSampler_GaussianMeanConverges(t *testing.T) {
	const k = 20000
	s := newTestSampler(t, gaussian1D(0, 1), []float64{0}, 2.4, 99)
	if err := s.Run(context.Background(), k); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	// About five standard errors for a chain with autocorrelation time ~4.
	tol := 10 / math.Sqrt(k)
	if m := mean(s.Chain().Column(0)); math.Abs(m) > tol {
		t.Errorf("chain mean = %v, want 0 ± %v", m, tol)
	}
}

// The 1-D N(5, 1) walk-through: start at 0, step 0.5, 5000 iterations.
func TestSampler_NormalScenario(t *testing.T) {
	s := newTestSampler(t, gaussian1D(5, 1), []float64{0}, 0.5, 42)
	if err := s.Run(context.Background(), 5000); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if s.Chain().Len() != 5000 {
		t.Fatalf("Chain().Len() = %d, want 5000", s.Chain().Len())
	}

	// A step of 0.5 on a unit-variance target accepts (2/π)·atan(4) ≈ 0.84
	// of proposals and gives an autocorrelation time near 20, i.e. a
	// standard error of the mean around 0.06.
	if m := mean(s.Chain().Column(0)); math.Abs(m-5) > 0.25 {
		t.Errorf("chain mean = %v, want 5 ± 0.25", m)
	}
	want := 2 / math.Pi * math.Atan(4)
	if rate := s.AcceptanceRate(); math.Abs(rate-want) > 0.05 {
		t.Errorf("AcceptanceRate() = %v, want %v ± 0.05", rate, want)
	}
}

func TestSampler_RunHonoursContext(t *testing.T) {
	s := newTestSampler(t, gaussian1D(0, 1), []float64{0}, 1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := s.Run(ctx, 100); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if s.Chain().Len() != 0 {
		t.Errorf("Chain().Len() = %d, want 0", s.Chain().Len())
	}
}

func TestSampler_SetProposal(t *testing.T) {
	s := newTestSampler(t, gaussian1D(0, 1), []float64{0}, 1, 1)

	if err := s.SetProposal(nil); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("SetProposal(nil) error = %v, want ErrInvalidConfig", err)
	}
	bad := &Gaussian{scales: []float64{1, 2, 3}}
	if err := s.SetProposal(bad); !errors.Is(err, ErrDimension) {
		t.Errorf("SetProposal(3-d) error = %v, want ErrDimension", err)
	}
	p := NewIsotropic(0.1)
	if err := s.SetProposal(p); err != nil {
		t.Fatalf("SetProposal() error = %v", err)
	}
	if s.Proposal() != Proposal(p) {
		t.Error("Proposal() did not return the new proposal")
	}
}
