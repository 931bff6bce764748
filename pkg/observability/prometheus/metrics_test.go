package prometheus

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/valyala/fasthttp"

	"github.com/fluxorio/metropolis/pkg/mcmc"
	"github.com/fluxorio/metropolis/pkg/multichain"
)

func TestMetrics_RecordRun(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordRun("gaussian", "completed", 2*time.Second)
	m.RecordRun("gaussian", "completed", time.Second)
	m.RecordRun("gaussian", "failed", time.Second)

	if got := testutil.ToFloat64(m.RunsTotal.WithLabelValues("gaussian", "completed")); got != 2 {
		t.Errorf("completed runs = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.RunsTotal.WithLabelValues("gaussian", "failed")); got != 1 {
		t.Errorf("failed runs = %v, want 1", got)
	}
}

func TestMetrics_ChainObserver(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	target := mcmc.TargetFunc{N: 1, F: func(x []float64) float64 { return -0.5 * x[0] * x[0] }}
	s, err := mcmc.New(target, mcmc.Config{Initial: []float64{0}, Proposal: mcmc.NewIsotropic(1), Rand: mcmc.NewRand(1)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Run(context.Background(), 100); err != nil {
		t.Fatalf("Run: %v", err)
	}

	m.ChainObserver("gaussian").ObserveChain(multichain.ChainResult{
		Index:          3,
		Chain:          s.Chain(),
		AcceptanceRate: s.AcceptanceRate(),
		Duration:       time.Millisecond,
	})

	if got := testutil.ToFloat64(m.IterationsTotal.WithLabelValues("gaussian")); got != 100 {
		t.Errorf("iterations = %v, want 100", got)
	}
	if got := testutil.ToFloat64(m.AcceptedTotal.WithLabelValues("gaussian")); got != float64(s.Accepted()) {
		t.Errorf("accepted = %v, want %d", got, s.Accepted())
	}
	if got := testutil.ToFloat64(m.ChainAcceptance.WithLabelValues("gaussian", "3")); got != s.AcceptanceRate() {
		t.Errorf("acceptance gauge = %v, want %v", got, s.AcceptanceRate())
	}
}

func TestHandler_ServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(prometheus.WrapRegistererWith(prometheus.Labels{"service": "test"}, reg))
	m.RecordHTTPRequest("GET", "/runs", 200, 10*time.Millisecond)

	var ctx fasthttp.RequestCtx
	ctx.Request.SetRequestURI("/metrics")
	Handler(reg)(&ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d", ctx.Response.StatusCode())
	}
	body := string(ctx.Response.Body())
	if !strings.Contains(body, `metropolis_http_requests_total{method="GET",path="/runs",service="test",status="2xx"} 1`) {
		t.Errorf("metrics output missing request counter:\n%s", body)
	}
}

func TestStatusCodeString(t *testing.T) {
	tests := map[int]string{200: "2xx", 301: "3xx", 404: "4xx", 503: "5xx", 0: "unknown"}
	for code, want := range tests {
		if got := statusCodeString(code); got != want {
			t.Errorf("statusCodeString(%d) = %q, want %q", code, got, want)
		}
	}
}

func TestGetMetrics_Singleton(t *testing.T) {
	if GetMetrics() != GetMetrics() {
		t.Error("GetMetrics() should return the same instance")
	}
}
