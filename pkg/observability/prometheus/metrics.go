package prometheus

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fluxorio/metropolis/pkg/multichain"
)

var (
	// DefaultRegistry is the registry served on /metrics.
	DefaultRegistry = prometheus.NewRegistry()

	// DefaultRegisterer labels every metric with the service name.
	DefaultRegisterer = prometheus.WrapRegistererWith(prometheus.Labels{"service": "metropolis"}, DefaultRegistry)

	metricsOnce sync.Once
	metrics     *Metrics
)

// Metrics holds the sampler service metrics.
type Metrics struct {
	// Run metrics
	RunsTotal   *prometheus.CounterVec
	RunDuration *prometheus.HistogramVec

	// Chain metrics
	IterationsTotal *prometheus.CounterVec
	AcceptedTotal   *prometheus.CounterVec
	ChainAcceptance *prometheus.GaugeVec
	ChainDuration   *prometheus.HistogramVec

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// GetMetrics returns the process-wide metrics on DefaultRegisterer.
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metrics = NewMetrics(DefaultRegisterer)
	})
	return metrics
}

// NewMetrics registers a metrics collection with registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = DefaultRegisterer
	}
	factory := promauto.With(registerer)

	return &Metrics{
		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metropolis_runs_total",
				Help: "Total number of sampling runs by outcome",
			},
			[]string{"model", "status"},
		),
		RunDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "metropolis_run_duration_seconds",
				Help:    "Wall time of sampling runs in seconds",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 8), // 10ms to ~3min
			},
			[]string{"model"},
		),
		IterationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metropolis_iterations_total",
				Help: "Total number of recorded Metropolis iterations",
			},
			[]string{"model"},
		),
		AcceptedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metropolis_accepted_total",
				Help: "Total number of accepted proposals",
			},
			[]string{"model"},
		),
		ChainAcceptance: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "metropolis_chain_acceptance_rate",
				Help: "Acceptance rate of the most recent chain per index",
			},
			[]string{"model", "chain"},
		),
		ChainDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "metropolis_chain_duration_seconds",
				Help:    "Wall time of single chains in seconds",
				Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
			},
			[]string{"model"},
		),
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metropolis_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "metropolis_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
	}
}

// RecordRun counts a finished run.
func (m *Metrics) RecordRun(model, status string, duration time.Duration) {
	m.RunsTotal.WithLabelValues(model, status).Inc()
	m.RunDuration.WithLabelValues(model).Observe(duration.Seconds())
}

// RecordHTTPRequest records one served request.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	code := statusCodeString(status)
	m.HTTPRequestsTotal.WithLabelValues(method, path, code).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, code).Observe(duration.Seconds())
}

// ChainObserver returns a multichain.Observer recording chains of model.
func (m *Metrics) ChainObserver(model string) multichain.Observer {
	return chainObserver{m: m, model: model}
}

type chainObserver struct {
	m     *Metrics
	model string
}

func (o chainObserver) ObserveChain(res multichain.ChainResult) {
	o.m.IterationsTotal.WithLabelValues(o.model).Add(float64(res.Chain.Len()))
	o.m.AcceptedTotal.WithLabelValues(o.model).Add(float64(res.Chain.Accepted()))
	o.m.ChainAcceptance.WithLabelValues(o.model, strconv.Itoa(res.Index)).Set(res.AcceptanceRate)
	o.m.ChainDuration.WithLabelValues(o.model).Observe(res.Duration.Seconds())
}

func statusCodeString(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
