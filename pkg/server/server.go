// Package server exposes the run service over HTTP with fasthttp.
//
//	POST /runs       start a run and wait for its report
//	GET  /runs       list stored runs, newest first (?limit=N)
//	GET  /runs/{id}  fetch one stored run
//	GET  /metrics    Prometheus metrics
//	GET  /live       liveness probe
//	GET  /ready      readiness; pings the run store
//
// When Config.JWTSecret is set, /runs endpoints require an HS256 bearer
// token.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/valyala/fasthttp"

	"github.com/fluxorio/metropolis/pkg/config"
	"github.com/fluxorio/metropolis/pkg/failfast"
	"github.com/fluxorio/metropolis/pkg/logging"
	"github.com/fluxorio/metropolis/pkg/mcmc"
	"github.com/fluxorio/metropolis/pkg/model"
	"github.com/fluxorio/metropolis/pkg/observability/prometheus"
	"github.com/fluxorio/metropolis/pkg/run"
	"github.com/fluxorio/metropolis/pkg/store"
)

// Config configures the HTTP server.
type Config struct {
	Addr         string
	JWTSecret    string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// MaxBodySize bounds POST /runs bodies in bytes.
	MaxBodySize int
	// RunTimeout bounds a single run; zero means no limit.
	RunTimeout time.Duration
	// ListLimit is the default and maximum page size of GET /runs.
	ListLimit int
}

// DefaultConfig returns server defaults for addr.
func DefaultConfig(addr string) Config {
	return Config{
		Addr:         addr,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Minute,
		MaxBodySize:  4 << 20,
		RunTimeout:   10 * time.Minute,
		ListLimit:    100,
	}
}

// Server serves the run API.
type Server struct {
	cfg      Config
	logger   logging.Logger
	service  *run.Service
	runs     *store.RunStore
	metrics  *prometheus.Metrics
	gatherer promclient.Gatherer
	base     []byte

	router *router
	http   *fasthttp.Server

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// Option configures a Server.
type Option func(*Server)

// WithStore enables GET /runs and GET /runs/{id}.
func WithStore(rs *store.RunStore) Option { return func(s *Server) { s.runs = rs } }

// WithMetrics records HTTP metrics on m and serves gatherer on /metrics.
func WithMetrics(m *prometheus.Metrics, gatherer promclient.Gatherer) Option {
	return func(s *Server) {
		s.metrics = m
		s.gatherer = gatherer
	}
}

// WithBase sets the configuration POST /runs bodies are applied to. Only
// the model, data and sampler sections of a request are honoured; output
// and observability always come from base.
func WithBase(cfg config.RunConfig) Option {
	return func(s *Server) {
		raw, err := json.Marshal(cfg)
		failfast.Err(err)
		s.base = raw
	}
}

// New creates a Server around svc.
func New(logger logging.Logger, svc *run.Service, cfg Config, opts ...Option) *Server {
	failfast.NotNil(logger, "logger")
	failfast.NotNil(svc, "service")
	if cfg.ListLimit <= 0 {
		cfg.ListLimit = 100
	}
	s := &Server{
		cfg:     cfg,
		logger:  logger,
		service: svc,
		router:  newRouter(),
	}
	WithBase(config.Default())(s)
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	var protect []Middleware
	if cfg.JWTSecret != "" {
		protect = append(protect, JWT(JWTConfig{Secret: cfg.JWTSecret, Leeway: 30 * time.Second}))
	}
	recovery := Recovery(logger)

	s.router.handle("GET", "/live", s.live, recovery)
	s.router.handle("GET", "/ready", s.ready, recovery)
	s.router.handle("POST", "/runs", s.createRun, append([]Middleware{recovery}, protect...)...)
	s.router.handle("GET", "/runs", s.listRuns, append([]Middleware{recovery}, protect...)...)
	s.router.handle("GET", "/runs/{id}", s.getRun, append([]Middleware{recovery}, protect...)...)
	if s.gatherer != nil {
		h := prometheus.Handler(s.gatherer)
		s.router.handle("GET", "/metrics", func(ctx *RequestContext) error {
			h(ctx.RequestCtx)
			return nil
		}, recovery)
	}

	s.http = &fasthttp.Server{
		Handler:               s.Handler(),
		Name:                  "metropolis",
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		MaxRequestBodySize:    cfg.MaxBodySize,
		NoDefaultServerHeader: true,
	}
	return s
}

// Handler returns the request handler, for embedding in another server.
func (s *Server) Handler() fasthttp.RequestHandler {
	return s.serve
}

// ListenAndServe serves on Config.Addr until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Infof("http server listening on %s", s.cfg.Addr)
	return s.http.ListenAndServe(s.cfg.Addr)
}

// Serve serves on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	return s.http.Serve(ln)
}

// Shutdown cancels in-flight runs and waits for open connections to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	s.once.Do(s.cancel)
	return s.http.ShutdownWithContext(ctx)
}

func (s *Server) serve(rc *fasthttp.RequestCtx) {
	start := time.Now()
	requestID := string(rc.Request.Header.Peek("X-Request-ID"))
	if requestID == "" {
		requestID = uuid.NewString()
	}
	rc.Response.Header.Set("X-Request-ID", requestID)
	ctx := &RequestContext{RequestCtx: rc, requestID: requestID}

	handler, pathMatched := s.router.lookup(ctx)
	switch {
	case handler != nil:
		if err := handler(ctx); err != nil {
			s.logger.WithFields(map[string]interface{}{"request_id": requestID}).Errorf("%s %s: %v", rc.Method(), rc.Path(), err)
			_ = ctx.Fail(fasthttp.StatusInternalServerError, "internal_server_error", "Internal Server Error")
		}
	case pathMatched:
		_ = ctx.Fail(fasthttp.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	default:
		_ = ctx.Fail(fasthttp.StatusNotFound, "not_found", "no such route")
	}

	route := ctx.Route()
	if route == "" {
		route = "unmatched"
	}
	elapsed := time.Since(start)
	if s.metrics != nil {
		s.metrics.RecordHTTPRequest(string(rc.Method()), route, rc.Response.StatusCode(), elapsed)
	}
	s.logger.WithFields(map[string]interface{}{
		"request_id": requestID,
		"status":     rc.Response.StatusCode(),
		"duration":   elapsed.String(),
	}).Debugf("%s %s", rc.Method(), rc.Path())
}

func (s *Server) live(ctx *RequestContext) error {
	return ctx.JSON(fasthttp.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) ready(ctx *RequestContext) error {
	if s.runs != nil {
		if err := s.runs.Ping(ctx.RequestCtx); err != nil {
			s.logger.WithFields(map[string]interface{}{"request_id": ctx.RequestID()}).Warnf("readiness: %v", err)
			return ctx.Fail(fasthttp.StatusServiceUnavailable, "not_ready", "run store unavailable")
		}
	}
	return ctx.JSON(fasthttp.StatusOK, map[string]string{"status": "ready"})
}

// runRequest points into a RunConfig so a body only overrides what it names.
// Data is decoded separately: requests carry inline data only.
type runRequest struct {
	Model   *config.ModelConfig   `json:"model"`
	Data    *config.DataConfig    `json:"data"`
	Sampler *config.SamplerConfig `json:"sampler"`
}

func (s *Server) createRun(ctx *RequestContext) error {
	var cfg config.RunConfig
	if err := json.Unmarshal(s.base, &cfg); err != nil {
		return err
	}
	req := runRequest{Model: &cfg.Model, Sampler: &cfg.Sampler}
	if err := config.Decode(ctx.PostBody(), config.FormatJSON, &req); err != nil {
		s.logger.WithFields(map[string]interface{}{"request_id": ctx.RequestID()}).Debugf("decode run request: %v", err)
		return ctx.Fail(fasthttp.StatusBadRequest, "bad_request", "body is not a valid run request")
	}
	if req.Data != nil {
		if req.Data.Path != "" {
			return ctx.Fail(fasthttp.StatusBadRequest, "invalid_data", "data.path is not accepted over HTTP; send x, y and yerr inline")
		}
		cfg.Data = *req.Data
	}
	if err := cfg.Validate(); err != nil {
		return ctx.Fail(fasthttp.StatusBadRequest, "invalid_config", err.Error())
	}

	runCtx := s.ctx
	if s.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, s.cfg.RunTimeout)
		defer cancel()
	}
	if sub := Subject(ctx); sub != "" {
		s.logger.WithFields(map[string]interface{}{"request_id": ctx.RequestID(), "subject": sub}).Infof("run requested for model %s", cfg.Model.Name)
	}

	report, err := s.service.Run(runCtx, cfg)
	if err != nil {
		status, code := runErrorStatus(err)
		if status == fasthttp.StatusInternalServerError {
			s.logger.WithFields(map[string]interface{}{"request_id": ctx.RequestID()}).Errorf("run failed: %v", err)
			return ctx.Fail(status, code, "run failed")
		}
		return ctx.Fail(status, code, err.Error())
	}
	ctx.Response.Header.Set("Location", "/runs/"+report.ID)
	return ctx.JSON(fasthttp.StatusCreated, report)
}

func runErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, mcmc.ErrInvalidConfig), errors.Is(err, mcmc.ErrDimension), errors.Is(err, model.ErrUnknownModel):
		return fasthttp.StatusUnprocessableEntity, "invalid_run"
	case errors.Is(err, mcmc.ErrNaN):
		return fasthttp.StatusUnprocessableEntity, "nan_posterior"
	case errors.Is(err, context.DeadlineExceeded):
		return fasthttp.StatusGatewayTimeout, "run_timeout"
	case errors.Is(err, context.Canceled):
		return fasthttp.StatusServiceUnavailable, "shutting_down"
	default:
		return fasthttp.StatusInternalServerError, "run_failed"
	}
}

func (s *Server) listRuns(ctx *RequestContext) error {
	if s.runs == nil {
		return ctx.Fail(fasthttp.StatusNotImplemented, "store_disabled", "no run store is configured")
	}
	limit := s.cfg.ListLimit
	if raw := ctx.QueryArgs().Peek("limit"); len(raw) > 0 {
		n, err := strconv.Atoi(string(raw))
		if err != nil || n <= 0 {
			return ctx.Fail(fasthttp.StatusBadRequest, "bad_request", "limit must be a positive integer")
		}
		if n < limit {
			limit = n
		}
	}
	runs, err := s.runs.List(ctx.RequestCtx, limit)
	if err != nil {
		return err
	}
	if runs == nil {
		runs = []*store.Run{}
	}
	return ctx.JSON(fasthttp.StatusOK, runs)
}

func (s *Server) getRun(ctx *RequestContext) error {
	if s.runs == nil {
		return ctx.Fail(fasthttp.StatusNotImplemented, "store_disabled", "no run store is configured")
	}
	r, err := s.runs.Get(ctx.RequestCtx, ctx.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		return ctx.Fail(fasthttp.StatusNotFound, "not_found", "run "+ctx.Param("id")+" not found")
	}
	if err != nil {
		return err
	}
	return ctx.JSON(fasthttp.StatusOK, r)
}
