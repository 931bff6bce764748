package server

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/fluxorio/metropolis/pkg/config"
	"github.com/fluxorio/metropolis/pkg/logging"
	"github.com/fluxorio/metropolis/pkg/observability/prometheus"
	"github.com/fluxorio/metropolis/pkg/run"
	"github.com/fluxorio/metropolis/pkg/store"
)

type harness struct {
	client *fasthttp.Client
	pool   *store.Pool
	runs   *store.RunStore
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	ctx := context.Background()
	pool, err := store.NewPool(ctx, store.PoolConfig{DriverName: "sqlite3", DSN: ":memory:", MaxOpenConns: 1, MaxIdleConns: 1})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	t.Cleanup(func() { _ = pool.Close() })
	if err := store.Migrate(ctx, pool); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	runs := store.NewRunStore(pool)

	reg := promclient.NewRegistry()
	metrics := prometheus.NewMetrics(reg)
	logger := logging.NewNop()
	svc := run.NewService(logger, run.WithStore(runs), run.WithMetrics(metrics))
	srv := New(logger, svc, cfg, append([]Option{WithStore(runs), WithMetrics(metrics, reg)}, opts...)...)

	ln := fasthttputil.NewInmemoryListener()
	done := make(chan struct{})
	go func() {
		_ = srv.Serve(ln)
		close(done)
	}()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		_ = ln.Close()
		<-done
	})

	return &harness{
		client: &fasthttp.Client{Dial: func(string) (net.Conn, error) { return ln.Dial() }},
		pool:   pool,
		runs:   runs,
	}
}

type response struct {
	status int
	body   []byte
	header map[string]string
}

func (h *harness) do(t *testing.T, method, path, body, token string) response {
	t.Helper()
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI("http://metropolis" + path)
	req.Header.SetMethod(method)
	if body != "" {
		req.Header.SetContentType("application/json")
		req.SetBodyString(body)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if err := h.client.DoTimeout(req, resp, 30*time.Second); err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return response{
		status: resp.StatusCode(),
		body:   append([]byte(nil), resp.Body()...),
		header: map[string]string{
			"X-Request-ID": string(resp.Header.Peek("X-Request-ID")),
			"Location":     string(resp.Header.Peek("Location")),
		},
	}
}

func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var e struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err != nil {
		t.Fatalf("error body %q: %v", body, err)
	}
	return e.Error
}

func TestServer_Live(t *testing.T) {
	h := newHarness(t, DefaultConfig(""))

	resp := h.do(t, "GET", "/live", "", "")
	if resp.status != fasthttp.StatusOK {
		t.Fatalf("status = %d", resp.status)
	}
	if !strings.Contains(string(resp.body), `"ok"`) {
		t.Errorf("body = %s", resp.body)
	}
	if resp.header["X-Request-ID"] == "" {
		t.Error("response has no X-Request-ID")
	}
}

func TestServer_Ready(t *testing.T) {
	h := newHarness(t, DefaultConfig(""))

	if resp := h.do(t, "GET", "/ready", "", ""); resp.status != fasthttp.StatusOK {
		t.Fatalf("ready status = %d: %s", resp.status, resp.body)
	}
	_ = h.pool.Close()
	resp := h.do(t, "GET", "/ready", "", "")
	if resp.status != fasthttp.StatusServiceUnavailable || errorCode(t, resp.body) != "not_ready" {
		t.Errorf("ready with closed store = %d %s, want 503 not_ready", resp.status, resp.body)
	}
}

func TestServer_RunLifecycle(t *testing.T) {
	h := newHarness(t, DefaultConfig(""))

	resp := h.do(t, "POST", "/runs", `{"model":{"name":"gaussian","mean":[5]},"sampler":{"iterations":800,"burn_in":200,"chains":2,"seed":7,"initial":[0],"proposal":"gaussian","scale":[2]}}`, "")
	if resp.status != fasthttp.StatusCreated {
		t.Fatalf("POST /runs status = %d: %s", resp.status, resp.body)
	}
	var report run.Report
	if err := json.Unmarshal(resp.body, &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.ID == "" || report.Chains != 2 || report.Samples != 1600 {
		t.Errorf("report = %+v", report)
	}
	if resp.header["Location"] != "/runs/"+report.ID {
		t.Errorf("Location = %q", resp.header["Location"])
	}

	resp = h.do(t, "GET", "/runs/"+report.ID, "", "")
	if resp.status != fasthttp.StatusOK {
		t.Fatalf("GET /runs/{id} status = %d: %s", resp.status, resp.body)
	}
	var stored store.Run
	if err := json.Unmarshal(resp.body, &stored); err != nil {
		t.Fatalf("decode run: %v", err)
	}
	if stored.Status != store.StatusCompleted || len(stored.Parameters) != 1 {
		t.Errorf("stored run = %+v", stored)
	}

	resp = h.do(t, "GET", "/runs?limit=10", "", "")
	if resp.status != fasthttp.StatusOK {
		t.Fatalf("GET /runs status = %d", resp.status)
	}
	var list []store.Run
	if err := json.Unmarshal(resp.body, &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 1 || list[0].ID != report.ID {
		t.Errorf("list = %+v", list)
	}
}

func TestServer_EmptyList(t *testing.T) {
	h := newHarness(t, DefaultConfig(""))

	resp := h.do(t, "GET", "/runs", "", "")
	if resp.status != fasthttp.StatusOK || strings.TrimSpace(string(resp.body)) != "[]" {
		t.Errorf("GET /runs = %d %s, want 200 []", resp.status, resp.body)
	}
}

func TestServer_Errors(t *testing.T) {
	h := newHarness(t, DefaultConfig(""))

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{"malformed body", "POST", "/runs", `{"model":`, fasthttp.StatusBadRequest, "bad_request"},
		{"invalid config", "POST", "/runs", `{"sampler":{"chains":0}}`, fasthttp.StatusBadRequest, "invalid_config"},
		{"unknown model", "POST", "/runs", `{"model":{"name":"nope"}}`, fasthttp.StatusUnprocessableEntity, "invalid_run"},
		{"dimension mismatch", "POST", "/runs", `{"model":{"name":"gaussian","mean":[0,0]},"sampler":{"initial":[0]}}`, fasthttp.StatusUnprocessableEntity, "invalid_run"},
		{"unknown run", "GET", "/runs/does-not-exist", "", fasthttp.StatusNotFound, "not_found"},
		{"bad limit", "GET", "/runs?limit=-1", "", fasthttp.StatusBadRequest, "bad_request"},
		{"wrong method", "DELETE", "/runs", "", fasthttp.StatusMethodNotAllowed, "method_not_allowed"},
		{"no route", "GET", "/nope", "", fasthttp.StatusNotFound, "not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := h.do(t, tt.method, tt.path, tt.body, "")
			if resp.status != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", resp.status, tt.wantStatus, resp.body)
			}
			if got := errorCode(t, resp.body); got != tt.wantCode {
				t.Errorf("error = %q, want %q", got, tt.wantCode)
			}
		})
	}
}

func TestServer_StoredRunsHideServerConfig(t *testing.T) {
	base := config.Default()
	base.Server.JWTSecret = "topsecret-hmac-key"
	base.Output.Database = config.DatabaseConfig{Driver: "postgres", DSN: "postgres://admin:dbpass@db/x"}
	h := newHarness(t, DefaultConfig(""), WithBase(base))

	resp := h.do(t, "POST", "/runs", `{"model":{"name":"gaussian","mean":[1]},"sampler":{"iterations":200,"burn_in":50,"chains":1,"initial":[0]}}`, "")
	if resp.status != fasthttp.StatusCreated {
		t.Fatalf("POST /runs status = %d: %s", resp.status, resp.body)
	}
	var report run.Report
	if err := json.Unmarshal(resp.body, &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}

	for _, path := range []string{"/runs", "/runs/" + report.ID} {
		resp := h.do(t, "GET", path, "", "")
		if resp.status != fasthttp.StatusOK {
			t.Fatalf("GET %s status = %d", path, resp.status)
		}
		for _, secret := range []string{"topsecret", "dbpass", "jwt_secret", "dsn"} {
			if strings.Contains(string(resp.body), secret) {
				t.Errorf("GET %s exposes %q: %s", path, secret, resp.body)
			}
		}
	}

	stored, err := h.runs.Get(context.Background(), report.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	var spec config.RunSpec
	if err := json.Unmarshal([]byte(stored.Config), &spec); err != nil {
		t.Fatalf("stored config is not a run spec: %v", err)
	}
	if spec.Model.Name != "gaussian" || spec.Sampler.Iterations != 200 {
		t.Errorf("stored spec = %+v", spec)
	}
}

func TestServer_RejectsDataPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret.yaml")
	if err := os.WriteFile(path, []byte("hunter2-password\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	h := newHarness(t, DefaultConfig(""))

	body := `{"model":{"name":"line"},"data":{"path":"` + path + `"},"sampler":{"initial":[0,0]}}`
	resp := h.do(t, "POST", "/runs", body, "")
	if resp.status != fasthttp.StatusBadRequest || errorCode(t, resp.body) != "invalid_data" {
		t.Fatalf("POST /runs with data.path = %d %s, want 400 invalid_data", resp.status, resp.body)
	}
	if strings.Contains(string(resp.body), "hunter2") {
		t.Errorf("response exposes file contents: %s", resp.body)
	}

	resp = h.do(t, "POST", "/runs", `{"model":{"name":"gaussian"},"sampler":{"iterations":"hunter2"}}`, "")
	if resp.status != fasthttp.StatusBadRequest || strings.Contains(string(resp.body), "hunter2") {
		t.Errorf("malformed body = %d %s, want 400 without echo", resp.status, resp.body)
	}
}

func TestServer_RunTimeout(t *testing.T) {
	cfg := DefaultConfig("")
	cfg.RunTimeout = time.Nanosecond
	h := newHarness(t, cfg)

	resp := h.do(t, "POST", "/runs", `{"model":{"name":"gaussian"},"sampler":{"iterations":100000,"chains":2,"initial":[0]}}`, "")
	if resp.status != fasthttp.StatusGatewayTimeout || errorCode(t, resp.body) != "run_timeout" {
		t.Errorf("POST /runs = %d %s, want 504 run_timeout", resp.status, resp.body)
	}
	if DefaultConfig("").RunTimeout <= 0 {
		t.Error("DefaultConfig should bound run time")
	}
}

func sign(t *testing.T, secret string, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "analyst",
		"exp": exp.Unix(),
	})
	s, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestServer_JWT(t *testing.T) {
	cfg := DefaultConfig("")
	cfg.JWTSecret = "s3cret"
	h := newHarness(t, cfg)

	tests := []struct {
		name       string
		path       string
		token      string
		wantStatus int
	}{
		{"live is public", "/live", "", fasthttp.StatusOK},
		{"missing token", "/runs", "", fasthttp.StatusUnauthorized},
		{"wrong secret", "/runs", sign(t, "other", time.Now().Add(time.Hour)), fasthttp.StatusUnauthorized},
		{"expired", "/runs", sign(t, "s3cret", time.Now().Add(-time.Hour)), fasthttp.StatusUnauthorized},
		{"valid", "/runs", sign(t, "s3cret", time.Now().Add(time.Hour)), fasthttp.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := h.do(t, "GET", tt.path, "", tt.token)
			if resp.status != tt.wantStatus {
				t.Errorf("status = %d, want %d: %s", resp.status, tt.wantStatus, resp.body)
			}
		})
	}
}

func TestServer_Metrics(t *testing.T) {
	h := newHarness(t, DefaultConfig(""))

	h.do(t, "GET", "/live", "", "")
	h.do(t, "GET", "/runs/missing", "", "")

	resp := h.do(t, "GET", "/metrics", "", "")
	if resp.status != fasthttp.StatusOK {
		t.Fatalf("status = %d", resp.status)
	}
	body := string(resp.body)
	for _, want := range []string{
		`metropolis_http_requests_total{method="GET",path="/live",status="2xx"} 1`,
		`metropolis_http_requests_total{method="GET",path="/runs/{id}",status="4xx"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %s", want)
		}
	}
}

func TestRouter_Match(t *testing.T) {
	tests := []struct {
		pattern string
		path    string
		want    map[string]string
		ok      bool
	}{
		{"/runs", "/runs", map[string]string{}, true},
		{"/runs", "/runs/", map[string]string{}, true},
		{"/runs/{id}", "/runs/abc", map[string]string{"id": "abc"}, true},
		{"/runs/{id}", "/runs", nil, false},
		{"/runs/{id}", "/runs/abc/def", nil, false},
		{"/live", "/runs", nil, false},
	}
	for _, tt := range tests {
		got, ok := match(split(tt.pattern), split(tt.path))
		if ok != tt.ok {
			t.Errorf("match(%q, %q) ok = %v, want %v", tt.pattern, tt.path, ok, tt.ok)
			continue
		}
		for k, v := range tt.want {
			if got[k] != v {
				t.Errorf("match(%q, %q)[%q] = %q, want %q", tt.pattern, tt.path, k, got[k], v)
			}
		}
	}
}
