package config

import (
	"fmt"
	"time"
)

// Limits applied by Validate. MaxSampleValues bounds the stored chains:
// chains × iterations × len(initial) float64s.
const (
	MaxIterations   = 10_000_000
	MaxSampleValues = 50_000_000
)

// RunConfig describes one sampling run and the services around it.
type RunConfig struct {
	Model         ModelConfig         `yaml:"model" json:"model"`
	Data          DataConfig          `yaml:"data" json:"data"`
	Sampler       SamplerConfig       `yaml:"sampler" json:"sampler"`
	Output        OutputConfig        `yaml:"output" json:"output"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
	Server        ServerConfig        `yaml:"server" json:"server"`
	Log           LogConfig           `yaml:"log" json:"log"`
}

// RunSpec is the part of a RunConfig that defines the sampling problem.
// It is what gets recorded with a run; output, observability, server and
// log settings stay with the process that ran it.
type RunSpec struct {
	Model   ModelConfig   `yaml:"model" json:"model"`
	Data    DataConfig    `yaml:"data" json:"data"`
	Sampler SamplerConfig `yaml:"sampler" json:"sampler"`
}

// Spec returns the model, data and sampler sections.
func (c RunConfig) Spec() RunSpec {
	return RunSpec{Model: c.Model, Data: c.Data, Sampler: c.Sampler}
}

// ModelConfig selects a registered model and its fixed hyperparameters.
type ModelConfig struct {
	// Name is a registered model: gaussian, line or line-scatter.
	Name string `yaml:"name" json:"name"`
	// Mean and StdDev parameterise the gaussian model.
	Mean   []float64 `yaml:"mean,omitempty" json:"mean,omitempty"`
	StdDev []float64 `yaml:"std_dev,omitempty" json:"std_dev,omitempty"`
	// Lower and Upper bound the uniform prior of the line models.
	Lower []float64 `yaml:"lower,omitempty" json:"lower,omitempty"`
	Upper []float64 `yaml:"upper,omitempty" json:"upper,omitempty"`
}

// DataConfig points at the observations, either inline or in a file.
type DataConfig struct {
	Path string    `yaml:"path,omitempty" json:"path,omitempty"`
	X    []float64 `yaml:"x,omitempty" json:"x,omitempty"`
	Y    []float64 `yaml:"y,omitempty" json:"y,omitempty"`
	YErr []float64 `yaml:"yerr,omitempty" json:"yerr,omitempty"`
}

// SamplerConfig controls the chains.
type SamplerConfig struct {
	Iterations int    `yaml:"iterations" json:"iterations"`
	BurnIn     int    `yaml:"burn_in" json:"burn_in"`
	Chains     int    `yaml:"chains" json:"chains"`
	Workers    int    `yaml:"workers" json:"workers"`
	Seed       uint64 `yaml:"seed" json:"seed"`
	// Initial is the starting guess shared by all chains.
	Initial []float64 `yaml:"initial" json:"initial"`
	// Jitter spreads chain starting points: chain i > 0 starts at
	// Initial + N(0, Jitter²) per coordinate.
	Jitter float64 `yaml:"jitter" json:"jitter"`
	// Proposal is gaussian, correlated or uniform.
	Proposal   string      `yaml:"proposal" json:"proposal"`
	Scale      []float64   `yaml:"scale,omitempty" json:"scale,omitempty"`
	Covariance [][]float64 `yaml:"covariance,omitempty" json:"covariance,omitempty"`
	// Tune adapts the proposal scale during burn-in.
	Tune        bool `yaml:"tune" json:"tune"`
	TuneBatches int  `yaml:"tune_batches,omitempty" json:"tune_batches,omitempty"`
	// Discard and Thin apply to the recorded chains before summaries:
	// drop the first Discard samples of each chain, then keep every
	// Thin-th. The trace log always holds every sample.
	Discard int `yaml:"discard,omitempty" json:"discard,omitempty"`
	Thin    int `yaml:"thin,omitempty" json:"thin,omitempty"`
}

// OutputConfig says where results go. Empty values disable that sink.
type OutputConfig struct {
	TraceDir string         `yaml:"trace_dir,omitempty" json:"trace_dir,omitempty"`
	Database DatabaseConfig `yaml:"database" json:"database"`
}

// DatabaseConfig configures the run repository.
type DatabaseConfig struct {
	// Driver is sqlite3, pgx or postgres.
	Driver       string `yaml:"driver,omitempty" json:"driver,omitempty"`
	DSN          string `yaml:"dsn,omitempty" json:"dsn,omitempty"`
	MaxOpenConns int    `yaml:"max_open_conns,omitempty" json:"max_open_conns,omitempty"`
}

// ObservabilityConfig groups metrics, tracing and event publishing.
type ObservabilityConfig struct {
	Metrics bool          `yaml:"metrics" json:"metrics"`
	Tracing TracingConfig `yaml:"tracing" json:"tracing"`
	NATS    NATSConfig    `yaml:"nats" json:"nats"`
}

// TracingConfig selects an OpenTelemetry exporter.
type TracingConfig struct {
	// Exporter is none, stdout, zipkin or jaeger.
	Exporter    string `yaml:"exporter" json:"exporter"`
	Endpoint    string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	ServiceName string `yaml:"service_name,omitempty" json:"service_name,omitempty"`
}

// NATSConfig enables run lifecycle events when URL is set.
type NATSConfig struct {
	URL    string `yaml:"url,omitempty" json:"url,omitempty"`
	Prefix string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr string `yaml:"addr" json:"addr"`
	// JWTSecret enables HS256 bearer authentication on /runs when set.
	JWTSecret string `yaml:"jwt_secret,omitempty" json:"jwt_secret,omitempty"`
	// RunTimeout bounds one POST /runs, as a Go duration ("10m").
	RunTimeout string `yaml:"run_timeout,omitempty" json:"run_timeout,omitempty"`
}

// Timeout parses RunTimeout. Empty returns 0 and the server keeps its
// own default.
func (s ServerConfig) Timeout() (time.Duration, error) {
	if s.RunTimeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s.RunTimeout)
	if err != nil {
		return 0, fmt.Errorf("server.run_timeout: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("server.run_timeout must be positive, got %s", d)
	}
	return d, nil
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Default returns a configuration that samples a 1-D standard normal.
func Default() RunConfig {
	return RunConfig{
		Model: ModelConfig{
			Name:   "gaussian",
			Mean:   []float64{0},
			StdDev: []float64{1},
		},
		Sampler: SamplerConfig{
			Iterations: 5000,
			BurnIn:     1000,
			Chains:     4,
			Workers:    4,
			Seed:       42,
			Initial:    []float64{0},
			Jitter:     0.1,
			Proposal:   "gaussian",
			Scale:      []float64{0.5},
		},
		Observability: ObservabilityConfig{
			Tracing: TracingConfig{Exporter: "none", ServiceName: "metropolis"},
			NATS:    NATSConfig{Prefix: "metropolis"},
		},
		Server: ServerConfig{Addr: ":8080", RunTimeout: "10m"},
		Log:    LogConfig{Level: "info", Format: "text"},
	}
}

// LoadRun reads a run configuration on top of Default and applies
// MCMC_* environment overrides. An empty path yields the defaults with
// overrides.
func LoadRun(path string) (RunConfig, error) {
	cfg := Default()
	if path != "" {
		if err := Load(path, &cfg); err != nil {
			return cfg, err
		}
	}
	if err := ApplyEnvOverrides(DefaultEnvPrefix, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to apply env overrides: %w", err)
	}
	return cfg, nil
}

// Validate checks the run configuration.
func (c *RunConfig) Validate() error {
	return Validate(c,
		RequiredFields("Model.Name", "Sampler.Initial"),
		RangeValidator("Sampler.Iterations", 0, MaxIterations),
		RangeValidator("Sampler.BurnIn", 0, MaxIterations),
		RangeValidator("Sampler.Discard", 0, MaxIterations),
		RangeValidator("Sampler.Thin", 0, MaxIterations),
		RangeValidator("Sampler.Chains", 1, 1024),
		RangeValidator("Sampler.Workers", 0, 1024),
		RangeValidator("Sampler.Jitter", 0, 1e6),
		OneOfValidator("Sampler.Proposal", "gaussian", "correlated", "uniform"),
		OneOfValidator("Observability.Tracing.Exporter", "", "none", "stdout", "zipkin", "jaeger"),
		OneOfValidator("Output.Database.Driver", "", "sqlite3", "pgx", "postgres"),
		OneOfValidator("Log.Format", "", "text", "json"),
		ValidatorFunc(validateProposal),
		ValidatorFunc(validateOutput),
		ValidatorFunc(validateSampler),
		ValidatorFunc(validateServer),
	)
}

func validateProposal(config interface{}) error {
	c := config.(*RunConfig)
	s := c.Sampler
	switch s.Proposal {
	case "correlated":
		if len(s.Covariance) == 0 {
			return fmt.Errorf("sampler.covariance is required for the correlated proposal")
		}
		if len(s.Covariance) != len(s.Initial) {
			return fmt.Errorf("sampler.covariance is %dx%d, initial has %d parameters", len(s.Covariance), len(s.Covariance), len(s.Initial))
		}
	default:
		if len(s.Scale) != 1 && len(s.Scale) != len(s.Initial) {
			return fmt.Errorf("sampler.scale needs 1 or %d values, got %d", len(s.Initial), len(s.Scale))
		}
	}
	return nil
}

func validateOutput(config interface{}) error {
	db := config.(*RunConfig).Output.Database
	if (db.Driver == "") != (db.DSN == "") {
		return fmt.Errorf("output.database needs both driver and dsn")
	}
	return nil
}

func validateSampler(config interface{}) error {
	s := config.(*RunConfig).Sampler
	if s.Tune && s.BurnIn == 0 {
		return fmt.Errorf("sampler.tune needs a burn-in to tune on")
	}
	if s.Discard > 0 && s.Discard >= s.Iterations {
		return fmt.Errorf("sampler.discard %d leaves none of %d iterations", s.Discard, s.Iterations)
	}
	values := int64(s.Chains) * int64(s.Iterations) * int64(len(s.Initial))
	if values > MaxSampleValues {
		return fmt.Errorf("sampler budget exceeded: %d chains x %d iterations x %d parameters > %d values",
			s.Chains, s.Iterations, len(s.Initial), MaxSampleValues)
	}
	return nil
}

func validateServer(config interface{}) error {
	_, err := config.(*RunConfig).Server.Timeout()
	return err
}
