package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by Get for an unknown run id.
var ErrNotFound = errors.New("run not found")

// Run statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Run is a persisted sampling run.
type Run struct {
	ID             string        `json:"id"`
	Model          string        `json:"model"`
	Status         string        `json:"status"`
	Chains         int           `json:"chains"`
	Iterations     int           `json:"iterations"`
	AcceptanceRate float64       `json:"acceptance_rate"`
	Duration       time.Duration `json:"duration"`
	// Config is the JSON encoded model, data and sampler sections.
	Config     string      `json:"config"`
	Error      string      `json:"error,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	Parameters []Parameter `json:"parameters,omitempty"`
}

// Parameter summarises one coordinate of the posterior. Statistics that
// could not be computed are NaN.
type Parameter struct {
	Index  int     `json:"index"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	Q16    float64 `json:"q16"`
	Q50    float64 `json:"q50"`
	Q84    float64 `json:"q84"`
	RHat   float64 `json:"rhat"`
	ESS    float64 `json:"ess"`
}

// RunStore reads and writes runs.
type RunStore struct {
	pool *Pool
}

// NewRunStore returns a store on a migrated pool.
func NewRunStore(pool *Pool) *RunStore {
	return &RunStore{pool: pool}
}

// Ping reports whether the underlying database is reachable.
func (s *RunStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Save inserts run and its parameters in one transaction. An empty ID is
// replaced by a new UUID and a zero CreatedAt by the current time; the
// stored values are written back into run.
func (s *RunStore) Save(ctx context.Context, run *Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	tx, err := s.pool.DB().BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, model, status, chains, iterations, acceptance_rate, duration_ms, config, error, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		run.ID, run.Model, run.Status, run.Chains, run.Iterations, finiteOr(run.AcceptanceRate, 0),
		run.Duration.Milliseconds(), run.Config, run.Error, run.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	for _, p := range run.Parameters {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO run_parameters (run_id, idx, mean, std_dev, q16, q50, q84, rhat, ess)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			run.ID, p.Index, nullable(p.Mean), nullable(p.StdDev), nullable(p.Q16),
			nullable(p.Q50), nullable(p.Q84), nullable(p.RHat), nullable(p.ESS))
		if err != nil {
			return fmt.Errorf("insert parameter %d: %w", p.Index, err)
		}
	}
	return tx.Commit()
}

// Get loads one run with its parameters.
func (s *RunStore) Get(ctx context.Context, id string) (*Run, error) {
	row := s.pool.DB().QueryRowContext(ctx,
		`SELECT id, model, status, chains, iterations, acceptance_rate, duration_ms, config, error, created_at
		 FROM runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if run.Parameters, err = s.parameters(ctx, id); err != nil {
		return nil, err
	}
	return run, nil
}

// List returns up to limit runs, newest first, without parameters.
func (s *RunStore) List(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.DB().QueryContext(ctx,
		`SELECT id, model, status, chains, iterations, acceptance_rate, duration_ms, config, error, created_at
		 FROM runs ORDER BY created_at DESC, id LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *RunStore) parameters(ctx context.Context, id string) ([]Parameter, error) {
	rows, err := s.pool.DB().QueryContext(ctx,
		`SELECT idx, mean, std_dev, q16, q50, q84, rhat, ess
		 FROM run_parameters WHERE run_id = $1 ORDER BY idx`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var params []Parameter
	for rows.Next() {
		var (
			p    Parameter
			vals [7]sql.NullFloat64
		)
		if err := rows.Scan(&p.Index, &vals[0], &vals[1], &vals[2], &vals[3], &vals[4], &vals[5], &vals[6]); err != nil {
			return nil, err
		}
		p.Mean, p.StdDev, p.Q16, p.Q50, p.Q84, p.RHat, p.ESS =
			orNaN(vals[0]), orNaN(vals[1]), orNaN(vals[2]), orNaN(vals[3]), orNaN(vals[4]), orNaN(vals[5]), orNaN(vals[6])
		params = append(params, p)
	}
	return params, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (*Run, error) {
	var (
		run Run
		ms  int64
	)
	err := row.Scan(&run.ID, &run.Model, &run.Status, &run.Chains, &run.Iterations,
		&run.AcceptanceRate, &ms, &run.Config, &run.Error, &run.CreatedAt)
	if err != nil {
		return nil, err
	}
	run.Duration = time.Duration(ms) * time.Millisecond
	return &run, nil
}

// nullable maps non-finite values to NULL; not every driver stores NaN.
func nullable(x float64) interface{} {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return nil
	}
	return x
}

func orNaN(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}

func finiteOr(x, fallback float64) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return fallback
	}
	return x
}

type parameterJSON struct {
	Index  int      `json:"index"`
	Mean   *float64 `json:"mean"`
	StdDev *float64 `json:"std_dev"`
	Q16    *float64 `json:"q16"`
	Q50    *float64 `json:"q50"`
	Q84    *float64 `json:"q84"`
	RHat   *float64 `json:"rhat"`
	ESS    *float64 `json:"ess"`
}

// MarshalJSON writes non-finite statistics as null.
func (p Parameter) MarshalJSON() ([]byte, error) {
	ptr := func(x float64) *float64 {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil
		}
		return &x
	}
	return json.Marshal(parameterJSON{
		Index: p.Index, Mean: ptr(p.Mean), StdDev: ptr(p.StdDev),
		Q16: ptr(p.Q16), Q50: ptr(p.Q50), Q84: ptr(p.Q84),
		RHat: ptr(p.RHat), ESS: ptr(p.ESS),
	})
}

// UnmarshalJSON reads null statistics as NaN.
func (p *Parameter) UnmarshalJSON(data []byte) error {
	var raw parameterJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	val := func(x *float64) float64 {
		if x == nil {
			return math.NaN()
		}
		return *x
	}
	*p = Parameter{
		Index: raw.Index, Mean: val(raw.Mean), StdDev: val(raw.StdDev),
		Q16: val(raw.Q16), Q50: val(raw.Q50), Q84: val(raw.Q84),
		RHat: val(raw.RHat), ESS: val(raw.ESS),
	}
	return nil
}
