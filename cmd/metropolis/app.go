package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fluxorio/metropolis/pkg/config"
	"github.com/fluxorio/metropolis/pkg/events"
	"github.com/fluxorio/metropolis/pkg/logging"
	"github.com/fluxorio/metropolis/pkg/observability/prometheus"
	"github.com/fluxorio/metropolis/pkg/observability/tracing"
	"github.com/fluxorio/metropolis/pkg/run"
	"github.com/fluxorio/metropolis/pkg/store"
)

// app holds the collaborators built from a RunConfig. close releases them
// in reverse order.
type app struct {
	logger  logging.Logger
	service *run.Service
	runs    *store.RunStore
	metrics *prometheus.Metrics

	closers []func(context.Context) error
}

func newApp(ctx context.Context, cfg config.RunConfig) (*app, error) {
	logger, err := logging.New(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: os.Stderr,
	})
	if err != nil {
		return nil, err
	}
	a := &app{logger: logger}
	opts := []run.Option{}

	if db := cfg.Output.Database; db.Driver != "" {
		pc := store.DefaultPoolConfig(db.DSN, db.Driver)
		if db.MaxOpenConns > 0 {
			pc.MaxOpenConns = db.MaxOpenConns
		}
		if strings.Contains(db.DSN, ":memory:") {
			pc.MaxOpenConns = 1
		}
		if pc.MaxIdleConns > pc.MaxOpenConns {
			pc.MaxIdleConns = pc.MaxOpenConns
		}
		pool, err := store.NewPool(ctx, pc)
		if err != nil {
			return nil, fmt.Errorf("open run store: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return pool.Close() })
		if err := store.Migrate(ctx, pool); err != nil {
			_ = a.close(ctx)
			return nil, fmt.Errorf("migrate run store: %w", err)
		}
		a.runs = store.NewRunStore(pool)
		opts = append(opts, run.WithStore(a.runs))
		logger.Infof("run store: %s", db.Driver)
	}

	if nc := cfg.Observability.NATS; nc.URL != "" {
		pub, err := events.NewNATSPublisher(events.NATSConfig{URL: nc.URL, Prefix: nc.Prefix, Name: "metropolis"})
		if err != nil {
			_ = a.close(ctx)
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return pub.Close() })
		opts = append(opts, run.WithPublisher(pub))
		logger.Infof("publishing run events to %s", nc.URL)
	}

	tp, err := tracing.New(cfg.Observability.Tracing)
	if err != nil {
		_ = a.close(ctx)
		return nil, err
	}
	tp.SetGlobal()
	a.closers = append(a.closers, tp.Shutdown)
	opts = append(opts, run.WithTracing(tp))

	if cfg.Observability.Metrics {
		a.metrics = prometheus.GetMetrics()
		opts = append(opts, run.WithMetrics(a.metrics))
	}

	a.service = run.NewService(logger, opts...)
	return a, nil
}

func (a *app) close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
