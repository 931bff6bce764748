package model

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/fluxorio/metropolis/pkg/config"
	"github.com/fluxorio/metropolis/pkg/mcmc"
)

var (
	_ mcmc.Model[None]    = (*Gaussian)(nil)
	_ mcmc.Model[Dataset] = (*Line)(nil)
	_ mcmc.Model[Dataset] = (*ScatterLine)(nil)
)

// ErrUnknownModel is returned by Build for a name nothing registered.
var ErrUnknownModel = errors.New("unknown model")

// Builder turns a model section and its data section into a target.
type Builder func(cfg config.ModelConfig, data config.DataConfig) (mcmc.Target, error)

// Registry maps model names to builders. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

// NewRegistry returns a registry holding gaussian, line and line-scatter.
func NewRegistry() *Registry {
	r := &Registry{builders: make(map[string]Builder)}
	r.Register("gaussian", buildGaussian)
	r.Register("line", buildLine)
	r.Register("line-scatter", buildScatterLine)
	return r
}

// Register adds or replaces a builder.
func (r *Registry) Register(name string, b Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[name] = b
}

// Names returns the registered names in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.builders))
	for n := range r.builders {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Build looks up cfg.Name and builds its target.
func (r *Registry) Build(cfg config.ModelConfig, data config.DataConfig) (mcmc.Target, error) {
	r.mu.RLock()
	b, ok := r.builders[cfg.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q (registered: %v)", ErrUnknownModel, cfg.Name, r.Names())
	}
	t, err := b(cfg, data)
	if err != nil {
		return nil, fmt.Errorf("model %s: %w: %w", cfg.Name, mcmc.ErrInvalidConfig, err)
	}
	return t, nil
}

func buildGaussian(cfg config.ModelConfig, _ config.DataConfig) (mcmc.Target, error) {
	g, err := NewGaussian(cfg.Mean, cfg.StdDev)
	if err != nil {
		return nil, err
	}
	return mcmc.Bind[None](g, None{}), nil
}

func buildLine(cfg config.ModelConfig, data config.DataConfig) (mcmc.Target, error) {
	prior, ds, err := lineInputs(cfg, data)
	if err != nil {
		return nil, err
	}
	l, err := NewLine(prior)
	if err != nil {
		return nil, err
	}
	return mcmc.Bind[Dataset](l, ds), nil
}

func buildScatterLine(cfg config.ModelConfig, data config.DataConfig) (mcmc.Target, error) {
	prior, ds, err := lineInputs(cfg, data)
	if err != nil {
		return nil, err
	}
	l, err := NewScatterLine(prior)
	if err != nil {
		return nil, err
	}
	return mcmc.Bind[Dataset](l, ds), nil
}

func lineInputs(cfg config.ModelConfig, data config.DataConfig) (Bounds, Dataset, error) {
	prior, err := NewBounds(cfg.Lower, cfg.Upper)
	if err != nil {
		return Bounds{}, Dataset{}, err
	}
	ds, err := DatasetFrom(data)
	if err != nil {
		return Bounds{}, Dataset{}, err
	}
	return prior, ds, nil
}
