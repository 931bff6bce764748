package model

import (
	"fmt"
	"math"

	"github.com/fluxorio/metropolis/pkg/config"
)

// Dataset holds observations y at x with one-sigma uncertainties yerr.
type Dataset struct {
	X    []float64 `yaml:"x" json:"x"`
	Y    []float64 `yaml:"y" json:"y"`
	YErr []float64 `yaml:"yerr" json:"yerr"`
}

// Len returns the number of points.
func (d Dataset) Len() int { return len(d.X) }

// Validate requires equal, non-zero lengths, finite values and positive
// uncertainties.
func (d Dataset) Validate() error {
	if len(d.X) == 0 {
		return fmt.Errorf("dataset is empty")
	}
	if len(d.Y) != len(d.X) || len(d.YErr) != len(d.X) {
		return fmt.Errorf("dataset lengths differ: x=%d y=%d yerr=%d", len(d.X), len(d.Y), len(d.YErr))
	}
	for i := range d.X {
		if !finite(d.X[i]) || !finite(d.Y[i]) {
			return fmt.Errorf("dataset point %d is not finite", i)
		}
		if !(d.YErr[i] > 0) || math.IsInf(d.YErr[i], 1) {
			return fmt.Errorf("dataset point %d has uncertainty %v", i, d.YErr[i])
		}
	}
	return nil
}

// LoadDataset reads a YAML or JSON dataset and validates it.
func LoadDataset(path string) (Dataset, error) {
	var d Dataset
	if err := config.Load(path, &d); err != nil {
		return Dataset{}, err
	}
	if err := d.Validate(); err != nil {
		return Dataset{}, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}

// DatasetFrom resolves a data section: a file when Path is set, the inline
// arrays otherwise.
func DatasetFrom(c config.DataConfig) (Dataset, error) {
	if c.Path != "" {
		return LoadDataset(c.Path)
	}
	d := Dataset{X: c.X, Y: c.Y, YErr: c.YErr}
	if err := d.Validate(); err != nil {
		return Dataset{}, err
	}
	return d, nil
}

func finite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}
