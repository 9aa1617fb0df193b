package preprocess

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/hed1ad/heliowatch/pkg/timeseries"
)

// ErrNotFitted is returned when a scaler has no range for a column.
var ErrNotFitted = errors.New("scaler not fitted for column")

// MinMaxScaler maps each column linearly onto [0, 1] using the range observed
// when it was fitted.
type MinMaxScaler struct {
	min map[string]float64
	max map[string]float64
}

// FitMinMax learns per-column ranges from t, ignoring missing values.
// With no columns given, every column of t is fitted.
func FitMinMax(t *timeseries.Table, columns ...string) *MinMaxScaler {
	if len(columns) == 0 {
		columns = t.Columns()
	}
	s := &MinMaxScaler{
		min: make(map[string]float64, len(columns)),
		max: make(map[string]float64, len(columns)),
	}
	for _, name := range columns {
		col, ok := t.Column(name)
		if !ok {
			continue
		}
		observed := col[:0]
		for _, v := range col {
			if !math.IsNaN(v) {
				observed = append(observed, v)
			}
		}
		if len(observed) == 0 {
			continue
		}
		s.min[name] = floats.Min(observed)
		s.max[name] = floats.Max(observed)
	}
	return s
}

// Range returns the fitted minimum and maximum of a column.
func (s *MinMaxScaler) Range(name string) (lo, hi float64, ok bool) {
	lo, ok = s.min[name]
	if !ok {
		return 0, 0, false
	}
	return lo, s.max[name], true
}

func (s *MinMaxScaler) scale(name string, v float64) float64 {
	lo, hi := s.min[name], s.max[name]
	if hi == lo {
		return 0
	}
	return (v - lo) / (hi - lo)
}

func (s *MinMaxScaler) unscale(name string, v float64) float64 {
	lo, hi := s.min[name], s.max[name]
	return lo + v*(hi-lo)
}

// Transform returns a scaled copy of t. Columns the scaler was not fitted on
// are copied unchanged.
func (s *MinMaxScaler) Transform(t *timeseries.Table) *timeseries.Table {
	return s.apply(t, s.scale)
}

// Inverse undoes Transform.
func (s *MinMaxScaler) Inverse(t *timeseries.Table) *timeseries.Table {
	return s.apply(t, s.unscale)
}

func (s *MinMaxScaler) apply(t *timeseries.Table, fn func(string, float64) float64) *timeseries.Table {
	out := t.Clone()
	for _, name := range t.Columns() {
		if _, ok := s.min[name]; !ok {
			continue
		}
		col, _ := t.Column(name)
		for i, v := range col {
			if !math.IsNaN(v) {
				col[i] = fn(name, v)
			}
		}
		_ = out.SetColumn(name, col)
	}
	return out
}

// TransformVector scales a schema-ordered vector.
func (s *MinMaxScaler) TransformVector(schema timeseries.Schema, v []float64) ([]float64, error) {
	if len(v) != len(schema) {
		return nil, fmt.Errorf("%w: vector has %d values, schema has %d features",
			timeseries.ErrLengthMismatch, len(v), len(schema))
	}
	out := make([]float64, len(v))
	for i, name := range schema {
		if _, ok := s.min[name]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrNotFitted, name)
		}
		out[i] = s.scale(name, v[i])
	}
	return out, nil
}

// InverseVector maps a scaled schema-ordered vector back to physical units.
func (s *MinMaxScaler) InverseVector(schema timeseries.Schema, v []float64) ([]float64, error) {
	if len(v) != len(schema) {
		return nil, fmt.Errorf("%w: vector has %d values, schema has %d features",
			timeseries.ErrLengthMismatch, len(v), len(schema))
	}
	out := make([]float64, len(v))
	for i, name := range schema {
		if _, ok := s.min[name]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrNotFitted, name)
		}
		out[i] = s.unscale(name, v[i])
	}
	return out, nil
}
