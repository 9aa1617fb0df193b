package timeseries

import (
	"fmt"
	"math"
)

// Schema is the fixed, ordered set of feature names a model was trained on.
type Schema []string

// Index returns the position of name, or -1.
func (s Schema) Index(name string) int {
	for i, n := range s {
		if n == name {
			return i
		}
	}
	return -1
}

// Vector projects a record onto the schema. Record fields outside the schema
// are ignored; a schema feature that is absent or missing is an error.
func (s Schema) Vector(r Record) ([]float64, error) {
	out := make([]float64, len(s))
	for i, name := range s {
		v, ok := r.Values[name]
		if !ok || math.IsNaN(v) {
			return nil, &RecordError{Time: r.Time, Feature: name}
		}
		out[i] = v
	}
	return out, nil
}

// Matrix projects every row of t onto the schema. Rows that cannot be
// projected are skipped and their indices returned in dropped.
func (s Schema) Matrix(t *Table) (rows [][]float64, kept []int, dropped []int) {
	for i := 0; i < t.Len(); i++ {
		v, err := s.Vector(t.Record(i))
		if err != nil {
			dropped = append(dropped, i)
			continue
		}
		rows = append(rows, v)
		kept = append(kept, i)
	}
	return rows, kept, dropped
}

// Named maps a vector back to feature names.
func (s Schema) Named(v []float64) (map[string]float64, error) {
	if len(v) != len(s) {
		return nil, fmt.Errorf("%w: vector has %d values, schema has %d features",
			ErrLengthMismatch, len(v), len(s))
	}
	out := make(map[string]float64, len(s))
	for i, name := range s {
		out[name] = v[i]
	}
	return out, nil
}
