// Package preprocess implements gap filling, fixed-cadence resampling and
// min-max scaling of time series tables.
package preprocess

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/interp"

	"github.com/hed1ad/heliowatch/pkg/timeseries"
)

// Method selects how the Cleaner resolves missing values.
type Method string

const (
	MethodInterpolate  Method = "interpolate" // time-weighted interpolation between observations
	MethodForwardFill  Method = "ffill"       // carry the last observation forward
	MethodBackwardFill Method = "bfill"       // carry the next observation backward
	MethodDrop         Method = "drop"        // drop every row with a missing value
)

var (
	// ErrUnknownMethod is returned for an unsupported cleaning method.
	ErrUnknownMethod = errors.New("unknown cleaning method")
	// ErrInvalidOrder is returned for an interpolation order below 1.
	ErrInvalidOrder = errors.New("interpolation order must be >= 1")
)

// ParseMethod converts a string to a Method.
func ParseMethod(s string) (Method, error) {
	switch m := Method(s); m {
	case MethodInterpolate, MethodForwardFill, MethodBackwardFill, MethodDrop:
		return m, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMethod, s)
}

// Cleaner fills missing samples in a table.
type Cleaner struct {
	method         Method
	order          int
	dropUnresolved bool
}

// CleanOption configures a Cleaner.
type CleanOption func(*Cleaner)

// WithMethod sets the gap-filling method.
func WithMethod(m Method) CleanOption {
	return func(c *Cleaner) {
		c.method = m
	}
}

// WithOrder sets the interpolation polynomial order. Order 1 is linear in time.
func WithOrder(k int) CleanOption {
	return func(c *Cleaner) {
		c.order = k
	}
}

// WithDropUnresolved drops rows whose gaps could not be filled instead of
// leaving them missing and reporting them.
func WithDropUnresolved(drop bool) CleanOption {
	return func(c *Cleaner) {
		c.dropUnresolved = drop
	}
}

// NewCleaner creates a Cleaner. The default is linear time-weighted interpolation.
func NewCleaner(opts ...CleanOption) *Cleaner {
	c := &Cleaner{
		method: MethodInterpolate,
		order:  1,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CleanReport summarizes a Clean call.
type CleanReport struct {
	// Filled is the number of cells that received a value.
	Filled int
	// Unresolved maps a column to the rows that are still missing.
	Unresolved map[string][]int
	// Dropped is the number of rows removed.
	Dropped int
}

// UnresolvedCount returns the number of cells left missing.
func (r CleanReport) UnresolvedCount() int {
	n := 0
	for _, rows := range r.Unresolved {
		n += len(rows)
	}
	return n
}

// Clean returns a copy of t with missing values resolved. Original timestamps
// are preserved. Gaps without an observation on the side the method needs
// are never fabricated: they are reported in CleanReport.Unresolved, or their
// rows dropped when WithDropUnresolved is set.
func (c *Cleaner) Clean(t *timeseries.Table) (*timeseries.Table, CleanReport, error) {
	report := CleanReport{Unresolved: make(map[string][]int)}

	if c.method == MethodInterpolate && c.order < 1 {
		return nil, report, ErrInvalidOrder
	}

	if c.method == MethodDrop {
		out, dropped := dropMissing(t)
		report.Dropped = dropped
		return out, report, nil
	}

	out := t.Clone()
	index := t.Index()

	for _, name := range t.Columns() {
		col, _ := t.Column(name)

		var filled int
		var unresolved []int
		switch c.method {
		case MethodInterpolate:
			filled, unresolved = interpolate(index, col, c.order)
		case MethodForwardFill:
			filled, unresolved = forwardFill(col)
		case MethodBackwardFill:
			filled, unresolved = backwardFill(col)
		default:
			return nil, report, fmt.Errorf("%w: %q", ErrUnknownMethod, c.method)
		}

		if err := out.SetColumn(name, col); err != nil {
			return nil, report, err
		}
		report.Filled += filled
		if len(unresolved) > 0 {
			report.Unresolved[name] = unresolved
		}
	}

	if c.dropUnresolved && len(report.Unresolved) > 0 {
		bad := make(map[int]bool)
		for _, rows := range report.Unresolved {
			for _, r := range rows {
				bad[r] = true
			}
		}
		keep := make([]int, 0, out.Len()-len(bad))
		for i := 0; i < out.Len(); i++ {
			if !bad[i] {
				keep = append(keep, i)
			}
		}
		report.Dropped = len(bad)
		out = out.Select(keep)
	}

	return out, report, nil
}

func dropMissing(t *timeseries.Table) (*timeseries.Table, int) {
	columns := t.Columns()
	keep := make([]int, 0, t.Len())
	for i := 0; i < t.Len(); i++ {
		complete := true
		for _, name := range columns {
			if timeseries.IsMissing(t.Value(i, name)) {
				complete = false
				break
			}
		}
		if complete {
			keep = append(keep, i)
		}
	}
	return t.Select(keep), t.Len() - len(keep)
}

// interpolate fills interior gaps in col in place, weighting by elapsed time.
func interpolate(index []time.Time, col []float64, order int) (filled int, unresolved []int) {
	known := make([]int, 0, len(col))
	for i, v := range col {
		if !math.IsNaN(v) {
			known = append(known, i)
		}
	}

	var pl *interp.PiecewiseLinear
	if order == 1 {
		pl = fitLinear(index, col, known)
	}

	for i, v := range col {
		if !math.IsNaN(v) {
			continue
		}
		if len(known) == 0 || i < known[0] || i > known[len(known)-1] {
			unresolved = append(unresolved, i)
			continue
		}

		// first known position after i
		hi := sort.SearchInts(known, i)
		lo := hi - 1

		switch {
		case order > 1:
			col[i] = lagrange(index, col, known, lo, hi, i, order+1)
		case pl != nil:
			col[i] = pl.Predict(index[i].Sub(index[0]).Seconds())
		default:
			col[i] = col[known[lo]]
		}
		filled++
	}
	return filled, unresolved
}

// fitLinear fits a piecewise linear curve through the observed values over
// elapsed seconds. Observations that do not advance in time are skipped.
// It returns nil when fewer than two distinct times remain.
func fitLinear(index []time.Time, col []float64, known []int) *interp.PiecewiseLinear {
	xs := make([]float64, 0, len(known))
	ys := make([]float64, 0, len(known))
	for _, k := range known {
		x := index[k].Sub(index[0]).Seconds()
		if len(xs) > 0 && x <= xs[len(xs)-1] {
			continue
		}
		xs = append(xs, x)
		ys = append(ys, col[k])
	}
	if len(xs) < 2 {
		return nil
	}

	var pl interp.PiecewiseLinear
	if err := pl.Fit(xs, ys); err != nil {
		return nil
	}
	return &pl
}

// lagrange evaluates the polynomial through the n observations nearest in time
// to row at, growing outward from the bracketing pair lo/hi.
func lagrange(index []time.Time, col []float64, known []int, lo, hi, at, n int) float64 {
	var xs, ys []float64
	seen := make(map[float64]bool)
	add := func(row int) {
		x := index[row].Sub(index[at]).Seconds()
		if seen[x] {
			return
		}
		seen[x] = true
		xs = append(xs, x)
		ys = append(ys, col[row])
	}

	add(known[lo])
	add(known[hi])
	l, h := lo-1, hi+1
	for len(xs) < n && (l >= 0 || h < len(known)) {
		switch {
		case l < 0:
			add(known[h])
			h++
		case h >= len(known):
			add(known[l])
			l--
		case index[at].Sub(index[known[l]]) <= index[known[h]].Sub(index[at]):
			add(known[l])
			l--
		default:
			add(known[h])
			h++
		}
	}

	var result float64
	for j := range xs {
		term := ys[j]
		for m := range xs {
			if m == j {
				continue
			}
			term *= (0 - xs[m]) / (xs[j] - xs[m])
		}
		result += term
	}
	return result
}

func forwardFill(col []float64) (filled int, unresolved []int) {
	last := math.NaN()
	for i, v := range col {
		if !math.IsNaN(v) {
			last = v
			continue
		}
		if math.IsNaN(last) {
			unresolved = append(unresolved, i)
			continue
		}
		col[i] = last
		filled++
	}
	return filled, unresolved
}

func backwardFill(col []float64) (filled int, unresolved []int) {
	next := math.NaN()
	for i := len(col) - 1; i >= 0; i-- {
		if !math.IsNaN(col[i]) {
			next = col[i]
			continue
		}
		if math.IsNaN(next) {
			unresolved = append(unresolved, i)
			continue
		}
		col[i] = next
		filled++
	}
	sort.Ints(unresolved)
	return filled, unresolved
}
