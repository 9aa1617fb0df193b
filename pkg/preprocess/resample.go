package preprocess

import (
	"errors"
	"math"
	"time"

	"github.com/hed1ad/heliowatch/pkg/timeseries"
)

// ErrInvalidCadence is returned for a non-positive resampling cadence.
var ErrInvalidCadence = errors.New("cadence must be positive")

// Resampler aggregates a table to a fixed cadence.
type Resampler struct {
	cadence time.Duration
}

// NewResampler creates a Resampler with the given bin width.
func NewResampler(cadence time.Duration) *Resampler {
	return &Resampler{cadence: cadence}
}

// Cadence returns the bin width.
func (r *Resampler) Cadence() time.Duration {
	return r.cadence
}

// Resample returns one row per bin from the first to the last populated bin.
// Each value is the arithmetic mean of the non-missing samples in its bin;
// a bin with no samples for a column yields a missing value.
func (r *Resampler) Resample(t *timeseries.Table) (*timeseries.Table, error) {
	if r.cadence <= 0 {
		return nil, ErrInvalidCadence
	}

	columns := t.Columns()
	out := timeseries.New(columns...)
	if t.Len() == 0 {
		return out, nil
	}

	sorted := t.Sorted()
	start := sorted.Time(0).Truncate(r.cadence)
	end := sorted.Time(sorted.Len() - 1).Truncate(r.cadence)
	nBins := int(end.Sub(start)/r.cadence) + 1

	sums := make(map[string][]float64, len(columns))
	counts := make(map[string][]int, len(columns))
	for _, name := range columns {
		sums[name] = make([]float64, nBins)
		counts[name] = make([]int, nBins)
	}

	for i := 0; i < sorted.Len(); i++ {
		bin := int(sorted.Time(i).Sub(start) / r.cadence)
		for _, name := range columns {
			v := sorted.Value(i, name)
			if math.IsNaN(v) {
				continue
			}
			sums[name][bin] += v
			counts[name][bin]++
		}
	}

	for b := 0; b < nBins; b++ {
		row := make(map[string]float64, len(columns))
		for _, name := range columns {
			if counts[name][b] == 0 {
				row[name] = timeseries.Missing()
				continue
			}
			row[name] = sums[name][b] / float64(counts[name][b])
		}
		out.Append(start.Add(time.Duration(b)*r.cadence), row)
	}

	return out, nil
}
