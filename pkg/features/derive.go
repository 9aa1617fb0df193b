// Package features derives ratio and rolling-statistic columns from solar
// wind tables.
package features

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/hed1ad/heliowatch/pkg/timeseries"
)

// Instrument and derived feature names.
const (
	ProtonDensity     = "proton_density"
	AlphaDensity      = "alpha_density"
	ProtonVelocity    = "proton_velocity"
	ProtonTemperature = "proton_temperature"

	AlphaProtonRatio         = "alpha_proton_ratio"
	VelocityTemperatureRatio = "velocity_temperature_ratio"

	RollingMeanSuffix = "_rolling_mean"
	RollingStdSuffix  = "_rolling_std"
)

// Base lists the instrument measurements in canonical order.
var Base = []string{ProtonDensity, AlphaDensity, ProtonVelocity, ProtonTemperature}

var (
	// ErrInvalidWindow is returned for a rolling window below 1.
	ErrInvalidWindow = errors.New("rolling window must be >= 1")
	// ErrInvalidMinPeriods is returned when min periods is outside [1, window].
	ErrInvalidMinPeriods = errors.New("min periods must be within [1, window]")
	// ErrInvalidEpsilon is returned for a negative division guard.
	ErrInvalidEpsilon = errors.New("epsilon must be >= 0")
)

// Ratio derives Name = Numerator / Denominator.
type Ratio struct {
	Name        string
	Numerator   string
	Denominator string
}

// Config controls which columns are derived.
type Config struct {
	Ratios []Ratio
	// Rolling lists the columns that get trailing mean and std columns.
	Rolling []string
	// Window is the trailing window length in samples.
	Window int
	// MinPeriods is the number of observations a window needs to produce a mean.
	MinPeriods int
	// Epsilon guards ratio denominators: a denominator <= Epsilon yields missing.
	Epsilon float64
}

// DefaultConfig returns the solar wind derivation set.
func DefaultConfig() Config {
	return Config{
		Ratios: []Ratio{
			{Name: AlphaProtonRatio, Numerator: AlphaDensity, Denominator: ProtonDensity},
			{Name: VelocityTemperatureRatio, Numerator: ProtonVelocity, Denominator: ProtonTemperature},
		},
		Rolling:    []string{ProtonDensity, ProtonVelocity, ProtonTemperature},
		Window:     10,
		MinPeriods: 1,
		Epsilon:    1e-12,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Window < 1 {
		return ErrInvalidWindow
	}
	if c.MinPeriods < 1 || c.MinPeriods > c.Window {
		return ErrInvalidMinPeriods
	}
	if c.Epsilon < 0 {
		return ErrInvalidEpsilon
	}
	return nil
}

// Deriver appends derived columns to a table.
type Deriver struct {
	cfg Config
}

// NewDeriver creates a Deriver.
func NewDeriver(cfg Config) (*Deriver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Deriver{cfg: cfg}, nil
}

// Columns returns the names of every column the Deriver can produce.
func (d *Deriver) Columns() []string {
	var out []string
	for _, r := range d.cfg.Ratios {
		out = append(out, r.Name)
	}
	for _, c := range d.cfg.Rolling {
		out = append(out, c+RollingMeanSuffix, c+RollingStdSuffix)
	}
	return out
}

// Derive returns a copy of t with derived columns appended after the existing
// ones. Existing columns are never modified or reordered; a derived column that
// is already present is left as is, so applying Derive twice is a no-op.
// A derivation whose source column is absent is skipped; rows whose inputs are
// missing get a missing value.
func (d *Deriver) Derive(t *timeseries.Table) (*timeseries.Table, error) {
	out := t.Clone()

	for _, r := range d.cfg.Ratios {
		if out.HasColumn(r.Name) {
			continue
		}
		num, okN := t.Column(r.Numerator)
		den, okD := t.Column(r.Denominator)
		if !okN || !okD {
			continue
		}
		if err := out.SetColumn(r.Name, ratio(num, den, d.cfg.Epsilon)); err != nil {
			return nil, err
		}
	}

	for _, name := range d.cfg.Rolling {
		col, ok := t.Column(name)
		if !ok {
			continue
		}
		meanName, stdName := name+RollingMeanSuffix, name+RollingStdSuffix
		mean, std := rolling(col, d.cfg.Window, d.cfg.MinPeriods)
		if !out.HasColumn(meanName) {
			if err := out.SetColumn(meanName, mean); err != nil {
				return nil, err
			}
		}
		if !out.HasColumn(stdName) {
			if err := out.SetColumn(stdName, std); err != nil {
				return nil, err
			}
		}
	}

	return out, nil
}

func ratio(num, den []float64, eps float64) []float64 {
	out := make([]float64, len(num))
	for i := range num {
		if math.IsNaN(num[i]) || math.IsNaN(den[i]) || den[i] <= eps {
			out[i] = math.NaN()
			continue
		}
		out[i] = num[i] / den[i]
	}
	return out
}

// rolling computes the trailing mean and sample standard deviation over the
// last window samples, counting only observed values.
func rolling(col []float64, window, minPeriods int) (mean, std []float64) {
	mean = make([]float64, len(col))
	std = make([]float64, len(col))
	buf := make([]float64, 0, window)

	for i := range col {
		buf = buf[:0]
		for j := max(0, i-window+1); j <= i; j++ {
			if !math.IsNaN(col[j]) {
				buf = append(buf, col[j])
			}
		}

		mean[i], std[i] = math.NaN(), math.NaN()
		if len(buf) >= minPeriods {
			mean[i] = stat.Mean(buf, nil)
		}
		if len(buf) >= minPeriods && len(buf) >= 2 {
			std[i] = stat.StdDev(buf, nil)
		}
	}
	return mean, std
}
