package source

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/hed1ad/heliowatch/pkg/features"
	"github.com/hed1ad/heliowatch/pkg/timeseries"
)

// Physical floors applied to generated samples.
const (
	MinProtonDensity     = 1.0
	MinAlphaDensity      = 0.01
	MinProtonVelocity    = 200.0
	MinProtonTemperature = 10000.0
)

const (
	solarRotationHours = 27 * 24
	coronalHoleHours   = 7 * 24
	noiseSigma         = 0.1
)

// modulation is a baseline value with its solar rotation and coronal hole
// amplitudes.
type modulation struct {
	feature  string
	base     float64
	rotation float64
	hole     float64
	floor    float64
}

var modulations = []modulation{
	{features.ProtonDensity, 8.0, 0.3, 0.2, MinProtonDensity},
	{features.AlphaDensity, 0.32, 0.4, 0.3, MinAlphaDensity},
	{features.ProtonVelocity, 400.0, 0.15, 0.1, MinProtonVelocity},
	{features.ProtonTemperature, 100000.0, 0.2, 0.15, MinProtonTemperature},
}

// Synthetic generates physically plausible one-minute solar wind samples.
type Synthetic struct {
	mu    sync.Mutex
	hours int
	end   func() time.Time
	rng   *rand.Rand
}

// SyntheticOption configures a Synthetic generator.
type SyntheticOption func(*Synthetic)

// WithHours sets how many hours of data to generate.
func WithHours(h int) SyntheticOption {
	return func(s *Synthetic) {
		s.hours = h
	}
}

// WithEnd fixes the timestamp of the last sample.
func WithEnd(t time.Time) SyntheticOption {
	return func(s *Synthetic) {
		s.end = func() time.Time { return t }
	}
}

// WithRand sets the noise source.
func WithRand(rng *rand.Rand) SyntheticOption {
	return func(s *Synthetic) {
		s.rng = rng
	}
}

// NewSynthetic creates a generator of 24 hours ending now.
func NewSynthetic(opts ...SyntheticOption) *Synthetic {
	s := &Synthetic{
		hours: 24,
		end:   func() time.Time { return time.Now().UTC().Truncate(time.Minute) },
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Generate returns hours*60 samples in ascending time. Sample i minutes
// before the end carries phase i/60 hours on both modulations, and one
// N(0, 0.1) draw perturbs every feature of the sample.
func (s *Synthetic) Generate() *timeseries.Table {
	s.mu.Lock()
	defer s.mu.Unlock()

	cols := make([]string, len(modulations))
	for i, m := range modulations {
		cols[i] = m.feature
	}
	t := timeseries.New(cols...)

	n := s.hours * 60
	end := s.end()
	for i := n - 1; i >= 0; i-- {
		hours := float64(i) / 60
		rotation := math.Sin(2 * math.Pi * hours / solarRotationHours)
		hole := math.Sin(2 * math.Pi * hours / coronalHoleHours)
		noise := s.rng.NormFloat64() * noiseSigma

		values := make(map[string]float64, len(modulations))
		for _, m := range modulations {
			v := m.base * (1 + m.rotation*rotation + m.hole*hole + noise)
			values[m.feature] = math.Max(m.floor, v)
		}
		t.Append(end.Add(-time.Duration(i)*time.Minute), values)
	}
	return t
}

// Load implements Source.
func (s *Synthetic) Load(ctx context.Context) (*timeseries.Table, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.hours <= 0 {
		return nil, ErrDataUnavailable
	}
	return s.Generate(), nil
}
