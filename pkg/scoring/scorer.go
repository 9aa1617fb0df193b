// Package scoring turns derived solar wind records into bounded anomaly
// scores, severity categories and detections.
package scoring

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/hed1ad/heliowatch/pkg/features"
	"github.com/hed1ad/heliowatch/pkg/timeseries"
)

// DefaultAlertThreshold is the score above which a record becomes a detection.
const DefaultAlertThreshold = 0.65

// GenericReason is reported when no fixed threshold explains a score.
const GenericReason = "Multiple parameter deviations"

var (
	// ErrInvalidThreshold is returned for an alert threshold outside [0, 1].
	ErrInvalidThreshold = errors.New("alert threshold must be within [0, 1]")
	// ErrInvalidTerm is returned for a term with a zero reference or negative cap.
	ErrInvalidTerm = errors.New("invalid scoring term")
)

// Term is one feature's deviation contribution.
type Term struct {
	Feature   string
	Reference float64
	Cap       float64
}

// Contribution returns min(Cap, Cap·|v-Reference|/|Reference|).
func (t Term) Contribution(v float64) float64 {
	dev := math.Abs(v-t.Reference) / math.Abs(t.Reference)
	return math.Min(t.Cap, dev*t.Cap)
}

// ReasonRule is a fixed threshold that explains a detection in words.
type ReasonRule struct {
	Feature   string
	Threshold float64
	// Below triggers on values under Threshold instead of over it.
	Below  bool
	Reason string
}

func (r ReasonRule) triggered(v float64) bool {
	if r.Below {
		return v < r.Threshold
	}
	return v > r.Threshold
}

// Config holds the scoring model.
type Config struct {
	Terms   []Term
	Reasons []ReasonRule
}

// DefaultConfig returns the solar wind deviation model.
func DefaultConfig() Config {
	return Config{
		Terms: []Term{
			{Feature: features.ProtonDensity, Reference: 8.0, Cap: 0.3},
			{Feature: features.AlphaProtonRatio, Reference: 0.04, Cap: 0.3},
			{Feature: features.ProtonVelocity, Reference: 400.0, Cap: 0.2},
			{Feature: features.ProtonTemperature, Reference: 100000.0, Cap: 0.2},
		},
		Reasons: []ReasonRule{
			{Feature: features.ProtonDensity, Threshold: 12.0, Reason: "High proton density"},
			{Feature: features.AlphaProtonRatio, Threshold: 0.06, Reason: "Elevated α/p ratio"},
			{Feature: features.ProtonVelocity, Threshold: 500.0, Reason: "Velocity increase"},
			{Feature: features.ProtonTemperature, Threshold: 80000.0, Below: true, Reason: "Temperature depression"},
		},
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if len(c.Terms) == 0 {
		return fmt.Errorf("%w: no terms", ErrInvalidTerm)
	}
	for _, t := range c.Terms {
		if t.Reference == 0 || t.Cap < 0 || math.IsNaN(t.Reference) {
			return fmt.Errorf("%w: %s", ErrInvalidTerm, t.Feature)
		}
	}
	return nil
}

// Options are the per-request scoring settings.
type Options struct {
	AlertThreshold float64
}

// DefaultOptions returns the default request settings.
func DefaultOptions() Options {
	return Options{AlertThreshold: DefaultAlertThreshold}
}

// Validate checks the options.
func (o Options) Validate() error {
	if o.AlertThreshold < 0 || o.AlertThreshold > 1 || math.IsNaN(o.AlertThreshold) {
		return fmt.Errorf("%w: %v", ErrInvalidThreshold, o.AlertThreshold)
	}
	return nil
}

// AnomalyScore is the scored view of one record.
type AnomalyScore struct {
	Time     time.Time `json:"timestamp"`
	Value    float64   `json:"score"`
	Category Category  `json:"type"`
	// Contributors lists feature names ordered by relevance; never empty.
	Contributors []string `json:"contributors"`
	// Reasons lists human-readable explanations; never empty.
	Reasons []string `json:"reasons"`
	// Terms holds each feature's capped contribution.
	Terms map[string]float64 `json:"terms"`
}

// Scorer computes anomaly scores.
type Scorer struct {
	cfg   Config
	newID func() string
}

// Option configures a Scorer.
type Option func(*Scorer)

// WithIDGenerator overrides how detection IDs are generated.
func WithIDGenerator(fn func() string) Option {
	return func(s *Scorer) {
		s.newID = fn
	}
}

// New creates a Scorer.
func New(cfg Config, opts ...Option) (*Scorer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Scorer{cfg: cfg, newID: uuid.NewString}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Score sums the capped per-feature terms of r and clamps to [0, 1].
// Features that are absent or missing contribute nothing.
func (s *Scorer) Score(r timeseries.Record) AnomalyScore {
	terms := make(map[string]float64, len(s.cfg.Terms))
	var total float64
	for _, t := range s.cfg.Terms {
		v, ok := r.Get(t.Feature)
		if !ok {
			continue
		}
		c := t.Contribution(v)
		terms[t.Feature] = c
		total += c
	}
	total = math.Max(0, math.Min(1, total))

	reasons, contributors := s.explain(r, terms)
	return AnomalyScore{
		Time:         r.Time,
		Value:        total,
		Category:     Classify(total),
		Contributors: contributors,
		Reasons:      reasons,
		Terms:        terms,
	}
}

// Reasons returns the fixed-threshold explanations for r. It never returns an
// empty list.
func (s *Scorer) Reasons(r timeseries.Record) []string {
	reasons, _ := s.explain(r, nil)
	return reasons
}

func (s *Scorer) explain(r timeseries.Record, terms map[string]float64) (reasons, contributors []string) {
	seen := make(map[string]bool)
	for _, rule := range s.cfg.Reasons {
		v, ok := r.Get(rule.Feature)
		if !ok || !rule.triggered(v) {
			continue
		}
		reasons = append(reasons, rule.Reason)
		if !seen[rule.Feature] {
			seen[rule.Feature] = true
			contributors = append(contributors, rule.Feature)
		}
	}
	if len(reasons) == 0 {
		reasons = []string{GenericReason}
	}
	if len(contributors) == 0 {
		contributors = s.rankTerms(terms)
	}
	return reasons, contributors
}

// rankTerms orders the configured features by contribution, largest first.
func (s *Scorer) rankTerms(terms map[string]float64) []string {
	out := make([]string, len(s.cfg.Terms))
	for i, t := range s.cfg.Terms {
		out[i] = t.Feature
	}
	sort.SliceStable(out, func(a, b int) bool {
		return terms[out[a]] > terms[out[b]]
	})
	return out
}

// Detect scores r and reports it as a detection when the score exceeds the
// request's alert threshold.
func (s *Scorer) Detect(r timeseries.Record, opts Options) (Detection, bool, error) {
	return s.DetectScore(s.Score(r), opts)
}

// DetectScore reports an already computed score as a detection when it
// exceeds the request's alert threshold.
func (s *Scorer) DetectScore(score AnomalyScore, opts Options) (Detection, bool, error) {
	if err := opts.Validate(); err != nil {
		return Detection{}, false, err
	}
	if score.Value <= opts.AlertThreshold {
		return Detection{}, false, nil
	}
	return NewDetection(s.newID(), score), true, nil
}
