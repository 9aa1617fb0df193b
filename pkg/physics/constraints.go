// Package physics scores the physical implausibility of reconstructed solar
// wind samples.
//
// A Registry holds independent rules. Each rule names the features it needs
// and returns a non-negative penalty for one sample; the registry averages each
// rule over a batch and sums the rules. A rule whose features are not in the
// schema contributes zero.
package physics

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/hed1ad/heliowatch/pkg/features"
	"github.com/hed1ad/heliowatch/pkg/timeseries"
)

const (
	// DefaultMaxAlphaProtonRatio is the upper alpha/proton density ratio for normal slow wind.
	DefaultMaxAlphaProtonRatio = 0.08
	// DefaultRatioEpsilon stabilizes the ratio denominator.
	DefaultRatioEpsilon = 1e-6
)

// ErrDuplicateRule is returned when a rule name is registered twice.
var ErrDuplicateRule = errors.New("rule already registered")

// PenaltyFunc returns the non-negative penalty for one sample. values holds
// exactly the features the rule requires.
type PenaltyFunc func(values map[string]float64) float64

// Rule is one physical constraint.
type Rule struct {
	Name     string
	Requires []string
	Penalty  PenaltyFunc
}

// Registry is an extensible set of rules.
type Registry struct {
	mu    sync.RWMutex
	rules map[string]Rule
}

// NewRegistry creates a registry holding the given rules.
func NewRegistry(rules ...Rule) (*Registry, error) {
	r := &Registry{rules: make(map[string]Rule)}
	for _, rule := range rules {
		if err := r.Register(rule); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Default returns a registry with the alpha/proton ratio rule.
func Default() *Registry {
	r, _ := NewRegistry(AlphaProtonRatioRule(DefaultMaxAlphaProtonRatio, DefaultRatioEpsilon))
	return r
}

// Register adds a rule.
func (r *Registry) Register(rule Rule) error {
	if rule.Name == "" || rule.Penalty == nil {
		return errors.New("rule needs a name and a penalty function")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rules[rule.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateRule, rule.Name)
	}
	r.rules[rule.Name] = rule
	return nil
}

// Names returns the registered rule names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.rules))
	for name := range r.rules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Breakdown returns each applicable rule's mean penalty over batch.
// Rows must follow schema order.
func (r *Registry) Breakdown(batch [][]float64, schema timeseries.Schema) (map[string]float64, error) {
	for i, row := range batch {
		if len(row) != len(schema) {
			return nil, fmt.Errorf("%w: row %d has %d values, schema has %d features",
				timeseries.ErrLengthMismatch, i, len(row), len(schema))
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]float64, len(r.rules))
	for name, rule := range r.rules {
		idx, ok := resolve(rule.Requires, schema)
		if !ok || len(batch) == 0 {
			out[name] = 0
			continue
		}

		var sum float64
		values := make(map[string]float64, len(rule.Requires))
		for _, row := range batch {
			for j, feature := range rule.Requires {
				values[feature] = row[idx[j]]
			}
			if p := rule.Penalty(values); p > 0 && !math.IsNaN(p) {
				sum += p
			}
		}
		out[name] = sum / float64(len(batch))
	}
	return out, nil
}

// Penalty returns the total penalty of batch under every applicable rule.
func (r *Registry) Penalty(batch [][]float64, schema timeseries.Schema) (float64, error) {
	parts, err := r.Breakdown(batch, schema)
	if err != nil {
		return 0, err
	}
	var total float64
	for _, p := range parts {
		total += p
	}
	return total, nil
}

// PenaltyOne scores a single reconstructed vector.
func (r *Registry) PenaltyOne(v []float64, schema timeseries.Schema) (float64, error) {
	return r.Penalty([][]float64{v}, schema)
}

func resolve(required []string, schema timeseries.Schema) ([]int, bool) {
	idx := make([]int, len(required))
	for i, name := range required {
		idx[i] = schema.Index(name)
		if idx[i] < 0 {
			return nil, false
		}
	}
	return idx, true
}

// AlphaProtonRatioRule penalizes alpha/(proton+eps) above maxRatio by the excess.
func AlphaProtonRatioRule(maxRatio, eps float64) Rule {
	return Rule{
		Name:     "alpha_proton_ratio",
		Requires: []string{features.AlphaDensity, features.ProtonDensity},
		Penalty: func(v map[string]float64) float64 {
			ratio := v[features.AlphaDensity] / (v[features.ProtonDensity] + eps)
			return math.Max(0, ratio-maxRatio)
		},
	}
}

// MinimumRule penalizes values of feature below floor by the shortfall.
func MinimumRule(feature string, floor float64) Rule {
	return Rule{
		Name:     "min_" + feature,
		Requires: []string{feature},
		Penalty: func(v map[string]float64) float64 {
			return math.Max(0, floor-v[feature])
		},
	}
}

// MaximumRule penalizes values of feature above ceiling by the excess.
func MaximumRule(feature string, ceiling float64) Rule {
	return Rule{
		Name:     "max_" + feature,
		Requires: []string{feature},
		Penalty: func(v map[string]float64) float64 {
			return math.Max(0, v[feature]-ceiling)
		},
	}
}
