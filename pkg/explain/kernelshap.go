// Package explain attributes a black-box model output to its input features
// with the Kernel SHAP estimator.
//
// The model is only ever called as a function. For each coalition of features
// the instance's values are merged into every background row and the outputs
// averaged; a Shapley-kernel weighted least squares fit over the coalitions,
// constrained to sum to f(x) - E[f(background)], yields the attributions.
package explain

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/combin"
)

// ErrExplanationUnavailable is returned when attributions cannot be computed.
// Callers on the scoring path treat it as "no explanation".
var ErrExplanationUnavailable = errors.New("explanation unavailable")

const (
	// DefaultSamples bounds the number of coalitions evaluated per explanation.
	DefaultSamples = 2048
	ridge          = 1e-10
	maxEnumerable  = 30
)

// Func is the explained model. It must be safe for concurrent use.
type Func func(x []float64) (float64, error)

// Attribution is one feature's signed contribution.
type Attribution struct {
	Feature string  `json:"feature"`
	Value   float64 `json:"value"`
}

// Explanation holds the attributions for one instance.
type Explanation struct {
	Attributions map[string]float64 `json:"attributions"`
	// Baseline is the mean model output over the background set.
	Baseline float64 `json:"baseline"`
	// Value is the model output for the explained instance.
	Value float64 `json:"value"`
	// Confidence is the weighted R² of the coalition fit, in [0, 1].
	Confidence float64 `json:"confidence"`
	// Coalitions is the number of feature subsets evaluated.
	Coalitions int `json:"coalitions"`
}

// Sum returns the total attribution.
func (e Explanation) Sum() float64 {
	var s float64
	for _, v := range e.Attributions {
		s += v
	}
	return s
}

// Top returns the n attributions with the largest magnitude.
func (e Explanation) Top(n int) []Attribution {
	out := make([]Attribution, 0, len(e.Attributions))
	for name, v := range e.Attributions {
		out = append(out, Attribution{Feature: name, Value: v})
	}
	sort.Slice(out, func(i, j int) bool {
		ai, aj := math.Abs(out[i].Value), math.Abs(out[j].Value)
		if ai != aj {
			return ai > aj
		}
		return out[i].Feature < out[j].Feature
	})
	if n >= 0 && n < len(out) {
		out = out[:n]
	}
	return out
}

// Explainer computes Kernel SHAP attributions against a background set.
type Explainer struct {
	fn         Func
	background [][]float64
	names      []string
	samples    int
	workers    int
	seed       int64
}

// Option configures an Explainer.
type Option func(*Explainer)

// WithFeatureNames names the attributions. Unnamed features are called f0, f1, ...
func WithFeatureNames(names ...string) Option {
	return func(e *Explainer) {
		e.names = append([]string(nil), names...)
	}
}

// WithSamples sets the coalition budget. When every non-trivial coalition fits
// in the budget they are enumerated exactly.
func WithSamples(n int) Option {
	return func(e *Explainer) {
		e.samples = n
	}
}

// WithWorkers bounds concurrent coalition evaluations.
func WithWorkers(n int) Option {
	return func(e *Explainer) {
		e.workers = n
	}
}

// WithSeed sets the seed used to draw coalitions.
func WithSeed(seed int64) Option {
	return func(e *Explainer) {
		e.seed = seed
	}
}

// New creates an Explainer for fn over background.
func New(fn Func, background [][]float64, opts ...Option) (*Explainer, error) {
	if fn == nil {
		return nil, fmt.Errorf("%w: no model function", ErrExplanationUnavailable)
	}
	if len(background) == 0 || len(background[0]) == 0 {
		return nil, fmt.Errorf("%w: empty background set", ErrExplanationUnavailable)
	}
	dim := len(background[0])
	for i, row := range background {
		if len(row) != dim {
			return nil, fmt.Errorf("%w: background row %d has %d values, want %d",
				ErrExplanationUnavailable, i, len(row), dim)
		}
	}

	e := &Explainer{
		fn:         fn,
		background: background,
		samples:    DefaultSamples,
		workers:    runtime.GOMAXPROCS(0),
		seed:       42,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.samples < 1 || e.workers < 1 {
		return nil, errors.New("samples and workers must be positive")
	}
	if e.names == nil {
		e.names = make([]string, dim)
		for i := range e.names {
			e.names[i] = fmt.Sprintf("f%d", i)
		}
	}
	if len(e.names) != dim {
		return nil, fmt.Errorf("%w: %d feature names for %d features",
			ErrExplanationUnavailable, len(e.names), dim)
	}
	return e, nil
}

// Dim returns the number of features explained.
func (e *Explainer) Dim() int {
	return len(e.names)
}

// Explain attributes fn(x) - E[fn(background)] to the features of x.
func (e *Explainer) Explain(ctx context.Context, x []float64) (Explanation, error) {
	m := len(e.names)
	if len(x) != m {
		return Explanation{}, fmt.Errorf("%w: instance has %d values, want %d",
			ErrExplanationUnavailable, len(x), m)
	}

	fx, err := e.fn(x)
	if err != nil {
		return Explanation{}, fmt.Errorf("%w: %v", ErrExplanationUnavailable, err)
	}
	base, err := e.expected(ctx, nil, x)
	if err != nil {
		return Explanation{}, err
	}

	out := Explanation{
		Attributions: make(map[string]float64, m),
		Baseline:     base,
		Value:        fx,
		Confidence:   1,
	}
	if m == 1 {
		out.Attributions[e.names[0]] = fx - base
		return out, nil
	}

	masks, weights := e.coalitions(m)
	values := make([]float64, len(masks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i, mask := range masks {
		i, mask := i, mask
		g.Go(func() error {
			v, err := e.expected(gctx, mask, x)
			if err != nil {
				return err
			}
			values[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Explanation{}, err
	}

	phi, confidence, err := solve(masks, weights, values, fx, base)
	if err != nil {
		return Explanation{}, err
	}
	for i, name := range e.names {
		out.Attributions[name] = phi[i]
	}
	out.Confidence = confidence
	out.Coalitions = len(masks)
	return out, nil
}

// expected averages fn over the background with the masked features taken
// from x. A nil mask keeps every background value.
func (e *Explainer) expected(ctx context.Context, mask []bool, x []float64) (float64, error) {
	buf := make([]float64, len(x))
	var sum float64
	for _, row := range e.background {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		copy(buf, row)
		for j, on := range mask {
			if on {
				buf[j] = x[j]
			}
		}
		v, err := e.fn(buf)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrExplanationUnavailable, err)
		}
		sum += v
	}
	return sum / float64(len(e.background)), nil
}

// coalitions enumerates every proper non-empty subset with exact Shapley
// kernel weights when the budget allows, and otherwise draws subset sizes
// from the kernel distribution with unit weights.
func (e *Explainer) coalitions(m int) ([][]bool, []float64) {
	if m < maxEnumerable && (1<<m)-2 <= e.samples {
		n := (1 << m) - 2
		masks := make([][]bool, 0, n)
		weights := make([]float64, 0, n)
		for bits := 1; bits < (1<<m)-1; bits++ {
			mask := make([]bool, m)
			size := 0
			for j := 0; j < m; j++ {
				if bits&(1<<j) != 0 {
					mask[j] = true
					size++
				}
			}
			masks = append(masks, mask)
			weights = append(weights, kernelWeight(m, size))
		}
		return masks, weights
	}

	rng := rand.New(rand.NewSource(e.seed))
	cdf := make([]float64, m-1)
	var total float64
	for s := 1; s < m; s++ {
		total += float64(m-1) / float64(s*(m-s))
		cdf[s-1] = total
	}

	masks := make([][]bool, e.samples)
	weights := make([]float64, e.samples)
	for i := range masks {
		u := rng.Float64() * total
		size := sort.SearchFloat64s(cdf, u) + 1
		if size > m-1 {
			size = m - 1
		}
		mask := make([]bool, m)
		for _, j := range rng.Perm(m)[:size] {
			mask[j] = true
		}
		masks[i] = mask
		weights[i] = 1
	}
	return masks, weights
}

func kernelWeight(m, size int) float64 {
	return float64(m-1) / (float64(combin.Binomial(m, size)) * float64(size) * float64(m-size))
}

// solve fits v(z) - base = Σ z_j·phi_j under Σ phi_j = fx - base by
// eliminating the last feature.
func solve(masks [][]bool, weights, values []float64, fx, base float64) ([]float64, float64, error) {
	m := len(masks[0])
	k := len(masks)
	delta := fx - base

	x := mat.NewDense(k, m-1, nil)
	y := mat.NewVecDense(k, nil)
	for r, mask := range masks {
		last := indicator(mask[m-1])
		for j := 0; j < m-1; j++ {
			x.Set(r, j, indicator(mask[j])-last)
		}
		y.SetVec(r, values[r]-base-last*delta)
	}

	w := mat.NewDiagDense(k, weights)
	var wx mat.Dense
	wx.Mul(w, x)

	var lhs mat.Dense
	lhs.Mul(x.T(), &wx)
	for j := 0; j < m-1; j++ {
		lhs.Set(j, j, lhs.At(j, j)+ridge)
	}
	var rhs mat.VecDense
	rhs.MulVec(wx.T(), y)

	var beta mat.VecDense
	if err := beta.SolveVec(&lhs, &rhs); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return nil, 0, fmt.Errorf("%w: %v", ErrExplanationUnavailable, err)
		}
	}

	phi := make([]float64, m)
	var rest float64
	for j := 0; j < m-1; j++ {
		phi[j] = beta.AtVec(j)
		rest += phi[j]
	}
	phi[m-1] = delta - rest

	return phi, fitQuality(masks, weights, values, phi, base), nil
}

// fitQuality is the weighted R² of the additive model over the coalitions,
// clamped to [0, 1].
func fitQuality(masks [][]bool, weights, values, phi []float64, base float64) float64 {
	var wsum, wmean float64
	for r := range masks {
		wsum += weights[r]
		wmean += weights[r] * (values[r] - base)
	}
	wmean /= wsum

	var ssRes, ssTot float64
	for r, mask := range masks {
		target := values[r] - base
		var pred float64
		for j, on := range mask {
			if on {
				pred += phi[j]
			}
		}
		ssRes += weights[r] * (target - pred) * (target - pred)
		ssTot += weights[r] * (target - wmean) * (target - wmean)
	}

	if ssTot < 1e-15 {
		if ssRes < 1e-15 {
			return 1
		}
		return 0
	}
	return math.Max(0, math.Min(1, 1-ssRes/ssTot))
}

func indicator(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
