package explain

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func linear(weights []float64) Func {
	return func(x []float64) (float64, error) {
		var s float64
		for i, w := range weights {
			s += w * x[i]
		}
		return s, nil
	}
}

func squares(x []float64) (float64, error) {
	var s float64
	for _, v := range x {
		s += v * v
	}
	return s, nil
}

func background(n, dim int, seed int64) [][]float64 {
	rng := rand.New(rand.NewSource(seed))
	out := make([][]float64, n)
	for i := range out {
		out[i] = make([]float64, dim)
		for j := range out[i] {
			out[i][j] = rng.Float64()
		}
	}
	return out
}

func columnMean(rows [][]float64, j int, f func(float64) float64) float64 {
	var s float64
	for _, r := range rows {
		s += f(r[j])
	}
	return s / float64(len(rows))
}

func identity(v float64) float64 { return v }

func TestExplainLinearModelIsExact(t *testing.T) {
	weights := []float64{2, -1, 0.5, 3}
	bg := background(20, 4, 1)
	x := []float64{0.9, 0.1, 0.4, 0.7}

	e, err := New(linear(weights), bg, WithFeatureNames("a", "b", "c", "d"))
	require.NoError(t, err)

	got, err := e.Explain(context.Background(), x)
	require.NoError(t, err)

	for i, name := range []string{"a", "b", "c", "d"} {
		want := weights[i] * (x[i] - columnMean(bg, i, identity))
		assert.InDelta(t, want, got.Attributions[name], 1e-6, name)
	}
	assert.InDelta(t, got.Value-got.Baseline, got.Sum(), 1e-9)
	assert.InDelta(t, 1.0, got.Confidence, 1e-6)
	assert.Equal(t, 14, got.Coalitions)
}

func TestExplainAdditiveModel(t *testing.T) {
	bg := background(10, 3, 2)
	x := []float64{2, 0.5, -1}

	e, err := New(squares, bg)
	require.NoError(t, err)

	got, err := e.Explain(context.Background(), x)
	require.NoError(t, err)

	sq := func(v float64) float64 { return v * v }
	for i := range x {
		name := e.names[i]
		assert.InDelta(t, x[i]*x[i]-columnMean(bg, i, sq), got.Attributions[name], 1e-6, name)
	}
}

func TestExplainBaselineIdenticalInstanceSumsToZero(t *testing.T) {
	x := []float64{0.3, 0.6, 0.2}
	bg := [][]float64{x, x, x}

	e, err := New(squares, bg)
	require.NoError(t, err)

	got, err := e.Explain(context.Background(), x)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, got.Sum(), 1e-9)
	for _, v := range got.Attributions {
		assert.InDelta(t, 0.0, v, 1e-9)
	}
	assert.Equal(t, 1.0, got.Confidence)
}

func TestExplainSampledCoalitions(t *testing.T) {
	weights := make([]float64, 12)
	for i := range weights {
		weights[i] = float64(i) - 5
	}
	bg := background(5, 12, 3)
	x := background(1, 12, 4)[0]

	e, err := New(linear(weights), bg, WithSamples(200), WithWorkers(4), WithSeed(7))
	require.NoError(t, err)

	got, err := e.Explain(context.Background(), x)
	require.NoError(t, err)
	assert.Equal(t, 200, got.Coalitions)
	assert.InDelta(t, got.Value-got.Baseline, got.Sum(), 1e-9)
	for i := range weights {
		want := weights[i] * (x[i] - columnMean(bg, i, identity))
		assert.InDelta(t, want, got.Attributions[e.names[i]], 1e-4)
	}

	again, err := e.Explain(context.Background(), x)
	require.NoError(t, err)
	assert.Equal(t, got.Attributions, again.Attributions)
}

func TestExplainSingleFeature(t *testing.T) {
	e, err := New(squares, [][]float64{{1}, {3}}, WithFeatureNames("only"))
	require.NoError(t, err)

	got, err := e.Explain(context.Background(), []float64{4})
	require.NoError(t, err)
	assert.InDelta(t, 16.0-5.0, got.Attributions["only"], 1e-12)
}

func TestExplanationUnavailable(t *testing.T) {
	boom := func([]float64) (float64, error) { return 0, errors.New("boom") }

	tests := []struct {
		name string
		run  func() error
	}{
		{
			name: "nil function",
			run: func() error {
				_, err := New(nil, [][]float64{{1}})
				return err
			},
		},
		{
			name: "empty background",
			run: func() error {
				_, err := New(squares, nil)
				return err
			},
		},
		{
			name: "ragged background",
			run: func() error {
				_, err := New(squares, [][]float64{{1, 2}, {1}})
				return err
			},
		},
		{
			name: "wrong number of names",
			run: func() error {
				_, err := New(squares, [][]float64{{1, 2}}, WithFeatureNames("a"))
				return err
			},
		},
		{
			name: "instance width mismatch",
			run: func() error {
				e, err := New(squares, [][]float64{{1, 2}})
				require.NoError(t, err)
				_, err = e.Explain(context.Background(), []float64{1})
				return err
			},
		},
		{
			name: "model error",
			run: func() error {
				e, err := New(boom, [][]float64{{1, 2}})
				require.NoError(t, err)
				_, err = e.Explain(context.Background(), []float64{1, 2})
				return err
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.run(), ErrExplanationUnavailable)
		})
	}
}

func TestExplainHonoursCancellation(t *testing.T) {
	e, err := New(squares, background(5, 3, 5))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.Explain(ctx, []float64{1, 2, 3})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTop(t *testing.T) {
	ex := Explanation{Attributions: map[string]float64{"a": 0.1, "b": -0.5, "c": 0.3}}
	assert.Equal(t, []Attribution{{"b", -0.5}, {"c", 0.3}}, ex.Top(2))
	assert.Len(t, ex.Top(-1), 3)
}

func TestKernelWeightIsSymmetric(t *testing.T) {
	for s := 1; s < 6; s++ {
		assert.InDelta(t, kernelWeight(6, s), kernelWeight(6, 6-s), 1e-15)
		assert.Greater(t, kernelWeight(6, s), 0.0)
	}
}
