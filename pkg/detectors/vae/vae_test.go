package vae

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/hed1ad/heliowatch/pkg/detectors"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name       string
		opts       []Option
		wantLatent int
		wantErr    bool
	}{
		{
			name:       "default configuration",
			opts:       nil,
			wantLatent: 2,
		},
		{
			name:       "custom latent",
			opts:       []Option{WithLatentDim(4)},
			wantLatent: 4,
		},
		{
			name:       "multiple options",
			opts:       []Option{WithLatentDim(3), WithHiddenDim(8), WithSeed(123)},
			wantLatent: 3,
		},
		{
			name:    "invalid hidden width",
			opts:    []Option{WithHiddenDim(0)},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := New(5, tt.opts...)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantLatent, m.LatentDim())
			assert.Equal(t, 5, m.InputDim())
		})
	}
}

func TestReconstructIsDeterministic(t *testing.T) {
	m, err := New(4, WithHiddenDim(8), WithSeed(42))
	require.NoError(t, err)

	x := []float64{0.1, 0.5, 0.9, 0.3}
	a, err := m.Reconstruct(x)
	require.NoError(t, err)
	b, err := m.Reconstruct(x)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Len(t, a.Output, len(x))
	assert.Equal(t, x, a.Input)
	assert.GreaterOrEqual(t, a.Regularization, 0.0)
	for _, v := range a.Output {
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 1.0)
	}
}

func TestReconstructSampledUsesInjectedSource(t *testing.T) {
	m, err := New(4, WithHiddenDim(8), WithSeed(42))
	require.NoError(t, err)

	x := []float64{0.1, 0.5, 0.9, 0.3}
	a, err := m.ReconstructSampled(x, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	b, err := m.ReconstructSampled(x, rand.New(rand.NewSource(1)))
	require.NoError(t, err)

	assert.Equal(t, a.Output, b.Output)
}

func TestReconstructDimensionMismatch(t *testing.T) {
	m, err := New(3)
	require.NoError(t, err)

	_, err = m.Reconstruct([]float64{1, 2})
	assert.ErrorIs(t, err, detectors.ErrDimensionMismatch)

	_, err = m.Predict([][]float64{{1, 2, 3}, {1}})
	assert.ErrorIs(t, err, detectors.ErrDimensionMismatch)
}

func TestSample(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	mean := []float64{1, -1}
	// a very small variance keeps draws at the mean
	z := Sample(mean, []float64{-60, -60}, rng)
	assert.InDelta(t, 1.0, z[0], 1e-9)
	assert.InDelta(t, -1.0, z[1], 1e-9)
}

func TestKL(t *testing.T) {
	assert.InDelta(t, 0.0, KL([]float64{0, 0}, []float64{0, 0}), 1e-12, "standard normal has no divergence")
	// mean 1, logvar 0: -0.5 * (0 - 1 - 1 + 1) = 0.5
	assert.InDelta(t, 0.5, KL([]float64{1}, []float64{0}), 1e-12)
	assert.Greater(t, KL([]float64{0}, []float64{2}), 0.0)
}

func TestMSE(t *testing.T) {
	assert.Equal(t, 0.0, MSE(nil, nil))
	assert.InDelta(t, 2.5, MSE([]float64{1, 2}, []float64{2, 4}), 1e-12)
}

func TestFromWeights(t *testing.T) {
	// identity-like decoder: latent mean copies the input, output is sigmoid(0)
	enc := Encoder{
		Hidden: Dense{W: mat.NewDense(2, 2, []float64{1, 0, 0, 1}), B: mat.NewVecDense(2, nil), Act: Identity},
		Mean:   Dense{W: mat.NewDense(1, 2, []float64{1, 1}), B: mat.NewVecDense(1, nil), Act: Identity},
		LogVar: Dense{W: mat.NewDense(1, 2, nil), B: mat.NewVecDense(1, nil), Act: Identity},
	}
	dec := Decoder{
		Hidden: Dense{W: mat.NewDense(2, 1, nil), B: mat.NewVecDense(2, nil), Act: ReLU},
		Output: Dense{W: mat.NewDense(2, 2, nil), B: mat.NewVecDense(2, nil), Act: Sigmoid},
	}

	m, err := FromWeights(enc, dec)
	require.NoError(t, err)

	r, err := m.Reconstruct([]float64{0.2, 0.4})
	require.NoError(t, err)
	assert.Equal(t, []float64{0.5, 0.5}, r.Output)
	// mean 0.6, logvar 0
	assert.InDelta(t, 0.18, r.Regularization, 1e-12)

	loss, err := m.ReconstructionError([]float64{0.5, 0.5})
	require.NoError(t, err)
	assert.InDelta(t, 0.0, loss, 1e-12)

	dec.Output = Dense{W: mat.NewDense(3, 2, nil), B: mat.NewVecDense(3, nil)}
	_, err = FromWeights(enc, dec)
	assert.Error(t, err)
}

func TestPredictAnomaliesScoreHigher(t *testing.T) {
	m, err := New(3, WithHiddenDim(4), WithSeed(42))
	require.NoError(t, err)

	normal, err := m.ReconstructionError([]float64{0.5, 0.5, 0.5})
	require.NoError(t, err)
	far, err := m.ReconstructionError([]float64{50, -50, 50})
	require.NoError(t, err)

	assert.Greater(t, far, normal)
}

func TestScoreStream(t *testing.T) {
	m, err := New(3, WithHiddenDim(8), WithSeed(42))
	require.NoError(t, err)
	m.SetThreshold(1)
	var model detectors.StreamReconstructor = m

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	input := make(chan []float64, 10)
	output := make(chan detectors.Score, 10)

	errCh := make(chan error, 1)
	go func() {
		errCh <- model.ScoreStream(ctx, input, output)
	}()

	testSamples := [][]float64{
		{0.5, 0.5, 0.5},
		{100, 100, 100}, // anomaly
		{0.3, 0.3},      // wrong width, skipped
		{0.3, 0.3, 0.3},
	}
	for _, sample := range testSamples {
		input <- sample
	}
	close(input)

	results := make([]detectors.Score, 0, len(testSamples))
	for score := range output {
		results = append(results, score)
	}

	require.NoError(t, <-errCh)
	require.Len(t, results, 3)
	assert.False(t, results[0].IsAnomaly)
	assert.True(t, results[1].IsAnomaly)
}

func TestCalibrate(t *testing.T) {
	m, err := New(3, WithHiddenDim(8), WithContamination(0.1), WithSeed(42))
	require.NoError(t, err)

	data := generateTestData(100, 3)
	require.NoError(t, m.Calibrate(data))

	scores, err := m.Predict(data)
	require.NoError(t, err)

	above := 0
	for _, s := range scores {
		if s > m.Threshold() {
			above++
		}
	}
	assert.LessOrEqual(t, above, 11)
	assert.Error(t, m.Calibrate(nil))
}

func TestThreshold(t *testing.T) {
	m, err := New(2)
	require.NoError(t, err)

	assert.Equal(t, detectors.DefaultConfig().Threshold, m.Threshold())

	m.SetThreshold(0.7)
	assert.Equal(t, 0.7, m.Threshold())
}

func TestActivation(t *testing.T) {
	assert.Equal(t, 0.0, ReLU.apply(-2))
	assert.Equal(t, 2.0, ReLU.apply(2))
	assert.Equal(t, 0.5, Sigmoid.apply(0))
	assert.Equal(t, -3.0, Identity.apply(-3))
	assert.False(t, math.IsNaN(Sigmoid.apply(-1000)))
}

func BenchmarkReconstruct(b *testing.B) {
	m, _ := New(12, WithHiddenDim(64), WithSeed(42))
	sample := generateTestData(1, 12)[0]

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.Reconstruct(sample)
	}
}

func generateTestData(n, features int) [][]float64 {
	rng := rand.New(rand.NewSource(9))
	data := make([][]float64, n)
	for i := 0; i < n; i++ {
		data[i] = make([]float64, features)
		for j := 0; j < features; j++ {
			data[i][j] = rng.Float64()
		}
	}
	return data
}
