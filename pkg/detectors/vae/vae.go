// Package vae implements a variational autoencoder for reconstruction-error
// anomaly detection.
//
// The model is split into pure functions: Encode maps an input to the mean and
// log-variance of a Gaussian latent, Sample draws from it with an explicit
// random source, and Decode maps a latent vector back to a sigmoid-bounded
// reconstruction. Model wires them together and always reconstructs from the
// latent mean so scores are reproducible.
package vae

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/hed1ad/heliowatch/pkg/detectors"
)

// Encoder maps an input vector to latent mean and log-variance.
type Encoder struct {
	Hidden Dense
	Mean   Dense
	LogVar Dense
}

// Decoder maps a latent vector to a reconstruction in [0, 1].
type Decoder struct {
	Hidden Dense
	Output Dense
}

// Encode returns the latent mean and log-variance for x.
func Encode(e Encoder, x []float64) (mean, logVar []float64) {
	h := e.Hidden.Forward(x)
	return e.Mean.Forward(h), e.LogVar.Forward(h)
}

// Sample draws z = mean + exp(0.5·logVar)·ε with ε ~ N(0, 1) from rng.
func Sample(mean, logVar []float64, rng *rand.Rand) []float64 {
	z := make([]float64, len(mean))
	for i := range mean {
		z[i] = mean[i] + math.Exp(0.5*logVar[i])*rng.NormFloat64()
	}
	return z
}

// Decode returns the reconstruction for latent vector z.
func Decode(d Decoder, z []float64) []float64 {
	return d.Output.Forward(d.Hidden.Forward(z))
}

// KL returns -0.5·mean(logVar - mean² - exp(logVar) + 1), the divergence of
// the latent Gaussian from the standard normal prior.
func KL(mean, logVar []float64) float64 {
	if len(mean) == 0 {
		return 0
	}
	var sum float64
	for i := range mean {
		sum += logVar[i] - mean[i]*mean[i] - math.Exp(logVar[i]) + 1
	}
	return math.Max(0, -0.5*sum/float64(len(mean)))
}

// MSE returns the mean squared error between a and b.
func MSE(a, b []float64) float64 {
	if len(a) == 0 {
		return 0
	}
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum / float64(len(a))
}

// Model is a variational autoencoder used at inference time.
type Model struct {
	mu sync.RWMutex

	// Configuration
	inputDim      int
	latentDim     int
	hiddenDim     int
	threshold     float64
	contamination float64
	rng           *rand.Rand

	enc Encoder
	dec Decoder
}

// Option configures a Model.
type Option func(*Model)

// WithLatentDim sets the latent width.
func WithLatentDim(n int) Option {
	return func(m *Model) {
		m.latentDim = n
	}
}

// WithHiddenDim sets the width of the encoder and decoder hidden layers.
func WithHiddenDim(n int) Option {
	return func(m *Model) {
		m.hiddenDim = n
	}
}

// WithThreshold sets the reconstruction error treated as anomalous.
func WithThreshold(t float64) Option {
	return func(m *Model) {
		m.threshold = t
	}
}

// WithContamination sets the expected proportion of anomalies used by Calibrate.
func WithContamination(c float64) Option {
	return func(m *Model) {
		m.contamination = c
	}
}

// WithSeed sets the random seed used for weight initialization.
func WithSeed(seed int64) Option {
	return func(m *Model) {
		m.rng = rand.New(rand.NewSource(seed))
	}
}

// New creates a model with freshly initialized weights for inputDim features.
func New(inputDim int, opts ...Option) (*Model, error) {
	cfg := detectors.DefaultConfig()
	m := &Model{
		inputDim:      inputDim,
		latentDim:     2,
		hiddenDim:     64,
		threshold:     cfg.Threshold,
		contamination: cfg.Contamination,
		rng:           rand.New(rand.NewSource(cfg.RandomSeed)),
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.inputDim < 1 || m.latentDim < 1 || m.hiddenDim < 1 {
		return nil, errors.New("model dimensions must be positive")
	}

	m.enc = Encoder{
		Hidden: NewDense(m.inputDim, m.hiddenDim, ReLU, m.rng),
		Mean:   NewDense(m.hiddenDim, m.latentDim, Identity, m.rng),
		LogVar: NewDense(m.hiddenDim, m.latentDim, Identity, m.rng),
	}
	m.dec = Decoder{
		Hidden: NewDense(m.latentDim, m.hiddenDim, ReLU, m.rng),
		Output: NewDense(m.hiddenDim, m.inputDim, Sigmoid, m.rng),
	}

	return m, nil
}

// FromWeights creates a model from trained encoder and decoder weights.
func FromWeights(enc Encoder, dec Decoder, opts ...Option) (*Model, error) {
	for name, l := range map[string]Dense{
		"encoder.hidden": enc.Hidden,
		"encoder.mean":   enc.Mean,
		"encoder.logvar": enc.LogVar,
		"decoder.hidden": dec.Hidden,
		"decoder.output": dec.Output,
	} {
		if err := l.validate(name); err != nil {
			return nil, err
		}
	}

	inputDim := enc.Hidden.In()
	switch {
	case enc.Mean.In() != enc.Hidden.Out() || enc.LogVar.In() != enc.Hidden.Out():
		return nil, errors.New("encoder latent heads do not match hidden width")
	case enc.Mean.Out() != enc.LogVar.Out():
		return nil, errors.New("encoder mean and log-variance widths differ")
	case dec.Hidden.In() != enc.Mean.Out():
		return nil, errors.New("decoder input does not match latent width")
	case dec.Output.In() != dec.Hidden.Out():
		return nil, errors.New("decoder output layer does not match hidden width")
	case dec.Output.Out() != inputDim:
		return nil, errors.New("decoder output does not match encoder input")
	}

	cfg := detectors.DefaultConfig()
	m := &Model{
		inputDim:      inputDim,
		latentDim:     enc.Mean.Out(),
		hiddenDim:     enc.Hidden.Out(),
		threshold:     cfg.Threshold,
		contamination: cfg.Contamination,
		rng:           rand.New(rand.NewSource(cfg.RandomSeed)),
		enc:           enc,
		dec:           dec,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// InputDim returns the number of input features.
func (m *Model) InputDim() int {
	return m.inputDim
}

// LatentDim returns the latent width.
func (m *Model) LatentDim() int {
	return m.latentDim
}

func (m *Model) check(x []float64) error {
	if len(x) != m.inputDim {
		return fmt.Errorf("%w: got %d, want %d", detectors.ErrDimensionMismatch, len(x), m.inputDim)
	}
	return nil
}

// Reconstruct decodes the latent mean of x, skipping the noise draw.
func (m *Model) Reconstruct(x []float64) (detectors.Reconstruction, error) {
	if err := m.check(x); err != nil {
		return detectors.Reconstruction{}, err
	}
	mean, logVar := Encode(m.enc, x)
	return detectors.Reconstruction{
		Input:          append([]float64(nil), x...),
		Output:         Decode(m.dec, mean),
		Regularization: KL(mean, logVar),
	}, nil
}

// ReconstructSampled reconstructs x through a stochastic latent draw from rng,
// as done during training.
func (m *Model) ReconstructSampled(x []float64, rng *rand.Rand) (detectors.Reconstruction, error) {
	if err := m.check(x); err != nil {
		return detectors.Reconstruction{}, err
	}
	mean, logVar := Encode(m.enc, x)
	return detectors.Reconstruction{
		Input:          append([]float64(nil), x...),
		Output:         Decode(m.dec, Sample(mean, logVar, rng)),
		Regularization: KL(mean, logVar),
	}, nil
}

// ReconstructionError returns the MSE between x and its deterministic reconstruction.
func (m *Model) ReconstructionError(x []float64) (float64, error) {
	r, err := m.Reconstruct(x)
	if err != nil {
		return 0, err
	}
	return MSE(r.Input, r.Output), nil
}

// Predict returns reconstruction errors for the given samples.
func (m *Model) Predict(data [][]float64) ([]float64, error) {
	scores := make([]float64, len(data))
	for i, sample := range data {
		score, err := m.ReconstructionError(sample)
		if err != nil {
			return nil, fmt.Errorf("sample %d: %w", i, err)
		}
		scores[i] = score
	}
	return scores, nil
}

// ScoreStream processes samples from a channel.
func (m *Model) ScoreStream(ctx context.Context, input <-chan []float64, output chan<- detectors.Score) error {
	defer close(output)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sample, ok := <-input:
			if !ok {
				return nil
			}

			score, err := m.ReconstructionError(sample)
			if err != nil {
				continue
			}

			select {
			case output <- detectors.Score{
				Value:     score,
				IsAnomaly: score > m.Threshold(),
				Features:  sample,
			}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// Calibrate sets the threshold to the (1-contamination) quantile of the
// reconstruction errors of data.
func (m *Model) Calibrate(data [][]float64) error {
	if len(data) == 0 {
		return errors.New("empty calibration data")
	}
	scores, err := m.Predict(data)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.threshold = percentile(scores, 100*(1-m.contamination))
	return nil
}

// Threshold returns the current anomaly threshold.
func (m *Model) Threshold() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.threshold
}

// SetThreshold updates the anomaly threshold.
func (m *Model) SetThreshold(t float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.threshold = t
}

// percentile calculates the p-th percentile of the data.
func percentile(data []float64, p float64) float64 {
	if len(data) == 0 {
		return 0
	}

	sorted := make([]float64, len(data))
	copy(sorted, data)
	sort.Float64s(sorted)

	idx := int(float64(len(sorted)-1) * p / 100)
	return sorted[idx]
}
