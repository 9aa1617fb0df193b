// Package detectors defines the reconstruction-model contract used for
// anomaly scoring.
package detectors

import (
	"context"
	"errors"
)

// ErrDimensionMismatch is returned when a vector does not match the model's input width.
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// Reconstructor is implemented by generative models that score inputs by how
// poorly they reproduce them.
type Reconstructor interface {
	// Reconstruct returns the model's reproduction of x. Implementations must
	// be deterministic so scores are reproducible.
	Reconstruct(x []float64) (Reconstruction, error)

	// ReconstructionError returns the mean squared error between x and its reconstruction.
	ReconstructionError(x []float64) (float64, error)
}

// StreamReconstructor extends Reconstructor with streaming capabilities.
type StreamReconstructor interface {
	Reconstructor

	// ScoreStream reads vectors from input and writes one Score per vector.
	ScoreStream(ctx context.Context, input <-chan []float64, output chan<- Score) error
}

// Reconstruction is the result of passing one vector through a model.
type Reconstruction struct {
	// Input is the vector that was reconstructed.
	Input []float64
	// Output has the same length as Input.
	Output []float64
	// Regularization is the non-negative latent penalty (KL divergence term).
	Regularization float64
}

// Score represents a reconstruction-error result.
type Score struct {
	// Value is the reconstruction error.
	Value float64
	// IsAnomaly indicates if the error exceeds the threshold.
	IsAnomaly bool
	// Features contains the original input features.
	Features []float64
	// Metadata contains additional information.
	Metadata map[string]any
}

// Config holds common configuration for models.
type Config struct {
	// Contamination is the expected proportion of anomalies in calibration data.
	Contamination float64
	// Threshold is the reconstruction error above which a vector is anomalous.
	Threshold float64
	// RandomSeed for reproducibility.
	RandomSeed int64
}

// DefaultConfig returns sensible defaults for model configuration.
func DefaultConfig() Config {
	return Config{
		Contamination: 0.1,
		Threshold:     0.05,
		RandomSeed:    42,
	}
}
