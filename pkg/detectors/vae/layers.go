package vae

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Activation is an element-wise non-linearity.
type Activation int

const (
	Identity Activation = iota
	ReLU
	Sigmoid
)

func (a Activation) apply(v float64) float64 {
	switch a {
	case ReLU:
		return math.Max(0, v)
	case Sigmoid:
		return 1 / (1 + math.Exp(-v))
	default:
		return v
	}
}

// Dense is a fully connected layer computing Act(W·x + B).
type Dense struct {
	// W has one row per output unit and one column per input.
	W   *mat.Dense
	B   *mat.VecDense
	Act Activation
}

// NewDense creates a layer with Glorot-uniform weights and zero bias.
func NewDense(in, out int, act Activation, rng *rand.Rand) Dense {
	limit := math.Sqrt(6 / float64(in+out))
	data := make([]float64, in*out)
	for i := range data {
		data[i] = (rng.Float64()*2 - 1) * limit
	}
	return Dense{
		W:   mat.NewDense(out, in, data),
		B:   mat.NewVecDense(out, nil),
		Act: act,
	}
}

// In returns the input width.
func (l Dense) In() int {
	_, c := l.W.Dims()
	return c
}

// Out returns the output width.
func (l Dense) Out() int {
	r, _ := l.W.Dims()
	return r
}

func (l Dense) validate(name string) error {
	if l.W == nil || l.B == nil {
		return fmt.Errorf("layer %s: missing weights", name)
	}
	if l.B.Len() != l.Out() {
		return fmt.Errorf("layer %s: bias has %d values, layer has %d outputs", name, l.B.Len(), l.Out())
	}
	return nil
}

// Forward applies the layer to x without modifying it.
func (l Dense) Forward(x []float64) []float64 {
	in := mat.NewVecDense(len(x), append([]float64(nil), x...))

	var out mat.VecDense
	out.MulVec(l.W, in)
	out.AddVec(&out, l.B)

	res := make([]float64, out.Len())
	for i := range res {
		res[i] = l.Act.apply(out.AtVec(i))
	}
	return res
}
