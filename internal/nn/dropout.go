package nn

import (
	"fmt"
	"math/rand"

	"github.com/born-ml/selu-mnist/internal/serialization"
	"github.com/born-ml/selu-mnist/internal/tensor"
)

// Dropout randomly zeroes inputs with probability rate during training and
// scales the survivors by 1/(1-rate). At inference it is the identity.
type Dropout[B tensor.Backend] struct {
	name     string
	rate     float64
	rng      *rand.Rand
	training bool
}

// NewDropout creates a Dropout layer. rate must be in [0, 1).
func NewDropout[B tensor.Backend](name string, rate float64, rng *rand.Rand) *Dropout[B] {
	if rate < 0 || rate >= 1 {
		panic(fmt.Sprintf("Dropout %s: rate must be in [0, 1), got %v", name, rate))
	}
	return &Dropout[B]{name: name, rate: rate, rng: rng}
}

// SetTraining switches between training and inference behavior.
func (d *Dropout[B]) SetTraining(training bool) {
	d.training = training
}

// Training reports whether the layer is in training mode.
func (d *Dropout[B]) Training() bool {
	return d.training
}

// Forward applies the dropout mask in training mode and returns input
// unchanged otherwise.
func (d *Dropout[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	if !d.training || d.rate == 0 {
		return input
	}

	b := input.Backend()
	mask := tensor.MustNewRaw(input.Shape(), tensor.Float32, b.Device())
	keep := float32(1 / (1 - d.rate))
	data := mask.AsFloat32()
	for i := range data {
		if d.rng.Float64() >= d.rate {
			data[i] = keep
		}
	}
	return input.Mul(tensor.New[float32, B](mask, b))
}

// Parameters returns nil.
func (d *Dropout[B]) Parameters() []*Parameter[B] {
	return nil
}

// Name returns the layer name.
func (d *Dropout[B]) Name() string { return d.name }

// ClassName returns "Dropout".
func (d *Dropout[B]) ClassName() string { return "Dropout" }

// Rate returns the drop probability.
func (d *Dropout[B]) Rate() float64 { return d.rate }

// OutputShape returns input unchanged.
func (d *Dropout[B]) OutputShape(input tensor.Shape) (tensor.Shape, error) {
	return input.Clone(), nil
}

// Spec returns the layer spec.
func (d *Dropout[B]) Spec() serialization.LayerSpec {
	return serialization.LayerSpec{Name: d.name, ClassName: d.ClassName(), Rate: d.rate}
}
