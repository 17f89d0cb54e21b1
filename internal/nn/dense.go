package nn

import (
	"fmt"
	"math/rand"

	"github.com/born-ml/selu-mnist/internal/serialization"
	"github.com/born-ml/selu-mnist/internal/tensor"
)

// Dense implements a fully connected layer.
//
// Performs: y = activation(x @ W + b)
// where:
//   - x has shape [batch_size, in_features]
//   - W (the kernel) has shape [in_features, units]
//   - b has shape [units]
//
// Example:
//
//	layer := nn.NewDense("dense", 4732, 128, nn.ActivationSELU, rng, backend)
//	output := layer.Forward(input) // [32, 4732] -> [32, 128]
type Dense[B tensor.Backend] struct {
	name       string
	inFeatures int
	units      int
	activation string
	kernel     *Parameter[B]
	bias       *Parameter[B]
}

// NewDense creates a new Dense layer with Glorot-uniform kernel and zero bias.
func NewDense[B tensor.Backend](name string, inFeatures, units int, activation string, rng *rand.Rand, backend B) *Dense[B] {
	if inFeatures <= 0 || units <= 0 {
		panic(fmt.Sprintf("Dense %s: invalid in=%d units=%d", name, inFeatures, units))
	}
	if err := ValidateActivation(activation); err != nil {
		panic(fmt.Sprintf("Dense %s: %v", name, err))
	}

	return &Dense[B]{
		name:       name,
		inFeatures: inFeatures,
		units:      units,
		activation: activation,
		kernel:     NewParameter(name+"/kernel", GlorotUniform(rng, inFeatures, units, tensor.Shape{inFeatures, units}, backend)),
		bias:       NewParameter(name+"/bias", Zeros(tensor.Shape{units}, backend)),
	}
}

// Forward computes the output of the layer.
//
// Panics if input is not [batch, in_features].
func (d *Dense[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	shape := input.Shape()
	if len(shape) != 2 || shape[1] != d.inFeatures {
		panic(fmt.Sprintf("Dense %s: expected input [batch, %d], got %v", d.name, d.inFeatures, shape))
	}

	out := input.MatMul(d.kernel.Tensor()).Add(d.bias.Tensor())
	return applyActivation(d.activation, out)
}

// Parameters returns [kernel, bias].
func (d *Dense[B]) Parameters() []*Parameter[B] {
	return []*Parameter[B]{d.kernel, d.bias}
}

// Name returns the layer name.
func (d *Dense[B]) Name() string { return d.name }

// ClassName returns "Dense".
func (d *Dense[B]) ClassName() string { return "Dense" }

// Units returns the number of output features.
func (d *Dense[B]) Units() int { return d.units }

// Kernel returns the kernel parameter.
func (d *Dense[B]) Kernel() *Parameter[B] { return d.kernel }

// Bias returns the bias parameter.
func (d *Dense[B]) Bias() *Parameter[B] { return d.bias }

// OutputShape maps (in_features) to (units).
func (d *Dense[B]) OutputShape(input tensor.Shape) (tensor.Shape, error) {
	if len(input) != 1 || input[0] != d.inFeatures {
		return nil, fmt.Errorf("%w: %s expects (%d), got %v", ErrShapeMismatch, d.name, d.inFeatures, input)
	}
	return tensor.Shape{d.units}, nil
}

// Spec returns the layer spec.
func (d *Dense[B]) Spec() serialization.LayerSpec {
	return serialization.LayerSpec{
		Name:       d.name,
		ClassName:  d.ClassName(),
		Units:      d.units,
		Activation: activationOrLinear(d.activation),
		UseBias:    true,
	}
}
