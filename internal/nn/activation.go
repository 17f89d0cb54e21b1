package nn

import (
	"fmt"

	"github.com/born-ml/selu-mnist/internal/serialization"
	"github.com/born-ml/selu-mnist/internal/tensor"
)

// Supported activation names, as written in layer specs.
const (
	ActivationLinear = "linear"
	ActivationSELU   = "selu"
)

// ValidateActivation reports whether name is a supported activation.
func ValidateActivation(name string) error {
	switch name {
	case "", ActivationLinear, ActivationSELU:
		return nil
	default:
		return fmt.Errorf("unsupported activation %q", name)
	}
}

func applyActivation[B tensor.Backend](name string, x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	switch name {
	case "", ActivationLinear:
		return x
	case ActivationSELU:
		return x.SELU()
	default:
		panic(fmt.Sprintf("activation: unsupported activation %q", name))
	}
}

// SELU is a standalone scaled exponential linear unit layer:
//
//	selu(x) = scale * x                     if x > 0
//	selu(x) = scale * alpha * (exp(x) - 1)  if x <= 0
//
// with alpha ≈ 1.6733 and scale ≈ 1.0507.
type SELU[B tensor.Backend] struct {
	name string
}

// NewSELU creates a new SELU activation layer.
func NewSELU[B tensor.Backend](name string) *SELU[B] {
	return &SELU[B]{name: name}
}

// Forward applies SELU element-wise.
func (s *SELU[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	return input.SELU()
}

// Parameters returns nil; SELU has no trainable parameters.
func (s *SELU[B]) Parameters() []*Parameter[B] {
	return nil
}

// Name returns the layer name.
func (s *SELU[B]) Name() string { return s.name }

// ClassName returns "Activation".
func (s *SELU[B]) ClassName() string { return "Activation" }

// OutputShape returns input unchanged.
func (s *SELU[B]) OutputShape(input tensor.Shape) (tensor.Shape, error) {
	return input.Clone(), nil
}

// Spec returns the layer spec.
func (s *SELU[B]) Spec() serialization.LayerSpec {
	return serialization.LayerSpec{Name: s.name, ClassName: s.ClassName(), Activation: ActivationSELU}
}
