package nn

import (
	"github.com/born-ml/selu-mnist/internal/serialization"
	"github.com/born-ml/selu-mnist/internal/tensor"
)

// Flatten collapses every dimension after the batch dimension.
type Flatten[B tensor.Backend] struct {
	name string
}

// NewFlatten creates a new Flatten layer.
func NewFlatten[B tensor.Backend](name string) *Flatten[B] {
	return &Flatten[B]{name: name}
}

// Forward reshapes [batch, d1, d2, ...] to [batch, d1*d2*...].
func (f *Flatten[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	shape := input.Shape()
	return input.Reshape(shape[0], shape[1:].NumElements())
}

// Parameters returns nil.
func (f *Flatten[B]) Parameters() []*Parameter[B] {
	return nil
}

// Name returns the layer name.
func (f *Flatten[B]) Name() string { return f.name }

// ClassName returns "Flatten".
func (f *Flatten[B]) ClassName() string { return "Flatten" }

// OutputShape returns the element count of input as a 1D shape.
func (f *Flatten[B]) OutputShape(input tensor.Shape) (tensor.Shape, error) {
	return tensor.Shape{input.NumElements()}, nil
}

// Spec returns the layer spec.
func (f *Flatten[B]) Spec() serialization.LayerSpec {
	return serialization.LayerSpec{Name: f.name, ClassName: f.ClassName()}
}
