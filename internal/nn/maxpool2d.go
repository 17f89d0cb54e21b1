package nn

import (
	"fmt"

	"github.com/born-ml/selu-mnist/internal/serialization"
	"github.com/born-ml/selu-mnist/internal/tensor"
)

// MaxPool2D implements 2D max pooling over NHWC inputs.
//
// Windows that do not fit entirely inside the input are dropped (valid
// padding), so out_h = (height - pool_size) / stride + 1.
type MaxPool2D[B tensor.Backend] struct {
	name     string
	poolSize int
	stride   int
}

// NewMaxPool2D creates a new max pooling layer.
func NewMaxPool2D[B tensor.Backend](name string, poolSize, stride int) *MaxPool2D[B] {
	if poolSize <= 0 || stride <= 0 {
		panic(fmt.Sprintf("MaxPool2D %s: invalid pool=%d stride=%d", name, poolSize, stride))
	}
	return &MaxPool2D[B]{name: name, poolSize: poolSize, stride: stride}
}

// Forward applies max pooling.
func (m *MaxPool2D[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	return input.MaxPool2D(m.poolSize, m.stride)
}

// Parameters returns nil; pooling has no trainable parameters.
func (m *MaxPool2D[B]) Parameters() []*Parameter[B] {
	return nil
}

// Name returns the layer name.
func (m *MaxPool2D[B]) Name() string { return m.name }

// ClassName returns "MaxPooling2D".
func (m *MaxPool2D[B]) ClassName() string { return "MaxPooling2D" }

// OutputShape maps (H, W, C) to (outH, outW, C).
func (m *MaxPool2D[B]) OutputShape(input tensor.Shape) (tensor.Shape, error) {
	if len(input) != 3 {
		return nil, fmt.Errorf("%w: %s expects (height, width, channels), got %v", ErrShapeMismatch, m.name, input)
	}
	if input[0] < m.poolSize || input[1] < m.poolSize {
		return nil, fmt.Errorf("%w: %s input %v smaller than pool %d", ErrShapeMismatch, m.name, input, m.poolSize)
	}
	return tensor.Shape{
		(input[0]-m.poolSize)/m.stride + 1,
		(input[1]-m.poolSize)/m.stride + 1,
		input[2],
	}, nil
}

// Spec returns the layer spec.
func (m *MaxPool2D[B]) Spec() serialization.LayerSpec {
	return serialization.LayerSpec{
		Name:      m.name,
		ClassName: m.ClassName(),
		PoolSize:  []int{m.poolSize, m.poolSize},
		Strides:   []int{m.stride, m.stride},
		Padding:   "valid",
	}
}
