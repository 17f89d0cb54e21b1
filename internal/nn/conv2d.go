package nn

import (
	"fmt"
	"math/rand"

	"github.com/born-ml/selu-mnist/internal/serialization"
	"github.com/born-ml/selu-mnist/internal/tensor"
)

// Conv2D implements a 2D convolution layer with valid padding.
//
// Input:  [batch, height, width, in_channels]
// Kernel: [kernel_size, kernel_size, in_channels, filters]
// Bias:   [filters]
// Output: [batch, out_h, out_w, filters]
//
// where out_h = (height - kernel_size) / stride + 1.
//
// Example:
//
//	conv := nn.NewConv2D("input", 1, 28, 3, 1, nn.ActivationLinear, rng, backend)
//	out := conv.Forward(images) // [32, 28, 28, 1] -> [32, 26, 26, 28]
type Conv2D[B tensor.Backend] struct {
	name       string
	inChannels int
	filters    int
	kernelSize int
	stride     int
	activation string

	kernel *Parameter[B]
	bias   *Parameter[B]
}

// NewConv2D creates a Conv2D layer with Glorot-uniform kernel and zero bias.
func NewConv2D[B tensor.Backend](
	name string,
	inChannels, filters, kernelSize, stride int,
	activation string,
	rng *rand.Rand,
	backend B,
) *Conv2D[B] {
	if inChannels <= 0 || filters <= 0 || kernelSize <= 0 || stride <= 0 {
		panic(fmt.Sprintf("Conv2D %s: invalid configuration in=%d filters=%d kernel=%d stride=%d",
			name, inChannels, filters, kernelSize, stride))
	}
	if err := ValidateActivation(activation); err != nil {
		panic(fmt.Sprintf("Conv2D %s: %v", name, err))
	}

	area := kernelSize * kernelSize
	kernelShape := tensor.Shape{kernelSize, kernelSize, inChannels, filters}

	return &Conv2D[B]{
		name:       name,
		inChannels: inChannels,
		filters:    filters,
		kernelSize: kernelSize,
		stride:     stride,
		activation: activation,
		kernel:     NewParameter(name+"/kernel", GlorotUniform(rng, area*inChannels, area*filters, kernelShape, backend)),
		bias:       NewParameter(name+"/bias", Zeros(tensor.Shape{filters}, backend)),
	}
}

// Forward computes conv(input, kernel) + bias followed by the activation.
func (c *Conv2D[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	out := input.Conv2D(c.kernel.Tensor(), c.stride, 0)
	out = out.Add(c.bias.Tensor())
	return applyActivation(c.activation, out)
}

// Parameters returns [kernel, bias].
func (c *Conv2D[B]) Parameters() []*Parameter[B] {
	return []*Parameter[B]{c.kernel, c.bias}
}

// Name returns the layer name.
func (c *Conv2D[B]) Name() string { return c.name }

// ClassName returns "Conv2D".
func (c *Conv2D[B]) ClassName() string { return "Conv2D" }

// Kernel returns the kernel parameter.
func (c *Conv2D[B]) Kernel() *Parameter[B] { return c.kernel }

// Bias returns the bias parameter.
func (c *Conv2D[B]) Bias() *Parameter[B] { return c.bias }

// OutputShape maps (H, W, C) to (outH, outW, filters).
func (c *Conv2D[B]) OutputShape(input tensor.Shape) (tensor.Shape, error) {
	if len(input) != 3 {
		return nil, fmt.Errorf("%w: %s expects (height, width, channels), got %v", ErrShapeMismatch, c.name, input)
	}
	if input[2] != c.inChannels {
		return nil, fmt.Errorf("%w: %s expects %d channels, got %d", ErrShapeMismatch, c.name, c.inChannels, input[2])
	}
	if input[0] < c.kernelSize || input[1] < c.kernelSize {
		return nil, fmt.Errorf("%w: %s input %v smaller than kernel %d", ErrShapeMismatch, c.name, input, c.kernelSize)
	}
	return tensor.Shape{
		(input[0]-c.kernelSize)/c.stride + 1,
		(input[1]-c.kernelSize)/c.stride + 1,
		c.filters,
	}, nil
}

// Spec returns the layer spec.
func (c *Conv2D[B]) Spec() serialization.LayerSpec {
	return serialization.LayerSpec{
		Name:       c.name,
		ClassName:  c.ClassName(),
		Filters:    c.filters,
		KernelSize: []int{c.kernelSize, c.kernelSize},
		Strides:    []int{c.stride, c.stride},
		Padding:    "valid",
		Activation: activationOrLinear(c.activation),
		UseBias:    true,
	}
}

func activationOrLinear(name string) string {
	if name == "" {
		return ActivationLinear
	}
	return name
}
