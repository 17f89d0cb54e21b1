package ops

import "github.com/born-ml/selu-mnist/internal/tensor"

// Conv2DOp records an NHWC convolution: input [N, H, W, Cin] with kernel
// [KH, KW, Cin, Cout]. Both gradients come from the backend's im2col
// kernels with the stride and padding of the forward call.
type Conv2DOp struct {
	input, kernel, out *tensor.RawTensor
	stride, padding    int
}

// NewConv2DOp records out = Conv2D(input, kernel, stride, padding).
func NewConv2DOp(input, kernel, out *tensor.RawTensor, stride, padding int) *Conv2DOp {
	return &Conv2DOp{input: input, kernel: kernel, out: out, stride: stride, padding: padding}
}

// Inputs returns [input, kernel].
func (op *Conv2DOp) Inputs() []*tensor.RawTensor { return []*tensor.RawTensor{op.input, op.kernel} }

// Output returns the convolution result.
func (op *Conv2DOp) Output() *tensor.RawTensor { return op.out }

// Backward returns [∂L/∂input, ∂L/∂kernel] for outputGrad
// [N, Hout, Wout, Cout].
func (op *Conv2DOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	return []*tensor.RawTensor{
		backend.Conv2DInputBackward(op.input, op.kernel, outputGrad, op.stride, op.padding),
		backend.Conv2DKernelBackward(op.input, op.kernel, outputGrad, op.stride, op.padding),
	}
}
