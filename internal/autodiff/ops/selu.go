package ops

import "github.com/born-ml/selu-mnist/internal/tensor"

// SELUOp represents the scaled exponential linear unit activation.
//
// Backward pass:
//   - d(selu(x))/dx = scale             if x > 0
//   - d(selu(x))/dx = scale*alpha*e^x   otherwise
type SELUOp struct {
	input  *tensor.RawTensor
	output *tensor.RawTensor
}

// NewSELUOp creates a new SELUOp.
func NewSELUOp(input, output *tensor.RawTensor) *SELUOp {
	return &SELUOp{input: input, output: output}
}

// Backward computes the input gradient.
func (op *SELUOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	return []*tensor.RawTensor{backend.SELUBackward(op.input, outputGrad)}
}

// Inputs returns the input tensor [x].
func (op *SELUOp) Inputs() []*tensor.RawTensor {
	return []*tensor.RawTensor{op.input}
}

// Output returns the output tensor selu(x).
func (op *SELUOp) Output() *tensor.RawTensor {
	return op.output
}
