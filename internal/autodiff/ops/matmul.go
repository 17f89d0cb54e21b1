package ops

import "github.com/born-ml/selu-mnist/internal/tensor"

// MatMulOp records x @ w for a Dense layer: x is [batch, in], w is
// [in, out]. Gradients are g @ wᵀ for x and xᵀ @ g for w.
type MatMulOp struct {
	x, w, out *tensor.RawTensor
}

// NewMatMulOp records out = x @ w.
func NewMatMulOp(x, w, out *tensor.RawTensor) *MatMulOp {
	return &MatMulOp{x: x, w: w, out: out}
}

// Inputs returns [x, w].
func (op *MatMulOp) Inputs() []*tensor.RawTensor { return []*tensor.RawTensor{op.x, op.w} }

// Output returns x @ w.
func (op *MatMulOp) Output() *tensor.RawTensor { return op.out }

// Backward returns [∂L/∂x, ∂L/∂w] for outputGrad [batch, out].
func (op *MatMulOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	return []*tensor.RawTensor{
		backend.MatMul(outputGrad, backend.Transpose(op.w, 1, 0)),
		backend.MatMul(backend.Transpose(op.x, 1, 0), outputGrad),
	}
}
