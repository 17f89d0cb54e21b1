package cpu

import (
	"fmt"

	"github.com/born-ml/selu-mnist/internal/tensor"
)

// Reshape returns a copy of t with a new shape.
func (cpu *CPUBackend) Reshape(t *tensor.RawTensor, newShape tensor.Shape) *tensor.RawTensor {
	result, err := t.Clone().View(newShape)
	if err != nil {
		panic(fmt.Sprintf("reshape: %v", err))
	}
	return result
}

// Transpose permutes the dimensions of t. With no axes, all dimensions are
// reversed. The result is materialized in row-major order.
func (cpu *CPUBackend) Transpose(t *tensor.RawTensor, axes ...int) *tensor.RawTensor {
	shape := t.Shape()
	ndim := len(shape)
	if len(axes) == 0 {
		axes = make([]int, ndim)
		for i := range axes {
			axes[i] = ndim - 1 - i
		}
	}
	if len(axes) != ndim {
		panic(fmt.Sprintf("transpose: expected %d axes, got %d", ndim, len(axes)))
	}

	seen := make([]bool, ndim)
	outShape := make(tensor.Shape, ndim)
	for i, ax := range axes {
		if ax < 0 || ax >= ndim || seen[ax] {
			panic(fmt.Sprintf("transpose: invalid axes %v", axes))
		}
		seen[ax] = true
		outShape[i] = shape[ax]
	}

	result := tensor.MustNewRaw(outShape, t.DType(), cpu.device)
	inStrides := t.Strides()
	outStrides := outShape.ComputeStrides()
	// srcStrides[i] is the input stride of output dimension i.
	srcStrides := make([]int, ndim)
	for i, ax := range axes {
		srcStrides[i] = inStrides[ax]
	}

	elem := t.DType().Size()
	src, dst := t.Data(), result.Data()
	for i := 0; i < result.NumElements(); i++ {
		j := flatIndex(i, outStrides, srcStrides)
		copy(dst[i*elem:(i+1)*elem], src[j*elem:(j+1)*elem])
	}
	return result
}
