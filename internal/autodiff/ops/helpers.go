package ops

import (
	"fmt"

	"github.com/born-ml/selu-mnist/internal/tensor"
)

// reduceBroadcast reduces a gradient tensor to match the target shape.
// This is necessary when broadcasting was used in the forward pass.
//
// Example:
//
//	Forward: a[3,1] + b[3,4] -> c[3,4]  (a was broadcast along dim 1)
//	Backward: grad_c[3,4] -> grad_a[3,1] (sum along dim 1)
func reduceBroadcast(grad *tensor.RawTensor, targetShape tensor.Shape) *tensor.RawTensor {
	gradShape := grad.Shape()

	// Clone so gradients held in the tape's map never alias each other.
	if gradShape.Equal(targetShape) {
		return grad.Clone()
	}
	if len(targetShape) > len(gradShape) {
		panic(fmt.Sprintf("reduceBroadcast: cannot reduce %v to %v", gradShape, targetShape))
	}

	result, err := tensor.NewRaw(targetShape, grad.DType(), grad.Device())
	if err != nil {
		panic(fmt.Sprintf("reduceBroadcast: %v", err))
	}

	// Map every gradient element to the target element it was broadcast from.
	offset := len(gradShape) - len(targetShape)
	targetStrides := targetShape.ComputeStrides()
	strides := make([]int, len(gradShape))
	for i := range gradShape {
		ti := i - offset
		if ti < 0 || targetShape[ti] == 1 {
			continue
		}
		strides[i] = targetStrides[ti]
	}
	gradStrides := gradShape.ComputeStrides()

	src, dst := grad.AsFloat32(), result.AsFloat32()
	for i, v := range src {
		rem, flat := i, 0
		for d := range gradStrides {
			coord := rem / gradStrides[d]
			rem %= gradStrides[d]
			flat += coord * strides[d]
		}
		dst[flat] += v
	}
	return result
}
