package autodiff

import (
	"fmt"

	"github.com/born-ml/selu-mnist/internal/tensor"
)

// BackwardCapable is implemented by backends that own a gradient tape.
type BackwardCapable interface {
	tensor.Backend
	// GetTape returns the gradient tape for backward computation.
	GetTape() *GradientTape
}

// GetTape returns the gradient tape (implements BackwardCapable).
func (b *AutodiffBackend[B]) GetTape() *GradientTape {
	return b.tape
}

// Backward seeds the output gradient with ones and walks the tape.
//
// Returns a map from RawTensor to its gradient:
//
//	grads := autodiff.Backward(loss, backend)
//	dW := grads[weight.Raw()]
func Backward[T tensor.DType, B BackwardCapable](t *tensor.Tensor[T, B], backend B) map[*tensor.RawTensor]*tensor.RawTensor {
	tape := backend.GetTape()
	if tape.NumOps() == 0 {
		panic("backward: no operations recorded (did you forget to call Tape().StartRecording()?)")
	}
	if t.DType() != tensor.Float32 {
		panic(fmt.Sprintf("backward: unsupported dtype %s (only float32 supported)", t.DType()))
	}

	outputGrad := tensor.MustNewRaw(t.Shape(), tensor.Float32, backend.Device())
	data := outputGrad.AsFloat32()
	for i := range data {
		data[i] = 1.0
	}
	return tape.Backward(outputGrad, backend)
}
