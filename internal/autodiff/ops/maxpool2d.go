package ops

import (
	"math"

	"github.com/born-ml/selu-mnist/internal/tensor"
)

// MaxPool2DOp records an NHWC max pool. Each output gradient goes to the
// input element that won its window.
type MaxPool2DOp struct {
	input      *tensor.RawTensor
	output     *tensor.RawTensor
	maxIndices []int // flat input index of each output's maximum
	kernelSize int
	stride     int
}

// NewMaxPool2DOp records output = MaxPool2D(input) and stores the winning
// input index of every output element.
func NewMaxPool2DOp(input, output *tensor.RawTensor, kernelSize, stride int) *MaxPool2DOp {
	return &MaxPool2DOp{
		input:      input,
		output:     output,
		maxIndices: computeMaxIndices(input, output, kernelSize, stride),
		kernelSize: kernelSize,
		stride:     stride,
	}
}

// Inputs returns the input tensor.
func (op *MaxPool2DOp) Inputs() []*tensor.RawTensor {
	return []*tensor.RawTensor{op.input}
}

// Output returns the output tensor.
func (op *MaxPool2DOp) Output() *tensor.RawTensor {
	return op.output
}

// Backward routes outputGrad to the recorded max positions.
func (op *MaxPool2DOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	return []*tensor.RawTensor{
		backend.MaxPool2DBackward(op.input, outputGrad, op.maxIndices, op.kernelSize, op.stride),
	}
}

// computeMaxIndices finds which input position had the max value for each
// output position. The first maximum in window order wins on ties.
func computeMaxIndices(input, output *tensor.RawTensor, kernelSize, stride int) []int {
	inShape, outShape := input.Shape(), output.Shape()
	N, H, W, C := inShape[0], inShape[1], inShape[2], inShape[3]
	HOut, WOut := outShape[1], outShape[2]

	src := input.AsFloat32()
	maxIndices := make([]int, N*HOut*WOut*C)

	outIdx := 0
	for n := 0; n < N; n++ {
		for oh := 0; oh < HOut; oh++ {
			for ow := 0; ow < WOut; ow++ {
				for c := 0; c < C; c++ {
					maxVal := float32(math.Inf(-1))
					maxPos := -1
					for kh := 0; kh < kernelSize; kh++ {
						for kw := 0; kw < kernelSize; kw++ {
							idx := ((n*H+oh*stride+kh)*W+ow*stride+kw)*C + c
							if maxPos < 0 || src[idx] > maxVal {
								maxVal = src[idx]
								maxPos = idx
							}
						}
					}
					maxIndices[outIdx] = maxPos
					outIdx++
				}
			}
		}
	}
	return maxIndices
}
