package cpu

import (
	"fmt"
	"math"

	"github.com/born-ml/selu-mnist/internal/parallel"
	"github.com/born-ml/selu-mnist/internal/tensor"
)

// MaxPool2D performs 2D max pooling over channels-last input.
//
// Input shape:  [N, H, W, C]
// Output shape: [N, out_h, out_w, C]
//
//	out_h = (H - kernelSize) / stride + 1
//	out_w = (W - kernelSize) / stride + 1
//
// Trailing rows and columns that do not fill a window are dropped.
//
// Example (2x2 pool, stride=2, one channel):
//
//	Input: [[1,2,3,4],    Output: [[6,8],
//	        [5,6,7,8],             [14,16]]
//	        [9,10,11,12],
//	        [13,14,15,16]]
func (cpu *CPUBackend) MaxPool2D(input *tensor.RawTensor, kernelSize, stride int) *tensor.RawTensor {
	mustFloat32("maxpool2d", input)
	N, H, W, C, HOut, WOut := maxPoolDims(input.Shape(), kernelSize, stride)

	output := tensor.MustNewRaw(tensor.Shape{N, HOut, WOut, C}, tensor.Float32, cpu.device)
	src, dst := input.AsFloat32(), output.AsFloat32()

	parallel.For(N*HOut, func(nh int) {
		n, oh := nh/HOut, nh%HOut
		for ow := 0; ow < WOut; ow++ {
			outOff := ((n*HOut+oh)*WOut + ow) * C
			for c := 0; c < C; c++ {
				maxVal := float32(math.Inf(-1))
				for kh := 0; kh < kernelSize; kh++ {
					rowOff := (n*H + oh*stride + kh) * W
					for kw := 0; kw < kernelSize; kw++ {
						if v := src[(rowOff+ow*stride+kw)*C+c]; v > maxVal {
							maxVal = v
						}
					}
				}
				dst[outOff+c] = maxVal
			}
		}
	}, cpu.par)
	return output
}

// MaxPool2DBackward routes each output gradient to the input position that
// held the window maximum in the forward pass. All other positions get zero.
func (cpu *CPUBackend) MaxPool2DBackward(input, grad *tensor.RawTensor, maxIndices []int, _, _ int) *tensor.RawTensor {
	mustFloat32("maxpool2d backward", input, grad)
	if len(maxIndices) != grad.NumElements() {
		panic(fmt.Sprintf("maxpool2d backward: maxIndices length %d != grad elements %d", len(maxIndices), grad.NumElements()))
	}

	inputGrad := tensor.MustNewRaw(input.Shape(), tensor.Float32, cpu.device)
	dst, g := inputGrad.AsFloat32(), grad.AsFloat32()
	for i, idx := range maxIndices {
		dst[idx] += g[i]
	}
	return inputGrad
}

func maxPoolDims(shape tensor.Shape, kernelSize, stride int) (N, H, W, C, HOut, WOut int) {
	if len(shape) != 4 {
		panic(fmt.Sprintf("maxpool2d: expected 4D input [N,H,W,C], got %dD", len(shape)))
	}
	if kernelSize <= 0 || stride <= 0 {
		panic(fmt.Sprintf("maxpool2d: invalid kernel size %d or stride %d", kernelSize, stride))
	}
	N, H, W, C = shape[0], shape[1], shape[2], shape[3]
	if kernelSize > H || kernelSize > W {
		panic(fmt.Sprintf("maxpool2d: kernel size %d too large for input %dx%d", kernelSize, H, W))
	}
	HOut = (H-kernelSize)/stride + 1
	WOut = (W-kernelSize)/stride + 1
	return N, H, W, C, HOut, WOut
}
