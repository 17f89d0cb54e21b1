package cpu

import (
	"fmt"

	"github.com/born-ml/selu-mnist/internal/parallel"
	"github.com/born-ml/selu-mnist/internal/tensor"
)

// Add performs element-wise addition with NumPy-style broadcasting.
func (cpu *CPUBackend) Add(a, b *tensor.RawTensor) *tensor.RawTensor {
	return cpu.binary("add", a, b, func(x, y float32) float32 { return x + y })
}

// Sub performs element-wise subtraction with broadcasting.
func (cpu *CPUBackend) Sub(a, b *tensor.RawTensor) *tensor.RawTensor {
	return cpu.binary("sub", a, b, func(x, y float32) float32 { return x - y })
}

// Mul performs element-wise multiplication with broadcasting.
func (cpu *CPUBackend) Mul(a, b *tensor.RawTensor) *tensor.RawTensor {
	return cpu.binary("mul", a, b, func(x, y float32) float32 { return x * y })
}

// MulScalar multiplies every element by s.
func (cpu *CPUBackend) MulScalar(x *tensor.RawTensor, s float32) *tensor.RawTensor {
	mustFloat32("mulscalar", x)
	result := tensor.MustNewRaw(x.Shape(), x.DType(), cpu.device)
	src, dst := x.AsFloat32(), result.AsFloat32()
	parallel.ForRange(len(src), func(start, end int) {
		for i := start; i < end; i++ {
			dst[i] = src[i] * s
		}
	}, cpu.par)
	return result
}

// binary applies f element-wise. Results are always freshly allocated so
// that tensors recorded on a gradient tape are never mutated.
func (cpu *CPUBackend) binary(name string, a, b *tensor.RawTensor, f func(x, y float32) float32) *tensor.RawTensor {
	mustFloat32(name, a, b)
	outShape, needsBroadcast, err := tensor.BroadcastShapes(a.Shape(), b.Shape())
	if err != nil {
		panic(fmt.Sprintf("%s: %v", name, err))
	}

	result := tensor.MustNewRaw(outShape, a.DType(), cpu.device)
	ad, bd, dst := a.AsFloat32(), b.AsFloat32(), result.AsFloat32()

	if !needsBroadcast {
		parallel.ForRange(len(dst), func(start, end int) {
			for i := start; i < end; i++ {
				dst[i] = f(ad[i], bd[i])
			}
		}, cpu.par)
		return result
	}

	// Row broadcast fast path: [M, N] op [N], as in bias addition.
	if len(b.Shape()) == 1 && len(outShape) >= 1 && a.Shape().Equal(outShape) && b.Shape()[0] == outShape[len(outShape)-1] {
		n := len(bd)
		rows := len(dst) / n
		parallel.For(rows, func(r int) {
			off := r * n
			for j := 0; j < n; j++ {
				dst[off+j] = f(ad[off+j], bd[j])
			}
		}, cpu.par)
		return result
	}

	outStrides := outShape.ComputeStrides()
	aStrides := broadcastStrides(a.Shape(), outShape)
	bStrides := broadcastStrides(b.Shape(), outShape)
	parallel.ForRange(len(dst), func(start, end int) {
		for i := start; i < end; i++ {
			dst[i] = f(ad[flatIndex(i, outStrides, aStrides)], bd[flatIndex(i, outStrides, bStrides)])
		}
	}, cpu.par)
	return result
}

// broadcastStrides computes strides for reading inShape as if it had
// outShape. Dimensions of size 1 and padded leading dimensions get stride 0.
func broadcastStrides(inShape, outShape tensor.Shape) []int {
	outDim := len(outShape)
	strides := make([]int, outDim)
	offset := outDim - len(inShape)
	orig := inShape.ComputeStrides()

	for i := 0; i < outDim; i++ {
		inIdx := i - offset
		if inIdx < 0 || inShape[inIdx] == 1 {
			continue
		}
		strides[i] = orig[inIdx]
	}
	return strides
}

// flatIndex maps a flat output index to the flat source index.
func flatIndex(outIdx int, outStrides, inStrides []int) int {
	flat := 0
	for i := range outStrides {
		coord := outIdx / outStrides[i]
		outIdx %= outStrides[i]
		flat += coord * inStrides[i]
	}
	return flat
}
