package cpu

import "github.com/born-ml/selu-mnist/internal/tensor"

// Argmax returns int32 indices of the maximum along the last dimension.
// The output shape drops the last dimension. The first maximum wins on ties.
func (cpu *CPUBackend) Argmax(x *tensor.RawTensor) *tensor.RawTensor {
	mustFloat32("argmax", x)
	shape := x.Shape()
	if len(shape) == 0 {
		panic("argmax: scalar input")
	}

	classes := shape[len(shape)-1]
	outShape := shape[:len(shape)-1].Clone()
	result := tensor.MustNewRaw(outShape, tensor.Int32, cpu.device)

	src, dst := x.AsFloat32(), result.AsInt32()
	for r := range dst {
		dst[r] = int32(ArgmaxFloat32(src[r*classes : (r+1)*classes]))
	}
	return result
}

// ArgmaxFloat32 returns the index of the largest value in v.
func ArgmaxFloat32(v []float32) int {
	if len(v) == 0 {
		panic("argmax: empty slice")
	}
	best := 0
	for i := 1; i < len(v); i++ {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}
