package cpu

import (
	"fmt"
	"math"

	"github.com/born-ml/selu-mnist/internal/parallel"
	"github.com/born-ml/selu-mnist/internal/tensor"
)

// SELU constants from Klambauer et al., "Self-Normalizing Neural Networks".
const (
	SELUAlpha = 1.6732632423543772
	SELUScale = 1.0507009873554805
)

// SELU applies the scaled exponential linear unit element-wise:
//
//	selu(x) = scale * x                    if x > 0
//	selu(x) = scale * alpha * (exp(x) - 1) otherwise
func (cpu *CPUBackend) SELU(x *tensor.RawTensor) *tensor.RawTensor {
	mustFloat32("selu", x)
	result := tensor.MustNewRaw(x.Shape(), tensor.Float32, cpu.device)
	src, dst := x.AsFloat32(), result.AsFloat32()
	parallel.ForRange(len(src), func(start, end int) {
		SELUInto(dst[start:end], src[start:end])
	}, cpu.par)
	return result
}

// SELUBackward returns grad * selu'(x), where selu'(x) is scale for x > 0
// and scale * alpha * exp(x) otherwise.
func (cpu *CPUBackend) SELUBackward(x, grad *tensor.RawTensor) *tensor.RawTensor {
	mustFloat32("selu backward", x, grad)
	if !x.Shape().Equal(grad.Shape()) {
		panic(fmt.Sprintf("selu backward: shape mismatch %v vs %v", x.Shape(), grad.Shape()))
	}
	result := tensor.MustNewRaw(x.Shape(), tensor.Float32, cpu.device)
	src, g, dst := x.AsFloat32(), grad.AsFloat32(), result.AsFloat32()
	parallel.ForRange(len(src), func(start, end int) {
		for i := start; i < end; i++ {
			if v := src[i]; v > 0 {
				dst[i] = g[i] * SELUScale
			} else {
				dst[i] = g[i] * float32(SELUScale*SELUAlpha*math.Exp(float64(v)))
			}
		}
	}, cpu.par)
	return result
}

// SELUInto writes selu(src[i]) to dst[i]. dst and src may alias.
func SELUInto(dst, src []float32) {
	for i, v := range src {
		if v > 0 {
			dst[i] = SELUScale * v
		} else {
			dst[i] = float32(SELUScale * SELUAlpha * math.Expm1(float64(v)))
		}
	}
}
