package cpu

import (
	"fmt"

	"github.com/born-ml/selu-mnist/internal/parallel"
	"github.com/born-ml/selu-mnist/internal/tensor"
	"gonum.org/v1/gonum/blas"
)

// conv2dGeom holds the derived dimensions of a channels-last convolution.
type conv2dGeom struct {
	N, H, W, CIn   int
	KH, KW, COut   int
	HOut, WOut     int
	stride, pad    int
	rows, patchLen int // im2col matrix is [rows, patchLen]
}

func newConv2DGeom(op string, input, kernel *tensor.RawTensor, stride, padding int) conv2dGeom {
	inShape, kShape := input.Shape(), kernel.Shape()
	if len(inShape) != 4 {
		panic(fmt.Sprintf("%s: input must be 4D [N,H,W,C], got %dD", op, len(inShape)))
	}
	if len(kShape) != 4 {
		panic(fmt.Sprintf("%s: kernel must be 4D [K_h,K_w,C_in,C_out], got %dD", op, len(kShape)))
	}
	if stride <= 0 || padding < 0 {
		panic(fmt.Sprintf("%s: invalid stride %d or padding %d", op, stride, padding))
	}

	g := conv2dGeom{
		N: inShape[0], H: inShape[1], W: inShape[2], CIn: inShape[3],
		KH: kShape[0], KW: kShape[1], COut: kShape[3],
		stride: stride, pad: padding,
	}
	if kShape[2] != g.CIn {
		panic(fmt.Sprintf("%s: input channels %d != kernel channels %d", op, g.CIn, kShape[2]))
	}

	g.HOut = (g.H+2*padding-g.KH)/stride + 1
	g.WOut = (g.W+2*padding-g.KW)/stride + 1
	if g.HOut <= 0 || g.WOut <= 0 {
		panic(fmt.Sprintf("%s: kernel %dx%d too large for input %dx%d", op, g.KH, g.KW, g.H, g.W))
	}
	g.rows = g.N * g.HOut * g.WOut
	g.patchLen = g.KH * g.KW * g.CIn
	return g
}

// Conv2D performs 2D convolution using the im2col algorithm.
//
// Input shape:  [N, H, W, C_in]
// Kernel shape: [K_h, K_w, C_in, C_out]
// Output shape: [N, H_out, W_out, C_out]
//
// Every output pixel's receptive field is unrolled into one row of a
// [N*H_out*W_out, K_h*K_w*C_in] matrix. The kernel is already laid out as
// [K_h*K_w*C_in, C_out] in memory, so the convolution is a single GEMM whose
// result is the channels-last output.
func (cpu *CPUBackend) Conv2D(input, kernel *tensor.RawTensor, stride, padding int) *tensor.RawTensor {
	mustFloat32("conv2d", input, kernel)
	g := newConv2DGeom("conv2d", input, kernel, stride, padding)

	col := cpu.im2col(input.AsFloat32(), g)
	output := tensor.MustNewRaw(tensor.Shape{g.N, g.HOut, g.WOut, g.COut}, tensor.Float32, cpu.device)
	gemm(blas.NoTrans, blas.NoTrans, g.rows, g.COut, g.patchLen, col, kernel.AsFloat32(), output.AsFloat32())
	return output
}

// Conv2DInputBackward computes the gradient w.r.t. the convolution input:
// dCol = dOut @ K^T followed by col2im.
func (cpu *CPUBackend) Conv2DInputBackward(input, kernel, grad *tensor.RawTensor, stride, padding int) *tensor.RawTensor {
	mustFloat32("conv2d backward", input, kernel, grad)
	g := newConv2DGeom("conv2d backward", input, kernel, stride, padding)

	dCol := make([]float32, g.rows*g.patchLen)
	gemm(blas.NoTrans, blas.Trans, g.rows, g.patchLen, g.COut, grad.AsFloat32(), kernel.AsFloat32(), dCol)

	inputGrad := tensor.MustNewRaw(input.Shape(), tensor.Float32, cpu.device)
	cpu.col2im(dCol, inputGrad.AsFloat32(), g)
	return inputGrad
}

// Conv2DKernelBackward computes the gradient w.r.t. the kernel:
// dK = im2col(input)^T @ dOut.
func (cpu *CPUBackend) Conv2DKernelBackward(input, kernel, grad *tensor.RawTensor, stride, padding int) *tensor.RawTensor {
	mustFloat32("conv2d backward", input, kernel, grad)
	g := newConv2DGeom("conv2d backward", input, kernel, stride, padding)

	col := cpu.im2col(input.AsFloat32(), g)
	kernelGrad := tensor.MustNewRaw(kernel.Shape(), tensor.Float32, cpu.device)
	gemm(blas.Trans, blas.NoTrans, g.patchLen, g.COut, g.rows, col, grad.AsFloat32(), kernelGrad.AsFloat32())
	return kernelGrad
}

// im2col unrolls receptive fields into rows. Out-of-bounds taps read zero.
func (cpu *CPUBackend) im2col(src []float32, g conv2dGeom) []float32 {
	col := make([]float32, g.rows*g.patchLen)
	parallel.For(g.rows, func(r int) {
		n := r / (g.HOut * g.WOut)
		oh := (r / g.WOut) % g.HOut
		ow := r % g.WOut
		row := col[r*g.patchLen : (r+1)*g.patchLen]

		for kh := 0; kh < g.KH; kh++ {
			ih := oh*g.stride + kh - g.pad
			if ih < 0 || ih >= g.H {
				continue
			}
			for kw := 0; kw < g.KW; kw++ {
				iw := ow*g.stride + kw - g.pad
				if iw < 0 || iw >= g.W {
					continue
				}
				srcOff := ((n*g.H+ih)*g.W + iw) * g.CIn
				dstOff := (kh*g.KW + kw) * g.CIn
				copy(row[dstOff:dstOff+g.CIn], src[srcOff:srcOff+g.CIn])
			}
		}
	}, cpu.par)
	return col
}

// col2im scatters column gradients back to image positions, summing where
// receptive fields overlap. Samples are independent so the batch is split
// across workers.
func (cpu *CPUBackend) col2im(col, dst []float32, g conv2dGeom) {
	perSample := g.HOut * g.WOut
	parallel.For(g.N, func(n int) {
		for p := 0; p < perSample; p++ {
			r := n*perSample + p
			oh, ow := p/g.WOut, p%g.WOut
			row := col[r*g.patchLen : (r+1)*g.patchLen]

			for kh := 0; kh < g.KH; kh++ {
				ih := oh*g.stride + kh - g.pad
				if ih < 0 || ih >= g.H {
					continue
				}
				for kw := 0; kw < g.KW; kw++ {
					iw := ow*g.stride + kw - g.pad
					if iw < 0 || iw >= g.W {
						continue
					}
					dstOff := ((n*g.H+ih)*g.W + iw) * g.CIn
					srcOff := (kh*g.KW + kw) * g.CIn
					for c := 0; c < g.CIn; c++ {
						dst[dstOff+c] += row[srcOff+c]
					}
				}
			}
		}
	}, cpu.par)
}
