package cpu

import (
	"math"
	"math/rand"
	"testing"

	"github.com/born-ml/selu-mnist/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustRaw(t *testing.T, data []float32, shape ...int) *tensor.RawTensor {
	t.Helper()
	r, err := tensor.FromFloat32(data, tensor.Shape(shape))
	require.NoError(t, err)
	return r
}

func randRaw(t *testing.T, rng *rand.Rand, shape ...int) *tensor.RawTensor {
	t.Helper()
	data := make([]float32, tensor.Shape(shape).NumElements())
	for i := range data {
		data[i] = rng.Float32()*2 - 1
	}
	return mustRaw(t, data, shape...)
}

func TestCPUBackend_New(t *testing.T) {
	backend := New()
	assert.Equal(t, "CPU", backend.Name())
	assert.Equal(t, tensor.CPU, backend.Device())
	assert.Positive(t, backend.Workers())
	assert.NotEmpty(t, backend.Info())

	assert.Equal(t, 1, NewWithWorkers(1).Workers())
	assert.Contains(t, NewWithWorkers(2).Info(), ", 2 workers")
}

func TestCPUBackend_AddBroadcast(t *testing.T) {
	backend := New()
	a := mustRaw(t, []float32{1, 2, 3, 4, 5, 6}, 2, 3)
	b := mustRaw(t, []float32{10, 20, 30}, 3)

	got := backend.Add(a, b)
	assert.Equal(t, tensor.Shape{2, 3}, got.Shape())
	assert.Equal(t, []float32{11, 22, 33, 14, 25, 36}, got.AsFloat32())

	col := mustRaw(t, []float32{100, 200}, 2, 1)
	got = backend.Add(a, col)
	assert.Equal(t, []float32{101, 102, 103, 204, 205, 206}, got.AsFloat32())
}

func TestCPUBackend_SubMulScalar(t *testing.T) {
	backend := New()
	a := mustRaw(t, []float32{1, 2, 3}, 3)
	b := mustRaw(t, []float32{3, 2, 1}, 3)

	assert.Equal(t, []float32{-2, 0, 2}, backend.Sub(a, b).AsFloat32())
	assert.Equal(t, []float32{3, 4, 3}, backend.Mul(a, b).AsFloat32())
	assert.Equal(t, []float32{0.5, 1, 1.5}, backend.MulScalar(a, 0.5).AsFloat32())
	// Inputs are never mutated.
	assert.Equal(t, []float32{1, 2, 3}, a.AsFloat32())
}

func TestCPUBackend_MatMul(t *testing.T) {
	backend := New()
	a := mustRaw(t, []float32{1, 2, 3, 4, 5, 6}, 2, 3)
	b := mustRaw(t, []float32{7, 8, 9, 10, 11, 12}, 3, 2)

	got := backend.MatMul(a, b)
	assert.Equal(t, tensor.Shape{2, 2}, got.Shape())
	assert.Equal(t, []float32{58, 64, 139, 154}, got.AsFloat32())

	assert.Panics(t, func() { backend.MatMul(a, a) })
}

func TestCPUBackend_Transpose(t *testing.T) {
	backend := New()
	a := mustRaw(t, []float32{1, 2, 3, 4, 5, 6}, 2, 3)

	got := backend.Transpose(a)
	assert.Equal(t, tensor.Shape{3, 2}, got.Shape())
	assert.Equal(t, []float32{1, 4, 2, 5, 3, 6}, got.AsFloat32())

	x := mustRaw(t, []float32{0, 1, 2, 3, 4, 5, 6, 7}, 2, 2, 2)
	got = backend.Transpose(x, 0, 2, 1)
	assert.Equal(t, []float32{0, 2, 1, 3, 4, 6, 5, 7}, got.AsFloat32())
}

func TestCPUBackend_ReshapeCopies(t *testing.T) {
	backend := New()
	a := mustRaw(t, []float32{1, 2, 3, 4}, 2, 2)
	got := backend.Reshape(a, tensor.Shape{4})
	got.AsFloat32()[0] = 99
	assert.Equal(t, float32(1), a.AsFloat32()[0])
	assert.Panics(t, func() { backend.Reshape(a, tensor.Shape{3}) })
}

// naiveConv2D is the direct definition of a channels-last convolution.
func naiveConv2D(in []float32, n, h, w, cin int, k []float32, kh, kw, cout, stride, pad int) []float32 {
	hOut := (h+2*pad-kh)/stride + 1
	wOut := (w+2*pad-kw)/stride + 1
	out := make([]float32, n*hOut*wOut*cout)
	for b := 0; b < n; b++ {
		for oh := 0; oh < hOut; oh++ {
			for ow := 0; ow < wOut; ow++ {
				for co := 0; co < cout; co++ {
					var sum float32
					for i := 0; i < kh; i++ {
						for j := 0; j < kw; j++ {
							ih, iw := oh*stride+i-pad, ow*stride+j-pad
							if ih < 0 || ih >= h || iw < 0 || iw >= w {
								continue
							}
							for ci := 0; ci < cin; ci++ {
								sum += in[((b*h+ih)*w+iw)*cin+ci] * k[((i*kw+j)*cin+ci)*cout+co]
							}
						}
					}
					out[((b*hOut+oh)*wOut+ow)*cout+co] = sum
				}
			}
		}
	}
	return out
}

func TestCPUBackend_Conv2DMatchesDirect(t *testing.T) {
	backend := New()
	rng := rand.New(rand.NewSource(1))

	tests := []struct {
		name         string
		n, h, w, cin int
		kh, kw, cout int
		stride, pad  int
		wantH, wantW int
	}{
		{"mnist first layer", 2, 28, 28, 1, 3, 3, 4, 1, 0, 26, 26},
		{"multi channel padded", 1, 5, 6, 3, 3, 3, 2, 1, 1, 5, 6},
		{"strided", 1, 7, 7, 2, 3, 3, 3, 2, 0, 3, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := randRaw(t, rng, tt.n, tt.h, tt.w, tt.cin)
			k := randRaw(t, rng, tt.kh, tt.kw, tt.cin, tt.cout)

			got := backend.Conv2D(in, k, tt.stride, tt.pad)
			require.Equal(t, tensor.Shape{tt.n, tt.wantH, tt.wantW, tt.cout}, got.Shape())

			want := naiveConv2D(in.AsFloat32(), tt.n, tt.h, tt.w, tt.cin, k.AsFloat32(), tt.kh, tt.kw, tt.cout, tt.stride, tt.pad)
			assert.InDeltaSlice(t, want, got.AsFloat32(), 1e-4)
		})
	}
}

func TestCPUBackend_Conv2DChannelMismatch(t *testing.T) {
	backend := New()
	in := mustRaw(t, make([]float32, 1*4*4*2), 1, 4, 4, 2)
	k := mustRaw(t, make([]float32, 3*3*1*1), 3, 3, 1, 1)
	assert.Panics(t, func() { backend.Conv2D(in, k, 1, 0) })
}

// The kernel gradient of sum(conv(x, k) * g) is checked against the
// directional derivative computed from two forward passes.
func TestCPUBackend_Conv2DBackwardFiniteDifference(t *testing.T) {
	backend := New()
	rng := rand.New(rand.NewSource(2))

	in := randRaw(t, rng, 2, 5, 5, 2)
	k := randRaw(t, rng, 3, 3, 2, 3)
	g := randRaw(t, rng, 2, 3, 3, 3)

	loss := func(x, kern *tensor.RawTensor) float64 {
		out := backend.Conv2D(x, kern, 1, 0).AsFloat32()
		var s float64
		for i, v := range out {
			s += float64(v) * float64(g.AsFloat32()[i])
		}
		return s
	}

	dK := backend.Conv2DKernelBackward(in, k, g, 1, 0).AsFloat32()
	dX := backend.Conv2DInputBackward(in, k, g, 1, 0).AsFloat32()

	const eps = 1e-2
	for _, i := range []int{0, 7, 20, 53} {
		kp, km := k.Clone(), k.Clone()
		kp.AsFloat32()[i] += eps
		km.AsFloat32()[i] -= eps
		numeric := (loss(in, kp) - loss(in, km)) / (2 * eps)
		assert.InDelta(t, numeric, float64(dK[i]), 1e-2, "kernel grad %d", i)
	}
	for _, i := range []int{0, 11, 24, 49} {
		xp, xm := in.Clone(), in.Clone()
		xp.AsFloat32()[i] += eps
		xm.AsFloat32()[i] -= eps
		numeric := (loss(xp, k) - loss(xm, k)) / (2 * eps)
		assert.InDelta(t, numeric, float64(dX[i]), 1e-2, "input grad %d", i)
	}
}

func TestCPUBackend_MaxPool2D(t *testing.T) {
	backend := New()
	data := make([]float32, 16)
	for i := range data {
		data[i] = float32(i + 1)
	}
	in := mustRaw(t, data, 1, 4, 4, 1)

	got := backend.MaxPool2D(in, 2, 2)
	assert.Equal(t, tensor.Shape{1, 2, 2, 1}, got.Shape())
	assert.Equal(t, []float32{6, 8, 14, 16}, got.AsFloat32())

	indices := []int{5, 7, 13, 15}

	grad := mustRaw(t, []float32{1, 2, 3, 4}, 1, 2, 2, 1)
	dx := backend.MaxPool2DBackward(in, grad, indices, 2, 2).AsFloat32()
	want := make([]float32, 16)
	want[5], want[7], want[13], want[15] = 1, 2, 3, 4
	assert.Equal(t, want, dx)
}

func TestCPUBackend_MaxPool2DOddInputDropsRemainder(t *testing.T) {
	backend := New()
	in := mustRaw(t, make([]float32, 26*26*3), 1, 26, 26, 3)
	assert.Equal(t, tensor.Shape{1, 13, 13, 3}, backend.MaxPool2D(in, 2, 2).Shape())

	in = mustRaw(t, make([]float32, 5*5), 1, 5, 5, 1)
	assert.Equal(t, tensor.Shape{1, 2, 2, 1}, backend.MaxPool2D(in, 2, 2).Shape())
}

func TestCPUBackend_MaxPool2DChannelsIndependent(t *testing.T) {
	backend := New()
	// Two channels interleaved: channel 0 is 1..4, channel 1 is 40..10.
	in := mustRaw(t, []float32{1, 40, 2, 30, 3, 20, 4, 10}, 1, 2, 2, 2)
	got := backend.MaxPool2D(in, 2, 2)
	assert.Equal(t, []float32{4, 40}, got.AsFloat32())
}

func TestCPUBackend_SELU(t *testing.T) {
	backend := New()
	x := mustRaw(t, []float32{-2, -0.5, 0, 0.5, 2}, 5)

	got := backend.SELU(x).AsFloat32()
	for i, v := range x.AsFloat32() {
		var want float64
		if v > 0 {
			want = SELUScale * float64(v)
		} else {
			want = SELUScale * SELUAlpha * (math.Exp(float64(v)) - 1)
		}
		assert.InDelta(t, want, float64(got[i]), 1e-6)
	}
	assert.Equal(t, float32(0), got[2])

	grad := mustRaw(t, []float32{1, 1, 1, 1, 1}, 5)
	dx := backend.SELUBackward(x, grad).AsFloat32()
	assert.InDelta(t, SELUScale, float64(dx[4]), 1e-6)
	assert.InDelta(t, SELUScale*SELUAlpha*math.Exp(-2), float64(dx[0]), 1e-6)
}

func TestCPUBackend_Argmax(t *testing.T) {
	backend := New()
	x := mustRaw(t, []float32{0.1, 0.7, 0.2, 0.9, 0.05, 0.05}, 2, 3)

	got := backend.Argmax(x)
	assert.Equal(t, tensor.Shape{2}, got.Shape())
	assert.Equal(t, []int32{1, 0}, got.AsInt32())

	assert.Equal(t, 0, ArgmaxFloat32([]float32{3, 3, 1}))
}
