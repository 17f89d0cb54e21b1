package autodiff_test

import (
	"math"
	"math/rand"
	"testing"

	"github.com/born-ml/selu-mnist/internal/autodiff"
	"github.com/born-ml/selu-mnist/internal/backend/cpu"
	"github.com/born-ml/selu-mnist/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type adBackend = autodiff.AutodiffBackend[*cpu.CPUBackend]

func TestAutodiffBackend_NameDevice(t *testing.T) {
	backend := autodiff.New(cpu.New())
	assert.Equal(t, "Autodiff(CPU)", backend.Name())
	assert.Equal(t, tensor.CPU, backend.Device())
}

func TestTape_RecordingAndClear(t *testing.T) {
	backend := autodiff.New(cpu.New())
	tape := backend.Tape()
	assert.False(t, tape.IsRecording())

	a, err := tensor.FromSlice([]float32{1, 2}, tensor.Shape{2}, backend)
	require.NoError(t, err)
	a.Add(a)
	assert.Zero(t, tape.NumOps(), "nothing is recorded before StartRecording")

	tape.StartRecording()
	a.Add(a)
	assert.Equal(t, 1, tape.NumOps())

	tape.Clear()
	assert.Zero(t, tape.NumOps())
	assert.True(t, tape.IsRecording())
}

func TestBackward_Square(t *testing.T) {
	backend := autodiff.New(cpu.New())
	backend.Tape().StartRecording()

	x, err := tensor.FromSlice([]float32{3}, tensor.Shape{1}, backend)
	require.NoError(t, err)
	y := x.Mul(x)

	grads := autodiff.Backward(y, backend)
	assert.InDelta(t, 6.0, float64(grads[x.Raw()].AsFloat32()[0]), 1e-6)
}

func TestBackward_ReusedTensorAccumulates(t *testing.T) {
	backend := autodiff.New(cpu.New())
	backend.Tape().StartRecording()

	x, err := tensor.FromSlice([]float32{2, -1}, tensor.Shape{2}, backend)
	require.NoError(t, err)
	// y = 3x + x*x - x
	y := x.MulScalar(3).Add(x.Mul(x)).Sub(x)

	grads := autodiff.Backward(y, backend)
	// dy/dx = 3 + 2x - 1
	assert.InDeltaSlice(t, []float32{6, 0}, grads[x.Raw()].AsFloat32(), 1e-6)
}

func TestBackward_BiasBroadcastReduces(t *testing.T) {
	backend := autodiff.New(cpu.New())
	backend.Tape().StartRecording()

	x, err := tensor.FromSlice([]float32{1, 2, 3, 4, 5, 6}, tensor.Shape{2, 3}, backend)
	require.NoError(t, err)
	bias, err := tensor.FromSlice([]float32{0, 0, 0}, tensor.Shape{3}, backend)
	require.NoError(t, err)

	y := x.Add(bias)
	grads := autodiff.Backward(y, backend)

	assert.Equal(t, tensor.Shape{3}, grads[bias.Raw()].Shape())
	assert.Equal(t, []float32{2, 2, 2}, grads[bias.Raw()].AsFloat32())
}

func TestBackward_TransposeAndReshape(t *testing.T) {
	backend := autodiff.New(cpu.New())
	backend.Tape().StartRecording()

	x, err := tensor.FromSlice([]float32{1, 2, 3, 4, 5, 6}, tensor.Shape{2, 3}, backend)
	require.NoError(t, err)
	w, err := tensor.FromSlice([]float32{1, 2, 3, 4, 5, 6}, tensor.Shape{6}, backend)
	require.NoError(t, err)

	// sum((x^T reshaped to [6]) * w)
	y := x.Transpose().Reshape(6).Mul(w)
	grads := autodiff.Backward(y, backend)

	// x^T flattened is [1,4,2,5,3,6], so dL/dx[i,j] = w[j*2+i].
	assert.Equal(t, []float32{1, 3, 5, 2, 4, 6}, grads[x.Raw()].AsFloat32())
}

func TestBackward_NoOpsPanics(t *testing.T) {
	backend := autodiff.New(cpu.New())
	x, err := tensor.FromSlice([]float32{1}, tensor.Shape{1}, backend)
	require.NoError(t, err)
	assert.Panics(t, func() { autodiff.Backward(x, backend) })
}

func TestSparseCrossEntropy_FromProbabilities(t *testing.T) {
	backend := autodiff.New(cpu.New())

	p, err := tensor.FromSlice([]float32{0.7, 0.2, 0.1, 0.1, 0.1, 0.8}, tensor.Shape{2, 3}, backend)
	require.NoError(t, err)
	labels, err := tensor.FromSlice([]int32{0, 2}, tensor.Shape{2}, backend)
	require.NoError(t, err)

	loss := backend.SparseCrossEntropy(p.Raw(), labels.Raw(), false)
	want := -(math.Log(0.7) + math.Log(0.8)) / 2
	assert.InDelta(t, want, float64(loss.AsFloat32()[0]), 1e-5)
}

func TestSparseCrossEntropy_UnnormalizedAndClipped(t *testing.T) {
	backend := autodiff.New(cpu.New())

	// Negative outputs clip to ε, outputs above one clip to 1-ε.
	p, err := tensor.FromSlice([]float32{-3, 2, 0.5}, tensor.Shape{1, 3}, backend)
	require.NoError(t, err)
	labels, err := tensor.FromSlice([]int32{2}, tensor.Shape{1}, backend)
	require.NoError(t, err)

	loss := backend.SparseCrossEntropy(p.Raw(), labels.Raw(), false)
	sum := 1e-7 + (1 - 1e-7) + 0.5
	assert.InDelta(t, -math.Log(0.5)+math.Log(sum), float64(loss.AsFloat32()[0]), 1e-5)
}

func TestSparseCrossEntropy_LabelOutOfRangePanics(t *testing.T) {
	backend := autodiff.New(cpu.New())
	p, err := tensor.FromSlice([]float32{0.5, 0.5}, tensor.Shape{1, 2}, backend)
	require.NoError(t, err)
	labels, err := tensor.FromSlice([]int32{2}, tensor.Shape{1}, backend)
	require.NoError(t, err)

	assert.Panics(t, func() { backend.SparseCrossEntropy(p.Raw(), labels.Raw(), false) })
}

// lossOf runs f without recording and returns the scalar loss.
func lossOf(backend *adBackend, f func() *tensor.RawTensor) float64 {
	tape := backend.Tape()
	was := tape.IsRecording()
	tape.StopRecording()
	defer func() {
		if was {
			tape.StartRecording()
		}
	}()
	return float64(f().AsFloat32()[0])
}

// checkGradient compares analytic gradients of param against central
// differences at a few sampled coordinates.
func checkGradient(t *testing.T, backend *adBackend, param *tensor.RawTensor, analytic []float32, forward func() *tensor.RawTensor, coords []int) {
	t.Helper()
	const eps = 1e-3
	data := param.AsFloat32()
	for _, i := range coords {
		orig := data[i]
		data[i] = orig + eps
		plus := lossOf(backend, forward)
		data[i] = orig - eps
		minus := lossOf(backend, forward)
		data[i] = orig

		numeric := (plus - minus) / (2 * eps)
		tol := 2e-2*math.Abs(numeric) + 2e-3
		assert.InDelta(t, numeric, float64(analytic[i]), tol, "coordinate %d", i)
	}
}

func randTensor(rng *rand.Rand, backend *adBackend, scale float32, shape ...int) *tensor.Tensor[float32, *adBackend] {
	data := make([]float32, tensor.Shape(shape).NumElements())
	for i := range data {
		data[i] = (rng.Float32()*2 - 1) * scale
	}
	out, err := tensor.FromSlice(data, tensor.Shape(shape), backend)
	if err != nil {
		panic(err)
	}
	return out
}

// A miniature version of the classifier: conv, SELU, pool, flatten, dense,
// softmax cross-entropy.
func TestGradientCheck_ConvNet(t *testing.T) {
	backend := autodiff.New(cpu.New())
	rng := rand.New(rand.NewSource(7))

	x := randTensor(rng, backend, 1, 2, 6, 6, 1)
	kernel := randTensor(rng, backend, 0.5, 3, 3, 1, 2)
	convBias := randTensor(rng, backend, 0.1, 2)
	weight := randTensor(rng, backend, 0.5, 2*2*2, 3)
	bias := randTensor(rng, backend, 0.1, 3)
	labels, err := tensor.FromSlice([]int32{1, 2}, tensor.Shape{2}, backend)
	require.NoError(t, err)

	forward := func() *tensor.RawTensor {
		h := backend.Conv2D(x.Raw(), kernel.Raw(), 1, 0)
		h = backend.Add(h, convBias.Raw())
		h = backend.SELU(h)
		h = backend.MaxPool2D(h, 2, 2)
		h = backend.Reshape(h, tensor.Shape{2, 8})
		h = backend.MatMul(h, weight.Raw())
		h = backend.Add(h, bias.Raw())
		return backend.SparseCrossEntropy(h, labels.Raw(), true)
	}

	backend.Tape().StartRecording()
	loss := tensor.New[float32](forward(), backend)
	grads := autodiff.Backward(loss, backend)
	backend.Tape().StopRecording()

	for _, p := range []*tensor.Tensor[float32, *adBackend]{kernel, convBias, weight, bias} {
		require.Contains(t, grads, p.Raw())
		assert.Equal(t, p.Shape(), grads[p.Raw()].Shape())
	}

	checkGradient(t, backend, kernel.Raw(), grads[kernel.Raw()].AsFloat32(), forward, []int{0, 5, 11, 17})
	checkGradient(t, backend, convBias.Raw(), grads[convBias.Raw()].AsFloat32(), forward, []int{0, 1})
	checkGradient(t, backend, weight.Raw(), grads[weight.Raw()].AsFloat32(), forward, []int{0, 7, 13, 23})
	checkGradient(t, backend, bias.Raw(), grads[bias.Raw()].AsFloat32(), forward, []int{0, 1, 2})
}

func TestGradientCheck_ProbabilityCrossEntropy(t *testing.T) {
	backend := autodiff.New(cpu.New())

	// Rows deliberately do not sum to one.
	p, err := tensor.FromSlice([]float32{0.3, 0.2, 0.4, 0.05, 0.6, 0.1}, tensor.Shape{2, 3}, backend)
	require.NoError(t, err)
	labels, err := tensor.FromSlice([]int32{2, 1}, tensor.Shape{2}, backend)
	require.NoError(t, err)

	forward := func() *tensor.RawTensor {
		return backend.SparseCrossEntropy(p.Raw(), labels.Raw(), false)
	}

	backend.Tape().StartRecording()
	grads := autodiff.Backward(tensor.New[float32](forward(), backend), backend)
	backend.Tape().StopRecording()

	checkGradient(t, backend, p.Raw(), grads[p.Raw()].AsFloat32(), forward, []int{0, 1, 2, 3, 4, 5})
}

func TestSparseCrossEntropy_ClippedEntriesGetNoGradient(t *testing.T) {
	backend := autodiff.New(cpu.New())
	backend.Tape().StartRecording()

	p, err := tensor.FromSlice([]float32{-1, 0.5, 3}, tensor.Shape{1, 3}, backend)
	require.NoError(t, err)
	labels, err := tensor.FromSlice([]int32{1}, tensor.Shape{1}, backend)
	require.NoError(t, err)

	loss := tensor.New[float32](backend.SparseCrossEntropy(p.Raw(), labels.Raw(), false), backend)
	grad := autodiff.Backward(loss, backend)[p.Raw()].AsFloat32()

	assert.Zero(t, grad[0])
	assert.Zero(t, grad[2])
	assert.NotZero(t, grad[1])
}
