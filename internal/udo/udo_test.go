package udo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/selu-mnist/internal/backend/cpu"
	"github.com/born-ml/selu-mnist/internal/tensor"
)

func raw(t *testing.T, shape tensor.Shape, values ...float32) *tensor.RawTensor {
	t.Helper()
	r := tensor.MustNewRaw(shape, tensor.Float32, tensor.CPU)
	if values != nil {
		require.Len(t, values, shape.NumElements())
		copy(r.AsFloat32(), values)
	}
	return r
}

func seluDef(in, out *tensor.RawTensor) *OpDefinition {
	return &OpDefinition{
		Type:    SeluType,
		Core:    CoreCPU,
		Inputs:  []*tensor.RawTensor{in},
		Outputs: []*tensor.RawTensor{out},
	}
}

func TestSeluPackage_Identity(t *testing.T) {
	r := SeluPackage()
	assert.Equal(t, "SeluUdoPackage", r.Name())
	assert.Equal(t, "1.0.0", r.Version().String())
	assert.Equal(t, CoreCPU, r.Core())
	assert.Equal(t, []string{"Conv2D", "Dense", "Dropout", "Flatten", "MaxPooling2D", "Selu"}, r.Types())

	info, ok := r.Lookup(SeluType)
	require.True(t, ok)
	assert.Equal(t, []tensor.DataType{tensor.Float32}, info.DataTypes)
	assert.Equal(t, LayoutNHWC, info.Inputs[0].Layout)
	assert.Equal(t, "Placeholder", info.Inputs[0].Name)
	assert.Contains(t, r.String(), "SeluUdoPackage 1.0.0 (CPU)")
}

func TestSeluValidation(t *testing.T) {
	r := SeluPackage()
	x := raw(t, tensor.Shape{1, 2})

	tests := []struct {
		name string
		def  *OpDefinition
		want error
	}{
		{"nil definition", nil, ErrInvalidArgument},
		{"unknown type", &OpDefinition{Type: "Softmax", Inputs: []*tensor.RawTensor{x}, Outputs: []*tensor.RawTensor{x}}, ErrWrongOperation},
		{"static params", &OpDefinition{Type: SeluType, Inputs: []*tensor.RawTensor{x}, Outputs: []*tensor.RawTensor{x}, Params: []Param{{Name: "alpha", Scalar: 1}}}, ErrWrongOperation},
		{"two inputs", &OpDefinition{Type: SeluType, Inputs: []*tensor.RawTensor{x, x}, Outputs: []*tensor.RawTensor{x}}, ErrWrongOperation},
		{"no outputs", &OpDefinition{Type: SeluType, Inputs: []*tensor.RawTensor{x}}, ErrWrongOperation},
		{"int input", seluDef(tensor.MustNewRaw(tensor.Shape{2}, tensor.Int32, tensor.CPU), x), ErrUnsupportedFeature},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, r.Validate(tt.def), tt.want)
		})
	}

	assert.NoError(t, r.Validate(seluDef(x, x)))
	assert.ErrorIs(t, validateSelu(nil), ErrInvalidArgument)
}

func TestSeluExecute(t *testing.T) {
	r := SeluPackage()
	in := raw(t, tensor.Shape{1, 1, 2, 2}, -1, 0, 0.5, 2)
	out := raw(t, tensor.Shape{1, 1, 2, 2})

	op, err := r.CreateOp(seluDef(in, out), cpu.New())
	require.NoError(t, err)

	assert.ErrorIs(t, op.Execute(false), ErrUnsupportedFeature)
	require.NoError(t, op.Execute(true))

	const scale, alpha = 1.05070098, 1.67326324
	want := []float32{
		float32(scale * alpha * math.Expm1(-1)),
		0,
		scale * 0.5,
		scale * 2,
	}
	assert.InDeltaSlice(t, want, out.AsFloat32(), 1e-6)
	assert.Positive(t, op.ExecutionTime())
}

func TestExecute_MissingTensors(t *testing.T) {
	r := SeluPackage()
	op, err := r.CreateOp(seluDef(nil, nil), cpu.New())
	require.NoError(t, err, "placeholders validate")

	assert.ErrorIs(t, op.Execute(true), ErrInvalidArgument)

	in := raw(t, tensor.Shape{3}, 1, 2, 3)
	assert.ErrorIs(t, op.SetIO([]*tensor.RawTensor{in}, nil), ErrWrongOperation)

	// Output of the wrong shape.
	require.NoError(t, op.SetIO([]*tensor.RawTensor{in}, []*tensor.RawTensor{raw(t, tensor.Shape{2})}))
	assert.ErrorIs(t, op.Execute(true), ErrInvalidArgument)

	out := raw(t, tensor.Shape{3})
	require.NoError(t, op.SetIO([]*tensor.RawTensor{in}, []*tensor.RawTensor{out}))
	require.NoError(t, op.Execute(true))
	assert.InDelta(t, 1.05070098*3, out.AsFloat32()[2], 1e-5)
}

func TestRegister_Errors(t *testing.T) {
	r := NewRegistry("test", Version{1, 2, 3}, CoreCPU)
	assert.ErrorIs(t, r.Register(OpInfo{}), ErrInvalidArgument)
	assert.ErrorIs(t, r.Register(OpInfo{Type: "X", Core: CoreCPU}), ErrInvalidArgument)

	info := seluInfo()
	require.NoError(t, r.Register(info))
	assert.ErrorIs(t, r.Register(info), ErrInvalidArgument)

	other := seluInfo()
	other.Type = "Other"
	other.Core = CoreType(7)
	assert.ErrorIs(t, r.Register(other), ErrUnsupportedFeature)
}

func TestConv2DOp(t *testing.T) {
	r := SeluPackage()
	kernel := raw(t, tensor.Shape{2, 2, 1, 2}, 1, 1, 1, 0, 1, 0, 1, 0)
	bias := raw(t, tensor.Shape{2}, 0.5, -1)
	in := raw(t, tensor.Shape{1, 3, 3, 1}, 1, 2, 3, 4, 5, 6, 7, 8, 9)

	def := &OpDefinition{
		Type:   Conv2DType,
		Inputs: []*tensor.RawTensor{in},
		Params: []Param{
			{Name: ParamKernel, Tensor: kernel},
			{Name: ParamBias, Tensor: bias},
			{Name: ParamStride, Scalar: 1},
			{Name: ParamPadding, Text: "valid"},
		},
	}
	shape, err := r.OutputShape(&OpDefinition{Type: def.Type, Inputs: def.Inputs, Outputs: make([]*tensor.RawTensor, 1), Params: def.Params}, in.Shape())
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1, 2, 2, 2}, shape)

	out := raw(t, shape)
	def.Outputs = []*tensor.RawTensor{out}
	op, err := r.CreateOp(def, cpu.New())
	require.NoError(t, err)
	require.NoError(t, op.Execute(true))
	assert.InDeltaSlice(t, []float32{12.5, 0, 16.5, 1, 24.5, 3, 28.5, 4}, out.AsFloat32(), 1e-5)

	// Input with the wrong channel count is rejected before the kernel runs.
	require.NoError(t, op.SetIO([]*tensor.RawTensor{raw(t, tensor.Shape{1, 3, 3, 2})}, []*tensor.RawTensor{out}))
	assert.ErrorIs(t, op.Execute(true), ErrInvalidArgument)
}

func TestLayerValidation(t *testing.T) {
	r := SeluPackage()
	one := make([]*tensor.RawTensor, 1)
	kernel := raw(t, tensor.Shape{3, 3, 1, 4})

	tests := []struct {
		name string
		def  *OpDefinition
		want error
	}{
		{"conv without bias", &OpDefinition{Type: Conv2DType, Inputs: one, Outputs: one,
			Params: []Param{{Name: ParamKernel, Tensor: kernel}}}, ErrWrongOperation},
		{"conv bias mismatch", &OpDefinition{Type: Conv2DType, Inputs: one, Outputs: one,
			Params: []Param{{Name: ParamKernel, Tensor: kernel}, {Name: ParamBias, Tensor: raw(t, tensor.Shape{3})}}}, ErrInvalidArgument},
		{"conv same padding", &OpDefinition{Type: Conv2DType, Inputs: one, Outputs: one,
			Params: []Param{{Name: ParamKernel, Tensor: kernel}, {Name: ParamBias, Tensor: raw(t, tensor.Shape{4})}, {Name: ParamPadding, Text: "same"}}}, ErrUnsupportedFeature},
		{"conv unknown param", &OpDefinition{Type: Conv2DType, Inputs: one, Outputs: one,
			Params: []Param{{Name: "dilation", Scalar: 2}}}, ErrWrongOperation},
		{"pool without size", &OpDefinition{Type: MaxPool2DType, Inputs: one, Outputs: one}, ErrWrongOperation},
		{"pool fractional size", &OpDefinition{Type: MaxPool2DType, Inputs: one, Outputs: one,
			Params: []Param{{Name: ParamPoolSize, Scalar: 1.5}}}, ErrInvalidArgument},
		{"dense rank", &OpDefinition{Type: DenseType, Inputs: one, Outputs: one,
			Params: []Param{{Name: ParamKernel, Tensor: kernel}, {Name: ParamBias, Tensor: raw(t, tensor.Shape{4})}}}, ErrInvalidArgument},
		{"dropout rate", &OpDefinition{Type: DropoutType, Inputs: one, Outputs: one,
			Params: []Param{{Name: ParamRate, Scalar: 1}}}, ErrInvalidArgument},
		{"flatten params", &OpDefinition{Type: FlattenType, Inputs: one, Outputs: one,
			Params: []Param{{Name: ParamRate}}}, ErrWrongOperation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, r.Validate(tt.def), tt.want)
		})
	}
}

func run(t *testing.T, r *Registry, def *OpDefinition, in *tensor.RawTensor) *tensor.RawTensor {
	t.Helper()
	def.Inputs = []*tensor.RawTensor{in}
	def.Outputs = make([]*tensor.RawTensor, 1)
	shape, err := r.OutputShape(def, in.Shape())
	require.NoError(t, err)
	out := raw(t, shape)
	def.Outputs[0] = out

	op, err := r.CreateOp(def, cpu.New())
	require.NoError(t, err)
	require.NoError(t, op.Execute(true))
	return out
}

func TestPoolFlattenDenseDropout(t *testing.T) {
	r := SeluPackage()
	in := raw(t, tensor.Shape{1, 4, 4, 1}, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16)

	pooled := run(t, r, &OpDefinition{Type: MaxPool2DType, Params: []Param{{Name: ParamPoolSize, Scalar: 2}}}, in)
	assert.Equal(t, tensor.Shape{1, 2, 2, 1}, pooled.Shape())
	assert.Equal(t, []float32{6, 8, 14, 16}, pooled.AsFloat32())

	flat := run(t, r, &OpDefinition{Type: FlattenType}, pooled)
	assert.Equal(t, tensor.Shape{1, 4}, flat.Shape())
	assert.Equal(t, []float32{6, 8, 14, 16}, flat.AsFloat32())

	dropped := run(t, r, &OpDefinition{Type: DropoutType, Params: []Param{{Name: ParamRate, Scalar: 0.2}}}, flat)
	assert.Equal(t, flat.AsFloat32(), dropped.AsFloat32())

	dense := run(t, r, &OpDefinition{Type: DenseType, Params: []Param{
		{Name: ParamKernel, Tensor: raw(t, tensor.Shape{4, 2}, 1, 0, 0, 1, 0, 0, 0, -1)},
		{Name: ParamBias, Tensor: raw(t, tensor.Shape{2}, 0.5, 0)},
	}}, dropped)
	assert.Equal(t, tensor.Shape{1, 2}, dense.Shape())
	assert.InDeltaSlice(t, []float32{6.5, -8}, dense.AsFloat32(), 1e-6)
}
