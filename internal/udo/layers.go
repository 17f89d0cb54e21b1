package udo

import (
	"fmt"
	"math"

	"github.com/born-ml/selu-mnist/internal/tensor"
)

// Operator types of the layer operators. They match the layer class names
// stored in a saved model's manifest.
const (
	Conv2DType    = "Conv2D"
	MaxPool2DType = "MaxPooling2D"
	FlattenType   = "Flatten"
	DenseType     = "Dense"
	DropoutType   = "Dropout"
)

// Static parameter names.
const (
	ParamKernel   = "kernel"
	ParamBias     = "bias"
	ParamStride   = "stride"
	ParamPadding  = "padding"
	ParamPoolSize = "pool_size"
	ParamRate     = "rate"
)

// checkSignature verifies the operator type, one input and one output, and
// that every static parameter is one of allowed.
func checkSignature(def *OpDefinition, typ string, allowed ...string) error {
	if def == nil {
		return ErrInvalidArgument
	}
	if def.Type != typ {
		return fmt.Errorf("%w: %s is not %s", ErrWrongOperation, def.Type, typ)
	}
	if len(def.Inputs) != 1 || len(def.Outputs) != 1 {
		return fmt.Errorf("%w: %s takes 1 input and 1 output, got %d and %d",
			ErrWrongOperation, typ, len(def.Inputs), len(def.Outputs))
	}
	for _, p := range def.Params {
		ok := false
		for _, name := range allowed {
			ok = ok || p.Name == name
		}
		if !ok {
			return fmt.Errorf("%w: %s has no parameter %q", ErrWrongOperation, typ, p.Name)
		}
	}
	return nil
}

// tensorParam returns a required float32 tensor parameter of the given rank.
func tensorParam(def *OpDefinition, name string, rank int) (*tensor.RawTensor, error) {
	p, ok := def.Param(name)
	if !ok || p.Tensor == nil {
		return nil, fmt.Errorf("%w: %s needs tensor parameter %q", ErrWrongOperation, def.Type, name)
	}
	if p.Tensor.DType() != tensor.Float32 || len(p.Tensor.Shape()) != rank {
		return nil, fmt.Errorf("%w: %s %s must be a %dD float32 tensor, got %s %v",
			ErrInvalidArgument, def.Type, name, rank, p.Tensor.DType(), p.Tensor.Shape())
	}
	return p.Tensor, nil
}

// intParam returns a positive integer scalar parameter, or def when absent.
func intParam(d *OpDefinition, name string, def int) (int, error) {
	p, ok := d.Param(name)
	if !ok {
		return def, nil
	}
	v := int(p.Scalar)
	if float64(v) != p.Scalar || v < 1 {
		return 0, fmt.Errorf("%w: %s %s must be a positive integer, got %v", ErrInvalidArgument, d.Type, name, p.Scalar)
	}
	return v, nil
}

// affineParams returns kernel and bias, checking that the bias matches the
// kernel's last dimension.
func affineParams(def *OpDefinition, kernelRank int) (kernel, bias *tensor.RawTensor, err error) {
	if kernel, err = tensorParam(def, ParamKernel, kernelRank); err != nil {
		return nil, nil, err
	}
	if bias, err = tensorParam(def, ParamBias, 1); err != nil {
		return nil, nil, err
	}
	if out := kernel.Shape()[kernelRank-1]; bias.Shape()[0] != out {
		return nil, nil, fmt.Errorf("%w: %s bias has %d values for %d outputs", ErrInvalidArgument, def.Type, bias.Shape()[0], out)
	}
	return kernel, bias, nil
}

func float32IO() ([]tensor.DataType, []TensorInfo, []TensorInfo) {
	return []tensor.DataType{tensor.Float32},
		[]TensorInfo{{Name: "input", DataType: tensor.Float32, Layout: LayoutNHWC}},
		[]TensorInfo{{Name: "output", DataType: tensor.Float32, Layout: LayoutNHWC}}
}

func layerInfo(typ string, validate ValidateFunc, shape ShapeFunc, kernel func(def *OpDefinition) kernelFunc) OpInfo {
	dtypes, inputs, outputs := float32IO()
	return OpInfo{
		Type:      typ,
		Core:      CoreCPU,
		DataTypes: dtypes,
		Inputs:    inputs,
		Outputs:   outputs,
		Validate:  validate,
		New: func(def *OpDefinition, backend tensor.Backend) (Operation, error) {
			return newCPUOperation(def, backend, shape, kernel(def)), nil
		},
		OutputShape: shape,
	}
}

// Conv2D: valid padding, square kernel [KH, KW, Cin, Cout], bias [Cout].

func validateConv2D(def *OpDefinition) error {
	if err := checkSignature(def, Conv2DType, ParamKernel, ParamBias, ParamStride, ParamPadding); err != nil {
		return err
	}
	if _, _, err := affineParams(def, 4); err != nil {
		return err
	}
	if _, err := intParam(def, ParamStride, 1); err != nil {
		return err
	}
	if p, ok := def.Param(ParamPadding); ok && p.Text != "valid" {
		return fmt.Errorf("%w: %s padding %q", ErrUnsupportedFeature, Conv2DType, p.Text)
	}
	return nil
}

func conv2DShape(input tensor.Shape, def *OpDefinition) (tensor.Shape, error) {
	kernel, _, err := affineParams(def, 4)
	if err != nil {
		return nil, err
	}
	stride, err := intParam(def, ParamStride, 1)
	if err != nil {
		return nil, err
	}
	k := kernel.Shape()
	if len(input) != 4 || input[3] != k[2] {
		return nil, fmt.Errorf("%w: %s expects (N, H, W, %d), got %v", ErrInvalidArgument, Conv2DType, k[2], input)
	}
	h, w := (input[1]-k[0])/stride+1, (input[2]-k[1])/stride+1
	if input[1] < k[0] || input[2] < k[1] {
		return nil, fmt.Errorf("%w: %s kernel %dx%d larger than input %dx%d", ErrInvalidArgument, Conv2DType, k[0], k[1], input[1], input[2])
	}
	return tensor.Shape{input[0], h, w, k[3]}, nil
}

func conv2DKernel(def *OpDefinition) kernelFunc {
	kernel, bias, _ := affineParams(def, 4)
	stride, _ := intParam(def, ParamStride, 1)
	return func(b tensor.Backend, in, out *tensor.RawTensor) error {
		return writeOutput(out, b.Add(b.Conv2D(in, kernel, stride, 0), bias))
	}
}

// MaxPooling2D: window pool_size, stride defaulting to pool_size.

func validateMaxPool2D(def *OpDefinition) error {
	if err := checkSignature(def, MaxPool2DType, ParamPoolSize, ParamStride); err != nil {
		return err
	}
	if _, ok := def.Param(ParamPoolSize); !ok {
		return fmt.Errorf("%w: %s needs %q", ErrWrongOperation, MaxPool2DType, ParamPoolSize)
	}
	_, _, err := poolParams(def)
	return err
}

func poolParams(def *OpDefinition) (size, stride int, err error) {
	if size, err = intParam(def, ParamPoolSize, 2); err != nil {
		return 0, 0, err
	}
	if stride, err = intParam(def, ParamStride, size); err != nil {
		return 0, 0, err
	}
	return size, stride, nil
}

func maxPool2DShape(input tensor.Shape, def *OpDefinition) (tensor.Shape, error) {
	size, stride, err := poolParams(def)
	if err != nil {
		return nil, err
	}
	if len(input) != 4 || input[1] < size || input[2] < size {
		return nil, fmt.Errorf("%w: %s with pool %d expects (N, H, W, C), got %v", ErrInvalidArgument, MaxPool2DType, size, input)
	}
	return tensor.Shape{input[0], (input[1]-size)/stride + 1, (input[2]-size)/stride + 1, input[3]}, nil
}

func maxPool2DKernel(def *OpDefinition) kernelFunc {
	size, stride, _ := poolParams(def)
	return func(b tensor.Backend, in, out *tensor.RawTensor) error {
		return writeOutput(out, b.MaxPool2D(in, size, stride))
	}
}

// Flatten: (N, ...) -> (N, prod(...)).

func validateFlatten(def *OpDefinition) error {
	return checkSignature(def, FlattenType)
}

func flattenShape(input tensor.Shape, _ *OpDefinition) (tensor.Shape, error) {
	if len(input) < 2 {
		return nil, fmt.Errorf("%w: %s expects a batch, got %v", ErrInvalidArgument, FlattenType, input)
	}
	return tensor.Shape{input[0], input[1:].NumElements()}, nil
}

func copyKernel(_ *OpDefinition) kernelFunc {
	return func(_ tensor.Backend, in, out *tensor.RawTensor) error {
		return writeOutput(out, in)
	}
}

// Dense: kernel [in, units], bias [units].

func validateDense(def *OpDefinition) error {
	if err := checkSignature(def, DenseType, ParamKernel, ParamBias); err != nil {
		return err
	}
	_, _, err := affineParams(def, 2)
	return err
}

func denseShape(input tensor.Shape, def *OpDefinition) (tensor.Shape, error) {
	kernel, _, err := affineParams(def, 2)
	if err != nil {
		return nil, err
	}
	k := kernel.Shape()
	if len(input) != 2 || input[1] != k[0] {
		return nil, fmt.Errorf("%w: %s expects (N, %d), got %v", ErrInvalidArgument, DenseType, k[0], input)
	}
	return tensor.Shape{input[0], k[1]}, nil
}

func denseKernel(def *OpDefinition) kernelFunc {
	kernel, bias, _ := affineParams(def, 2)
	return func(b tensor.Backend, in, out *tensor.RawTensor) error {
		return writeOutput(out, b.Add(b.MatMul(in, kernel), bias))
	}
}

// Dropout is the identity at inference; rate is accepted for completeness.

func validateDropout(def *OpDefinition) error {
	if err := checkSignature(def, DropoutType, ParamRate); err != nil {
		return err
	}
	if p, ok := def.Param(ParamRate); ok && (p.Scalar < 0 || p.Scalar >= 1 || math.IsNaN(p.Scalar)) {
		return fmt.Errorf("%w: %s rate %v", ErrInvalidArgument, DropoutType, p.Scalar)
	}
	return nil
}
