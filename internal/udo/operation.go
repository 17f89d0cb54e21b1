package udo

import (
	"fmt"
	"time"

	"github.com/born-ml/selu-mnist/internal/tensor"
)

// Param is a static operator parameter: a scalar, a string or a tensor.
type Param struct {
	Name   string
	Scalar float64
	Text   string
	Tensor *tensor.RawTensor
}

// OpDefinition describes one operator instance. Inputs and Outputs may hold
// nil placeholders at validation time; they must be bound before Execute.
type OpDefinition struct {
	Type    string
	Core    CoreType
	Inputs  []*tensor.RawTensor
	Outputs []*tensor.RawTensor
	Params  []Param
}

// Param returns the static parameter called name.
func (d *OpDefinition) Param(name string) (Param, bool) {
	for _, p := range d.Params {
		if p.Name == name {
			return p, true
		}
	}
	return Param{}, false
}

// Operation is an executable operator instance.
type Operation interface {
	// SetIO rebinds the input and output tensors. The counts must match the
	// definition the operation was created from.
	SetIO(inputs, outputs []*tensor.RawTensor) error

	// Execute runs the kernel. Only blocking execution is supported.
	Execute(blocking bool) error

	// ExecutionTime returns the duration of the last successful Execute.
	ExecutionTime() time.Duration
}

// kernelFunc computes out from in. out is preallocated by the caller.
type kernelFunc func(backend tensor.Backend, in, out *tensor.RawTensor) error

// cpuOperation is the Operation shared by every CPU operator: it owns the
// bound tensors and the timing, and delegates the math to kernel.
type cpuOperation struct {
	typ     string
	def     *OpDefinition
	shape   ShapeFunc
	inputs  []*tensor.RawTensor
	outputs []*tensor.RawTensor
	backend tensor.Backend
	kernel  kernelFunc
	elapsed time.Duration
}

func newCPUOperation(def *OpDefinition, backend tensor.Backend, shape ShapeFunc, kernel kernelFunc) *cpuOperation {
	return &cpuOperation{
		typ:     def.Type,
		def:     def,
		shape:   shape,
		inputs:  append([]*tensor.RawTensor(nil), def.Inputs...),
		outputs: append([]*tensor.RawTensor(nil), def.Outputs...),
		backend: backend,
		kernel:  kernel,
	}
}

func (op *cpuOperation) SetIO(inputs, outputs []*tensor.RawTensor) error {
	if len(inputs) != len(op.inputs) || len(outputs) != len(op.outputs) {
		return fmt.Errorf("%w: %s takes %d inputs and %d outputs, got %d and %d",
			ErrWrongOperation, op.typ, len(op.inputs), len(op.outputs), len(inputs), len(outputs))
	}
	copy(op.inputs, inputs)
	copy(op.outputs, outputs)
	return nil
}

func (op *cpuOperation) Execute(blocking bool) error {
	start := time.Now()
	if !blocking {
		return fmt.Errorf("%w: non-blocking execution of %s", ErrUnsupportedFeature, op.typ)
	}
	if len(op.inputs) == 0 || len(op.outputs) == 0 || op.backend == nil {
		return fmt.Errorf("%w: %s has no tensors bound", ErrInvalidArgument, op.typ)
	}
	for _, t := range append(op.inputs[:len(op.inputs):len(op.inputs)], op.outputs...) {
		if t == nil {
			return fmt.Errorf("%w: %s has an unbound tensor", ErrInvalidArgument, op.typ)
		}
		if t.DType() != tensor.Float32 {
			return fmt.Errorf("%w: %s on %s tensors", ErrUnsupportedFeature, op.typ, t.DType())
		}
	}

	in, out := op.inputs[0], op.outputs[0]
	want, err := op.shape(in.Shape(), op.def)
	if err != nil {
		return fmt.Errorf("%s: %w", op.typ, err)
	}
	if !out.Shape().Equal(want) {
		return fmt.Errorf("%w: %s output is %v, want %v", ErrInvalidArgument, op.typ, out.Shape(), want)
	}

	if err := op.kernel(op.backend, in, out); err != nil {
		return fmt.Errorf("%s: %w", op.typ, err)
	}
	op.elapsed = time.Since(start)
	return nil
}

func (op *cpuOperation) ExecutionTime() time.Duration {
	return op.elapsed
}

// writeOutput copies a kernel result into the caller's output tensor.
func writeOutput(out, result *tensor.RawTensor) error {
	if out.NumElements() != result.NumElements() {
		return fmt.Errorf("%w: output holds %d values, kernel produced %d", ErrInvalidArgument, out.NumElements(), result.NumElements())
	}
	copy(out.AsFloat32(), result.AsFloat32())
	return nil
}
