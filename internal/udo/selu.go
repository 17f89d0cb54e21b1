package udo

import (
	"fmt"

	"github.com/born-ml/selu-mnist/internal/backend/cpu"
	"github.com/born-ml/selu-mnist/internal/tensor"
)

// SeluType is the operator type of the SELU activation.
const SeluType = "Selu"

// validateSelu accepts exactly one input, one output and no parameters.
func validateSelu(def *OpDefinition) error {
	if def == nil {
		return ErrInvalidArgument
	}
	if def.Type != SeluType {
		return fmt.Errorf("%w: %s is not %s", ErrWrongOperation, def.Type, SeluType)
	}
	if len(def.Params) != 0 {
		return fmt.Errorf("%w: %s takes no static parameters, got %d", ErrWrongOperation, SeluType, len(def.Params))
	}
	if len(def.Inputs) != 1 || len(def.Outputs) != 1 {
		return fmt.Errorf("%w: %s takes 1 input and 1 output, got %d and %d",
			ErrWrongOperation, SeluType, len(def.Inputs), len(def.Outputs))
	}
	return nil
}

// seluKernel applies selu element-wise; x == 0 maps to 0.
func seluKernel(_ tensor.Backend, in, out *tensor.RawTensor) error {
	cpu.SELUInto(out.AsFloat32(), in.AsFloat32())
	return nil
}

func sameShape(input tensor.Shape, _ *OpDefinition) (tensor.Shape, error) {
	return input.Clone(), nil
}

func seluInfo() OpInfo {
	return OpInfo{
		Type:      SeluType,
		Core:      CoreCPU,
		DataTypes: []tensor.DataType{tensor.Float32},
		Inputs:    []TensorInfo{{Name: "Placeholder", DataType: tensor.Float32, Layout: LayoutNHWC}},
		Outputs:   []TensorInfo{{Name: "Output", DataType: tensor.Float32, Layout: LayoutNHWC}},
		Validate:  validateSelu,
		New: func(def *OpDefinition, backend tensor.Backend) (Operation, error) {
			return newCPUOperation(def, backend, sameShape, seluKernel), nil
		},
		OutputShape: sameShape,
	}
}
