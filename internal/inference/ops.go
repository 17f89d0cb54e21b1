package inference

import (
	"fmt"

	"github.com/born-ml/selu-mnist/internal/serialization"
	"github.com/born-ml/selu-mnist/internal/tensor"
	"github.com/born-ml/selu-mnist/internal/udo"
)

// Layer classes understood by layerOps.
const (
	classConv2D     = "Conv2D"
	classMaxPool2D  = "MaxPooling2D"
	classFlatten    = "Flatten"
	classDense      = "Dense"
	classDropout    = "Dropout"
	classActivation = "Activation"
)

// layerOps translates one manifest layer into operator definitions with
// placeholder inputs and outputs. A fused "selu" activation becomes a
// separate Selu operator.
func layerOps(spec serialization.LayerSpec, variables map[string]*tensor.RawTensor) ([]*udo.OpDefinition, error) {
	var def *udo.OpDefinition
	switch spec.ClassName {
	case classConv2D:
		if err := checkPadding(spec.Padding); err != nil {
			return nil, err
		}
		params, err := affineParams(spec.Name, variables)
		if err != nil {
			return nil, err
		}
		params = append(params, udo.Param{Name: udo.ParamStride, Scalar: float64(first(spec.Strides, 1))})
		def = newDef(udo.Conv2DType, params...)

	case classMaxPool2D:
		if err := checkPadding(spec.Padding); err != nil {
			return nil, err
		}
		size := first(spec.PoolSize, 2)
		def = newDef(udo.MaxPool2DType,
			udo.Param{Name: udo.ParamPoolSize, Scalar: float64(size)},
			udo.Param{Name: udo.ParamStride, Scalar: float64(first(spec.Strides, size))},
		)

	case classFlatten:
		def = newDef(udo.FlattenType)

	case classDense:
		params, err := affineParams(spec.Name, variables)
		if err != nil {
			return nil, err
		}
		def = newDef(udo.DenseType, params...)

	case classDropout:
		def = newDef(udo.DropoutType, udo.Param{Name: udo.ParamRate, Scalar: spec.Rate})

	case classActivation:
		if spec.Activation != "selu" {
			return nil, fmt.Errorf("%w: activation %q", udo.ErrUnsupportedFeature, spec.Activation)
		}
		return []*udo.OpDefinition{newDef(udo.SeluType)}, nil

	default:
		return nil, fmt.Errorf("%w: layer class %q", udo.ErrWrongOperation, spec.ClassName)
	}

	switch spec.Activation {
	case "", "linear":
		return []*udo.OpDefinition{def}, nil
	case "selu":
		return []*udo.OpDefinition{def, newDef(udo.SeluType)}, nil
	default:
		return nil, fmt.Errorf("%w: activation %q", udo.ErrUnsupportedFeature, spec.Activation)
	}
}

func newDef(typ string, params ...udo.Param) *udo.OpDefinition {
	return &udo.OpDefinition{
		Type:    typ,
		Core:    udo.CoreCPU,
		Inputs:  make([]*tensor.RawTensor, 1),
		Outputs: make([]*tensor.RawTensor, 1),
		Params:  params,
	}
}

// affineParams looks up "<layer>/kernel" and "<layer>/bias".
func affineParams(layer string, variables map[string]*tensor.RawTensor) ([]udo.Param, error) {
	params := make([]udo.Param, 0, 3)
	for _, name := range []string{udo.ParamKernel, udo.ParamBias} {
		v, ok := variables[layer+"/"+name]
		if !ok {
			return nil, fmt.Errorf("missing variable %s/%s", layer, name)
		}
		params = append(params, udo.Param{Name: name, Tensor: v})
	}
	return params, nil
}

func checkPadding(p string) error {
	if p != "" && p != "valid" {
		return fmt.Errorf("%w: padding %q", udo.ErrUnsupportedFeature, p)
	}
	return nil
}

func first(v []int, def int) int {
	if len(v) == 0 || v[0] <= 0 {
		return def
	}
	return v[0]
}
