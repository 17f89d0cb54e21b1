// Package optim implements optimization algorithms for training neural networks.
//
// This package provides:
//   - Adam: Adaptive Moment Estimation (the default)
//   - SGD: Stochastic Gradient Descent with optional momentum
//
// Both implement nn.Optimizer, including state dicts so that training can
// be resumed from a saved model.
//
// Example usage:
//
//	optimizer := optim.NewAdam(model.Parameters(), optim.AdamConfig{LR: 0.001}, backend)
//
//	grads := autodiff.Backward(loss, backend)
//	optimizer.Step(grads)
//	optimizer.ZeroGrad()
package optim

import (
	"fmt"
	"strings"

	"github.com/born-ml/selu-mnist/internal/nn"
	"github.com/born-ml/selu-mnist/internal/serialization"
	"github.com/born-ml/selu-mnist/internal/tensor"
)

// Optimizer names used in compile specs and configuration.
const (
	NameAdam = "Adam"
	NameSGD  = "SGD"
)

// iterationsKey holds the step counter in optimizer state dicts.
const iterationsKey = "iterations"

// getGradient returns the gradient for param, or nil if it did not take
// part in the computation.
func getGradient[B tensor.Backend](param *nn.Parameter[B], grads map[*tensor.RawTensor]*tensor.RawTensor) *tensor.RawTensor {
	if param == nil {
		return nil
	}
	return grads[param.Tensor().Raw()]
}

// New builds an optimizer from a spec. The name is case-insensitive.
func New[B tensor.Backend](params []*nn.Parameter[B], spec serialization.OptimizerSpec, backend B) (nn.Optimizer, error) {
	switch strings.ToLower(spec.Name) {
	case "adam":
		return NewAdam(params, AdamConfig{
			LR:    float32(spec.LearningRate),
			Betas: [2]float32{float32(spec.Beta1), float32(spec.Beta2)},
			Eps:   float32(spec.Epsilon),
		}, backend), nil
	case "sgd":
		return NewSGD(params, SGDConfig{
			LR:       float32(spec.LearningRate),
			Momentum: float32(spec.Momentum),
		}, backend), nil
	default:
		return nil, fmt.Errorf("unsupported optimizer %q", spec.Name)
	}
}

// Factory returns an nn.OptimizerFactory bound to backend, for nn.LoadModel.
func Factory[B tensor.Backend](backend B) nn.OptimizerFactory[B] {
	return func(params []*nn.Parameter[B], spec serialization.OptimizerSpec) (nn.Optimizer, error) {
		return New(params, spec, backend)
	}
}

// slotKey names a per-parameter optimizer slot: "dense/kernel/m".
func slotKey(param, slot string) string {
	return param + "/" + slot
}

func iterationsTensor(t int, device tensor.Device) *tensor.RawTensor {
	raw := tensor.MustNewRaw(tensor.Shape{}, tensor.Int32, device)
	raw.AsInt32()[0] = int32(t) //nolint:gosec // step counts stay far below MaxInt32
	return raw
}

func readIterations(stateDict map[string]*tensor.RawTensor) (int, error) {
	raw, ok := stateDict[iterationsKey]
	if !ok {
		return 0, fmt.Errorf("missing %s in optimizer state", iterationsKey)
	}
	if raw.DType() != tensor.Int32 || raw.NumElements() != 1 {
		return 0, fmt.Errorf("%s must be a scalar int32, got %s %v", iterationsKey, raw.DType(), raw.Shape())
	}
	t := int(raw.AsInt32()[0])
	if t < 0 {
		return 0, fmt.Errorf("%s must be non-negative, got %d", iterationsKey, t)
	}
	return t, nil
}

// loadSlot copies a float32 slot from stateDict into a fresh tensor shaped
// like param.
func loadSlot[B tensor.Backend](stateDict map[string]*tensor.RawTensor, key string, param *nn.Parameter[B], backend B) (*tensor.Tensor[float32, B], error) {
	raw, ok := stateDict[key]
	if !ok {
		return nil, fmt.Errorf("missing %s in optimizer state", key)
	}
	want := param.Tensor().Shape()
	if raw.DType() != tensor.Float32 || !raw.Shape().Equal(want) {
		return nil, fmt.Errorf("%s: expected float32 %v, got %s %v", key, want, raw.DType(), raw.Shape())
	}
	return tensor.New[float32, B](raw.Clone(), backend), nil
}
