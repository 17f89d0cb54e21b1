package optim

import (
	"github.com/born-ml/selu-mnist/internal/nn"
	"github.com/born-ml/selu-mnist/internal/serialization"
	"github.com/born-ml/selu-mnist/internal/tensor"
)

// SGD implements Stochastic Gradient Descent with optional momentum.
//
// Update rule without momentum:
//
//	param = param - lr * gradient
//
// With momentum:
//
//	velocity = momentum * velocity + gradient
//	param = param - lr * velocity
type SGD[B tensor.Backend] struct {
	params     []*nn.Parameter[B]
	lr         float32
	momentum   float32
	t          int
	velocities map[*nn.Parameter[B]]*tensor.Tensor[float32, B]
	backend    B
}

// SGDConfig holds configuration for SGD optimizer.
type SGDConfig struct {
	LR       float32 // Learning rate (default: 0.01)
	Momentum float32 // Momentum factor (default: 0.0, range: [0, 1))
}

// NewSGD creates a new SGD optimizer.
func NewSGD[B tensor.Backend](params []*nn.Parameter[B], config SGDConfig, backend B) *SGD[B] {
	if config.LR == 0 {
		config.LR = 0.01
	}

	return &SGD[B]{
		params:     params,
		lr:         config.LR,
		momentum:   config.Momentum,
		velocities: make(map[*nn.Parameter[B]]*tensor.Tensor[float32, B]),
		backend:    backend,
	}
}

// Step performs a single optimization step. Parameters are updated in
// place so that nothing is recorded on a gradient tape.
func (s *SGD[B]) Step(grads map[*tensor.RawTensor]*tensor.RawTensor) {
	s.t++
	for _, param := range s.params {
		grad := getGradient(param, grads)
		if grad == nil {
			continue
		}

		g := grad.AsFloat32()
		p := param.Tensor().Raw().AsFloat32()

		if s.momentum == 0 {
			for i := range p {
				p[i] -= s.lr * g[i]
			}
			continue
		}

		velocity, ok := s.velocities[param]
		if !ok {
			velocity = tensor.Zeros[float32](param.Tensor().Shape(), s.backend)
			s.velocities[param] = velocity
		}
		vel := velocity.Raw().AsFloat32()
		for i := range p {
			vel[i] = s.momentum*vel[i] + g[i]
			p[i] -= s.lr * vel[i]
		}
	}
}

// ZeroGrad clears gradients for all parameters.
func (s *SGD[B]) ZeroGrad() {
	for _, param := range s.params {
		param.ZeroGrad()
	}
}

// GetLR returns the current learning rate.
func (s *SGD[B]) GetLR() float32 {
	return s.lr
}

// SetLR updates the learning rate.
func (s *SGD[B]) SetLR(lr float32) {
	s.lr = lr
}

// Spec returns the hyperparameters for the compile section of a manifest.
func (s *SGD[B]) Spec() serialization.OptimizerSpec {
	return serialization.OptimizerSpec{
		Name:         NameSGD,
		LearningRate: float64(s.lr),
		Momentum:     float64(s.momentum),
	}
}

// StateDict returns the step counter and, with momentum, the velocity of
// every parameter updated so far ("<param>/velocity").
func (s *SGD[B]) StateDict() map[string]*tensor.RawTensor {
	stateDict := map[string]*tensor.RawTensor{
		iterationsKey: iterationsTensor(s.t, s.backend.Device()),
	}
	for _, param := range s.params {
		if velocity, ok := s.velocities[param]; ok {
			stateDict[slotKey(param.Name(), "velocity")] = velocity.Raw()
		}
	}
	return stateDict
}

// LoadStateDict restores the step counter and any velocities present.
func (s *SGD[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	t, err := readIterations(stateDict)
	if err != nil {
		return err
	}

	velocities := make(map[*nn.Parameter[B]]*tensor.Tensor[float32, B])
	for _, param := range s.params {
		key := slotKey(param.Name(), "velocity")
		if _, ok := stateDict[key]; !ok {
			continue
		}
		v, err := loadSlot(stateDict, key, param, s.backend)
		if err != nil {
			return err
		}
		velocities[param] = v
	}

	s.t, s.velocities = t, velocities
	return nil
}
