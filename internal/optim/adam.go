package optim

import (
	"math"

	"github.com/born-ml/selu-mnist/internal/nn"
	"github.com/born-ml/selu-mnist/internal/serialization"
	"github.com/born-ml/selu-mnist/internal/tensor"
)

// Adam implements the Adam (Adaptive Moment Estimation) optimizer.
//
// Update rule:
//
//	m_t = beta1 * m_{t-1} + (1-beta1) * gradient
//	v_t = beta2 * v_{t-1} + (1-beta2) * gradient²
//	m_hat = m_t / (1 - beta1^t)
//	v_hat = v_t / (1 - beta2^t)
//	param = param - lr * m_hat / (sqrt(v_hat) + eps)
//
// Reference: "Adam: A Method for Stochastic Optimization" (Kingma & Ba, 2014)
type Adam[B tensor.Backend] struct {
	params  []*nn.Parameter[B]
	lr      float32
	beta1   float32
	beta2   float32
	eps     float32
	t       int                                             // Timestep for bias correction
	m       map[*nn.Parameter[B]]*tensor.Tensor[float32, B] // First moment estimates
	v       map[*nn.Parameter[B]]*tensor.Tensor[float32, B] // Second moment estimates
	backend B
}

// AdamConfig holds configuration for Adam optimizer.
type AdamConfig struct {
	LR    float32    // Learning rate (default: 0.001)
	Betas [2]float32 // Coefficients for the running averages (default: [0.9, 0.999])
	Eps   float32    // Term for numerical stability (default: 1e-7)
}

// DefaultAdamConfig returns the Keras defaults.
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{LR: 0.001, Betas: [2]float32{0.9, 0.999}, Eps: 1e-7}
}

// NewAdam creates a new Adam optimizer. Zero fields take the values of
// DefaultAdamConfig.
func NewAdam[B tensor.Backend](params []*nn.Parameter[B], config AdamConfig, backend B) *Adam[B] {
	def := DefaultAdamConfig()
	if config.LR == 0 {
		config.LR = def.LR
	}
	if config.Betas[0] == 0 {
		config.Betas[0] = def.Betas[0]
	}
	if config.Betas[1] == 0 {
		config.Betas[1] = def.Betas[1]
	}
	if config.Eps == 0 {
		config.Eps = def.Eps
	}

	return &Adam[B]{
		params:  params,
		lr:      config.LR,
		beta1:   config.Betas[0],
		beta2:   config.Betas[1],
		eps:     config.Eps,
		m:       make(map[*nn.Parameter[B]]*tensor.Tensor[float32, B]),
		v:       make(map[*nn.Parameter[B]]*tensor.Tensor[float32, B]),
		backend: backend,
	}
}

// Step performs a single optimization step. Parameters with no gradient
// are skipped.
func (a *Adam[B]) Step(grads map[*tensor.RawTensor]*tensor.RawTensor) {
	a.t++

	biasCorrection1 := float32(1.0 - math.Pow(float64(a.beta1), float64(a.t)))
	biasCorrection2 := float32(1.0 - math.Pow(float64(a.beta2), float64(a.t)))

	for _, param := range a.params {
		grad := getGradient(param, grads)
		if grad == nil {
			continue
		}

		m, ok := a.m[param]
		if !ok {
			m = tensor.Zeros[float32](param.Tensor().Shape(), a.backend)
			a.m[param] = m
		}
		v, ok := a.v[param]
		if !ok {
			v = tensor.Zeros[float32](param.Tensor().Shape(), a.backend)
			a.v[param] = v
		}

		a.updateParameter(param, grad.AsFloat32(), m, v, biasCorrection1, biasCorrection2)
	}
}

// updateParameter performs the Adam update in place.
func (a *Adam[B]) updateParameter(
	param *nn.Parameter[B],
	gradData []float32,
	m, v *tensor.Tensor[float32, B],
	biasCorrection1, biasCorrection2 float32,
) {
	mData := m.Raw().AsFloat32()
	vData := v.Raw().AsFloat32()
	paramData := param.Tensor().Raw().AsFloat32()

	for i := range paramData {
		g := gradData[i]

		mData[i] = a.beta1*mData[i] + (1.0-a.beta1)*g
		vData[i] = a.beta2*vData[i] + (1.0-a.beta2)*g*g

		mHat := mData[i] / biasCorrection1
		vHat := vData[i] / biasCorrection2

		paramData[i] -= a.lr * mHat / (float32(math.Sqrt(float64(vHat))) + a.eps)
	}
}

// ZeroGrad clears gradients for all parameters.
func (a *Adam[B]) ZeroGrad() {
	for _, param := range a.params {
		param.ZeroGrad()
	}
}

// GetLR returns the current learning rate.
func (a *Adam[B]) GetLR() float32 {
	return a.lr
}

// SetLR updates the learning rate.
func (a *Adam[B]) SetLR(lr float32) {
	a.lr = lr
}

// GetTimestep returns the number of steps taken.
func (a *Adam[B]) GetTimestep() int {
	return a.t
}

// Spec returns the hyperparameters for the compile section of a manifest.
func (a *Adam[B]) Spec() serialization.OptimizerSpec {
	return serialization.OptimizerSpec{
		Name:         NameAdam,
		LearningRate: float64(a.lr),
		Beta1:        float64(a.beta1),
		Beta2:        float64(a.beta2),
		Epsilon:      float64(a.eps),
	}
}

// StateDict returns the moment estimates ("<param>/m", "<param>/v") of
// every parameter that has been updated, plus the step counter.
func (a *Adam[B]) StateDict() map[string]*tensor.RawTensor {
	stateDict := map[string]*tensor.RawTensor{
		iterationsKey: iterationsTensor(a.t, a.backend.Device()),
	}
	for _, param := range a.params {
		if m, ok := a.m[param]; ok {
			stateDict[slotKey(param.Name(), "m")] = m.Raw()
		}
		if v, ok := a.v[param]; ok {
			stateDict[slotKey(param.Name(), "v")] = v.Raw()
		}
	}
	return stateDict
}

// LoadStateDict restores moments and the step counter. When the counter is
// non-zero every parameter must have both moments.
func (a *Adam[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	t, err := readIterations(stateDict)
	if err != nil {
		return err
	}

	ms := make(map[*nn.Parameter[B]]*tensor.Tensor[float32, B], len(a.params))
	vs := make(map[*nn.Parameter[B]]*tensor.Tensor[float32, B], len(a.params))
	if t > 0 {
		for _, param := range a.params {
			m, err := loadSlot(stateDict, slotKey(param.Name(), "m"), param, a.backend)
			if err != nil {
				return err
			}
			v, err := loadSlot(stateDict, slotKey(param.Name(), "v"), param, a.backend)
			if err != nil {
				return err
			}
			ms[param], vs[param] = m, v
		}
	}

	a.t, a.m, a.v = t, ms, vs
	return nil
}
