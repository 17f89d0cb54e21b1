package nn

import (
	"github.com/born-ml/selu-mnist/internal/autodiff/ops"
	"github.com/born-ml/selu-mnist/internal/tensor"
)

// Loss names, as written in compile specs.
const (
	LossSparseCategoricalCrossentropy = "sparse_categorical_crossentropy"
)

// crossEntropyBackend is implemented by backends that record the loss for
// backpropagation (autodiff.AutodiffBackend).
type crossEntropyBackend interface {
	SparseCrossEntropy(predictions, targets *tensor.RawTensor, fromLogits bool) *tensor.RawTensor
}

// SparseCategoricalCrossentropy computes the mean cross-entropy between
// predictions [batch, classes] and integer labels [batch].
//
// With FromLogits false, predictions are treated as probabilities: they are
// clipped to [1e-7, 1-1e-7] and renormalized before the log, so outputs
// that do not sum to one (such as SELU activations) still give a finite
// loss. With FromLogits true, log-softmax is applied to the raw outputs.
type SparseCategoricalCrossentropy[B tensor.Backend] struct {
	FromLogits bool
}

// NewSparseCategoricalCrossentropy creates the loss.
func NewSparseCategoricalCrossentropy[B tensor.Backend](fromLogits bool) *SparseCategoricalCrossentropy[B] {
	return &SparseCategoricalCrossentropy[B]{FromLogits: fromLogits}
}

// Name returns the loss name.
func (l *SparseCategoricalCrossentropy[B]) Name() string {
	return LossSparseCategoricalCrossentropy
}

// Forward returns the scalar mean loss. On an autodiff backend the
// operation is recorded so that Backward reaches the predictions.
//
// Panics if shapes disagree or a label is outside [0, classes).
func (l *SparseCategoricalCrossentropy[B]) Forward(predictions *tensor.Tensor[float32, B], labels *tensor.Tensor[int32, B]) *tensor.Tensor[float32, B] {
	b := predictions.Backend()
	if ce, ok := any(b).(crossEntropyBackend); ok {
		return tensor.New[float32, B](ce.SparseCrossEntropy(predictions.Raw(), labels.Raw(), l.FromLogits), b)
	}
	raw := ops.SparseCrossEntropyForward(predictions.Raw(), labels.Raw(), l.FromLogits, b.Device())
	return tensor.New[float32, B](raw, b)
}
