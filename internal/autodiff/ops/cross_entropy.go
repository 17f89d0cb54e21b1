package ops

import (
	"fmt"
	"math"

	"github.com/born-ml/selu-mnist/internal/tensor"
)

// Epsilon is the fuzz factor used to clip probabilities away from 0 and 1.
const Epsilon = 1e-7

// SparseCrossEntropyOp represents cross-entropy between a [batch, classes]
// prediction tensor and integer class labels [batch].
//
// With fromLogits the predictions are treated as unnormalized logits:
//
//	loss_b = -log_softmax(z_b)[y_b]
//	∂L/∂z  = (softmax(z) - onehot(y)) / batch
//
// Without fromLogits the predictions are treated as probabilities. They are
// clipped to [ε, 1-ε] and renormalized, so for c = clip(p):
//
//	loss_b = -log(c_y) + log(Σ_j c_j)
//	∂L/∂p_j = mask_j * (1/Σc - [j==y]/c_y) / batch
//
// where mask_j is zero wherever clipping was active. Predictions that do not
// sum to one are therefore still well defined.
type SparseCrossEntropyOp struct {
	predictions *tensor.RawTensor
	targets     *tensor.RawTensor
	output      *tensor.RawTensor
	fromLogits  bool
}

// NewSparseCrossEntropyOp creates a new SparseCrossEntropyOp.
func NewSparseCrossEntropyOp(predictions, targets, output *tensor.RawTensor, fromLogits bool) *SparseCrossEntropyOp {
	return &SparseCrossEntropyOp{
		predictions: predictions,
		targets:     targets,
		output:      output,
		fromLogits:  fromLogits,
	}
}

// Inputs returns the differentiable input. Targets carry no gradient.
func (op *SparseCrossEntropyOp) Inputs() []*tensor.RawTensor {
	return []*tensor.RawTensor{op.predictions}
}

// Output returns the scalar loss.
func (op *SparseCrossEntropyOp) Output() *tensor.RawTensor {
	return op.output
}

// Backward computes the gradient with respect to the predictions.
func (op *SparseCrossEntropyOp) Backward(outputGrad *tensor.RawTensor, _ tensor.Backend) []*tensor.RawTensor {
	shape := op.predictions.Shape()
	batch, classes := shape[0], shape[1]

	grad := tensor.MustNewRaw(shape, tensor.Float32, op.predictions.Device())
	pred, targets, dst := op.predictions.AsFloat32(), op.targets.AsInt32(), grad.AsFloat32()
	scale := float64(outputGrad.AsFloat32()[0]) / float64(batch)

	for b := 0; b < batch; b++ {
		row := pred[b*classes : (b+1)*classes]
		out := dst[b*classes : (b+1)*classes]
		y := int(targets[b])

		if op.fromLogits {
			probs := softmax(row)
			for j := range out {
				g := probs[j]
				if j == y {
					g--
				}
				out[j] = float32(scale * g)
			}
			continue
		}

		sum := 0.0
		for _, p := range row {
			sum += clip(float64(p))
		}
		cy := clip(float64(row[y]))
		for j, p := range row {
			if float64(p) < Epsilon || float64(p) > 1-Epsilon {
				continue
			}
			g := 1 / sum
			if j == y {
				g -= 1 / cy
			}
			out[j] = float32(scale * g)
		}
	}
	return []*tensor.RawTensor{grad}
}

// SparseCrossEntropyForward computes the mean loss as a scalar tensor.
func SparseCrossEntropyForward(predictions, targets *tensor.RawTensor, fromLogits bool, device tensor.Device) *tensor.RawTensor {
	losses := SparseCrossEntropyLosses(predictions, targets, fromLogits)
	sum := 0.0
	for _, l := range losses {
		sum += l
	}

	result := tensor.MustNewRaw(tensor.Shape{}, tensor.Float32, device)
	result.AsFloat32()[0] = float32(sum / float64(len(losses)))
	return result
}

// SparseCrossEntropyLosses returns the per-sample loss for each row.
// Panics if shapes disagree or a label is outside [0, classes).
func SparseCrossEntropyLosses(predictions, targets *tensor.RawTensor, fromLogits bool) []float64 {
	shape := predictions.Shape()
	if len(shape) != 2 {
		panic(fmt.Sprintf("sparse cross-entropy: predictions must be 2D [batch, classes], got %v", shape))
	}
	batch, classes := shape[0], shape[1]
	if targets.NumElements() != batch {
		panic(fmt.Sprintf("sparse cross-entropy: %d targets for batch of %d", targets.NumElements(), batch))
	}

	pred, labels := predictions.AsFloat32(), targets.AsInt32()
	losses := make([]float64, batch)
	for b := 0; b < batch; b++ {
		y := int(labels[b])
		if y < 0 || y >= classes {
			panic(fmt.Sprintf("sparse cross-entropy: label %d out of range [0, %d)", y, classes))
		}
		row := pred[b*classes : (b+1)*classes]

		if fromLogits {
			losses[b] = -logSoftmaxAt(row, y)
			continue
		}
		sum := 0.0
		for _, p := range row {
			sum += clip(float64(p))
		}
		losses[b] = -math.Log(clip(float64(row[y]))) + math.Log(sum)
	}
	return losses
}

func clip(p float64) float64 {
	return math.Min(math.Max(p, Epsilon), 1-Epsilon)
}

// logSoftmaxAt uses the log-sum-exp trick for numerical stability.
func logSoftmaxAt(z []float32, i int) float64 {
	maxVal := float64(z[0])
	for _, v := range z[1:] {
		maxVal = math.Max(maxVal, float64(v))
	}
	sumExp := 0.0
	for _, v := range z {
		sumExp += math.Exp(float64(v) - maxVal)
	}
	return float64(z[i]) - maxVal - math.Log(sumExp)
}

func softmax(z []float32) []float64 {
	maxVal := float64(z[0])
	for _, v := range z[1:] {
		maxVal = math.Max(maxVal, float64(v))
	}
	probs := make([]float64, len(z))
	sum := 0.0
	for i, v := range z {
		probs[i] = math.Exp(float64(v) - maxVal)
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}
