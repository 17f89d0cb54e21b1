package nn

import (
	"github.com/born-ml/selu-mnist/internal/tensor"
)

// MetricAccuracy is the compile-time name of the accuracy metric.
const MetricAccuracy = "accuracy"

// Accuracy returns the fraction of rows of predictions [batch, classes]
// whose arg-max equals the label.
func Accuracy[B tensor.Backend](predictions *tensor.Tensor[float32, B], labels *tensor.Tensor[int32, B]) float32 {
	return float32(CountCorrect(predictions, labels)) / float32(predictions.Shape()[0])
}

// CountCorrect returns the number of rows whose arg-max equals the label.
func CountCorrect[B tensor.Backend](predictions *tensor.Tensor[float32, B], labels *tensor.Tensor[int32, B]) int {
	predicted := predictions.Argmax().Data()
	targets := labels.Data()

	correct := 0
	for i, p := range predicted {
		if p == targets[i] {
			correct++
		}
	}
	return correct
}
