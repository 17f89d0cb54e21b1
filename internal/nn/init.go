package nn

import (
	"math"
	"math/rand"

	"github.com/born-ml/selu-mnist/internal/tensor"
)

// GlorotUniform initializes a tensor from U(-limit, limit) with
// limit = sqrt(6 / (fanIn + fanOut)).
//
// For a convolution kernel [KH, KW, Cin, Cout] Keras uses
// fanIn = KH*KW*Cin and fanOut = KH*KW*Cout.
func GlorotUniform[B tensor.Backend](rng *rand.Rand, fanIn, fanOut int, shape tensor.Shape, backend B) *tensor.Tensor[float32, B] {
	limit := math.Sqrt(6.0 / float64(fanIn+fanOut))

	t, err := tensor.NewRaw(shape, tensor.Float32, backend.Device())
	if err != nil {
		panic(err)
	}

	data := t.AsFloat32()
	for i := range data {
		data[i] = float32((rng.Float64()*2.0 - 1.0) * limit)
	}

	return tensor.New[float32, B](t, backend)
}

// Zeros creates a tensor filled with zeros. Used for biases.
func Zeros[B tensor.Backend](shape tensor.Shape, backend B) *tensor.Tensor[float32, B] {
	return tensor.Zeros[float32](shape, backend)
}
