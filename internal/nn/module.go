// Package nn implements the layers, containers, loss and training loop of
// the SELU MNIST classifier.
//
// This package provides:
//   - Module and Layer interfaces
//   - Parameter: trainable tensor plus gradient slot
//   - Layers: Conv2D, MaxPool2D, Flatten, Dense, Dropout, SELU
//   - Sequential: named layer stack with Keras-style summary and state dict
//   - SparseCategoricalCrossentropy and Accuracy
//   - Model: compile / fit / evaluate / predict / save / load
//
// All image tensors are channels-last (NHWC).
package nn

import (
	"errors"

	"github.com/born-ml/selu-mnist/internal/serialization"
	"github.com/born-ml/selu-mnist/internal/tensor"
)

// Errors returned by models and layers.
var (
	// ErrShapeMismatch is returned when an input does not match the shape a
	// model or layer was built for.
	ErrShapeMismatch = errors.New("shape mismatch")
	// ErrNotCompiled is returned by Fit and Evaluate before Compile.
	ErrNotCompiled = errors.New("model is not compiled")
	// ErrUnknownLayer is returned when a layer spec names an unsupported class.
	ErrUnknownLayer = errors.New("unknown layer class")
)

// Module is the base interface for all neural network components.
type Module[B tensor.Backend] interface {
	// Forward computes the output of the module for a batch.
	Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B]

	// Parameters returns all trainable parameters, or nil for stateless
	// modules.
	Parameters() []*Parameter[B]
}

// Layer is a named Module that can describe itself.
type Layer[B tensor.Backend] interface {
	Module[B]

	// Name returns the layer name, unique within a model.
	Name() string

	// ClassName returns the Keras class name ("Conv2D", "Dense", ...).
	ClassName() string

	// OutputShape returns the per-sample output shape for a per-sample
	// input shape (batch dimension excluded).
	OutputShape(input tensor.Shape) (tensor.Shape, error)

	// Spec returns the serializable description of the layer.
	Spec() serialization.LayerSpec
}

// TrainingAware is implemented by layers that behave differently during
// training, such as Dropout.
type TrainingAware interface {
	SetTraining(training bool)
}
