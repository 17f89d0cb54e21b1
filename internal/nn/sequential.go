package nn

import (
	"fmt"
	"io"
	"math/rand"
	"strings"

	"github.com/born-ml/selu-mnist/internal/serialization"
	"github.com/born-ml/selu-mnist/internal/tensor"
)

// Sequential chains named layers; each layer's output is the next layer's
// input.
//
// Example:
//
//	model := nn.NewSequential(tensor.Shape{28, 28, 1},
//	    nn.NewConv2D("input", 1, 28, 3, 1, nn.ActivationLinear, rng, backend),
//	    nn.NewMaxPool2D[Backend]("max_pooling2d", 2, 2),
//	    nn.NewFlatten[Backend]("flatten"),
//	    nn.NewDense("output", 4732, 10, nn.ActivationSELU, rng, backend),
//	)
//
//	output := model.Forward(input)
type Sequential[B tensor.Backend] struct {
	inputShape tensor.Shape // per-sample, e.g. (28, 28, 1)
	layers     []Layer[B]
}

// NewSequential creates a new Sequential container for per-sample inputs of
// inputShape.
func NewSequential[B tensor.Backend](inputShape tensor.Shape, layers ...Layer[B]) *Sequential[B] {
	return &Sequential[B]{inputShape: inputShape.Clone(), layers: layers}
}

// Add appends a layer to the sequence.
func (s *Sequential[B]) Add(layer Layer[B]) {
	s.layers = append(s.layers, layer)
}

// Forward applies all layers in sequence.
func (s *Sequential[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	output := input
	for _, layer := range s.layers {
		output = layer.Forward(output)
	}
	return output
}

// Parameters returns all trainable parameters in layer order.
func (s *Sequential[B]) Parameters() []*Parameter[B] {
	var params []*Parameter[B]
	for _, layer := range s.layers {
		params = append(params, layer.Parameters()...)
	}
	return params
}

// Len returns the number of layers.
func (s *Sequential[B]) Len() int {
	return len(s.layers)
}

// Layer returns the layer at index. Panics if index is out of bounds.
func (s *Sequential[B]) Layer(index int) Layer[B] {
	if index < 0 || index >= len(s.layers) {
		panic("Sequential.Layer: index out of bounds")
	}
	return s.layers[index]
}

// Layers returns the layers in order.
func (s *Sequential[B]) Layers() []Layer[B] {
	return s.layers
}

// InputShape returns the per-sample input shape.
func (s *Sequential[B]) InputShape() tensor.Shape {
	return s.inputShape.Clone()
}

// SetTraining propagates the training flag to layers that care.
func (s *Sequential[B]) SetTraining(training bool) {
	for _, layer := range s.layers {
		if ta, ok := layer.(TrainingAware); ok {
			ta.SetTraining(training)
		}
	}
}

// OutputShapes returns the per-sample output shape of every layer. It also
// validates that layer names are unique and that consecutive layers fit.
func (s *Sequential[B]) OutputShapes() ([]tensor.Shape, error) {
	shapes := make([]tensor.Shape, len(s.layers))
	seen := make(map[string]bool, len(s.layers))
	cur := s.inputShape
	for i, layer := range s.layers {
		if seen[layer.Name()] {
			return nil, fmt.Errorf("duplicate layer name %q", layer.Name())
		}
		seen[layer.Name()] = true

		next, err := layer.OutputShape(cur)
		if err != nil {
			return nil, fmt.Errorf("layer %d (%s): %w", i, layer.Name(), err)
		}
		shapes[i] = next
		cur = next
	}
	return shapes, nil
}

// OutputShape returns the per-sample shape produced by the last layer.
func (s *Sequential[B]) OutputShape() (tensor.Shape, error) {
	shapes, err := s.OutputShapes()
	if err != nil {
		return nil, err
	}
	if len(shapes) == 0 {
		return s.InputShape(), nil
	}
	return shapes[len(shapes)-1], nil
}

// CountParams returns the number of trainable scalars.
func (s *Sequential[B]) CountParams() int {
	total := 0
	for _, p := range s.Parameters() {
		total += p.NumElements()
	}
	return total
}

// StateDict returns parameter tensors keyed by "<layer>/<kind>".
// The returned tensors share storage with the model.
func (s *Sequential[B]) StateDict() map[string]*tensor.RawTensor {
	stateDict := make(map[string]*tensor.RawTensor)
	for _, p := range s.Parameters() {
		stateDict[p.Name()] = p.Tensor().Raw()
	}
	return stateDict
}

// LoadStateDict copies parameters from stateDict into the model. Every
// parameter must be present with a matching shape and float32 dtype.
func (s *Sequential[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	for _, p := range s.Parameters() {
		raw, ok := stateDict[p.Name()]
		if !ok {
			return fmt.Errorf("missing %s in state dict", p.Name())
		}
		if raw.DType() != tensor.Float32 {
			return fmt.Errorf("%s dtype mismatch: expected float32, got %v", p.Name(), raw.DType())
		}
		if want := p.Tensor().Shape(); !raw.Shape().Equal(want) {
			return fmt.Errorf("%w: %s expected %v, got %v", ErrShapeMismatch, p.Name(), want, raw.Shape())
		}
		copy(p.Tensor().Raw().AsFloat32(), raw.AsFloat32())
	}
	return nil
}

// Specs returns the layer specs; the first carries the model input shape.
func (s *Sequential[B]) Specs() []serialization.LayerSpec {
	specs := make([]serialization.LayerSpec, len(s.layers))
	for i, layer := range s.layers {
		specs[i] = layer.Spec()
	}
	if len(specs) > 0 {
		specs[0].InputShape = []int(s.inputShape.Clone())
	}
	return specs
}

// FromSpecs rebuilds a Sequential from layer specs. Parameters are freshly
// initialized; use LoadStateDict to restore trained values.
func FromSpecs[B tensor.Backend](inputShape tensor.Shape, specs []serialization.LayerSpec, rng *rand.Rand, backend B) (*Sequential[B], error) {
	seq := NewSequential[B](inputShape)
	cur := inputShape.Clone()

	for i, spec := range specs {
		if err := ValidateActivation(spec.Activation); err != nil {
			return nil, fmt.Errorf("layer %d (%s): %w", i, spec.Name, err)
		}

		var layer Layer[B]
		switch spec.ClassName {
		case "Conv2D":
			if len(cur) != 3 {
				return nil, fmt.Errorf("%w: layer %d (%s) needs a 3D input, got %v", ErrShapeMismatch, i, spec.Name, cur)
			}
			if spec.Padding != "" && spec.Padding != "valid" {
				return nil, fmt.Errorf("layer %d (%s): unsupported padding %q", i, spec.Name, spec.Padding)
			}
			if spec.Filters <= 0 || firstOr(spec.KernelSize, 0) <= 0 {
				return nil, fmt.Errorf("layer %d (%s): filters and kernel_size must be positive", i, spec.Name)
			}
			layer = NewConv2D(spec.Name, cur[2], spec.Filters, firstOr(spec.KernelSize, 0), firstOr(spec.Strides, 1), spec.Activation, rng, backend)
		case "MaxPooling2D":
			pool := firstOr(spec.PoolSize, 2)
			layer = NewMaxPool2D[B](spec.Name, pool, firstOr(spec.Strides, pool))
		case "Flatten":
			layer = NewFlatten[B](spec.Name)
		case "Dense":
			if len(cur) != 1 {
				return nil, fmt.Errorf("%w: layer %d (%s) needs a 1D input, got %v", ErrShapeMismatch, i, spec.Name, cur)
			}
			if spec.Units <= 0 {
				return nil, fmt.Errorf("layer %d (%s): units must be positive", i, spec.Name)
			}
			layer = NewDense(spec.Name, cur[0], spec.Units, spec.Activation, rng, backend)
		case "Dropout":
			if spec.Rate < 0 || spec.Rate >= 1 {
				return nil, fmt.Errorf("layer %d (%s): rate must be in [0, 1), got %v", i, spec.Name, spec.Rate)
			}
			layer = NewDropout[B](spec.Name, spec.Rate, rng)
		case "Activation":
			if spec.Activation != ActivationSELU {
				return nil, fmt.Errorf("layer %d (%s): unsupported activation layer %q", i, spec.Name, spec.Activation)
			}
			layer = NewSELU[B](spec.Name)
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnknownLayer, spec.ClassName)
		}

		next, err := layer.OutputShape(cur)
		if err != nil {
			return nil, fmt.Errorf("layer %d (%s): %w", i, spec.Name, err)
		}
		seq.Add(layer)
		cur = next
	}

	if _, err := seq.OutputShapes(); err != nil {
		return nil, err
	}
	return seq, nil
}

func firstOr(v []int, def int) int {
	if len(v) == 0 || v[0] <= 0 {
		return def
	}
	return v[0]
}

// Summary writes a Keras-style table of layers, output shapes and
// parameter counts.
func (s *Sequential[B]) Summary(w io.Writer) error {
	shapes, err := s.OutputShapes()
	if err != nil {
		return err
	}

	const width = 65
	thin := strings.Repeat("_", width)
	thick := strings.Repeat("=", width)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Model: \"sequential\"\n%s\n", thin)
	fmt.Fprintf(&sb, " %-28s %-25s %s\n%s\n", "Layer (type)", "Output Shape", "Param #", thick)

	total := 0
	for i, layer := range s.layers {
		params := 0
		for _, p := range layer.Parameters() {
			params += p.NumElements()
		}
		total += params

		if i > 0 {
			fmt.Fprintln(&sb)
		}
		label := fmt.Sprintf("%s (%s)", layer.Name(), layer.ClassName())
		fmt.Fprintf(&sb, " %-28s %-25s %d\n", label, batchShape(shapes[i]), params)
	}

	fmt.Fprintf(&sb, "%s\n", thick)
	fmt.Fprintf(&sb, "Total params: %s\n", groupThousands(total))
	fmt.Fprintf(&sb, "Trainable params: %s\n", groupThousands(total))
	fmt.Fprintf(&sb, "Non-trainable params: 0\n%s\n", thin)

	_, err = io.WriteString(w, sb.String())
	return err
}

// batchShape formats a per-sample shape with a leading unknown batch
// dimension: (None, 26, 26, 28).
func batchShape(s tensor.Shape) string {
	parts := make([]string, 0, len(s)+1)
	parts = append(parts, "None")
	for _, d := range s {
		parts = append(parts, fmt.Sprint(d))
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func groupThousands(n int) string {
	s := fmt.Sprint(n)
	if len(s) <= 3 {
		return s
	}
	var sb strings.Builder
	pre := len(s) % 3
	if pre > 0 {
		sb.WriteString(s[:pre])
	}
	for i := pre; i < len(s); i += 3 {
		if sb.Len() > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(s[i : i+3])
	}
	return sb.String()
}
