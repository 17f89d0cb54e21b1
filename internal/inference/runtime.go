// Package inference runs a saved model without the training framework.
//
// The runtime reads a saved model directory, maps every layer in its
// manifest to operators of a udo.Registry, validates the whole chain up
// front, and then executes the operators in order on each input batch,
// timing every operator.
//
// Example:
//
//	rt, err := inference.Load("selu_model", udo.SeluPackage(), cpu.New())
//	if err != nil {
//		return err
//	}
//	res, err := rt.Run(ctx, x) // x: (N, 28, 28, 1) float32
//	class := res.Argmax()[0]
package inference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/born-ml/selu-mnist/internal/backend/cpu"
	"github.com/born-ml/selu-mnist/internal/serialization"
	"github.com/born-ml/selu-mnist/internal/tensor"
	"github.com/born-ml/selu-mnist/internal/udo"
)

// ErrInputShape is returned by Run for inputs that do not match the model.
var ErrInputShape = errors.New("inference: input shape mismatch")

// step is one operator of the compiled chain.
type step struct {
	layer string
	def   *udo.OpDefinition
	op    udo.Operation
}

// OpTiming is the execution time of one operator during a Run.
type OpTiming struct {
	Layer    string
	Op       string
	Duration time.Duration
}

// Result holds the model output and per-operator timings of one Run.
type Result struct {
	Output  *tensor.RawTensor // (N, classes)
	Timings []OpTiming
	Total   time.Duration
}

// Argmax returns the index of the largest output of every row.
func (r *Result) Argmax() []int {
	shape := r.Output.Shape()
	classes := shape[len(shape)-1]
	data := r.Output.AsFloat32()
	out := make([]int, shape[0])
	for i := range out {
		out[i] = cpu.ArgmaxFloat32(data[i*classes : (i+1)*classes])
	}
	return out
}

// Runtime executes a saved model on a registry of operators.
type Runtime struct {
	registry   *udo.Registry
	manifest   serialization.Manifest
	inputShape tensor.Shape
	outShape   tensor.Shape
	steps      []step
	logger     *slog.Logger
}

// Load reads the saved model in dir and compiles it against registry.
func Load(dir string, registry *udo.Registry, backend tensor.Backend) (*Runtime, error) {
	sm, err := serialization.ReadSavedModel(dir)
	if err != nil {
		return nil, err
	}
	return New(sm, registry, backend)
}

// New compiles a saved model against registry. Every layer must map to
// registered operators and every shape in the chain must line up.
func New(sm *serialization.SavedModel, registry *udo.Registry, backend tensor.Backend) (*Runtime, error) {
	rt := &Runtime{
		registry:   registry,
		manifest:   sm.Manifest,
		inputShape: tensor.Shape(sm.Manifest.InputShape).Clone(),
		logger:     slog.Default(),
	}
	if len(rt.inputShape) == 0 {
		return nil, fmt.Errorf("model has no input shape")
	}

	for _, spec := range sm.Manifest.Layers {
		defs, err := layerOps(spec, sm.Variables)
		if err != nil {
			return nil, fmt.Errorf("layer %s: %w", spec.Name, err)
		}
		for _, def := range defs {
			op, err := registry.CreateOp(def, backend)
			if err != nil {
				return nil, fmt.Errorf("layer %s: %w", spec.Name, err)
			}
			rt.steps = append(rt.steps, step{layer: spec.Name, def: def, op: op})
		}
	}

	// Walk the chain once with a batch of one to catch shape errors here
	// rather than in Run.
	shape := append(tensor.Shape{1}, rt.inputShape...)
	for _, s := range rt.steps {
		next, err := registry.OutputShape(s.def, shape)
		if err != nil {
			return nil, fmt.Errorf("layer %s (%s): %w", s.layer, s.def.Type, err)
		}
		shape = next
	}
	if len(shape) != 2 {
		return nil, fmt.Errorf("model output %v is not (N, classes)", shape)
	}
	rt.outShape = shape[1:].Clone()
	return rt, nil
}

// SetLogger sets the logger used for per-run diagnostics.
func (rt *Runtime) SetLogger(logger *slog.Logger) {
	rt.logger = logger
}

// Manifest returns the manifest of the loaded model.
func (rt *Runtime) Manifest() serialization.Manifest { return rt.manifest }

// InputShape returns the per-sample input shape, e.g. (28, 28, 1).
func (rt *Runtime) InputShape() tensor.Shape { return rt.inputShape.Clone() }

// OutputShape returns the per-sample output shape, e.g. (10).
func (rt *Runtime) OutputShape() tensor.Shape { return rt.outShape.Clone() }

// Ops returns "layer:Op" for every compiled operator, in execution order.
func (rt *Runtime) Ops() []string {
	ops := make([]string, len(rt.steps))
	for i, s := range rt.steps {
		ops[i] = s.layer + ":" + s.def.Type
	}
	return ops
}

// Run executes the model on x, a float32 batch of shape (N, inputShape...).
// It stops between operators when ctx is cancelled.
func (rt *Runtime) Run(ctx context.Context, x *tensor.RawTensor) (*Result, error) {
	shape := x.Shape()
	if x.DType() != tensor.Float32 || len(shape) != len(rt.inputShape)+1 || shape[0] == 0 || !shape[1:].Equal(rt.inputShape) {
		return nil, fmt.Errorf("%w: got %s %v, want float32 batches of %v", ErrInputShape, x.DType(), shape, rt.inputShape)
	}

	start := time.Now()
	res := &Result{Timings: make([]OpTiming, 0, len(rt.steps))}
	cur := x
	for _, s := range rt.steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		outShape, err := rt.registry.OutputShape(s.def, cur.Shape())
		if err != nil {
			return nil, fmt.Errorf("layer %s: %w", s.layer, err)
		}
		out, err := tensor.NewRaw(outShape, tensor.Float32, x.Device())
		if err != nil {
			return nil, err
		}
		if err := s.op.SetIO([]*tensor.RawTensor{cur}, []*tensor.RawTensor{out}); err != nil {
			return nil, fmt.Errorf("layer %s: %w", s.layer, err)
		}
		if err := s.op.Execute(true); err != nil {
			return nil, fmt.Errorf("layer %s: %w", s.layer, err)
		}
		res.Timings = append(res.Timings, OpTiming{Layer: s.layer, Op: s.def.Type, Duration: s.op.ExecutionTime()})
		cur = out
	}
	res.Output = cur
	res.Total = time.Since(start)
	rt.logger.Debug("inference run", "batch", shape[0], "ops", len(rt.steps), "duration", res.Total)
	return res, nil
}
