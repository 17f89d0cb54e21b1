package nn

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/born-ml/selu-mnist/internal/autodiff"
	"github.com/born-ml/selu-mnist/internal/serialization"
	"github.com/born-ml/selu-mnist/internal/tensor"
)

// Framework is recorded in saved model manifests.
const Framework = "selu-mnist"

// Optimizer updates parameters from a gradient map and can persist its
// state. Optimizers from the optim package implement this interface; it
// lives here to avoid an import cycle.
type Optimizer interface {
	// Step applies one update from grads, keyed by parameter RawTensor.
	Step(grads map[*tensor.RawTensor]*tensor.RawTensor)
	// ZeroGrad clears parameter gradients.
	ZeroGrad()
	// GetLR returns the current learning rate.
	GetLR() float32
	// StateDict returns the optimizer slots for serialization.
	StateDict() map[string]*tensor.RawTensor
	// LoadStateDict restores optimizer slots.
	LoadStateDict(stateDict map[string]*tensor.RawTensor) error
	// Spec returns the optimizer hyperparameters.
	Spec() serialization.OptimizerSpec
}

// OptimizerFactory builds an optimizer for params from a saved spec.
type OptimizerFactory[B tensor.Backend] func(params []*Parameter[B], spec serialization.OptimizerSpec) (Optimizer, error)

// FitOptions configures Model.Fit.
type FitOptions struct {
	Epochs    int
	BatchSize int
	Shuffle   bool
	Seed      int64

	// Progress receives one block of Keras-style lines per epoch. Nil
	// disables progress output.
	Progress io.Writer
}

// Model couples a Sequential network with its loss, optimizer and training
// history, and implements the compile / fit / evaluate / predict / save
// workflow.
//
// B must record operations on a gradient tape; in practice it is
// *autodiff.AutodiffBackend[*cpu.CPUBackend]. Recording is enabled only
// inside training steps.
type Model[B autodiff.BackwardCapable] struct {
	backend B
	seq     *Sequential[B]
	classes int

	optimizer Optimizer
	loss      *SparseCategoricalCrossentropy[B]
	metrics   []string

	runID   string
	history []serialization.EpochRecord
	logger  *slog.Logger
}

// NewModel wraps seq. The network must produce a 1D per-sample output.
func NewModel[B autodiff.BackwardCapable](seq *Sequential[B], backend B) (*Model[B], error) {
	out, err := seq.OutputShape()
	if err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("%w: model output must be (classes), got %v", ErrShapeMismatch, out)
	}
	return &Model[B]{
		backend: backend,
		seq:     seq,
		classes: out[0],
		runID:   uuid.NewString(),
		logger:  slog.Default(),
	}, nil
}

// SetLogger sets the logger used for diagnostics.
func (m *Model[B]) SetLogger(logger *slog.Logger) {
	m.logger = logger
}

// Sequential returns the underlying layer stack.
func (m *Model[B]) Sequential() *Sequential[B] { return m.seq }

// Backend returns the model backend.
func (m *Model[B]) Backend() B { return m.backend }

// Parameters returns all trainable parameters.
func (m *Model[B]) Parameters() []*Parameter[B] { return m.seq.Parameters() }

// RunID returns the identifier assigned when the model was first created.
func (m *Model[B]) RunID() string { return m.runID }

// History returns the per-epoch records of every Fit call so far.
func (m *Model[B]) History() []serialization.EpochRecord {
	return append([]serialization.EpochRecord(nil), m.history...)
}

// Optimizer returns the compiled optimizer, or nil.
func (m *Model[B]) Optimizer() Optimizer { return m.optimizer }

// InputShape returns the per-sample input shape.
func (m *Model[B]) InputShape() tensor.Shape { return m.seq.InputShape() }

// OutputShape returns the per-sample output shape.
func (m *Model[B]) OutputShape() tensor.Shape { return tensor.Shape{m.classes} }

// Summary writes the Keras-style layer table.
func (m *Model[B]) Summary(w io.Writer) error { return m.seq.Summary(w) }

// Compile sets the optimizer, loss and metrics used by Fit and Evaluate.
func (m *Model[B]) Compile(optimizer Optimizer, loss *SparseCategoricalCrossentropy[B], metrics ...string) error {
	if optimizer == nil || loss == nil {
		return fmt.Errorf("compile: optimizer and loss are required")
	}
	for _, name := range metrics {
		if name != MetricAccuracy {
			return fmt.Errorf("compile: unsupported metric %q", name)
		}
	}
	m.optimizer = optimizer
	m.loss = loss
	m.metrics = append([]string(nil), metrics...)
	return nil
}

// Fit trains the model on x [N, inputShape...] and labels y [N] (uint8 or
// int32) and returns the records of the epochs it ran. It stops between
// batches when ctx is cancelled.
func (m *Model[B]) Fit(ctx context.Context, x, y *tensor.RawTensor, opts FitOptions) ([]serialization.EpochRecord, error) {
	if m.optimizer == nil {
		return nil, ErrNotCompiled
	}
	n, err := m.checkInputs(x, y)
	if err != nil {
		return nil, err
	}
	if opts.Epochs <= 0 || opts.BatchSize <= 0 {
		return nil, fmt.Errorf("fit: epochs and batch size must be positive, got %d and %d", opts.Epochs, opts.BatchSize)
	}

	m.seq.SetTraining(true)
	defer m.seq.SetTraining(false)

	tape := m.backend.GetTape()
	defer func() {
		tape.StopRecording()
		tape.Clear()
	}()

	rng := rand.New(rand.NewSource(opts.Seed)) //nolint:gosec // shuffling, not security-critical
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	steps := (n + opts.BatchSize - 1) / opts.BatchSize

	records := make([]serialization.EpochRecord, 0, opts.Epochs)
	for epoch := 1; epoch <= opts.Epochs; epoch++ {
		if opts.Shuffle {
			rng.Shuffle(n, func(i, j int) { order[i], order[j] = order[j], order[i] })
		}
		if opts.Progress != nil {
			fmt.Fprintf(opts.Progress, "Epoch %d/%d\n", epoch, opts.Epochs)
		}

		start := time.Now()
		var lossSum float64
		correct := 0
		for step := 0; step < steps; step++ {
			if err := ctx.Err(); err != nil {
				return records, err
			}
			lo := step * opts.BatchSize
			hi := min(lo+opts.BatchSize, n)

			xb, yb := m.batch(x, y, order[lo:hi])
			batchLoss, batchCorrect := m.trainStep(xb, yb)

			lossSum += float64(batchLoss) * float64(hi-lo)
			correct += batchCorrect

			if (step+1)%200 == 0 {
				m.logger.Debug("training step", "epoch", epoch, "step", step+1, "steps", steps, "loss", lossSum/float64(hi))
			}
		}

		rec := serialization.EpochRecord{
			Epoch:           len(m.history) + 1,
			Loss:            lossSum / float64(n),
			Accuracy:        float64(correct) / float64(n),
			DurationSeconds: time.Since(start).Seconds(),
		}
		m.history = append(m.history, rec)
		records = append(records, rec)

		if opts.Progress != nil {
			fmt.Fprintf(opts.Progress, "%d/%d - %.0fs - loss: %.4f - accuracy: %.4f\n",
				steps, steps, rec.DurationSeconds, rec.Loss, rec.Accuracy)
		}
		m.logger.Info("epoch finished", "epoch", rec.Epoch, "loss", rec.Loss, "accuracy", rec.Accuracy, "duration", time.Since(start))
	}
	return records, nil
}

// trainStep runs forward, backward and one optimizer update on a batch.
func (m *Model[B]) trainStep(xb *tensor.Tensor[float32, B], yb *tensor.Tensor[int32, B]) (float32, int) {
	tape := m.backend.GetTape()
	tape.Clear()
	tape.StartRecording()

	m.optimizer.ZeroGrad()
	out := m.seq.Forward(xb)
	loss := m.loss.Forward(out, yb)
	grads := autodiff.Backward(loss, m.backend)
	tape.StopRecording()
	m.optimizer.Step(grads)
	tape.Clear()

	return loss.Item(), CountCorrect(out, yb)
}

// Evaluate returns the mean loss and accuracy over x and y.
func (m *Model[B]) Evaluate(ctx context.Context, x, y *tensor.RawTensor, batchSize int) (loss, accuracy float64, err error) {
	if m.loss == nil {
		return 0, 0, ErrNotCompiled
	}
	n, err := m.checkInputs(x, y)
	if err != nil {
		return 0, 0, err
	}
	if batchSize <= 0 {
		return 0, 0, fmt.Errorf("evaluate: batch size must be positive, got %d", batchSize)
	}

	m.inferenceMode()

	var lossSum float64
	correct := 0
	idx := make([]int, 0, batchSize)
	for lo := 0; lo < n; lo += batchSize {
		if err := ctx.Err(); err != nil {
			return 0, 0, err
		}
		hi := min(lo+batchSize, n)
		idx = idx[:0]
		for i := lo; i < hi; i++ {
			idx = append(idx, i)
		}

		xb, yb := m.batch(x, y, idx)
		out := m.seq.Forward(xb)
		lossSum += float64(m.loss.Forward(out, yb).Item()) * float64(hi-lo)
		correct += CountCorrect(out, yb)
	}
	return lossSum / float64(n), float64(correct) / float64(n), nil
}

// Predict returns the raw model outputs [N, classes] for x.
func (m *Model[B]) Predict(ctx context.Context, x *tensor.RawTensor, batchSize int) (*tensor.RawTensor, error) {
	n, err := m.checkImages(x)
	if err != nil {
		return nil, err
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("predict: batch size must be positive, got %d", batchSize)
	}

	m.inferenceMode()

	result := tensor.MustNewRaw(tensor.Shape{n, m.classes}, tensor.Float32, m.backend.Device())
	dst := result.AsFloat32()
	idx := make([]int, 0, batchSize)
	for lo := 0; lo < n; lo += batchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hi := min(lo+batchSize, n)
		idx = idx[:0]
		for i := lo; i < hi; i++ {
			idx = append(idx, i)
		}
		out := m.seq.Forward(tensor.New[float32, B](gatherRows(x, idx), m.backend))
		copy(dst[lo*m.classes:hi*m.classes], out.Raw().AsFloat32())
	}
	return result, nil
}

func (m *Model[B]) inferenceMode() {
	m.seq.SetTraining(false)
	tape := m.backend.GetTape()
	tape.StopRecording()
	tape.Clear()
}

// checkImages validates x against the model input shape and returns N.
func (m *Model[B]) checkImages(x *tensor.RawTensor) (int, error) {
	want := m.seq.InputShape()
	shape := x.Shape()
	if x.DType() != tensor.Float32 {
		return 0, fmt.Errorf("%w: inputs must be float32, got %s", ErrShapeMismatch, x.DType())
	}
	if len(shape) != len(want)+1 || !shape[1:].Equal(want) {
		return 0, fmt.Errorf("%w: inputs must be (N, %s), got %v", ErrShapeMismatch, joinDims(want), shape)
	}
	return shape[0], nil
}

// checkInputs validates x and y and returns N.
func (m *Model[B]) checkInputs(x, y *tensor.RawTensor) (int, error) {
	n, err := m.checkImages(x)
	if err != nil {
		return 0, err
	}
	if s := y.Shape(); len(s) != 1 || s[0] != n {
		return 0, fmt.Errorf("%w: labels must be (%d), got %v", ErrShapeMismatch, n, s)
	}

	switch y.DType() {
	case tensor.Uint8:
		for i, l := range y.AsUint8() {
			if int(l) >= m.classes {
				return 0, fmt.Errorf("label %d at index %d out of range [0, %d)", l, i, m.classes)
			}
		}
	case tensor.Int32:
		for i, l := range y.AsInt32() {
			if l < 0 || int(l) >= m.classes {
				return 0, fmt.Errorf("label %d at index %d out of range [0, %d)", l, i, m.classes)
			}
		}
	default:
		return 0, fmt.Errorf("labels must be uint8 or int32, got %s", y.DType())
	}
	return n, nil
}

func (m *Model[B]) batch(x, y *tensor.RawTensor, idx []int) (*tensor.Tensor[float32, B], *tensor.Tensor[int32, B]) {
	labels := tensor.MustNewRaw(tensor.Shape{len(idx)}, tensor.Int32, m.backend.Device())
	dst := labels.AsInt32()
	switch y.DType() {
	case tensor.Uint8:
		src := y.AsUint8()
		for i, j := range idx {
			dst[i] = int32(src[j])
		}
	default:
		src := y.AsInt32()
		for i, j := range idx {
			dst[i] = src[j]
		}
	}
	return tensor.New[float32, B](gatherRows(x, idx), m.backend), tensor.New[int32, B](labels, m.backend)
}

// gatherRows copies the samples at idx (first dimension) into a new tensor.
func gatherRows(x *tensor.RawTensor, idx []int) *tensor.RawTensor {
	shape := x.Shape().Clone()
	row := shape[1:].NumElements()
	shape[0] = len(idx)

	out := tensor.MustNewRaw(shape, tensor.Float32, x.Device())
	src, dst := x.AsFloat32(), out.AsFloat32()
	for i, j := range idx {
		copy(dst[i*row:(i+1)*row], src[j*row:(j+1)*row])
	}
	return out
}

func joinDims(s tensor.Shape) string {
	out := ""
	for i, d := range s {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprint(d)
	}
	return out
}

// Save writes the model to dir as a saved model: model.json,
// variables.snet and, when compiled, optimizer.snet.
func (m *Model[B]) Save(dir string) error {
	manifest := serialization.Manifest{
		RunID:      m.runID,
		Framework:  Framework,
		ModelType:  "Sequential",
		InputShape: []int(m.seq.InputShape()),
		Layers:     m.seq.Specs(),
		History:    m.History(),
	}

	var optState map[string]*tensor.RawTensor
	if m.optimizer != nil {
		manifest.Compile = serialization.CompileSpec{
			Optimizer: m.optimizer.Spec(),
			Loss:      serialization.LossSpec{Name: m.loss.Name(), FromLogits: m.loss.FromLogits},
			Metrics:   append([]string(nil), m.metrics...),
		}
		optState = m.optimizer.StateDict()
	}

	if err := serialization.WriteSavedModel(dir, manifest, m.seq.StateDict(), optState); err != nil {
		return fmt.Errorf("save model: %w", err)
	}
	m.logger.Info("model saved", "dir", dir, "run_id", m.runID, "params", m.seq.CountParams())
	return nil
}

// LoadModel restores a saved model. The loss is restored so Evaluate works.
// When factory is non-nil and the model was saved compiled, the optimizer
// is rebuilt with its state and the model compiled again so training can
// resume.
func LoadModel[B autodiff.BackwardCapable](dir string, backend B, factory OptimizerFactory[B]) (*Model[B], error) {
	sm, err := serialization.ReadSavedModel(dir)
	if err != nil {
		return nil, err
	}

	// Weights are overwritten by the state dict; the seed is irrelevant.
	rng := rand.New(rand.NewSource(0)) //nolint:gosec // weight init placeholder
	seq, err := FromSpecs[B](tensor.Shape(sm.Manifest.InputShape), sm.Manifest.Layers, rng, backend)
	if err != nil {
		return nil, fmt.Errorf("load model %s: %w", dir, err)
	}
	if err := seq.LoadStateDict(sm.Variables); err != nil {
		return nil, fmt.Errorf("load model %s: %w", dir, err)
	}

	m, err := NewModel(seq, backend)
	if err != nil {
		return nil, err
	}
	if sm.Manifest.RunID != "" {
		m.runID = sm.Manifest.RunID
	}
	m.history = sm.Manifest.History

	c := sm.Manifest.Compile
	if c.Loss.Name != "" {
		if c.Loss.Name != LossSparseCategoricalCrossentropy {
			return nil, fmt.Errorf("load model %s: unsupported loss %q", dir, c.Loss.Name)
		}
		m.loss = NewSparseCategoricalCrossentropy[B](c.Loss.FromLogits)
		m.metrics = c.Metrics
	}
	if factory == nil || c.Optimizer.Name == "" {
		return m, nil
	}

	opt, err := factory(seq.Parameters(), c.Optimizer)
	if err != nil {
		return nil, fmt.Errorf("load model %s: %w", dir, err)
	}
	if sm.Optimizer != nil {
		if err := opt.LoadStateDict(sm.Optimizer); err != nil {
			return nil, fmt.Errorf("load optimizer state: %w", err)
		}
	}
	if err := m.Compile(opt, m.loss, c.Metrics...); err != nil {
		return nil, err
	}
	return m, nil
}
