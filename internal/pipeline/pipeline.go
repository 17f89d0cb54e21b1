// Package pipeline is the selu-mnist program: load MNIST, build and train
// the SELU convolutional network, evaluate it, save it and classify one
// test image.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"strconv"
	"strings"

	"github.com/born-ml/selu-mnist/internal/autodiff"
	"github.com/born-ml/selu-mnist/internal/backend/cpu"
	"github.com/born-ml/selu-mnist/internal/config"
	"github.com/born-ml/selu-mnist/internal/display"
	"github.com/born-ml/selu-mnist/internal/mnist"
	"github.com/born-ml/selu-mnist/internal/nn"
	"github.com/born-ml/selu-mnist/internal/optim"
	"github.com/born-ml/selu-mnist/internal/serialization"
	"github.com/born-ml/selu-mnist/internal/tensor"
)

// Backend is the backend the network trains on.
type Backend = *autodiff.AutodiffBackend[*cpu.CPUBackend]

// PNGScale is the upscaling factor of the sample PNG.
const PNGScale = 10

// Report summarizes a pipeline run.
type Report struct {
	TrainShape   tensor.Shape
	TestShape    tensor.Shape
	History      []serialization.EpochRecord
	TestLoss     float64
	TestAccuracy float64
	ModelDir     string
	SampleIndex  int
	SampleLabel  int
	Scores       []float32
	Predicted    int
}

// NewBackend returns a recording CPU backend using workers goroutines
// (0 for the default).
func NewBackend(workers int) Backend {
	return autodiff.New(cpu.NewWithWorkers(workers))
}

// LoadData loads the dataset described by cfg.
func LoadData(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*mnist.Dataset, error) {
	return mnist.Load(ctx, mnist.Options{
		Source:     mnist.Source(cfg.DataSource),
		DataDir:    cfg.DataDir,
		CacheDir:   cfg.CacheDir,
		URL:        cfg.DatasetURL,
		SHA256:     cfg.DatasetSHA256,
		Logger:     logger,
		LimitTrain: cfg.LimitTrain,
		LimitTest:  cfg.LimitTest,
		Seed:       cfg.Seed,
	})
}

// BuildNetwork creates the untrained network for rows x cols images:
//
//	input          Conv2D(filters, 3x3)        linear
//	max_pooling2d  MaxPooling2D(2x2)
//	flatten        Flatten
//	dense          Dense(hidden)               selu
//	dropout        Dropout(rate)
//	output         Dense(10)                   selu
func BuildNetwork(cfg *config.Config, rows, cols int, backend Backend) (*nn.Sequential[Backend], error) {
	const kernel, pool = 3, 2
	if rows < kernel+pool-1 || cols < kernel+pool-1 {
		return nil, fmt.Errorf("images of %dx%d are too small for the network", rows, cols)
	}
	rng := rand.New(rand.NewSource(cfg.Seed)) //nolint:gosec // weight init, not security-critical

	flat := ((rows - kernel + 1) / pool) * ((cols - kernel + 1) / pool) * cfg.Filters
	return nn.NewSequential(tensor.Shape{rows, cols, 1},
		nn.NewConv2D("input", 1, cfg.Filters, kernel, 1, nn.ActivationLinear, rng, backend),
		nn.NewMaxPool2D[Backend]("max_pooling2d", pool, pool),
		nn.NewFlatten[Backend]("flatten"),
		nn.NewDense("dense", flat, cfg.HiddenUnits, nn.ActivationSELU, rng, backend),
		nn.NewDropout[Backend]("dropout", cfg.DropoutRate, rng),
		nn.NewDense("output", cfg.HiddenUnits, mnist.NumClasses, nn.ActivationSELU, rng, backend),
	), nil
}

// NewModel builds the network and compiles it with the configured
// optimizer, sparse categorical cross-entropy and accuracy.
func NewModel(cfg *config.Config, rows, cols int, backend Backend) (*nn.Model[Backend], error) {
	seq, err := BuildNetwork(cfg, rows, cols, backend)
	if err != nil {
		return nil, err
	}
	m, err := nn.NewModel(seq, backend)
	if err != nil {
		return nil, err
	}
	if err := compile(m, cfg, backend); err != nil {
		return nil, err
	}
	return m, nil
}

func compile(m *nn.Model[Backend], cfg *config.Config, backend Backend) error {
	opt, err := optim.New(m.Parameters(), serialization.OptimizerSpec{
		Name:         cfg.Optimizer,
		LearningRate: cfg.LearningRate,
		Momentum:     cfg.Momentum,
	}, backend)
	if err != nil {
		return err
	}
	return m.Compile(opt, nn.NewSparseCategoricalCrossentropy[Backend](false), nn.MetricAccuracy)
}

// model returns the model to train: a fresh one, or the saved one in
// cfg.ModelDir when resuming.
func model(cfg *config.Config, rows, cols int, backend Backend, logger *slog.Logger) (*nn.Model[Backend], error) {
	if !cfg.Resume {
		return NewModel(cfg, rows, cols, backend)
	}

	m, err := nn.LoadModel(cfg.ModelDir, backend, optim.Factory(backend))
	if err != nil {
		return nil, fmt.Errorf("resume: %w", err)
	}
	if want := (tensor.Shape{rows, cols, 1}); !m.InputShape().Equal(want) {
		return nil, fmt.Errorf("resume: %w: saved model expects %v, data is %v", nn.ErrShapeMismatch, m.InputShape(), want)
	}
	if m.Optimizer() == nil {
		if err := compile(m, cfg, backend); err != nil {
			return nil, err
		}
	}
	logger.Info("resuming training", "dir", cfg.ModelDir, "run_id", m.RunID(), "epochs_done", len(m.History()))
	return m, nil
}

// Run executes the whole program, printing progress to out.
func Run(ctx context.Context, cfg *config.Config, out io.Writer, logger *slog.Logger) (*Report, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	ds, err := LoadData(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if cfg.SampleIndex >= ds.Test.Len() {
		return nil, fmt.Errorf("sample index %d out of range: test set has %d images", cfg.SampleIndex, ds.Test.Len())
	}

	xTrain, yTrain := mnist.Preprocess(ds.Train), mnist.Labels(ds.Train)
	xTest, yTest := mnist.Preprocess(ds.Test), mnist.Labels(ds.Test)
	fmt.Fprintf(out, "x_train shape: %s\n", FormatShape(xTrain.Shape()))
	fmt.Fprintf(out, "Number of images in x_train %d\n", xTrain.Shape()[0])
	fmt.Fprintf(out, "Number of images in x_test %d\n", xTest.Shape()[0])

	backend := NewBackend(cfg.Workers)
	logger.Debug("backend ready", "cpu", backend.Inner().Info())

	m, err := model(cfg, ds.Train.Rows, ds.Train.Cols, backend, logger)
	if err != nil {
		return nil, err
	}
	m.SetLogger(logger)
	if err := m.Summary(out); err != nil {
		return nil, err
	}

	history, err := m.Fit(ctx, xTrain, yTrain, nn.FitOptions{
		Epochs:    cfg.Epochs,
		BatchSize: cfg.BatchSize,
		Shuffle:   true,
		Seed:      cfg.Seed,
		Progress:  out,
	})
	if err != nil {
		return nil, fmt.Errorf("fit: %w", err)
	}

	loss, acc, err := m.Evaluate(ctx, xTest, yTest, cfg.EvalBatchSize)
	if err != nil {
		return nil, fmt.Errorf("evaluate: %w", err)
	}
	fmt.Fprintf(out, "test loss: %.4f - test accuracy: %.4f\n", loss, acc)

	if err := m.Save(cfg.ModelDir); err != nil {
		return nil, err
	}
	fmt.Fprintf(out, "inputs: %s float32\n", FormatShape(append(tensor.Shape{-1}, m.InputShape()...)))
	fmt.Fprintf(out, "outputs: %s float32\n", FormatShape(append(tensor.Shape{-1}, m.OutputShape()...)))

	report := &Report{
		TrainShape:   xTrain.Shape(),
		TestShape:    xTest.Shape(),
		History:      history,
		TestLoss:     loss,
		TestAccuracy: acc,
		ModelDir:     cfg.ModelDir,
		SampleIndex:  cfg.SampleIndex,
		SampleLabel:  int(ds.Test.Labels[cfg.SampleIndex]),
	}
	if err := showSample(ds.Test, cfg, out); err != nil {
		return nil, err
	}

	pred, err := m.Predict(ctx, mnist.PreprocessImage(ds.Test, cfg.SampleIndex), 1)
	if err != nil {
		return nil, fmt.Errorf("predict: %w", err)
	}
	report.Scores = append([]float32(nil), pred.AsFloat32()...)
	report.Predicted = cpu.ArgmaxFloat32(report.Scores)
	fmt.Fprintf(out, "predicted: %d (label %d)\n", report.Predicted, report.SampleLabel)

	logger.Info("pipeline finished", "test_accuracy", acc, "model_dir", cfg.ModelDir, "run_id", m.RunID())
	return report, nil
}

// showSample renders test image cfg.SampleIndex on out and, when
// configured, as a PNG.
func showSample(test *mnist.Split, cfg *config.Config, out io.Writer) error {
	pixels := test.Image(cfg.SampleIndex)
	if err := display.ASCII(out, pixels, test.Rows, test.Cols); err != nil {
		return err
	}
	if cfg.PNGPath == "" {
		return nil
	}
	if err := display.WritePNG(cfg.PNGPath, pixels, test.Rows, test.Cols, PNGScale); err != nil {
		return fmt.Errorf("write sample: %w", err)
	}
	fmt.Fprintf(out, "sample written to %s\n", cfg.PNGPath)
	return nil
}

// FormatShape prints a shape as a tuple; negative dimensions print as None:
// "(None, 28, 28, 1)".
func FormatShape(s tensor.Shape) string {
	parts := make([]string, len(s))
	for i, d := range s {
		if d < 0 {
			parts[i] = "None"
			continue
		}
		parts[i] = strconv.Itoa(d)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
