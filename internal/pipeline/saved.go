package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/born-ml/selu-mnist/internal/backend/cpu"
	"github.com/born-ml/selu-mnist/internal/config"
	"github.com/born-ml/selu-mnist/internal/display"
	"github.com/born-ml/selu-mnist/internal/inference"
	"github.com/born-ml/selu-mnist/internal/mnist"
	"github.com/born-ml/selu-mnist/internal/nn"
	"github.com/born-ml/selu-mnist/internal/udo"
)

// Summary prints the summary of the untrained network built from cfg.
func Summary(cfg *config.Config, out io.Writer) error {
	seq, err := BuildNetwork(cfg, mnist.ImageSize, mnist.ImageSize, NewBackend(cfg.Workers))
	if err != nil {
		return err
	}
	return seq.Summary(out)
}

// Evaluate loads the saved model in dir and evaluates it on the test set.
func Evaluate(ctx context.Context, cfg *config.Config, dir string, out io.Writer, logger *slog.Logger) (loss, accuracy float64, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	backend := NewBackend(cfg.Workers)
	m, err := nn.LoadModel(dir, backend, nil)
	if err != nil {
		return 0, 0, err
	}
	m.SetLogger(logger)

	ds, err := LoadData(ctx, cfg, logger)
	if err != nil {
		return 0, 0, err
	}
	loss, accuracy, err = m.Evaluate(ctx, mnist.Preprocess(ds.Test), mnist.Labels(ds.Test), cfg.EvalBatchSize)
	if err != nil {
		return 0, 0, fmt.Errorf("evaluate: %w", err)
	}
	fmt.Fprintf(out, "%d images - loss: %.4f - accuracy: %.4f\n", ds.Test.Len(), loss, accuracy)
	return loss, accuracy, nil
}

// Prediction is the outcome of Predict.
type Prediction struct {
	Index     int
	Label     int
	Predicted int
	Result    *inference.Result
}

// Predict classifies test image index with the operator runtime, without
// the training framework, and prints the image, the scores and the time
// spent in every operator.
func Predict(ctx context.Context, cfg *config.Config, dir string, index int, out io.Writer, logger *slog.Logger) (*Prediction, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rt, err := inference.Load(dir, udo.SeluPackage(), cpu.NewWithWorkers(cfg.Workers))
	if err != nil {
		return nil, err
	}
	rt.SetLogger(logger)

	ds, err := LoadData(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= ds.Test.Len() {
		return nil, fmt.Errorf("sample index %d out of range: test set has %d images", index, ds.Test.Len())
	}
	if err := display.ASCII(out, ds.Test.Image(index), ds.Test.Rows, ds.Test.Cols); err != nil {
		return nil, err
	}

	res, err := rt.Run(ctx, mnist.PreprocessImage(ds.Test, index))
	if err != nil {
		return nil, err
	}
	if err := display.Scores(out, res.Output.AsFloat32()); err != nil {
		return nil, err
	}
	for _, t := range res.Timings {
		fmt.Fprintf(out, "  %-28s %v\n", t.Layer+":"+t.Op, t.Duration)
	}

	p := &Prediction{
		Index:     index,
		Label:     int(ds.Test.Labels[index]),
		Predicted: res.Argmax()[0],
		Result:    res,
	}
	fmt.Fprintf(out, "predicted: %d (label %d) in %v\n", p.Predicted, p.Label, res.Total)
	return p, nil
}
