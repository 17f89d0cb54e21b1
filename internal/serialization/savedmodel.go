package serialization

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/born-ml/selu-mnist/internal/tensor"
)

// Saved model file names.
const (
	ManifestFile  = "model.json"
	VariablesFile = "variables.snet"
	OptimizerFile = "optimizer.snet"

	ManifestVersion = 1
)

// ErrNotSavedModel is returned when a directory has no model.json.
var ErrNotSavedModel = errors.New("not a saved model directory")

// Manifest is the model.json document of a saved model.
type Manifest struct {
	FormatVersion int           `json:"format_version"`
	RunID         string        `json:"run_id"`
	CreatedAt     time.Time     `json:"created_at"`
	Framework     string        `json:"framework"`
	ModelType     string        `json:"model_type"`
	InputShape    []int         `json:"input_shape"`
	Layers        []LayerSpec   `json:"layers"`
	Compile       CompileSpec   `json:"compile"`
	History       []EpochRecord `json:"history,omitempty"`
}

// LayerSpec describes one layer. Only the fields meaningful for ClassName
// are set.
type LayerSpec struct {
	Name       string  `json:"name"`
	ClassName  string  `json:"class_name"`
	Filters    int     `json:"filters,omitempty"`
	KernelSize []int   `json:"kernel_size,omitempty"`
	Strides    []int   `json:"strides,omitempty"`
	Padding    string  `json:"padding,omitempty"`
	Activation string  `json:"activation,omitempty"`
	UseBias    bool    `json:"use_bias,omitempty"`
	PoolSize   []int   `json:"pool_size,omitempty"`
	Units      int     `json:"units,omitempty"`
	Rate       float64 `json:"rate,omitempty"`
	InputShape []int   `json:"input_shape,omitempty"`
}

// CompileSpec records optimizer, loss and metrics.
type CompileSpec struct {
	Optimizer OptimizerSpec `json:"optimizer"`
	Loss      LossSpec      `json:"loss"`
	Metrics   []string      `json:"metrics"`
}

// OptimizerSpec holds optimizer hyperparameters.
type OptimizerSpec struct {
	Name         string  `json:"name"`
	LearningRate float64 `json:"learning_rate"`
	Beta1        float64 `json:"beta1,omitempty"`
	Beta2        float64 `json:"beta2,omitempty"`
	Epsilon      float64 `json:"epsilon,omitempty"`
	Momentum     float64 `json:"momentum,omitempty"`
}

// LossSpec names the loss function.
type LossSpec struct {
	Name       string `json:"name"`
	FromLogits bool   `json:"from_logits"`
}

// EpochRecord is one entry of the training history.
type EpochRecord struct {
	Epoch           int     `json:"epoch"`
	Loss            float64 `json:"loss"`
	Accuracy        float64 `json:"accuracy"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// SavedModel is the in-memory form of a saved model directory.
type SavedModel struct {
	Manifest  Manifest
	Variables map[string]*tensor.RawTensor
	Optimizer map[string]*tensor.RawTensor // nil when no optimizer state was saved
}

// WriteSavedModel writes a saved model into dir, creating it if needed.
// optimizerState may be nil.
func WriteSavedModel(dir string, manifest Manifest, variables, optimizerState map[string]*tensor.RawTensor) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create model directory: %w", err)
	}

	manifest.FormatVersion = ManifestVersion
	if manifest.CreatedAt.IsZero() {
		manifest.CreatedAt = time.Now().UTC()
	}

	meta := map[string]string{"run_id": manifest.RunID}
	err := SaveStateDict(filepath.Join(dir, VariablesFile), variables,
		Header{ModelType: manifest.ModelType, CreatedAt: manifest.CreatedAt, Metadata: meta}, 0)
	if err != nil {
		return fmt.Errorf("failed to write variables: %w", err)
	}

	optPath := filepath.Join(dir, OptimizerFile)
	if optimizerState != nil {
		err := SaveStateDict(optPath, optimizerState,
			Header{ModelType: manifest.Compile.Optimizer.Name, CreatedAt: manifest.CreatedAt, Metadata: meta}, FlagHasOptimizer)
		if err != nil {
			return fmt.Errorf("failed to write optimizer state: %w", err)
		}
	} else if err := os.Remove(optPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove stale optimizer state: %w", err)
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	return writeFileAtomic(filepath.Join(dir, ManifestFile), append(data, '\n'))
}

// ReadSavedModel loads and verifies a saved model directory.
func ReadSavedModel(dir string) (*SavedModel, error) {
	manifest, err := ReadManifest(dir)
	if err != nil {
		return nil, err
	}

	variables, _, err := LoadStateDict(filepath.Join(dir, VariablesFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read variables: %w", err)
	}

	sm := &SavedModel{Manifest: *manifest, Variables: variables}

	optPath := filepath.Join(dir, OptimizerFile)
	if _, err := os.Stat(optPath); err == nil {
		sm.Optimizer, _, err = LoadStateDict(optPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read optimizer state: %w", err)
		}
	}
	return sm, nil
}

// ReadManifest reads only model.json from dir.
func ReadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile)) //nolint:gosec // user-supplied model path
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotSavedModel, dir)
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if m.FormatVersion != ManifestVersion {
		return nil, fmt.Errorf("%w: manifest version %d", ErrUnsupportedVersion, m.FormatVersion)
	}
	if len(m.Layers) == 0 {
		return nil, fmt.Errorf("%w: manifest lists no layers", ErrNotSavedModel)
	}
	return &m, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to rename to %s: %w", path, err)
	}
	return nil
}
