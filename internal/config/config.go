// Package config holds the knobs of a selu-mnist run. Defaults reproduce
// the reference training script; a YAML file and command-line flags can
// override them.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/born-ml/selu-mnist/internal/mnist"
)

// Config captures the runtime knobs for a training run.
type Config struct {
	// Dataset.
	DataSource    string `yaml:"data_source"`
	DataDir       string `yaml:"data_dir"`
	CacheDir      string `yaml:"cache_dir"`
	DatasetURL    string `yaml:"dataset_url"`
	DatasetSHA256 string `yaml:"dataset_sha256"`
	LimitTrain    int    `yaml:"limit_train"`
	LimitTest     int    `yaml:"limit_test"`

	// Network.
	Filters     int     `yaml:"filters"`
	HiddenUnits int     `yaml:"hidden_units"`
	DropoutRate float64 `yaml:"dropout_rate"`

	// Training.
	Optimizer     string  `yaml:"optimizer"`
	LearningRate  float64 `yaml:"learning_rate"`
	Momentum      float64 `yaml:"momentum"`
	Epochs        int     `yaml:"epochs"`
	BatchSize     int     `yaml:"batch_size"`
	EvalBatchSize int     `yaml:"eval_batch_size"`
	Seed          int64   `yaml:"seed"`
	Workers       int     `yaml:"workers"`
	Resume        bool    `yaml:"resume"`

	// Output.
	ModelDir    string `yaml:"model_dir"`
	SampleIndex int    `yaml:"sample_index"`
	PNGPath     string `yaml:"png_path"`
	LogLevel    string `yaml:"log_level"`
}

// Overrides captures CLI supplied values. Zero values leave the config
// unchanged; Seed and SampleIndex are pointers because zero is a valid
// setting for both.
type Overrides struct {
	DataSource   string
	DataDir      string
	CacheDir     string
	LimitTrain   int
	LimitTest    int
	Optimizer    string
	LearningRate float64
	Epochs       int
	BatchSize    int
	Seed         *int64
	Workers      int
	Resume       bool
	ModelDir     string
	SampleIndex  *int
	PNGPath      string
	LogLevel     string
}

// Default returns the configuration of the reference script: 4 epochs of
// Adam at 0.001 with batches of 32 on the Keras MNIST archive.
func Default() *Config {
	return &Config{
		DataSource:    string(mnist.SourceKeras),
		CacheDir:      defaultCacheDir(),
		Filters:       28,
		HiddenUnits:   128,
		DropoutRate:   0.2,
		Optimizer:     "adam",
		LearningRate:  0.001,
		Epochs:        4,
		BatchSize:     32,
		EvalBatchSize: 32,
		Seed:          1,
		ModelDir:      "selu_model",
		SampleIndex:   4444,
		LogLevel:      "info",
	}
}

func defaultCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "selu-mnist")
	}
	return filepath.Join(dir, "selu-mnist")
}

// Load reads a YAML file over the defaults and validates the result.
// Unknown keys are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyOverrides updates c using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.DataSource != "" {
		c.DataSource = o.DataSource
	}
	if o.DataDir != "" {
		c.DataDir = o.DataDir
	}
	if o.CacheDir != "" {
		c.CacheDir = o.CacheDir
	}
	if o.LimitTrain > 0 {
		c.LimitTrain = o.LimitTrain
	}
	if o.LimitTest > 0 {
		c.LimitTest = o.LimitTest
	}
	if o.Optimizer != "" {
		c.Optimizer = o.Optimizer
	}
	if o.LearningRate > 0 {
		c.LearningRate = o.LearningRate
	}
	if o.Epochs > 0 {
		c.Epochs = o.Epochs
	}
	if o.BatchSize > 0 {
		c.BatchSize = o.BatchSize
	}
	if o.Seed != nil {
		c.Seed = *o.Seed
	}
	if o.Workers > 0 {
		c.Workers = o.Workers
	}
	if o.Resume {
		c.Resume = true
	}
	if o.ModelDir != "" {
		c.ModelDir = o.ModelDir
	}
	if o.SampleIndex != nil {
		c.SampleIndex = *o.SampleIndex
	}
	if o.PNGPath != "" {
		c.PNGPath = o.PNGPath
	}
	if o.LogLevel != "" {
		c.LogLevel = o.LogLevel
	}
}

// Validate verifies the config is runnable.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	src, err := mnist.ParseSource(c.DataSource)
	if err != nil {
		return err
	}
	c.DataSource = string(src)
	if src == mnist.SourceIDX && c.DataDir == "" {
		return errors.New("data_dir must be set for the idx data source")
	}
	if src == mnist.SourceKeras && c.CacheDir == "" {
		return errors.New("cache_dir must be set for the keras data source")
	}
	if c.LimitTrain < 0 || c.LimitTest < 0 {
		return fmt.Errorf("limits must be >= 0 (got %d and %d)", c.LimitTrain, c.LimitTest)
	}

	if c.Filters <= 0 {
		return fmt.Errorf("filters must be > 0 (got %d)", c.Filters)
	}
	if c.HiddenUnits <= 0 {
		return fmt.Errorf("hidden_units must be > 0 (got %d)", c.HiddenUnits)
	}
	if c.DropoutRate < 0 || c.DropoutRate >= 1 {
		return fmt.Errorf("dropout_rate must be in [0, 1) (got %v)", c.DropoutRate)
	}

	switch strings.ToLower(c.Optimizer) {
	case "adam", "sgd":
	default:
		return fmt.Errorf("optimizer must be adam or sgd (got %q)", c.Optimizer)
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("learning_rate must be > 0 (got %v)", c.LearningRate)
	}
	if c.Momentum < 0 || c.Momentum >= 1 {
		return fmt.Errorf("momentum must be in [0, 1) (got %v)", c.Momentum)
	}
	if c.Epochs <= 0 {
		return fmt.Errorf("epochs must be > 0 (got %d)", c.Epochs)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be > 0 (got %d)", c.BatchSize)
	}
	if c.EvalBatchSize <= 0 {
		c.EvalBatchSize = c.BatchSize
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must be >= 0 (got %d)", c.Workers)
	}

	if c.ModelDir == "" {
		return errors.New("model_dir must be set")
	}
	if c.SampleIndex < 0 {
		return fmt.Errorf("sample_index must be >= 0 (got %d)", c.SampleIndex)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level parses LogLevel ("debug", "info", "warn", "error").
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return level, nil
}
