// Package commands implements the selu-mnist command tree.
package commands

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/born-ml/selu-mnist/internal/config"
)

var (
	configPath string
	overrides  config.Overrides

	cfg    *config.Config
	logger *slog.Logger
)

// Execute runs the command line. SIGINT and SIGTERM cancel the running
// command between batches.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return newRootCmd().ExecuteContext(ctx)
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "selu-mnist",
		Short:         "Train a SELU convolutional network on MNIST",
		Long:          "Without a subcommand, selu-mnist runs the whole program: load MNIST, train, evaluate, save the model and classify one test image.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setup(cmd)
		},
		RunE: runTrain,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "YAML config file (optional)")
	pf.StringVar(&overrides.DataSource, "data-source", "", "dataset source: keras, idx or synthetic (default keras)")
	pf.StringVar(&overrides.DataDir, "data-dir", "", "directory with the IDX files (idx source)")
	pf.StringVar(&overrides.CacheDir, "cache-dir", "", "download cache (default ~/.cache/selu-mnist)")
	pf.IntVar(&overrides.LimitTrain, "limit-train", 0, "use only the first N training images")
	pf.IntVar(&overrides.LimitTest, "limit-test", 0, "use only the first N test images")
	pf.IntVar(&overrides.Workers, "workers", 0, "CPU worker goroutines (default all cores)")
	pf.StringVar(&overrides.LogLevel, "log-level", "", "debug, info, warn or error (default info)")
	addTrainFlags(root)

	root.AddCommand(trainCmd(), evaluateCmd(), predictCmd(), summaryCmd(), versionCmd())
	return root
}

// setup resolves the config from defaults, the config file and flags, and
// builds the logger.
func setup(cmd *cobra.Command) error {
	overrides.Seed, overrides.SampleIndex = nil, nil
	if f := cmd.Flags().Lookup("seed"); f != nil && f.Changed {
		overrides.Seed = &seed
	}
	if f := cmd.Flags().Lookup("sample-index"); f != nil && f.Changed {
		overrides.SampleIndex = &sampleIndex
	}

	var err error
	if configPath != "" {
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
	} else {
		cfg = config.Default()
	}
	cfg.ApplyOverrides(overrides)
	if err := cfg.Validate(); err != nil {
		return err
	}

	level, err := cfg.Level()
	if err != nil {
		return err
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return nil
}
