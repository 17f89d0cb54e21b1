package commands

import (
	"github.com/spf13/cobra"

	"github.com/born-ml/selu-mnist/internal/pipeline"
)

// seed and sampleIndex become overrides only when their flag is set,
// since zero is a valid value for both.
var (
	seed        int64
	sampleIndex int
)

func addTrainFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.IntVar(&overrides.Epochs, "epochs", 0, "training epochs (default 4)")
	f.IntVar(&overrides.BatchSize, "batch-size", 0, "training batch size (default 32)")
	f.Float64Var(&overrides.LearningRate, "lr", 0, "learning rate (default 0.001)")
	f.StringVar(&overrides.Optimizer, "optimizer", "", "adam or sgd (default adam)")
	f.Int64Var(&seed, "seed", 0, "seed for weights, dropout and shuffling")
	f.StringVar(&overrides.ModelDir, "model-dir", "", "where to save the model (default selu_model)")
	f.IntVar(&sampleIndex, "sample-index", 0, "test image to classify at the end (default 4444)")
	f.StringVar(&overrides.PNGPath, "png", "", "also write the sample image to this PNG file")
	f.BoolVar(&overrides.Resume, "resume", false, "continue training the model in --model-dir")
}

func trainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train, evaluate and save the model, then classify one test image",
		Args:  cobra.NoArgs,
		RunE:  runTrain,
	}
	addTrainFlags(cmd)
	return cmd
}

func runTrain(cmd *cobra.Command, args []string) error {
	_, err := pipeline.Run(cmd.Context(), cfg, cmd.OutOrStdout(), logger)
	return err
}
