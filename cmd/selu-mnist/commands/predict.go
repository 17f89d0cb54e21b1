package commands

import (
	"github.com/spf13/cobra"

	"github.com/born-ml/selu-mnist/internal/pipeline"
)

func predictCmd() *cobra.Command {
	var (
		dir   string
		index int
	)
	cmd := &cobra.Command{
		Use:   "predict",
		Short: "Classify one test image with the operator runtime",
		Long:  "predict runs a saved model through the registered CPU operators, without the training framework, and reports the time spent in every operator.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := pipeline.Predict(cmd.Context(), cfg, dir, index, cmd.OutOrStdout(), logger)
			return err
		},
	}
	cmd.Flags().StringVar(&dir, "model", "selu_model", "saved model directory")
	cmd.Flags().IntVar(&index, "index", 4444, "test image index")
	return cmd
}
