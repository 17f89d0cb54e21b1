package commands

import (
	"github.com/spf13/cobra"

	"github.com/born-ml/selu-mnist/internal/pipeline"
)

func evaluateCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate a saved model on the test set",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, err := pipeline.Evaluate(cmd.Context(), cfg, dir, cmd.OutOrStdout(), logger)
			return err
		},
	}
	cmd.Flags().StringVar(&dir, "model", "selu_model", "saved model directory")
	return cmd
}
