package commands

import (
	"github.com/spf13/cobra"

	"github.com/born-ml/selu-mnist/internal/pipeline"
)

func summaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Print the layers and parameter counts of the network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return pipeline.Summary(cfg, cmd.OutOrStdout())
		},
	}
}
