package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/born-ml/selu-mnist/internal/backend/cpu"
)

// Version is set at build time with -ldflags "-X ...commands.Version=v1.2.3".
var Version = "v0.1.0-dev"

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "selu-mnist %s\n", Version)
			fmt.Fprintf(cmd.OutOrStdout(), "cpu: %s\n", cpu.New().Info())
			return nil
		},
	}
}
