package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "proc-throttle %s (commit=%s, built=%s)\n",
				versionInfo.Version, versionInfo.Commit, versionInfo.BuildDate)
		},
	}
}
