package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	LaunchsentryVersion, LaunchsentryCommit, LaunchsentryDate string
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Long:  "Display version, commit hash, build date, and other build information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "LaunchSentry version: %s\n", LaunchsentryVersion)
			fmt.Fprintf(out, "Commit: %s\n", LaunchsentryCommit)
			fmt.Fprintf(out, "Built: %s\n", LaunchsentryDate)
		},
	}
}
