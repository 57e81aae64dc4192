package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aussiebroadwan/arcrelay/internal/relay/app"
)

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", app.ServiceName, app.BuildVersion)
		},
	}
}
