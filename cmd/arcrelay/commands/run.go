package commands

import (
	"github.com/spf13/cobra"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Provision, authenticate and poll until interrupted",
		RunE:  runSession,
	}
}

func runSession(cmd *cobra.Command, _ []string) error {
	application, err := newApplication()
	if err != nil {
		return err
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	return application.Run(ctx)
}
