package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aussiebroadwan/arcrelay/internal/relay/app"
	"github.com/aussiebroadwan/arcrelay/internal/relay/domain"
)

const (
	exitFailure     = 1
	exitConfigFault = 2
)

var configPath string

// Execute runs the command line. Without a subcommand it runs the session.
func Execute() error {
	return newRootCmd().ExecuteContext(context.Background())
}

// ExitCode maps an error returned by Execute to the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case domain.IsConfigFault(err):
		return exitConfigFault
	default:
		return exitFailure
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "arcrelay",
		Short:         "Keep an authenticated relay session open to an Arc-enabled server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runSession,
	}

	root.PersistentFlags().StringVar(&configPath, "config", app.DefaultConfigFile, "settings file")

	root.AddCommand(runCmd(), provisionCmd(), versionCmd())
	return root
}

// newApplication loads settings and builds the application.
func newApplication() (*app.Application, error) {
	cfg, err := app.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	return app.New(cfg)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
