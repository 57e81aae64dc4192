package main

import (
	"log/slog"
	"os"

	"github.com/aussiebroadwan/arcrelay/cmd/arcrelay/commands"
	"github.com/aussiebroadwan/arcrelay/internal/relay/domain"
)

func main() {
	if err := commands.Execute(); err != nil {
		slog.Error("arcrelay failed",
			slog.String("fault", domain.FaultKind(err)),
			slog.Any("error", err),
		)
		os.Exit(commands.ExitCode(err))
	}
}
