package root

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// rootCmd is the base command for the licensing operator CLI. Subcommands are attached in wire.go.
var rootCmd = &cobra.Command{
	Use:           "licensing",
	Short:         "Licensing platform operator CLI",
	Long:          "Operator utilities for the licensing platform (dev tokens, bootstrap, tenant registry, outbox and dead letters).",
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the CLI.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

// Root returns the mutable root command for wiring from subpackages.
func Root() *cobra.Command {
	return rootCmd
}
