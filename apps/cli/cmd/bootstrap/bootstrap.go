package bootstrap

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zenGate-Global/licensing-saas/apps/cli/cmd/internal"
	"github.com/zenGate-Global/licensing-saas/platform/go/persistence"
)

// Command groups bootstrap helpers. Both subcommands are idempotent and safe
// to run on every deploy.
func Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Create the control tables of the registry or of a dependent service",
	}

	cmd.AddCommand(registryCommand())
	cmd.AddCommand(serviceCommand())
	return cmd
}

func registryCommand() *cobra.Command {
	var databaseURL string

	c := &cobra.Command{
		Use:   "registry",
		Short: "Create the tenants and outbox tables in the registry database",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pool, err := internal.OpenPool(ctx, databaseURL)
			if err != nil {
				return err
			}
			defer persistence.ClosePool(pool)

			if err := persistence.BootstrapRegistry(ctx, pool); err != nil {
				return fmt.Errorf("bootstrap registry: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "registry tables ready")
			return nil
		},
	}
	internal.DatabaseURLFlag(c, &databaseURL, "DATABASE_URL", "registry database URL")
	return c
}

func serviceCommand() *cobra.Command {
	var databaseURL string

	c := &cobra.Command{
		Use:   "service",
		Short: "Create provisioning, dedupe and dead-letter tables in a service control database",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pool, err := internal.OpenPool(ctx, databaseURL)
			if err != nil {
				return err
			}
			defer persistence.ClosePool(pool)

			if err := persistence.BootstrapService(ctx, pool); err != nil {
				return fmt.Errorf("bootstrap service: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "service control tables ready")
			return nil
		},
	}
	internal.DatabaseURLFlag(c, &databaseURL, "ADMIN_DATABASE_URL", "service control database URL")
	return c
}
