package deadletter

import (
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zenGate-Global/licensing-saas/apps/cli/cmd/internal"
	platformdeadletter "github.com/zenGate-Global/licensing-saas/platform/go/deadletter"
	"github.com/zenGate-Global/licensing-saas/platform/go/persistence"
)

// Command groups operations on a service's parked events.
func Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deadletter",
		Short: "List and resolve parked lifecycle events of a service",
	}

	var databaseURL string
	cmd.PersistentFlags().StringVar(&databaseURL, "database-url", "", "service control database URL (env ADMIN_DATABASE_URL)")

	cmd.AddCommand(listCommand(&databaseURL))
	cmd.AddCommand(resolveCommand(&databaseURL))
	return cmd
}

func listCommand(databaseURL *string) *cobra.Command {
	var limit int

	c := &cobra.Command{
		Use:   "list",
		Short: "List unresolved dead letters, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pool, err := internal.OpenPool(ctx, internal.EnvDefault(*databaseURL, "ADMIN_DATABASE_URL"))
			if err != nil {
				return err
			}
			defer persistence.ClosePool(pool)

			letters, err := platformdeadletter.NewPostgresSink(pool).ListOpen(ctx, limit)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSOURCE\tTENANT\tEVENT\tTYPE\tATTEMPTS\tPARKED\tREASON")
			for _, l := range letters {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
					l.ID, l.Source, l.TenantID, l.EventID, l.EventType, l.Attempts, l.ParkedAt.Format(time.RFC3339), l.Reason)
			}
			return tw.Flush()
		},
	}
	c.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return c
}

func resolveCommand(databaseURL *string) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <id>",
		Short: "Mark a dead letter as handled",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("id must be an integer: %w", err)
			}
			ctx := cmd.Context()
			pool, err := internal.OpenPool(ctx, internal.EnvDefault(*databaseURL, "ADMIN_DATABASE_URL"))
			if err != nil {
				return err
			}
			defer persistence.ClosePool(pool)

			if err := platformdeadletter.NewPostgresSink(pool).Resolve(ctx, id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "dead letter %d resolved\n", id)
			return nil
		},
	}
}
