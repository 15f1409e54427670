package tenantcmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/zenGate-Global/licensing-saas/apps/cli/cmd/internal"
	"github.com/zenGate-Global/licensing-saas/domains/tenants/be/repo"
	"github.com/zenGate-Global/licensing-saas/domains/tenants/be/service"
	"github.com/zenGate-Global/licensing-saas/platform/go/persistence"
)

// Command groups tenant registry operations. They go through the same service
// as the HTTP API, so every change is recorded in the outbox.
func Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Tenant registry operations",
	}

	var databaseURL string
	cmd.PersistentFlags().StringVar(&databaseURL, "database-url", "", "registry database URL (env DATABASE_URL)")

	cmd.AddCommand(createCommand(&databaseURL))
	cmd.AddCommand(listCommand(&databaseURL))
	cmd.AddCommand(deactivateCommand(&databaseURL))
	return cmd
}

func withService(ctx context.Context, databaseURL string, fn func(svc *service.Service) error) error {
	pool, err := internal.OpenPool(ctx, internal.EnvDefault(databaseURL, "DATABASE_URL"))
	if err != nil {
		return err
	}
	defer persistence.ClosePool(pool)

	store, err := persistence.NewTenantStore(pool)
	if err != nil {
		return fmt.Errorf("init tenant store: %w", err)
	}
	return fn(service.New(repo.NewPostgresRepository(pool, store)))
}

func createCommand(databaseURL *string) *cobra.Command {
	var input service.RegisterInput

	c := &cobra.Command{
		Use:   "create",
		Short: "Register a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), *databaseURL, func(svc *service.Service) error {
				t, err := svc.Register(cmd.Context(), input)
				if err != nil {
					return fmt.Errorf("register tenant: %w", err)
				}
				return printJSON(cmd.OutOrStdout(), t)
			})
		},
	}

	c.Flags().StringVar(&input.Name, "name", "", "tenant display name")
	c.Flags().StringVar(&input.AgencyCode, "agency-code", "", "unique agency code")
	c.Flags().StringVar(&input.ContactEmail, "contact-email", "", "contact email")
	_ = c.MarkFlagRequired("name")
	_ = c.MarkFlagRequired("agency-code")
	_ = c.MarkFlagRequired("contact-email")
	return c
}

func listCommand(databaseURL *string) *cobra.Command {
	var (
		opts       service.ListOptions
		activeOnly bool
	)

	c := &cobra.Command{
		Use:   "list",
		Short: "List registered tenants, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if activeOnly {
				active := true
				opts.Active = &active
			}
			return withService(cmd.Context(), *databaseURL, func(svc *service.Service) error {
				res, err := svc.List(cmd.Context(), opts)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tAGENCY\tNAME\tACTIVE\tCREATED")
				for _, t := range res.Tenants {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n", t.ID, t.AgencyCode, t.Name, t.Active, t.CreatedAt.Format(time.RFC3339))
				}
				fmt.Fprintf(tw, "page %d/%d, %d total\n", res.Page, res.TotalPages, res.TotalItems)
				return tw.Flush()
			})
		},
	}
	c.Flags().IntVar(&opts.Page, "page", 1, "page number")
	c.Flags().IntVar(&opts.PageSize, "page-size", 20, "page size")
	c.Flags().BoolVar(&activeOnly, "active", false, "only active tenants")
	return c
}

func deactivateCommand(databaseURL *string) *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate <tenant-id>",
		Short: "Deactivate a tenant; dependent services retire its data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("tenant id must be a UUID: %w", err)
			}
			return withService(cmd.Context(), *databaseURL, func(svc *service.Service) error {
				t, err := svc.Deactivate(cmd.Context(), id)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), t)
			})
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
