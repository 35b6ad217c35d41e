package cmd

import (
	"context"
	"fmt"

	"intelvault/core"

	"github.com/spf13/cobra"
)

type tenantUsageRow struct {
	Tenant core.Tenant      `json:"tenant"`
	Usage  core.TenantUsage `json:"usage"`
}

func newTenantsCmd() *cobra.Command {
	tenantsCmd := &cobra.Command{
		Use:   "tenants",
		Short: "Inspect and seed configured tenants",
		Long:  "Tenants are provisioned from the tenants section of the config file.",
	}
	tenantsCmd.AddCommand(newTenantsUsageCmd())
	tenantsCmd.AddCommand(newTenantsSeedCmd())
	return tenantsCmd
}

func newTenantsUsageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "usage [tenant-id]",
		Short: "Show stored usage against each tenant's quota",
		Long: `Show each tenant's usage, counted from the stored records, next to its quota.
API request counts only cover a running server and read zero here.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			app, cleanup, err := initApp(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			var rows []tenantUsageRow
			for _, t := range app.Config.Tenants {
				if len(args) == 1 && t.ID != args[0] {
					continue
				}
				usage, err := app.Service.GetUsage(t.ID)
				if err != nil {
					return fmt.Errorf("failed to read usage for %s: %w", t.ID, err)
				}
				rows = append(rows, tenantUsageRow{Tenant: t, Usage: usage})
			}
			if len(args) == 1 && len(rows) == 0 {
				return fmt.Errorf("tenant %q is not configured", args[0])
			}

			if outputJSON {
				return outputAsJSON(cmd.OutOrStdout(), rows)
			}
			renderUsageTable(cmd.OutOrStdout(), rows)
			return nil
		},
	}
}
