package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/austindbirch/hookline/internal/registry"
)

// tenantCmd represents the tenant command
var tenantCmd = &cobra.Command{
	Use:   "tenant",
	Short: "Manage tenants",
	Long:  `Register, inspect and disable tenants.`,
}

var createTenantCmd = &cobra.Command{
	Use:   "create [tenant-id]",
	Short: "Register a new tenant",
	Long: `Register a new tenant.

Example:
  hookctl tenant create acme --name "Acme Corp"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		var t registry.Tenant
		body := map[string]string{"id": args[0], "name": name}
		if err := newClient().do(cmd.Context(), http.MethodPost, "/tenants", body, &t); err != nil {
			return fmt.Errorf("failed to create tenant: %w", err)
		}
		return printTenant(cmd, "Created tenant", t)
	},
}

var getTenantCmd = &cobra.Command{
	Use:   "get [tenant-id]",
	Short: "Show a tenant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var t registry.Tenant
		if err := newClient().do(cmd.Context(), http.MethodGet, tenantPath(args[0]), nil, &t); err != nil {
			return fmt.Errorf("failed to get tenant: %w", err)
		}
		return printTenant(cmd, "Tenant", t)
	},
}

var disableTenantCmd = &cobra.Command{
	Use:   "disable [tenant-id]",
	Short: "Disable a tenant so it can no longer ingest events",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var t registry.Tenant
		if err := newClient().do(cmd.Context(), http.MethodPost, tenantPath(args[0], "disable"), nil, &t); err != nil {
			return fmt.Errorf("failed to disable tenant: %w", err)
		}
		return printTenant(cmd, "Disabled tenant", t)
	},
}

func printTenant(cmd *cobra.Command, title string, t registry.Tenant) error {
	if outputJSON {
		return printJSON(cmd.OutOrStdout(), t)
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "%s: %s\n", title, t.ID)
	fmt.Fprintf(w, "  Name: %s\n", t.Name)
	fmt.Fprintf(w, "  Disabled: %v\n", t.Disabled)
	fmt.Fprintf(w, "  Created: %s\n", t.CreatedAt.Format("2006-01-02 15:04:05"))
	return nil
}

func init() {
	rootCmd.AddCommand(tenantCmd)
	tenantCmd.AddCommand(createTenantCmd, getTenantCmd, disableTenantCmd)

	createTenantCmd.Flags().String("name", "", "display name (defaults to the tenant id)")
}
