package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/austindbirch/hookline/internal/registry"
)

// endpointView is an endpoint as returned by create and rotate-secret,
// the only responses that carry the secret.
type endpointView struct {
	registry.Endpoint
	Secret              string `json:"secret,omitempty"`
	CancelledDeliveries *int   `json:"cancelledDeliveries,omitempty"`
}

// endpointCmd represents the endpoint command
var endpointCmd = &cobra.Command{
	Use:   "endpoint",
	Short: "Manage webhook endpoints",
	Long:  `Create and manage webhook endpoints that will receive event deliveries.`,
}

var createEndpointCmd = &cobra.Command{
	Use:   "create [tenant-id] [url]",
	Short: "Create a new webhook endpoint",
	Long: `Create a new webhook endpoint for a tenant. The signing secret is
printed once; store it on the receiving side.

Example:
  hookctl endpoint create acme https://example.com/webhook`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, _ := cmd.Flags().GetString("secret")
		description, _ := cmd.Flags().GetString("description")
		body := map[string]string{"url": args[1], "description": description, "secret": secret}
		var ep endpointView
		if err := newClient().do(cmd.Context(), http.MethodPost, tenantPath(args[0], "endpoints"), body, &ep); err != nil {
			return fmt.Errorf("failed to create endpoint: %w", err)
		}
		return printEndpoint(cmd, "Created endpoint", ep)
	},
}

var listEndpointsCmd = &cobra.Command{
	Use:   "list [tenant-id]",
	Short: "List active endpoints",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Endpoints []registry.Endpoint `json:"endpoints"`
		}
		if err := newClient().do(cmd.Context(), http.MethodGet, tenantPath(args[0], "endpoints"), nil, &resp); err != nil {
			return fmt.Errorf("failed to list endpoints: %w", err)
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), resp)
		}
		w := cmd.OutOrStdout()
		if len(resp.Endpoints) == 0 {
			fmt.Fprintln(w, "No active endpoints")
			return nil
		}
		for _, ep := range resp.Endpoints {
			fmt.Fprintf(w, "%s  v%d  %s\n", ep.ID, ep.Version, ep.URL)
		}
		return nil
	},
}

var updateEndpointCmd = &cobra.Command{
	Use:   "update [tenant-id] [endpoint-id] [url]",
	Short: "Point an endpoint at a new URL",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		var ep endpointView
		body := map[string]string{"url": args[2]}
		if err := newClient().do(cmd.Context(), http.MethodPatch, tenantPath(args[0], "endpoints", args[1]), body, &ep); err != nil {
			return fmt.Errorf("failed to update endpoint: %w", err)
		}
		return printEndpoint(cmd, "Updated endpoint", ep)
	},
}

var rotateSecretCmd = &cobra.Command{
	Use:   "rotate-secret [tenant-id] [endpoint-id]",
	Short: "Replace an endpoint's signing secret",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var ep endpointView
		if err := newClient().do(cmd.Context(), http.MethodPost, tenantPath(args[0], "endpoints", args[1], "rotate-secret"), nil, &ep); err != nil {
			return fmt.Errorf("failed to rotate secret: %w", err)
		}
		return printEndpoint(cmd, "Rotated secret for endpoint", ep)
	},
}

var disableEndpointCmd = &cobra.Command{
	Use:   "disable [tenant-id] [endpoint-id]",
	Short: "Disable an endpoint and cancel its queued deliveries",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var ep endpointView
		if err := newClient().do(cmd.Context(), http.MethodPost, tenantPath(args[0], "endpoints", args[1], "disable"), nil, &ep); err != nil {
			return fmt.Errorf("failed to disable endpoint: %w", err)
		}
		return printEndpoint(cmd, "Disabled endpoint", ep)
	},
}

func printEndpoint(cmd *cobra.Command, title string, ep endpointView) error {
	if outputJSON {
		return printJSON(cmd.OutOrStdout(), ep)
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "%s: %s\n", title, ep.ID)
	fmt.Fprintf(w, "  Tenant ID: %s\n", ep.TenantID)
	fmt.Fprintf(w, "  URL: %s\n", ep.URL)
	fmt.Fprintf(w, "  Version: %d\n", ep.Version)
	if ep.Disabled {
		fmt.Fprintln(w, "  Disabled: true")
	}
	if ep.Secret != "" {
		fmt.Fprintf(w, "  Secret: %s\n", ep.Secret)
	}
	if ep.CancelledDeliveries != nil {
		fmt.Fprintf(w, "  Cancelled deliveries: %d\n", *ep.CancelledDeliveries)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(endpointCmd)
	endpointCmd.AddCommand(createEndpointCmd, listEndpointsCmd, updateEndpointCmd, rotateSecretCmd, disableEndpointCmd)

	createEndpointCmd.Flags().String("secret", "", "webhook secret (if not provided, one will be generated)")
	createEndpointCmd.Flags().String("description", "", "free-form description")
}
