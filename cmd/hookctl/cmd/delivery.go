package cmd

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/austindbirch/hookline/internal/tracker"
)

// deliveryCmd represents the delivery command
var deliveryCmd = &cobra.Command{
	Use:   "delivery",
	Short: "Inspect deliveries",
	Long:  `List a tenant's deliveries and the ones that failed for good.`,
}

var listDeliveriesCmd = &cobra.Command{
	Use:   "list [tenant-id]",
	Short: "List deliveries, most recently updated first",
	Long: `List a tenant's deliveries, optionally narrowed to one endpoint or state.

Example:
  hookctl delivery list acme --state RETRY_SCHEDULED --limit 20`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		state, _ := cmd.Flags().GetString("state")
		return listDeliveries(cmd, args[0], state, "No deliveries found")
	},
}

var dlqCmd = &cobra.Command{
	Use:   "dlq [tenant-id]",
	Short: "List dead letter entries",
	Long: `List deliveries that reached FAILED and will not be attempted again.

Example:
  hookctl delivery dlq acme --limit 20`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return listDeliveries(cmd, args[0], string(tracker.StateFailed), "No entries found")
	},
}

func listDeliveries(cmd *cobra.Command, tenantID, state, empty string) error {
	endpointID, _ := cmd.Flags().GetString("endpoint-id")
	limit, _ := cmd.Flags().GetInt("limit")

	q := url.Values{}
	if state != "" {
		q.Set("state", state)
	}
	if endpointID != "" {
		q.Set("endpoint_id", endpointID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := tenantPath(tenantID, "deliveries")
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp struct {
		Deliveries []tracker.Delivery `json:"deliveries"`
	}
	if err := newClient().do(cmd.Context(), http.MethodGet, path, nil, &resp); err != nil {
		return fmt.Errorf("failed to list deliveries: %w", err)
	}
	if outputJSON {
		return printJSON(cmd.OutOrStdout(), resp)
	}
	printDeliveries(cmd.OutOrStdout(), resp.Deliveries, empty)
	return nil
}

func printDeliveries(w io.Writer, ds []tracker.Delivery, empty string) {
	if len(ds) == 0 {
		fmt.Fprintf(w, "  %s\n", empty)
		return
	}
	for i, d := range ds {
		fmt.Fprintf(w, "\n  Entry %d:\n", i+1)
		fmt.Fprintf(w, "    Delivery ID: %s\n", d.ID)
		fmt.Fprintf(w, "    Message ID: %s\n", d.MessageID)
		fmt.Fprintf(w, "    Endpoint ID: %s\n", d.EndpointID)
		fmt.Fprintf(w, "    State: %s\n", d.State)
		fmt.Fprintf(w, "    Attempts: %d\n", d.AttemptCount)
		if d.LastResponseCode > 0 {
			fmt.Fprintf(w, "    Last HTTP Status: %d\n", d.LastResponseCode)
		}
		if d.LastError != "" {
			fmt.Fprintf(w, "    Error: %s\n", d.LastError)
		}
		fmt.Fprintf(w, "    Updated: %s\n", d.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
}

func init() {
	rootCmd.AddCommand(deliveryCmd)
	deliveryCmd.AddCommand(listDeliveriesCmd, dlqCmd)

	for _, c := range []*cobra.Command{listDeliveriesCmd, dlqCmd} {
		c.Flags().String("endpoint-id", "", "filter by endpoint ID")
		c.Flags().Int("limit", 0, "maximum entries to return (server default 10, max 100)")
	}
	listDeliveriesCmd.Flags().String("state", "", "filter by state (PENDING, IN_FLIGHT, RETRY_SCHEDULED, DELIVERED, FAILED)")
}
