package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/austindbirch/hookline/internal/ingest"
)

// eventCmd represents the event command
var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Publish events",
	Long:  `Publish events that fan out to every active endpoint of a tenant.`,
}

var publishEventCmd = &cobra.Command{
	Use:   "publish [tenant-id] [event-type] [payload-json]",
	Short: "Publish an event",
	Long: `Publish an event to all active endpoints of a tenant.

Example:
  hookctl event publish acme order.shipped '{"order_id":"123"}' --idempotency-key ship-123`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := parsePayload(args[2])
		if err != nil {
			return err
		}
		key, _ := cmd.Flags().GetString("idempotency-key")
		body := map[string]any{"eventType": args[1], "payload": payload}

		var res ingest.Result
		if err := newClient().do(cmd.Context(), http.MethodPost, tenantPath(args[0], "events"), body, &res, "Idempotency-Key", key); err != nil {
			return fmt.Errorf("failed to publish event: %w", err)
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), res)
		}
		w := cmd.OutOrStdout()
		if res.Duplicate {
			fmt.Fprintf(w, "Event already accepted: %s\n", res.MessageID)
		} else {
			fmt.Fprintf(w, "Event accepted: %s\n", res.MessageID)
		}
		fmt.Fprintf(w, "  Deliveries: %d\n", res.Deliveries)
		return nil
	},
}

// parsePayload checks that s is a single JSON document.
func parsePayload(s string) (json.RawMessage, error) {
	if s == "" {
		return nil, errors.New("payload is required")
	}
	if !json.Valid([]byte(s)) {
		return nil, fmt.Errorf("payload is not valid JSON: %q", s)
	}
	return json.RawMessage(s), nil
}

func init() {
	rootCmd.AddCommand(eventCmd)
	eventCmd.AddCommand(publishEventCmd)

	publishEventCmd.Flags().String("idempotency-key", "", "key that collapses repeated publishes into one message")
}
