package cmd

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/hookline/internal/tracker"
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status [tenant-id] [message-id]",
	Short: "Show the delivery status of a message",
	Long: `Show the aggregate state of a message together with every delivery
and attempt made for it.

Examples:
  hookctl status acme 0191c3a0-...
  hookctl status acme 0191c3a0-... --watch`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		watch, _ := cmd.Flags().GetBool("watch")
		interval, _ := cmd.Flags().GetDuration("interval")
		c := newClient()
		path := tenantPath(args[0], "messages", args[1])

		for {
			var st tracker.Status
			if err := c.do(cmd.Context(), http.MethodGet, path, nil, &st); err != nil {
				return fmt.Errorf("failed to get status: %w", err)
			}
			if !watch || settled(st.State) {
				return printStatus(cmd.OutOrStdout(), st)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s\n", st.MessageID, st.State)
			if err := sleepCtx(cmd.Context(), interval); err != nil {
				return err
			}
		}
	},
}

func settled(s tracker.State) bool {
	return s == tracker.StateDelivered || s == tracker.StateFailed
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func printStatus(w io.Writer, st tracker.Status) error {
	if outputJSON {
		return printJSON(w, st)
	}
	fmt.Fprintf(w, "Message: %s\n", st.MessageID)
	fmt.Fprintf(w, "  Event type: %s\n", st.EventType)
	fmt.Fprintf(w, "  State: %s\n", st.State)
	fmt.Fprintf(w, "  Created: %s\n", st.CreatedAt.Format("2006-01-02 15:04:05"))

	if len(st.Deliveries) > 0 {
		fmt.Fprintln(w, "Deliveries:")
	}
	for _, d := range st.Deliveries {
		fmt.Fprintf(w, "  %s -> %s  %s  attempts=%d", d.ID, d.EndpointID, d.State, d.AttemptCount)
		if d.LastError != "" {
			fmt.Fprintf(w, "  last_error=%s", d.LastError)
		}
		fmt.Fprintln(w)
	}

	if len(st.Attempts) > 0 {
		fmt.Fprintln(w, "Attempts:")
	}
	for _, a := range st.Attempts {
		fmt.Fprintf(w, "  #%d %s %s  %s", a.Number, a.EndpointID, a.Timestamp.Format("15:04:05.000"), a.Outcome)
		if a.ResponseCode != 0 {
			fmt.Fprintf(w, "  http=%d", a.ResponseCode)
		}
		if a.Error != "" {
			fmt.Fprintf(w, "  error=%s", a.Error)
		}
		fmt.Fprintf(w, "  %dms\n", a.LatencyMs)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().Bool("watch", false, "poll until the message is DELIVERED or FAILED")
	statusCmd.Flags().Duration("interval", time.Second, "poll interval for --watch")
}
