package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"slices"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/hookline/internal/health"
)

var useGRPC bool

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the hookd service",
	Long: `Check the health of the hookd service, either through the HTTP
/healthz endpoint or the standard gRPC health service.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		w := cmd.OutOrStdout()

		if useGRPC {
			status, err := grpcHealth(ctx, grpcAddr)
			if err != nil {
				return fmt.Errorf("gRPC health check failed: %w", err)
			}
			if status != healthpb.HealthCheckResponse_SERVING {
				fmt.Fprintf(w, "✗ Service is unhealthy (gRPC %s)\n", status)
				return nil
			}
			fmt.Fprintln(w, "✓ Service is healthy (gRPC)")
			return nil
		}

		st, code, err := httpHealth(ctx, newClient())
		if err != nil {
			return fmt.Errorf("HTTP health check failed: %w", err)
		}
		if outputJSON {
			return printJSON(w, st)
		}
		if !st.OK {
			fmt.Fprintf(w, "✗ Service is unhealthy (HTTP %d): %s\n", code, st.Message)
		} else {
			fmt.Fprintln(w, "✓ Service is healthy (HTTP)")
		}
		for _, name := range slices.Sorted(maps.Keys(st.Checks)) {
			fmt.Fprintf(w, "  %s: %s\n", name, st.Checks[name])
		}
		return nil
	},
}

// httpHealth reads /healthz. A 503 still carries a status body.
func httpHealth(ctx context.Context, c *client) (health.Status, int, error) {
	var st health.Status
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/healthz", nil)
	if err != nil {
		return st, 0, err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return st, 0, err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return st, resp.StatusCode, fmt.Errorf("decode health status (HTTP %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		st.OK = false
	}
	return st, resp.StatusCode, nil
}

func grpcHealth(ctx context.Context, addr string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	defer conn.Close()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

func init() {
	rootCmd.AddCommand(healthCmd)

	healthCmd.Flags().BoolVar(&useGRPC, "grpc", false, "use the gRPC health service instead of HTTP")
}
