package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	grpc_health "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/hookline/internal/config"
	"github.com/austindbirch/hookline/internal/engine"
	"github.com/austindbirch/hookline/internal/health"
	"github.com/austindbirch/hookline/internal/logging"
	"github.com/austindbirch/hookline/internal/metrics"
)

func testEngine(t *testing.T) *engine.Engine {
	t.Helper()
	cfg := config.FromEnv()
	cfg.StoreDriver = config.StoreMemory
	cfg.DeadLetter.Backend = config.DeadLetterNone
	e, err := engine.New(context.Background(), cfg, engine.Deps{Logger: logging.NewWithWriter("test", io.Discard)})
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func TestHTTPHandler(t *testing.T) {
	e := testEngine(t)
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Stop(ctx)
	})

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)
	h, err := newHTTPHandler(e, reg, logging.NewWithWriter("test", io.Discard))
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	tests := []struct {
		name     string
		method   string
		path     string
		body     string
		status   int
		contains string
	}{
		{"healthz", http.MethodGet, "/healthz", "", http.StatusOK, `"ok":true`},
		{"metrics", http.MethodGet, "/metrics", "", http.StatusOK, "hookline_queue_depth"},
		{"register", http.MethodPost, "/tenants", `{"id":"acme"}`, http.StatusCreated, `"id":"acme"`},
		{"api 404", http.MethodGet, "/tenants/ghost", "", http.StatusNotFound, "UnknownTenant"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, srv.URL+tt.path, strings.NewReader(tt.body))
			if err != nil {
				t.Fatal(err)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d (%s)", resp.StatusCode, tt.status, body)
			}
			if !strings.Contains(string(body), tt.contains) {
				t.Errorf("body %q does not contain %q", body, tt.contains)
			}
		})
	}
}

func TestSyncHealth(t *testing.T) {
	e := testEngine(t)
	hs := grpc_health.NewServer()
	ctx := context.Background()

	if got := syncHealth(ctx, hs, e.Checks()); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("before Start = %v, want NOT_SERVING", got)
	}
	if err := e.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if got := syncHealth(ctx, hs, e.Checks()); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("running = %v, want SERVING", got)
	}
	resp, err := hs.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("Check() = %v", resp.GetStatus())
	}
	_ = e.Stop(ctx)

	failing := []health.Check{{Name: "store", Run: func(context.Context) error { return context.DeadlineExceeded }}}
	if got := syncHealth(ctx, hs, failing); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("failing check = %v, want NOT_SERVING", got)
	}
}
