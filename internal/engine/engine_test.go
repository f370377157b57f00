package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/austindbirch/hookline/internal/config"
	"github.com/austindbirch/hookline/internal/delivery"
	"github.com/austindbirch/hookline/internal/health"
	"github.com/austindbirch/hookline/internal/ingest"
	"github.com/austindbirch/hookline/internal/logging"
	"github.com/austindbirch/hookline/internal/registry"
	"github.com/austindbirch/hookline/internal/store/memory"
	"github.com/austindbirch/hookline/internal/tracker"
)

func testConfig() config.Config {
	return config.Config{
		AppName:     "hookline-test",
		StoreDriver: config.StoreMemory,
		Dispatch: config.Dispatch{
			BaseInterval:   5 * time.Millisecond,
			MaxInterval:    20 * time.Millisecond,
			MaxAttempts:    3,
			WorkerPoolSize: 4,
			AttemptTimeout: 2 * time.Second,
		},
		DeadLetter: config.DeadLetter{Backend: config.DeadLetterNone},
	}
}

func newEngine(t *testing.T, st Store) *Engine {
	t.Helper()
	e, err := New(context.Background(), testConfig(), Deps{
		Store:  st,
		Logger: logging.NewWithWriter("test", io.Discard),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return e
}

func start(t *testing.T, e *Engine) {
	t.Helper()
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Stop(ctx)
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func messageState(t *testing.T, e *Engine, tenantID, messageID string) tracker.Status {
	t.Helper()
	st, err := e.GetStatus(context.Background(), tenantID, messageID)
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	return st
}

func TestEngineDelivers(t *testing.T) {
	var got atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got.Store(string(body))
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	e := newEngine(t, nil)
	start(t, e)
	ctx := context.Background()

	if _, err := e.Register(ctx, "t1", "Tenant One"); err != nil {
		t.Fatal(err)
	}
	ep, err := e.AddEndpoint(ctx, "t1", srv.URL+"/hook", "primary", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.AddEndpoint(ctx, "t1", srv.URL+"/hook", "", ""); !errors.Is(err, registry.ErrDuplicateEndpoint) {
		t.Errorf("duplicate AddEndpoint() error = %v", err)
	}

	res, err := e.Ingest(ctx, ingest.Event{TenantID: "t1", EventType: "order.shipped", Payload: json.RawMessage(`{"id":1}`)})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "delivery", func() bool {
		return messageState(t, e, "t1", res.MessageID).State == tracker.StateDelivered
	})

	st := messageState(t, e, "t1", res.MessageID)
	if len(st.Attempts) != 1 || st.Attempts[0].EndpointID != ep.ID || st.Attempts[0].ResponseCode != 200 {
		t.Errorf("attempts = %+v", st.Attempts)
	}
	if body, _ := got.Load().(string); body != `{"id":1}` {
		t.Errorf("receiver body = %q", body)
	}

	if _, err := e.Register(ctx, "t2", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := e.GetStatus(ctx, "t2", res.MessageID); !errors.Is(err, tracker.ErrUnknownMessage) {
		t.Errorf("cross-tenant GetStatus() error = %v", err)
	}
	if _, err := e.GetStatus(ctx, "nobody", res.MessageID); !errors.Is(err, registry.ErrUnknownTenant) {
		t.Errorf("unknown tenant GetStatus() error = %v", err)
	}
	if _, err := e.RotateSecret(ctx, "t2", ep.ID); !errors.Is(err, registry.ErrUnknownEndpoint) {
		t.Errorf("cross-tenant RotateSecret() error = %v", err)
	}
}

func TestEngineRecoversInOrder(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		order = append(order, r.Header.Get("X-Message-Id"))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	// State left behind by a previous process: three PENDING deliveries,
	// the first of which crashed mid-attempt.
	st := memory.New()
	ctx := context.Background()
	reg, tr := registry.New(st), tracker.New(st)
	if _, err := reg.Register(ctx, "acme", ""); err != nil {
		t.Fatal(err)
	}
	ep, err := reg.AddEndpoint(ctx, "acme", srv.URL, "", "")
	if err != nil {
		t.Fatal(err)
	}
	ids := []string{"m1", "m2", "m3"}
	for _, id := range ids {
		if _, _, _, err := tr.CreateMessage(ctx, tracker.Message{ID: id, TenantID: "acme", EventType: "x", Payload: json.RawMessage(`{}`)},
			[]tracker.Delivery{{ID: "d-" + id, EndpointID: ep.ID}}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := tr.Begin(ctx, "d-m1"); err != nil {
		t.Fatal(err)
	}

	e := newEngine(t, st)
	start(t, e)

	waitFor(t, "recovered deliveries", func() bool {
		for _, id := range ids {
			if messageState(t, e, "acme", id).State != tracker.StateDelivered {
				return false
			}
		}
		return true
	})
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != "m1" || order[1] != "m2" || order[2] != "m3" {
		t.Errorf("delivery order = %v, want [m1 m2 m3]", order)
	}
}

func TestEngineDisableEndpoint(t *testing.T) {
	arrived := make(chan struct{}, 1)
	release := make(chan struct{})
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			arrived <- struct{}{}
			<-release
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	var once sync.Once
	unblock := func() { once.Do(func() { close(release) }) }
	t.Cleanup(unblock)

	e := newEngine(t, nil)
	start(t, e)
	ctx := context.Background()
	if _, err := e.Register(ctx, "acme", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Register(ctx, "other", ""); err != nil {
		t.Fatal(err)
	}
	ep, err := e.AddEndpoint(ctx, "acme", srv.URL, "", "")
	if err != nil {
		t.Fatal(err)
	}

	var msgs []string
	for range 3 {
		res, err := e.Ingest(ctx, ingest.Event{TenantID: "acme", EventType: "x", Payload: json.RawMessage(`{}`)})
		if err != nil {
			t.Fatal(err)
		}
		msgs = append(msgs, res.MessageID)
	}
	select {
	case <-arrived:
	case <-time.After(5 * time.Second):
		t.Fatal("first attempt never reached the receiver")
	}

	if _, _, err := e.DisableEndpoint(ctx, "other", ep.ID); !errors.Is(err, registry.ErrUnknownEndpoint) {
		t.Errorf("cross-tenant DisableEndpoint() error = %v", err)
	}
	disabled, n, err := e.DisableEndpoint(ctx, "acme", ep.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !disabled.Disabled || n != 2 {
		t.Errorf("DisableEndpoint() = disabled=%v cancelled=%d, want true, 2", disabled.Disabled, n)
	}
	unblock()

	waitFor(t, "in-flight attempt", func() bool {
		return messageState(t, e, "acme", msgs[0]).State == tracker.StateDelivered
	})
	for _, id := range msgs[1:] {
		st := messageState(t, e, "acme", id)
		if st.State != tracker.StateFailed || st.Deliveries[0].LastError != delivery.ReasonEndpointDisabled {
			t.Errorf("message %s = %s (%q), want FAILED EndpointDisabled", id, st.State, st.Deliveries[0].LastError)
		}
		if len(st.Attempts) != 0 {
			t.Errorf("message %s has %d attempts, want none", id, len(st.Attempts))
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("receiver calls = %d, want 1", got)
	}
	active, err := e.ListEndpoints(ctx, "acme")
	if err != nil || len(active) != 0 {
		t.Errorf("ListEndpoints() = %d, %v", len(active), err)
	}
}

func TestEngineChecks(t *testing.T) {
	e := newEngine(t, nil)
	if st := health.Evaluate(context.Background(), e.Checks()...); st.OK || st.Checks["scheduler"] != ErrNotRunning.Error() {
		t.Errorf("before Start: %+v", st)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := e.Start(context.Background()); err == nil {
		t.Error("second Start() error = nil")
	}
	if st := health.Evaluate(context.Background(), e.Checks()...); !st.OK {
		t.Errorf("running: %+v", st)
	}
	if err := e.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := e.Stop(context.Background()); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
	if st := health.Evaluate(context.Background(), e.Checks()...); st.OK {
		t.Errorf("after Stop: %+v", st)
	}
}

func TestNewRejectsUnknownBackends(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"store driver", func(c *config.Config) { c.StoreDriver = "sqlite" }},
		{"dead letter backend", func(c *config.Config) { c.DeadLetter.Backend = "sqs" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			if _, err := New(context.Background(), cfg, Deps{Logger: logging.NewWithWriter("test", io.Discard)}); err == nil {
				t.Error("New() error = nil")
			}
		})
	}
}
