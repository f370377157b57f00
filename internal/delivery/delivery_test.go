package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/austindbirch/hookline/internal/logging"
	"github.com/austindbirch/hookline/internal/registry"
	"github.com/austindbirch/hookline/internal/signing"
	"github.com/austindbirch/hookline/internal/store/memory"
	"github.com/austindbirch/hookline/internal/tracker"
)

type harness struct {
	reg   *registry.Registry
	tr    *tracker.Tracker
	sched *Scheduler
	dlq   *capturePublisher
	seq   int
}

type harnessOpts struct {
	maxAttempts int
	workers     int
	timeout     time.Duration
	// wrap decorates the tracker before the scheduler uses it to cancel.
	wrap func(Canceller) Canceller
}

func newHarness(t *testing.T, opts harnessOpts) *harness {
	t.Helper()
	if opts.maxAttempts == 0 {
		opts.maxAttempts = 10
	}
	if opts.workers == 0 {
		opts.workers = 4
	}
	if opts.timeout == 0 {
		opts.timeout = 2 * time.Second
	}
	store := memory.New()
	h := &harness{
		reg: registry.New(store),
		tr:  tracker.New(store),
		dlq: &capturePublisher{},
	}
	if _, err := h.reg.Register(context.Background(), "acme", "Acme"); err != nil {
		t.Fatal(err)
	}
	logger := logging.NewWithWriter("test", io.Discard)
	worker := NewWorker(h.tr, h.reg, NewSender(SenderConfig{Timeout: opts.timeout}), WorkerConfig{
		MaxAttempts: opts.maxAttempts,
		Backoff:     Backoff{Base: 5 * time.Millisecond, Max: 40 * time.Millisecond},
		DeadLetters: h.dlq,
		Logger:      logger,
	})
	var canceller Canceller = h.tr
	if opts.wrap != nil {
		canceller = opts.wrap(h.tr)
	}
	h.sched = NewScheduler(worker, canceller, SchedulerConfig{Workers: opts.workers, Logger: logger})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.sched.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func (h *harness) endpoint(t *testing.T, url string) registry.Endpoint {
	t.Helper()
	ep, err := h.reg.AddEndpoint(context.Background(), "acme", url, "", "whsec")
	if err != nil {
		t.Fatal(err)
	}
	return ep
}

// ingest writes one message fanned out to eps and submits it.
func (h *harness) ingest(t *testing.T, eps ...registry.Endpoint) tracker.Message {
	t.Helper()
	h.seq++
	ds := make([]tracker.Delivery, len(eps))
	for i, ep := range eps {
		ds[i] = tracker.Delivery{ID: fmt.Sprintf("d%d-%d", h.seq, i), EndpointID: ep.ID}
	}
	m, ds, _, err := h.tr.CreateMessage(context.Background(), tracker.Message{
		ID:        fmt.Sprintf("m%03d", h.seq),
		TenantID:  "acme",
		EventType: "order.shipped",
		Payload:   json.RawMessage(fmt.Sprintf(`{"id":%d}`, h.seq)),
	}, ds)
	if err != nil {
		t.Fatal(err)
	}
	tasks := make([]Task, len(ds))
	for i, d := range ds {
		tasks[i] = Task{Delivery: d, Message: &m}
	}
	if err := h.sched.Submit(context.Background(), tasks); err != nil {
		t.Fatal(err)
	}
	return m
}

func (h *harness) status(t *testing.T, messageID string) tracker.Status {
	t.Helper()
	st, err := h.tr.GetStatus(context.Background(), "acme", messageID)
	if err != nil {
		t.Fatal(err)
	}
	return st
}

// waitState polls until the message reaches want or the deadline passes.
func (h *harness) waitState(t *testing.T, messageID string, want tracker.State) tracker.Status {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		st := h.status(t, messageID)
		if st.State == want {
			return st
		}
		if time.Now().After(deadline) {
			t.Fatalf("message %s state = %s, want %s (deliveries %+v)", messageID, st.State, want, st.Deliveries)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type capturePublisher struct {
	mu      sync.Mutex
	letters []DeadLetter
}

func (p *capturePublisher) Publish(_ context.Context, dl DeadLetter) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.letters = append(p.letters, dl)
	return nil
}

func (p *capturePublisher) Backend() string { return "capture" }

func (p *capturePublisher) all() []DeadLetter {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]DeadLetter(nil), p.letters...)
}

func TestDeliverSigned(t *testing.T) {
	var got struct {
		sync.Mutex
		header http.Header
		body   []byte
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got.Lock()
		got.header, got.body = r.Header.Clone(), b
		got.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := newHarness(t, harnessOpts{})
	ep := h.endpoint(t, srv.URL+"/hook")
	m := h.ingest(t, ep)

	st := h.waitState(t, m.ID, tracker.StateDelivered)
	if len(st.Attempts) != 1 || st.Attempts[0].ResponseCode != 200 || st.Attempts[0].EndpointID != ep.ID {
		t.Fatalf("attempts = %+v, want one 200 attempt for %s", st.Attempts, ep.ID)
	}

	got.Lock()
	defer got.Unlock()
	if string(got.body) != string(m.Payload) {
		t.Errorf("body = %s, want raw payload %s", got.body, m.Payload)
	}
	if id := got.header.Get("X-Message-Id"); id != m.ID {
		t.Errorf("X-Message-Id = %q, want %q", id, m.ID)
	}
	if ct := got.header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	err := signing.Verify(ep.Secret, ep.Version, m.ID, got.header.Get("X-Timestamp"),
		got.header.Get("X-Signature"), got.body, time.Minute, time.Now())
	if err != nil {
		t.Errorf("signature does not verify: %v", err)
	}
}

func TestRetryThenDeliver(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := newHarness(t, harnessOpts{})
	m := h.ingest(t, h.endpoint(t, srv.URL))

	st := h.waitState(t, m.ID, tracker.StateDelivered)
	if len(st.Attempts) != 4 {
		t.Fatalf("got %d attempts, want 4", len(st.Attempts))
	}
	var prev time.Time
	for i, a := range st.Attempts {
		if a.Number != i+1 {
			t.Errorf("attempt %d Number = %d", i, a.Number)
		}
		if i == 3 {
			if a.Outcome != tracker.StateDelivered {
				t.Errorf("last outcome = %s, want DELIVERED", a.Outcome)
			}
			continue
		}
		if a.Outcome != tracker.StateRetryScheduled || !strings.HasPrefix(a.Error, ReasonServerError) {
			t.Errorf("attempt %d = %s %q, want RETRY_SCHEDULED ServerError", i, a.Outcome, a.Error)
		}
		if !a.NextAttemptAt.After(prev) {
			t.Errorf("attempt %d nextAttemptAt %v not after %v", i, a.NextAttemptAt, prev)
		}
		if !a.NextAttemptAt.After(a.Timestamp) {
			t.Errorf("attempt %d nextAttemptAt %v not after its timestamp %v", i, a.NextAttemptAt, a.Timestamp)
		}
		prev = a.NextAttemptAt
	}
	if n := len(h.dlq.all()); n != 0 {
		t.Errorf("dead letters = %d, want 0", n)
	}
}

func TestRejectedIsTerminal(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	h := newHarness(t, harnessOpts{})
	m := h.ingest(t, h.endpoint(t, srv.URL))

	st := h.waitState(t, m.ID, tracker.StateFailed)
	time.Sleep(50 * time.Millisecond)
	st = h.status(t, m.ID)
	if len(st.Attempts) != 1 || hits.Load() != 1 {
		t.Fatalf("attempts = %d, hits = %d, want 1 and 1", len(st.Attempts), hits.Load())
	}
	if !st.Attempts[0].NextAttemptAt.IsZero() {
		t.Errorf("rejected attempt scheduled a retry at %v", st.Attempts[0].NextAttemptAt)
	}
	if d := st.Deliveries[0]; !strings.HasPrefix(d.LastError, ReasonDeliveryRejected) || d.LastResponseCode != 400 {
		t.Errorf("delivery = %q/%d, want DeliveryRejected/400", d.LastError, d.LastResponseCode)
	}
	if dls := h.dlq.all(); len(dls) != 1 || dls[0].Reason != ReasonDeliveryRejected {
		t.Errorf("dead letters = %+v, want one DeliveryRejected", dls)
	}
}

func TestMaxAttemptsExceeded(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	h := newHarness(t, harnessOpts{maxAttempts: 3})
	m := h.ingest(t, h.endpoint(t, srv.URL))

	h.waitState(t, m.ID, tracker.StateFailed)
	time.Sleep(100 * time.Millisecond)
	st := h.status(t, m.ID)
	if len(st.Attempts) != 3 || hits.Load() != 3 {
		t.Fatalf("attempts = %d, hits = %d, want 3 and 3", len(st.Attempts), hits.Load())
	}
	d := st.Deliveries[0]
	if !strings.HasPrefix(d.LastError, ReasonMaxAttemptsExceeded) || d.AttemptCount != 3 {
		t.Errorf("delivery = %q after %d attempts, want MaxAttemptsExceeded after 3", d.LastError, d.AttemptCount)
	}
	dls := h.dlq.all()
	if len(dls) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(dls))
	}
	if dls[0].Reason != ReasonMaxAttemptsExceeded || dls[0].Attempt != 3 || dls[0].ResponseCode != 503 || dls[0].MessageID != m.ID {
		t.Errorf("dead letter = %+v", dls[0])
	}
}

func TestRateLimitedAndTimeoutRetry(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch hits.Add(1) {
		case 1:
			w.WriteHeader(http.StatusTooManyRequests)
		case 2:
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()

	h := newHarness(t, harnessOpts{timeout: 100 * time.Millisecond})
	m := h.ingest(t, h.endpoint(t, srv.URL))

	st := h.waitState(t, m.ID, tracker.StateDelivered)
	if len(st.Attempts) != 3 {
		t.Fatalf("got %d attempts, want 3", len(st.Attempts))
	}
	if !strings.HasPrefix(st.Attempts[0].Error, ReasonRateLimited) {
		t.Errorf("attempt 1 error = %q, want RateLimited", st.Attempts[0].Error)
	}
	if !strings.HasPrefix(st.Attempts[1].Error, ReasonDeliveryTimeout) || st.Attempts[1].ResponseCode != 0 {
		t.Errorf("attempt 2 = %q/%d, want DeliveryTimeout with no response", st.Attempts[1].Error, st.Attempts[1].ResponseCode)
	}
}

func TestPerEndpointOrdering(t *testing.T) {
	var (
		mu       sync.Mutex
		seen     = map[string][]string{}
		failed   bool
		inflight atomic.Int32
		peak     atomic.Int32
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inflight.Add(1)
		defer inflight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		id := r.Header.Get("X-Message-Id")
		mu.Lock()
		seen[r.URL.Path] = append(seen[r.URL.Path], id)
		fail := r.URL.Path == "/a" && id == "m003" && !failed
		if fail {
			failed = true
		}
		mu.Unlock()
		time.Sleep(2 * time.Millisecond)
		if fail {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := newHarness(t, harnessOpts{workers: 4})
	a := h.endpoint(t, srv.URL+"/a")
	b := h.endpoint(t, srv.URL+"/b")

	var ids []string
	for range 10 {
		ids = append(ids, h.ingest(t, a, b).ID)
	}
	for _, id := range ids {
		h.waitState(t, id, tracker.StateDelivered)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, path := range []string{"/a", "/b"} {
		got := seen[path]
		for i := 1; i < len(got); i++ {
			if got[i] < got[i-1] {
				t.Errorf("%s received %s after %s: %v", path, got[i], got[i-1], got)
			}
		}
	}
	if len(seen["/a"]) != 11 || len(seen["/b"]) != 10 {
		t.Errorf("requests a=%d b=%d, want 11 and 10", len(seen["/a"]), len(seen["/b"]))
	}
	if peak.Load() > 2 {
		t.Errorf("peak concurrency %d across two endpoints, want <= 2", peak.Load())
	}
}

func TestCancelEndpoint(t *testing.T) {
	arrived := make(chan struct{}, 1)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case arrived <- struct{}{}:
		default:
		}
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	defer close(release)

	h := newHarness(t, harnessOpts{})
	ep := h.endpoint(t, srv.URL)
	first := h.ingest(t, ep)
	second := h.ingest(t, ep)
	third := h.ingest(t, ep)

	select {
	case <-arrived:
	case <-time.After(5 * time.Second):
		t.Fatal("first attempt never arrived")
	}

	n, err := h.sched.CancelEndpoint(context.Background(), ep.ID)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("CancelEndpoint() = %d, want 2 queued deliveries failed", n)
	}
	for _, m := range []tracker.Message{second, third} {
		st := h.status(t, m.ID)
		if st.State != tracker.StateFailed || st.Deliveries[0].LastError != ReasonEndpointDisabled {
			t.Errorf("%s = %s %q, want FAILED EndpointDisabled", m.ID, st.State, st.Deliveries[0].LastError)
		}
		if len(st.Attempts) != 0 {
			t.Errorf("%s has %d attempts, want none", m.ID, len(st.Attempts))
		}
	}

	release <- struct{}{}
	st := h.waitState(t, first.ID, tracker.StateDelivered)
	if len(st.Attempts) != 1 {
		t.Errorf("in-flight attempt recorded %d times, want 1", len(st.Attempts))
	}

	late := h.ingest(t, ep)
	h.waitState(t, late.ID, tracker.StateFailed)
}

// slowCanceller behaves like a database that honours ctx and takes
// delay per write.
type slowCanceller struct {
	next  Canceller
	delay time.Duration
}

func (c slowCanceller) wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.delay):
		return nil
	}
}

func (c slowCanceller) Cancel(ctx context.Context, id, reason string) (bool, error) {
	if err := c.wait(ctx); err != nil {
		return false, err
	}
	return c.next.Cancel(ctx, id, reason)
}

func (c slowCanceller) Abort(ctx context.Context, id, reason string) (bool, error) {
	if err := c.wait(ctx); err != nil {
		return false, err
	}
	return c.next.Abort(ctx, id, reason)
}

type failingCanceller struct{ err error }

func (c failingCanceller) Cancel(context.Context, string, string) (bool, error) { return false, c.err }
func (c failingCanceller) Abort(context.Context, string, string) (bool, error)  { return false, c.err }

func TestCancelEndpointOutlivesCaller(t *testing.T) {
	arrived := make(chan struct{}, 1)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case arrived <- struct{}{}:
		default:
		}
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	defer close(release)

	h := newHarness(t, harnessOpts{wrap: func(c Canceller) Canceller {
		return slowCanceller{next: c, delay: 40 * time.Millisecond}
	}})
	ep := h.endpoint(t, srv.URL)
	h.ingest(t, ep)
	queued := []tracker.Message{h.ingest(t, ep), h.ingest(t, ep)}

	select {
	case <-arrived:
	case <-time.After(5 * time.Second):
		t.Fatal("first attempt never arrived")
	}

	// The deadline expires while the cancel writes are still running.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	n, err := h.sched.CancelEndpoint(ctx, ep.ID)
	if err != nil {
		t.Fatalf("CancelEndpoint() error = %v", err)
	}
	if n != 2 {
		t.Errorf("CancelEndpoint() = %d, want 2", n)
	}
	for _, m := range queued {
		st := h.status(t, m.ID)
		if st.State != tracker.StateFailed || st.Deliveries[0].LastError != ReasonEndpointDisabled {
			t.Errorf("%s = %s %q, want FAILED EndpointDisabled", m.ID, st.State, st.Deliveries[0].LastError)
		}
	}
}

func TestCancelEndpointReportsStoreErrors(t *testing.T) {
	arrived := make(chan struct{}, 1)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case arrived <- struct{}{}:
		default:
		}
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	defer close(release)

	storeDown := errors.New("connection refused")
	h := newHarness(t, harnessOpts{wrap: func(Canceller) Canceller {
		return failingCanceller{err: storeDown}
	}})
	ep := h.endpoint(t, srv.URL)
	h.ingest(t, ep)
	h.ingest(t, ep)
	h.ingest(t, ep)

	select {
	case <-arrived:
	case <-time.After(5 * time.Second):
		t.Fatal("first attempt never arrived")
	}
	n, err := h.sched.CancelEndpoint(context.Background(), ep.ID)
	if !errors.Is(err, storeDown) {
		t.Errorf("CancelEndpoint() error = %v, want %v", err, storeDown)
	}
	if n != 0 {
		t.Errorf("CancelEndpoint() = %d, want 0", n)
	}
}

func TestCancelEndpointDuringRetryableAttempt(t *testing.T) {
	arrived := make(chan struct{}, 1)
	release := make(chan struct{})
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		select {
		case arrived <- struct{}{}:
		default:
		}
		<-release
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	h := newHarness(t, harnessOpts{})
	ep := h.endpoint(t, srv.URL)
	m := h.ingest(t, ep)

	select {
	case <-arrived:
	case <-time.After(5 * time.Second):
		t.Fatal("first attempt never arrived")
	}
	n, err := h.sched.CancelEndpoint(context.Background(), ep.ID)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("CancelEndpoint() = %d, want 0 with nothing queued", n)
	}
	close(release)

	st := h.waitState(t, m.ID, tracker.StateFailed)
	time.Sleep(50 * time.Millisecond)
	st = h.status(t, m.ID)
	if len(st.Attempts) != 1 || hits.Load() != 1 {
		t.Fatalf("attempts = %d, hits = %d, want 1 and 1", len(st.Attempts), hits.Load())
	}
	if st.Attempts[0].Outcome != tracker.StateRetryScheduled || st.Attempts[0].ResponseCode != 500 {
		t.Errorf("attempt = %+v, want the 500 recorded as RETRY_SCHEDULED", st.Attempts[0])
	}
	if d := st.Deliveries[0]; d.LastError != ReasonEndpointDisabled {
		t.Errorf("LastError = %q, want %s", d.LastError, ReasonEndpointDisabled)
	}
	if dls := h.dlq.all(); len(dls) != 0 {
		t.Errorf("dead letters = %+v, want none for a disabled endpoint", dls)
	}
}

func TestWorkerSkipsDisabledEndpoint(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	store := memory.New()
	reg, tr := registry.New(store), tracker.New(store)
	ctx := context.Background()
	if _, err := reg.Register(ctx, "acme", ""); err != nil {
		t.Fatal(err)
	}
	ep, err := reg.AddEndpoint(ctx, "acme", srv.URL, "", "")
	if err != nil {
		t.Fatal(err)
	}
	m, ds, _, err := tr.CreateMessage(ctx, tracker.Message{ID: "m1", TenantID: "acme", Payload: json.RawMessage(`{}`)},
		[]tracker.Delivery{{ID: "d1", EndpointID: ep.ID}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := reg.DisableEndpoint(ctx, ep.ID); err != nil {
		t.Fatal(err)
	}

	w := NewWorker(tr, reg, NewSender(SenderConfig{}), WorkerConfig{Logger: logging.NewWithWriter("test", io.Discard)})
	res := w.Attempt(ctx, Task{Delivery: ds[0], Message: &m})
	if res.Outcome != tracker.StateFailed || res.Reason != ReasonEndpointDisabled {
		t.Fatalf("Attempt() = %s %q, want FAILED EndpointDisabled", res.Outcome, res.Reason)
	}
	if hits.Load() != 0 {
		t.Errorf("disabled endpoint received %d requests", hits.Load())
	}
	d, _ := tr.GetDelivery(ctx, "d1")
	if d.State != tracker.StateFailed || d.LastError != ReasonEndpointDisabled {
		t.Errorf("delivery = %s %q", d.State, d.LastError)
	}

	// A second attempt on the finished delivery is a no-op.
	res = w.Attempt(ctx, Task{Delivery: ds[0], Message: &m})
	if res.Outcome != tracker.StateFailed || res.Err != nil {
		t.Errorf("repeat Attempt() = %s err=%v", res.Outcome, res.Err)
	}
}

func TestSubmitAfterStop(t *testing.T) {
	s := NewScheduler(nil, nil, SchedulerConfig{Workers: 1, Logger: logging.NewWithWriter("test", io.Discard)})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	err := s.Submit(context.Background(), []Task{{Delivery: tracker.Delivery{ID: "d1", EndpointID: "e1"}}})
	if !errors.Is(err, ErrSchedulerStopped) {
		t.Errorf("Submit() after stop error = %v, want ErrSchedulerStopped", err)
	}
	if err := s.Run(context.Background()); !errors.Is(err, ErrSchedulerStopped) {
		t.Errorf("second Run() error = %v, want ErrSchedulerStopped", err)
	}
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 10 * time.Second}
	tests := []struct {
		prior int
		want  time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second},
		{40, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := b.Delay(tt.prior); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.prior, got, tt.want)
		}
	}

	low := Backoff{Base: time.Second, Max: 10 * time.Second, Jitter: 0.25, Rand: func() float64 { return 0 }}
	if got := low.Delay(0); got != 750*time.Millisecond {
		t.Errorf("jitter low Delay(0) = %v, want 750ms", got)
	}
	high := Backoff{Base: time.Second, Max: 10 * time.Second, Jitter: 0.25, Rand: func() float64 { return 1 }}
	if got := high.Delay(0); got != 1250*time.Millisecond {
		t.Errorf("jitter high Delay(0) = %v, want 1.25s", got)
	}
	if got := high.Delay(4); got != 10*time.Second {
		t.Errorf("jitter never exceeds max: Delay(4) = %v", got)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		err        error
		wantState  tracker.State
		wantReason string
	}{
		{name: "200", status: 200, wantState: tracker.StateDelivered},
		{name: "204", status: 204, wantState: tracker.StateDelivered},
		{name: "301 not followed", status: 301, wantState: tracker.StateFailed, wantReason: ReasonDeliveryRejected},
		{name: "400", status: 400, wantState: tracker.StateFailed, wantReason: ReasonDeliveryRejected},
		{name: "410", status: 410, wantState: tracker.StateFailed, wantReason: ReasonDeliveryRejected},
		{name: "429", status: 429, wantState: tracker.StateRetryScheduled, wantReason: ReasonRateLimited},
		{name: "500", status: 500, wantState: tracker.StateRetryScheduled, wantReason: ReasonServerError},
		{name: "503", status: 503, wantState: tracker.StateRetryScheduled, wantReason: ReasonServerError},
		{name: "deadline", err: fmt.Errorf("post: %w", context.DeadlineExceeded), wantState: tracker.StateRetryScheduled, wantReason: ReasonDeliveryTimeout},
		{name: "net timeout", err: timeoutErr{}, wantState: tracker.StateRetryScheduled, wantReason: ReasonDeliveryTimeout},
		{name: "refused", err: errors.New("dial tcp: connection refused"), wantState: tracker.StateRetryScheduled, wantReason: ReasonConnectionError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state, reason := Classify(tt.status, tt.err)
			if state != tt.wantState || reason != tt.wantReason {
				t.Errorf("Classify() = %s %q, want %s %q", state, reason, tt.wantState, tt.wantReason)
			}
		})
	}
}

func TestReasonError(t *testing.T) {
	if !errors.Is(ReasonError(ReasonMaxAttemptsExceeded), ErrMaxAttemptsExceeded) {
		t.Error("MaxAttemptsExceeded does not map to its sentinel")
	}
	if ReasonError(ReasonServerError) != nil {
		t.Error("ServerError should have no sentinel")
	}
}

func TestNewDeadLetter(t *testing.T) {
	m := &tracker.Message{ID: "m1", TenantID: "acme", EventType: "user.created", Payload: json.RawMessage(`{"user_id":123}`)}
	task := Task{
		Delivery: tracker.Delivery{ID: "d1", MessageID: "m1", TenantID: "acme", EndpointID: "e1"},
		Message:  m,
	}

	before := time.Now().UTC()
	dl := NewDeadLetter(task, 5, 500, "ServerError: status 500", ReasonMaxAttemptsExceeded)
	after := time.Now().UTC()

	if dl.Type != DLQType || dl.Version != "v1" {
		t.Errorf("Type/Version = %q/%q", dl.Type, dl.Version)
	}
	at, err := time.Parse(time.RFC3339Nano, dl.At)
	if err != nil {
		t.Fatalf("At %q does not parse: %v", dl.At, err)
	}
	if at.Before(before) || at.After(after) {
		t.Errorf("At = %v, want between %v and %v", at, before, after)
	}
	if dl.Attempt != 5 || dl.ResponseCode != 500 || dl.Reason != ReasonMaxAttemptsExceeded {
		t.Errorf("dead letter = %+v", dl)
	}
	if dl.DeliveryID != "d1" || dl.EndpointID != "e1" || dl.EventType != "user.created" || dl.Key() != "e1" {
		t.Errorf("identity fields = %+v", dl)
	}

	b, err := json.Marshal(dl)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["type"] != DLQType || decoded["delivery_id"] != "d1" {
		t.Errorf("json = %s", b)
	}
	if payload, ok := decoded["payload"].(map[string]any); !ok || payload["user_id"] != float64(123) {
		t.Errorf("payload not embedded as JSON: %s", b)
	}

	bare := NewDeadLetter(Task{Delivery: tracker.Delivery{ID: "d2"}}, 1, 0, "", ReasonDeliveryRejected)
	if bare.Payload != nil || bare.EventType != "" {
		t.Errorf("dead letter without message = %+v", bare)
	}
}
