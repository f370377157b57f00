package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/austindbirch/hookline/internal/config"
	"github.com/austindbirch/hookline/internal/logging"
	"github.com/austindbirch/hookline/internal/signing"
)

const (
	sigHeader = "X-Signature"
	msgHeader = "X-Message-Id"
	tsHeader  = "X-Timestamp"
)

// receiver is a webhook endpoint for local testing. It verifies signatures
// when a secret is configured and fails the first N requests with a 500.
type receiver struct {
	cfg    config.FakeReceiver
	count  atomic.Int64
	logger *logging.Logger
	now    func() time.Time
}

func newReceiver(cfg config.FakeReceiver, logger *logging.Logger) *receiver {
	return &receiver{cfg: cfg, logger: logger, now: time.Now}
}

func main() {
	cfg := config.FromEnv().FakeReceiver
	logger := logging.New("hookline-fake-receiver")
	rcv := newReceiver(cfg, logger)

	srv := &http.Server{
		Addr:         cfg.Port,
		Handler:      rcv.routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	logger.Plain().WithField("addr", cfg.Port).WithField("fail_first_n", cfg.FailFirstN).Info("fake-receiver listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Plain().WithError(err).Fatal("fake-receiver failed")
	}
}

func (rc *receiver) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("/hook", rc.handleHook)
	return mux
}

func (rc *receiver) handleHook(w http.ResponseWriter, r *http.Request) {
	n := rc.count.Add(1)
	b, _ := io.ReadAll(r.Body)
	defer r.Body.Close()
	log := rc.logger.Plain().WithMessage(r.Header.Get(msgHeader)).WithField("request", n)

	if rc.cfg.EndpointSecret != "" {
		leeway := time.Duration(rc.cfg.SigningLeewaySeconds) * time.Second
		err := signing.Verify(rc.cfg.EndpointSecret, 0, r.Header.Get(msgHeader), r.Header.Get(tsHeader),
			r.Header.Get(sigHeader), b, leeway, rc.now())
		if err != nil {
			log.WithError(err).Warn("signature verification failed")
			http.Error(w, "invalid signature: "+err.Error(), http.StatusUnauthorized)
			return
		}
	}

	// Simulate flakiness: first N requests -> 500
	if n <= int64(rc.cfg.FailFirstN) {
		log.WithField("body", truncate(string(b), 160)).WithField("fail_first_n", rc.cfg.FailFirstN).Warn("failing request on purpose")
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	log.WithField("body", truncate(string(b), 160)).Info("fake-receiver OK")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`ok`))
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
