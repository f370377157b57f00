// Command dlq-monitor exports the backlog of the NSQ dead-letter topic as
// Prometheus gauges.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/hookline/internal/config"
	"github.com/austindbirch/hookline/internal/health"
	"github.com/austindbirch/hookline/internal/logging"
)

// nsqStats is the part of the nsqd /stats response we read.
type nsqStats struct {
	Topics []struct {
		TopicName string `json:"topic_name"`
		Depth     int64  `json:"depth"`
		Channels  []struct {
			ChannelName   string `json:"channel_name"`
			Depth         int64  `json:"depth"`
			InFlightCount int64  `json:"in_flight_count"`
		} `json:"channels"`
	} `json:"topics"`
}

var errNotPolled = errors.New("nsqd not polled yet")

type monitor struct {
	statsURL string
	topic    string
	hc       *http.Client
	logger   *logging.Logger

	backlog  prometheus.Gauge
	depth    *prometheus.GaugeVec
	inflight *prometheus.GaugeVec

	mu      sync.Mutex
	lastErr error
}

func newMonitor(reg prometheus.Registerer, nsqdHTTPAddr, topic string, logger *logging.Logger) *monitor {
	q := url.Values{"format": {"json"}, "topic": {topic}}
	m := &monitor{
		statsURL: "http://" + nsqdHTTPAddr + "/stats?" + q.Encode(),
		topic:    topic,
		hc:       &http.Client{Timeout: 5 * time.Second},
		logger:   logger,
		backlog: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hookline_dead_letter_backlog",
			Help: "Dead letters waiting in the NSQ topic and its channels",
		}),
		depth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hookline_dead_letter_channel_depth",
			Help: "Depth of each channel on the dead-letter topic",
		}, []string{"channel"}),
		inflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hookline_dead_letter_channel_inflight",
			Help: "In-flight dead letters per channel",
		}, []string{"channel"}),
		lastErr: errNotPolled,
	}
	reg.MustRegister(m.backlog, m.depth, m.inflight)
	return m
}

// update reads nsqd stats once. A topic that does not exist yet has no
// backlog.
func (m *monitor) update(ctx context.Context) error {
	err := m.poll(ctx)
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
	return err
}

func (m *monitor) poll(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.statsURL, nil)
	if err != nil {
		return err
	}
	resp, err := m.hc.Do(req)
	if err != nil {
		return fmt.Errorf("failed to get NSQ stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("nsqd stats returned HTTP %d", resp.StatusCode)
	}

	var stats nsqStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("failed to decode NSQ stats: %w", err)
	}

	var total int64
	m.depth.Reset()
	m.inflight.Reset()
	for _, topic := range stats.Topics {
		if topic.TopicName != m.topic {
			continue
		}
		total += topic.Depth
		for _, ch := range topic.Channels {
			total += ch.Depth
			m.depth.WithLabelValues(ch.ChannelName).Set(float64(ch.Depth))
			m.inflight.WithLabelValues(ch.ChannelName).Set(float64(ch.InFlightCount))
		}
	}
	m.backlog.Set(float64(total))
	return nil
}

func (m *monitor) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := m.update(ctx); err != nil && ctx.Err() == nil {
			m.logger.Plain().WithError(err).Warn("Error updating dead-letter metrics")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *monitor) check() health.Check {
	return health.Check{Name: "nsqd", Run: func(context.Context) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.lastErr
	}}
}

func main() {
	cfg := config.FromEnv()
	logger := logging.New("hookline-dlq-monitor")
	if lvl, err := logging.ParseLevel(cfg.LogLevel); err != nil {
		logger.Plain().WithError(err).Warn("Ignoring LOG_LEVEL")
	} else {
		logger.SetLevel(lvl)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	m := newMonitor(reg, cfg.DeadLetter.NsqdHTTPAddr, cfg.DeadLetter.NSQTopic, logger)
	go m.run(ctx, cfg.DLQMonitor.PollInterval)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", health.HTTPHandler(m.check()))
	srv := &http.Server{Addr: cfg.DLQMonitor.Port, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.WithFields(map[string]any{
		"addr":     cfg.DLQMonitor.Port,
		"nsqd":     cfg.DeadLetter.NsqdHTTPAddr,
		"topic":    cfg.DeadLetter.NSQTopic,
		"interval": cfg.DLQMonitor.PollInterval.String(),
	}).Info("Dead-letter monitor starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Plain().WithError(err).Fatal("server error")
	}
}
