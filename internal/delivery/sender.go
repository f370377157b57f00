package delivery

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/austindbirch/hookline/internal/registry"
	"github.com/austindbirch/hookline/internal/signing"
	"github.com/austindbirch/hookline/internal/tracing"
	"github.com/austindbirch/hookline/internal/tracker"
)

const maxResponseDrain = 64 << 10

type SenderConfig struct {
	Timeout         time.Duration
	SignatureHeader string
	MessageIDHeader string
	TimestampHeader string
	UserAgent       string
}

func (c *SenderConfig) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.SignatureHeader == "" {
		c.SignatureHeader = "X-Signature"
	}
	if c.MessageIDHeader == "" {
		c.MessageIDHeader = "X-Message-Id"
	}
	if c.TimestampHeader == "" {
		c.TimestampHeader = "X-Timestamp"
	}
	if c.UserAgent == "" {
		c.UserAgent = "hookline/1"
	}
}

// SendResult describes one HTTP exchange. StatusCode is zero when Err is set.
type SendResult struct {
	StatusCode int
	Err        error
	Latency    time.Duration
	SentAt     time.Time
}

// Sender performs signed webhook POSTs.
type Sender struct {
	client *http.Client
	cfg    SenderConfig
	now    func() time.Time
}

func NewSender(cfg SenderConfig) *Sender {
	cfg.defaults()
	return &Sender{
		client: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		cfg: cfg,
		now: time.Now,
	}
}

// Send posts the message payload to ep, signed with the endpoint's current
// secret and version. The attempt is bounded by the configured timeout.
func (s *Sender) Send(ctx context.Context, ep registry.Endpoint, d tracker.Delivery, m *tracker.Message) SendResult {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	sentAt := s.now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(m.Payload))
	if err != nil {
		return SendResult{Err: err, SentAt: sentAt}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", s.cfg.UserAgent)
	req.Header.Set(s.cfg.MessageIDHeader, m.ID)
	req.Header.Set(s.cfg.TimestampHeader, signing.Timestamp(sentAt))
	req.Header.Set(s.cfg.SignatureHeader, signing.Sign(ep.Secret, ep.Version, m.ID, sentAt, m.Payload))
	req.Header.Set("X-Delivery-Id", d.ID)
	if m.EventType != "" {
		req.Header.Set("X-Event-Type", m.EventType)
	}
	tracing.InjectHTTP(ctx, req.Header)

	resp, err := s.client.Do(req)
	latency := s.now().Sub(sentAt)
	if err != nil {
		return SendResult{Err: err, Latency: latency, SentAt: sentAt}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseDrain))
	_ = resp.Body.Close()
	return SendResult{StatusCode: resp.StatusCode, Latency: latency, SentAt: sentAt}
}
