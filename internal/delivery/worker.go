package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/hookline/internal/logging"
	"github.com/austindbirch/hookline/internal/metrics"
	"github.com/austindbirch/hookline/internal/registry"
	"github.com/austindbirch/hookline/internal/tracing"
	"github.com/austindbirch/hookline/internal/tracker"
)

// Recorder is the part of the status tracker a worker writes to.
type Recorder interface {
	Begin(ctx context.Context, deliveryID string) (tracker.Delivery, error)
	Abort(ctx context.Context, deliveryID, reason string) (bool, error)
	RecordAttempt(ctx context.Context, a tracker.Attempt) (bool, error)
}

// EndpointLookup resolves the endpoint's current URL, secret and version.
type EndpointLookup interface {
	GetEndpoint(ctx context.Context, endpointID string) (registry.Endpoint, error)
}

type WorkerConfig struct {
	MaxAttempts int
	Backoff     Backoff
	// DeadLetters is optional.
	DeadLetters DeadLetterPublisher
	Logger      *logging.Logger
}

// Worker executes single delivery attempts. It holds no queue state; the
// scheduler decides what runs and when.
type Worker struct {
	recorder    Recorder
	endpoints   EndpointLookup
	sender      *Sender
	maxAttempts int
	backoff     Backoff
	dlq         DeadLetterPublisher
	logger      *logging.Logger
	now         func() time.Time
}

func NewWorker(recorder Recorder, endpoints EndpointLookup, sender *Sender, cfg WorkerConfig) *Worker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New("hookline-worker")
	}
	return &Worker{
		recorder:    recorder,
		endpoints:   endpoints,
		sender:      sender,
		maxAttempts: cfg.MaxAttempts,
		backoff:     cfg.Backoff,
		dlq:         cfg.DeadLetters,
		logger:      cfg.Logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Attempt makes one delivery attempt for t and records its outcome before
// returning it.
func (w *Worker) Attempt(ctx context.Context, t Task) Result {
	d := t.Delivery
	ctx, span := tracing.StartSpan(ctx, "delivery.attempt",
		attribute.String("delivery_id", d.ID),
		attribute.String("message_id", d.MessageID),
		attribute.String("tenant_id", d.TenantID),
		attribute.String("endpoint_id", d.EndpointID),
	)
	defer span.End()
	log := w.logger.WithContext(ctx).WithTenant(d.TenantID).WithMessage(d.MessageID).WithDelivery(d.ID).WithEndpoint(d.EndpointID)

	res := Result{Task: t, AttemptCount: d.AttemptCount}

	tracing.AddSpanEvent(ctx, "tracker.begin")
	cur, err := w.recorder.Begin(ctx, d.ID)
	switch {
	case errors.Is(err, tracker.ErrInvalidState) && cur.State.Terminal():
		// Finished elsewhere, e.g. cancelled while queued.
		res.Outcome, res.Reason, res.AttemptCount = cur.State, cur.LastError, cur.AttemptCount
		return res
	case errors.Is(err, tracker.ErrUnknownDelivery):
		log.WithError(err).Error("delivery vanished from store, dropping")
		res.Outcome, res.Err = tracker.StateFailed, err
		return res
	case err != nil:
		tracing.SetSpanError(ctx, err)
		log.WithError(err).Error("begin delivery failed")
		return w.later(res, err)
	}
	res.AttemptCount = cur.AttemptCount
	span.SetAttributes(attribute.Int("attempt", cur.AttemptCount+1))

	tracing.AddSpanEvent(ctx, "registry.fetch_endpoint")
	ep, err := w.endpoints.GetEndpoint(ctx, d.EndpointID)
	if err == nil && ep.Disabled {
		err = ErrEndpointDisabled
	}
	if err != nil {
		if !errors.Is(err, ErrEndpointDisabled) && !errors.Is(err, registry.ErrUnknownEndpoint) {
			tracing.SetSpanError(ctx, err)
			log.WithError(err).Error("endpoint lookup failed")
			return w.later(res, err)
		}
		if _, aerr := w.recorder.Abort(ctx, d.ID, ReasonEndpointDisabled); aerr != nil {
			tracing.SetSpanError(ctx, aerr)
			log.WithError(aerr).Error("abort delivery failed")
			return w.later(res, aerr)
		}
		log.Info("endpoint disabled, delivery not sent")
		metrics.RecordFailure(ReasonEndpointDisabled)
		res.Outcome, res.Reason = tracker.StateFailed, ReasonEndpointDisabled
		return res
	}

	tracing.AddSpanEvent(ctx, "http.send_webhook")
	sr := w.sender.Send(ctx, ep, cur, t.Message)
	span.SetAttributes(
		attribute.Int("http.status_code", sr.StatusCode),
		attribute.Int64("http.latency_ms", sr.Latency.Milliseconds()),
	)
	if sr.Err != nil {
		span.SetAttributes(attribute.String("http.error", sr.Err.Error()))
	}

	outcome, reason := Classify(sr.StatusCode, sr.Err)
	number := cur.AttemptCount + 1
	a := tracker.Attempt{
		DeliveryID:   d.ID,
		Number:       number,
		Timestamp:    sr.SentAt,
		ResponseCode: sr.StatusCode,
		LatencyMs:    sr.Latency.Milliseconds(),
	}
	detail := describe(reason, sr)
	if outcome == tracker.StateRetryScheduled {
		if number >= w.maxAttempts {
			outcome = tracker.StateFailed
			detail = ReasonMaxAttemptsExceeded + ": " + detail
			reason = ReasonMaxAttemptsExceeded
		} else {
			a.NextAttemptAt = w.now().Add(w.backoff.Delay(cur.AttemptCount))
		}
	}
	a.Outcome, a.Error = outcome, detail

	tracing.AddSpanEvent(ctx, "tracker.record_attempt")
	if _, err := w.recorder.RecordAttempt(ctx, a); err != nil {
		tracing.SetSpanError(ctx, err)
		log.WithError(err).Error("record attempt failed")
		if errors.Is(err, tracker.ErrInvalidState) {
			res.Outcome, res.Err = tracker.StateFailed, err
			return res
		}
		return w.later(res, err)
	}

	res.Outcome = outcome
	res.AttemptCount = number
	res.NextAttemptAt = a.NextAttemptAt
	res.ResponseCode = sr.StatusCode
	res.Reason = reason
	span.SetAttributes(attribute.String("delivery.outcome", string(outcome)))

	fields := map[string]any{"attempt": number, "response_code": sr.StatusCode, "latency_ms": a.LatencyMs}
	switch outcome {
	case tracker.StateDelivered:
		metrics.RecordAttempt("delivered", sr.Latency)
		log.WithFields(fields).Info("delivered")
	case tracker.StateRetryScheduled:
		metrics.RecordAttempt("retry", sr.Latency)
		metrics.RecordRetry(reason)
		span.SetAttributes(attribute.String("failure_reason", reason))
		fields["next_attempt_at"] = a.NextAttemptAt.Format(time.RFC3339Nano)
		log.WithFields(fields).WithField("reason", reason).Warn("delivery failed, retry scheduled")
	case tracker.StateFailed:
		metrics.RecordAttempt("failed", sr.Latency)
		metrics.RecordFailure(reason)
		span.SetAttributes(attribute.String("failure_reason", reason))
		log.WithFields(fields).WithField("reason", reason).Error("delivery failed")
		w.deadLetter(ctx, t, a, reason)
	}
	return res
}

// later keeps the task queued after a storage error. No attempt was
// recorded so the attempt count is unchanged.
func (w *Worker) later(res Result, err error) Result {
	res.Outcome = tracker.StateRetryScheduled
	res.NextAttemptAt = w.now().Add(w.backoff.Delay(0))
	res.Err = err
	return res
}

func (w *Worker) deadLetter(ctx context.Context, t Task, a tracker.Attempt, reason string) {
	if w.dlq == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	dl := NewDeadLetter(t, a.Number, a.ResponseCode, a.Error, reason)
	if err := w.dlq.Publish(ctx, dl); err != nil {
		tracing.SetSpanError(ctx, err)
		w.logger.WithContext(ctx).WithDelivery(t.ID()).WithError(err).Error("dlq publish failed")
		return
	}
	metrics.RecordDeadLetter(w.dlq.Backend())
	tracing.AddSpanEvent(ctx, "delivery.dead_lettered", attribute.String("backend", w.dlq.Backend()))
}

// describe renders the stored error text: the reason code followed by detail.
func describe(reason string, sr SendResult) string {
	if reason == "" {
		return ""
	}
	var b strings.Builder
	b.WriteString(reason)
	switch {
	case sr.Err != nil:
		fmt.Fprintf(&b, ": %v", sr.Err)
	case sr.StatusCode != 0:
		fmt.Fprintf(&b, ": status %d", sr.StatusCode)
	}
	return b.String()
}
