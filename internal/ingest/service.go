// Package ingest accepts tenant events, freezes their fan-out set and hands
// the resulting deliveries to the scheduler.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/hookline/internal/delivery"
	"github.com/austindbirch/hookline/internal/logging"
	"github.com/austindbirch/hookline/internal/metrics"
	"github.com/austindbirch/hookline/internal/registry"
	"github.com/austindbirch/hookline/internal/tracing"
	"github.com/austindbirch/hookline/internal/tracker"
)

var ErrInvalidEvent = errors.New("invalid event")

const maxFieldLen = 255

// Registry is the part of the tenant registry ingestion reads.
type Registry interface {
	ActiveTenant(ctx context.Context, tenantID string) (registry.Tenant, error)
	ListActiveEndpoints(ctx context.Context, tenantID string) ([]registry.Endpoint, error)
}

type MessageWriter interface {
	CreateMessage(ctx context.Context, m tracker.Message, ds []tracker.Delivery) (tracker.Message, []tracker.Delivery, bool, error)
}

type Submitter interface {
	Submit(ctx context.Context, tasks []delivery.Task) error
}

// Event is one ingestion request.
type Event struct {
	TenantID       string
	EventType      string
	Payload        json.RawMessage
	IdempotencyKey string
}

// Result describes an accepted event. Duplicate is set when the idempotency
// key matched an earlier message; no new deliveries were created for it.
type Result struct {
	MessageID  string `json:"messageId"`
	Deliveries int    `json:"deliveries"`
	Duplicate  bool   `json:"duplicate,omitempty"`
}

type Service struct {
	registry  Registry
	messages  MessageWriter
	scheduler Submitter
	logger    *logging.Logger

	// locks holds one *sync.Mutex per tenant. It serializes snapshot, write
	// and submit so per-endpoint queue order matches delivery sequence order;
	// endpoints never span tenants.
	locks sync.Map
}

func NewService(reg Registry, messages MessageWriter, scheduler Submitter, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.New("hookline-ingest")
	}
	return &Service{registry: reg, messages: messages, scheduler: scheduler, logger: logger}
}

// Ingest checks the tenant, validates ev, persists the message with one PENDING delivery per
// active endpoint and schedules them. The message and deliveries are durable
// before Ingest submits anything, so a scheduler failure after the write is
// logged and left to recovery instead of being returned.
func (s *Service) Ingest(ctx context.Context, ev Event) (Result, error) {
	ctx, span := tracing.StartSpan(ctx, "ingest.Ingest",
		attribute.String("tenant_id", ev.TenantID),
		attribute.String("event_type", ev.EventType),
		attribute.Bool("has_idempotency_key", ev.IdempotencyKey != ""),
	)
	defer span.End()

	if _, err := s.registry.ActiveTenant(ctx, ev.TenantID); err != nil {
		tracing.SetSpanError(ctx, err)
		return Result{}, err
	}
	if err := validate(ev); err != nil {
		tracing.SetSpanError(ctx, err)
		return Result{}, err
	}

	unlock := s.lockTenant(ev.TenantID)
	defer unlock()

	tracing.AddSpanEvent(ctx, "registry.snapshot_endpoints")
	endpoints, err := s.registry.ListActiveEndpoints(ctx, ev.TenantID)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return Result{}, fmt.Errorf("snapshot endpoints: %w", err)
	}

	msgID, err := uuid.NewV7()
	if err != nil {
		return Result{}, fmt.Errorf("message id: %w", err)
	}
	m := tracker.Message{
		ID:             msgID.String(),
		TenantID:       ev.TenantID,
		EventType:      ev.EventType,
		Payload:        ev.Payload,
		IdempotencyKey: ev.IdempotencyKey,
	}
	ds := make([]tracker.Delivery, 0, len(endpoints))
	for _, ep := range endpoints {
		id, err := uuid.NewV7()
		if err != nil {
			return Result{}, fmt.Errorf("delivery id: %w", err)
		}
		ds = append(ds, tracker.Delivery{ID: id.String(), EndpointID: ep.ID})
	}

	tracing.AddSpanEvent(ctx, "tracker.create_message", attribute.Int("delivery_count", len(ds)))
	stored, deliveries, created, err := s.messages.CreateMessage(ctx, m, ds)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return Result{}, fmt.Errorf("create message: %w", err)
	}
	span.SetAttributes(attribute.String("message_id", stored.ID))

	log := s.logger.WithContext(ctx).WithTenant(ev.TenantID).WithMessage(stored.ID)
	if !created {
		tracing.AddSpanEvent(ctx, "duplicate_event_detected")
		log.WithField("idempotency_key", ev.IdempotencyKey).Info("Duplicate event, no new fan-out")
		return Result{MessageID: stored.ID, Deliveries: len(deliveries), Duplicate: true}, nil
	}

	metrics.RecordMessageIngested(ev.TenantID)
	if len(deliveries) > 0 {
		tasks := make([]delivery.Task, len(deliveries))
		for i, d := range deliveries {
			tasks[i] = delivery.Task{Delivery: d, Message: &stored}
		}
		if err := s.scheduler.Submit(ctx, tasks); err != nil {
			log.WithError(err).Warn("Message stored but not scheduled; recovery will pick it up")
		}
	}

	span.SetAttributes(attribute.Int("fanout_count", len(deliveries)))
	log.WithFields(map[string]any{
		"event_type": ev.EventType,
		"fanout":     len(deliveries),
	}).Info("Event ingested")
	return Result{MessageID: stored.ID, Deliveries: len(deliveries)}, nil
}

func (s *Service) lockTenant(tenantID string) func() {
	v, _ := s.locks.LoadOrStore(tenantID, new(sync.Mutex))
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func validate(ev Event) error {
	switch {
	case ev.EventType == "":
		return fmt.Errorf("%w: eventType is required", ErrInvalidEvent)
	case len(ev.EventType) > maxFieldLen:
		return fmt.Errorf("%w: eventType longer than %d bytes", ErrInvalidEvent, maxFieldLen)
	case len(ev.IdempotencyKey) > maxFieldLen:
		return fmt.Errorf("%w: idempotency key longer than %d bytes", ErrInvalidEvent, maxFieldLen)
	case len(ev.Payload) == 0:
		return fmt.Errorf("%w: payload is required", ErrInvalidEvent)
	case !json.Valid(ev.Payload):
		return fmt.Errorf("%w: payload is not valid JSON", ErrInvalidEvent)
	}
	return nil
}
