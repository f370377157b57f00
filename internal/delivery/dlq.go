package delivery

import (
	"context"
	"encoding/json"
	"time"
)

const DLQType = "delivery.dlq"

type DeadLetter struct {
	Type         string          `json:"type"`    // "delivery.dlq"
	Version      string          `json:"version"` // schema version
	At           string          `json:"at"`      // RFC3339 time the DLQ was emitted
	Reason       string          `json:"reason"`  // reason code
	Attempt      int             `json:"attempt"` // attempt count when DLQ'd
	ResponseCode int             `json:"response_code,omitempty"`
	LastError    string          `json:"last_error,omitempty"`
	TenantID     string          `json:"tenant_id"`
	MessageID    string          `json:"message_id"`
	DeliveryID   string          `json:"delivery_id"`
	EndpointID   string          `json:"endpoint_id"`
	EventType    string          `json:"event_type,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

func NewDeadLetter(t Task, attempt, responseCode int, lastErr, reason string) DeadLetter {
	dl := DeadLetter{
		Type:         DLQType,
		Version:      "v1",
		At:           time.Now().UTC().Format(time.RFC3339Nano),
		Reason:       reason,
		Attempt:      attempt,
		ResponseCode: responseCode,
		LastError:    lastErr,
		TenantID:     t.Delivery.TenantID,
		MessageID:    t.Delivery.MessageID,
		DeliveryID:   t.Delivery.ID,
		EndpointID:   t.Delivery.EndpointID,
	}
	if t.Message != nil {
		dl.EventType = t.Message.EventType
		dl.Payload = t.Message.Payload
	}
	return dl
}

// Key is the partition key used by sinks that support one.
func (d DeadLetter) Key() string { return d.EndpointID }

// DeadLetterPublisher ships terminally failed deliveries to an external sink.
// The tracker stays the record of truth; publishing is best effort.
type DeadLetterPublisher interface {
	Publish(ctx context.Context, dl DeadLetter) error
	Backend() string
}
