// Package tracker is the durable record of messages, their deliveries and
// every delivery attempt. It is the only component that mutates delivery state.
package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	ErrUnknownMessage  = errors.New("unknown message")
	ErrUnknownDelivery = errors.New("unknown delivery")
	ErrInvalidState    = errors.New("invalid delivery state transition")
	ErrInvalidFilter   = errors.New("invalid delivery filter")
)

type State string

const (
	StatePending        State = "PENDING"
	StateInFlight       State = "IN_FLIGHT"
	StateRetryScheduled State = "RETRY_SCHEDULED"
	StateDelivered      State = "DELIVERED"
	StateFailed         State = "FAILED"
)

// Terminal reports whether no further attempts will be made.
func (s State) Terminal() bool {
	return s == StateDelivered || s == StateFailed
}

// Message is the immutable record of one ingested event.
type Message struct {
	ID             string          `json:"id"`
	TenantID       string          `json:"tenantId"`
	EventType      string          `json:"eventType"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// Delivery is one (message, endpoint) obligation. Seq is assigned by the
// store at creation and orders deliveries by ingestion.
type Delivery struct {
	ID               string    `json:"deliveryId"`
	MessageID        string    `json:"messageId"`
	TenantID         string    `json:"tenantId"`
	EndpointID       string    `json:"endpointId"`
	Seq              int64     `json:"-"`
	State            State     `json:"state"`
	AttemptCount     int       `json:"attemptCount"`
	NextAttemptAt    time.Time `json:"nextAttemptAt"`
	LastError        string    `json:"lastError,omitempty"`
	LastResponseCode int       `json:"lastResponseCode,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Attempt is one append-only history row. Outcome is the delivery state the
// attempt produced: DELIVERED, RETRY_SCHEDULED or FAILED.
type Attempt struct {
	DeliveryID   string    `json:"deliveryId"`
	MessageID    string    `json:"messageId"`
	EndpointID   string    `json:"endpointId"`
	Number       int       `json:"attempt"`
	Outcome      State     `json:"outcome"`
	Timestamp    time.Time `json:"timestamp"`
	ResponseCode int       `json:"responseCode,omitempty"`
	Error        string    `json:"error,omitempty"`
	LatencyMs    int64     `json:"latencyMs"`
	// NextAttemptAt is set only on RETRY_SCHEDULED outcomes.
	NextAttemptAt time.Time `json:"nextAttemptAt,omitzero"`
}

// Store persists tracker state. AppendAttempt must apply the history row and
// the delivery update in one atomic step, and GetMessage must read a
// consistent snapshot of both.
type Store interface {
	// CreateMessage writes the message and its deliveries atomically and
	// assigns Seq. When the tenant already has a message with the same
	// non-empty idempotency key, the existing rows are returned with created=false.
	CreateMessage(ctx context.Context, m Message, ds []Delivery) (Message, []Delivery, bool, error)
	// AppendAttempt records a and moves the delivery to a.Outcome. A replay
	// of an identical (delivery, timestamp, outcome) tuple returns false and
	// changes nothing. A new attempt on a terminal delivery is ErrInvalidState.
	AppendAttempt(ctx context.Context, a Attempt, at time.Time) (bool, error)
	// TransitionDelivery moves a delivery to `to` only if its current state is in from.
	TransitionDelivery(ctx context.Context, deliveryID string, from []State, to State, lastError string, at time.Time) (Delivery, bool, error)
	GetDelivery(ctx context.Context, deliveryID string) (Delivery, error)
	GetMessage(ctx context.Context, tenantID, messageID string) (Message, []Delivery, []Attempt, error)
	// ListUnfinished returns every non-terminal delivery ordered by Seq.
	ListUnfinished(ctx context.Context) ([]Delivery, error)
	// ListDeliveries returns up to f.Limit deliveries of f.TenantID matching
	// f, most recently updated first.
	ListDeliveries(ctx context.Context, f DeliveryFilter) ([]Delivery, error)
}

const (
	DefaultListLimit = 10
	MaxListLimit     = 100
)

// DeliveryFilter narrows ListDeliveries. TenantID is required; an empty
// EndpointID or State matches every endpoint or state.
type DeliveryFilter struct {
	TenantID   string
	EndpointID string
	State      State
	Limit      int
}

// Valid reports whether s is one of the delivery states.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateInFlight, StateRetryScheduled, StateDelivered, StateFailed:
		return true
	}
	return false
}

// Match reports whether d passes f, ignoring Limit.
func (f DeliveryFilter) Match(d Delivery) bool {
	return d.TenantID == f.TenantID &&
		(f.EndpointID == "" || d.EndpointID == f.EndpointID) &&
		(f.State == "" || d.State == f.State)
}

// Status is the tenant-facing view of a message.
type Status struct {
	MessageID  string     `json:"messageId"`
	TenantID   string     `json:"tenantId"`
	EventType  string     `json:"eventType"`
	State      State      `json:"state"`
	CreatedAt  time.Time  `json:"createdAt"`
	Deliveries []Delivery `json:"deliveries"`
	Attempts   []Attempt  `json:"attempts"`
}

type Tracker struct {
	store Store
	now   func() time.Time
}

func New(store Store) *Tracker {
	return &Tracker{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// CreateMessage is the write-ahead step of ingestion: the message and every
// PENDING delivery are durable before any network attempt is made.
func (t *Tracker) CreateMessage(ctx context.Context, m Message, ds []Delivery) (Message, []Delivery, bool, error) {
	now := t.now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	for i := range ds {
		ds[i].MessageID = m.ID
		ds[i].TenantID = m.TenantID
		ds[i].State = StatePending
		ds[i].AttemptCount = 0
		ds[i].NextAttemptAt = m.CreatedAt
		ds[i].CreatedAt = now
		ds[i].UpdatedAt = now
	}
	return t.store.CreateMessage(ctx, m, ds)
}

// RecordAttempt appends a to the history and applies its outcome to the
// delivery in one step, so the history is never behind the state. It
// reports false when an identical attempt was already recorded.
func (t *Tracker) RecordAttempt(ctx context.Context, a Attempt) (bool, error) {
	switch a.Outcome {
	case StateDelivered, StateFailed, StateRetryScheduled:
	default:
		return false, fmt.Errorf("%w: attempt outcome %q", ErrInvalidState, a.Outcome)
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = t.now()
	}
	// Postgres keeps microseconds; truncate so replays compare equal across stores.
	a.Timestamp = a.Timestamp.UTC().Truncate(time.Microsecond)
	if a.Outcome == StateRetryScheduled {
		a.NextAttemptAt = a.NextAttemptAt.UTC().Truncate(time.Microsecond)
	} else {
		a.NextAttemptAt = time.Time{}
	}
	return t.store.AppendAttempt(ctx, a, t.now())
}

// Begin marks a delivery IN_FLIGHT. A RETRY_SCHEDULED delivery passes
// through PENDING implicitly once its backoff has elapsed; IN_FLIGHT is
// accepted for deliveries recovered after a crash.
func (t *Tracker) Begin(ctx context.Context, deliveryID string) (Delivery, error) {
	d, ok, err := t.store.TransitionDelivery(ctx, deliveryID,
		[]State{StatePending, StateRetryScheduled, StateInFlight}, StateInFlight, "", t.now())
	if err != nil {
		return Delivery{}, err
	}
	if !ok {
		return d, fmt.Errorf("%w: %s is %s", ErrInvalidState, deliveryID, d.State)
	}
	return d, nil
}

// Cancel terminally fails a queued delivery, recording reason as its last
// error. It reports false when the delivery is in flight or already terminal.
func (t *Tracker) Cancel(ctx context.Context, deliveryID, reason string) (bool, error) {
	_, ok, err := t.store.TransitionDelivery(ctx, deliveryID,
		[]State{StatePending, StateRetryScheduled}, StateFailed, reason, t.now())
	return ok, err
}

// Abort fails an IN_FLIGHT delivery whose attempt was never sent.
func (t *Tracker) Abort(ctx context.Context, deliveryID, reason string) (bool, error) {
	_, ok, err := t.store.TransitionDelivery(ctx, deliveryID,
		[]State{StateInFlight}, StateFailed, reason, t.now())
	return ok, err
}

func (t *Tracker) GetDelivery(ctx context.Context, deliveryID string) (Delivery, error) {
	return t.store.GetDelivery(ctx, deliveryID)
}

// GetMessage returns the stored message record without delivery history.
func (t *Tracker) GetMessage(ctx context.Context, tenantID, messageID string) (Message, error) {
	m, _, _, err := t.store.GetMessage(ctx, tenantID, messageID)
	return m, err
}

// GetStatus returns the message with per-endpoint state and full history.
func (t *Tracker) GetStatus(ctx context.Context, tenantID, messageID string) (Status, error) {
	m, ds, as, err := t.store.GetMessage(ctx, tenantID, messageID)
	if err != nil {
		return Status{}, err
	}
	now := t.now()
	for i := range ds {
		ds[i].State = ViewState(ds[i], now)
	}
	sort.SliceStable(as, func(i, j int) bool { return as[i].Timestamp.Before(as[j].Timestamp) })
	if ds == nil {
		ds = []Delivery{}
	}
	if as == nil {
		as = []Attempt{}
	}
	return Status{
		MessageID:  m.ID,
		TenantID:   m.TenantID,
		EventType:  m.EventType,
		State:      Aggregate(ds),
		CreatedAt:  m.CreatedAt,
		Deliveries: ds,
		Attempts:   as,
	}, nil
}

// Unfinished lists deliveries that still need attempts, in ingestion order.
func (t *Tracker) Unfinished(ctx context.Context) ([]Delivery, error) {
	return t.store.ListUnfinished(ctx)
}

// ListDeliveries returns the tenant's deliveries matching f. A zero Limit
// means DefaultListLimit and larger values are capped at MaxListLimit.
func (t *Tracker) ListDeliveries(ctx context.Context, f DeliveryFilter) ([]Delivery, error) {
	switch {
	case f.TenantID == "":
		return nil, fmt.Errorf("%w: tenant is required", ErrInvalidFilter)
	case f.State != "" && !f.State.Valid():
		return nil, fmt.Errorf("%w: unknown state %q", ErrInvalidFilter, f.State)
	case f.Limit < 0:
		return nil, fmt.Errorf("%w: negative limit", ErrInvalidFilter)
	case f.Limit == 0:
		f.Limit = DefaultListLimit
	case f.Limit > MaxListLimit:
		f.Limit = MaxListLimit
	}
	ds, err := t.store.ListDeliveries(ctx, f)
	if err != nil {
		return nil, err
	}
	if ds == nil {
		ds = []Delivery{}
	}
	return ds, nil
}

// DeadLetters lists the tenant's terminally FAILED deliveries, newest first.
func (t *Tracker) DeadLetters(ctx context.Context, tenantID, endpointID string, limit int) ([]Delivery, error) {
	return t.ListDeliveries(ctx, DeliveryFilter{TenantID: tenantID, EndpointID: endpointID, State: StateFailed, Limit: limit})
}

// ViewState reports RETRY_SCHEDULED deliveries whose backoff has elapsed as PENDING.
func ViewState(d Delivery, now time.Time) State {
	if d.State == StateRetryScheduled && !d.NextAttemptAt.After(now) {
		return StatePending
	}
	return d.State
}

// Aggregate folds delivery states into a message state. A message with no
// deliveries is vacuously DELIVERED.
func Aggregate(ds []Delivery) State {
	failed := false
	for _, d := range ds {
		switch d.State {
		case StateDelivered:
		case StateFailed:
			failed = true
		default:
			return StatePending
		}
	}
	if failed {
		return StateFailed
	}
	return StateDelivered
}
