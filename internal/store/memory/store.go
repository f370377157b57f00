// Package memory is a process-local implementation of the registry and
// tracker stores. A single lock guards all state so every read is a
// consistent snapshot.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/austindbirch/hookline/internal/registry"
	"github.com/austindbirch/hookline/internal/tracker"
)

type attemptKey struct {
	deliveryID string
	timestamp  int64
	outcome    tracker.State
}

type Store struct {
	mu sync.RWMutex

	tenants   map[string]registry.Tenant
	endpoints map[string]registry.Endpoint
	// endpointOrder keeps ListActiveEndpoints in creation order
	endpointOrder map[string][]string

	messages    map[string]tracker.Message
	idempotency map[string]string // tenant + "\x00" + key -> message id
	deliveries  map[string]tracker.Delivery
	byMessage   map[string][]string
	attempts    map[string][]tracker.Attempt // by message id
	seen        map[attemptKey]struct{}
	seq         int64
}

var (
	_ registry.Store = (*Store)(nil)
	_ tracker.Store  = (*Store)(nil)
)

func New() *Store {
	return &Store{
		tenants:       make(map[string]registry.Tenant),
		endpoints:     make(map[string]registry.Endpoint),
		endpointOrder: make(map[string][]string),
		messages:      make(map[string]tracker.Message),
		idempotency:   make(map[string]string),
		deliveries:    make(map[string]tracker.Delivery),
		byMessage:     make(map[string][]string),
		attempts:      make(map[string][]tracker.Attempt),
		seen:          make(map[attemptKey]struct{}),
	}
}

// Ping satisfies health.Pinger.
func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) CreateTenant(_ context.Context, t registry.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[t.ID]; ok {
		return fmt.Errorf("%w: %s", registry.ErrDuplicateTenant, t.ID)
	}
	s.tenants[t.ID] = t
	return nil
}

func (s *Store) GetTenant(_ context.Context, id string) (registry.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[id]
	if !ok {
		return registry.Tenant{}, fmt.Errorf("%w: %s", registry.ErrUnknownTenant, id)
	}
	return t, nil
}

func (s *Store) DisableTenant(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return fmt.Errorf("%w: %s", registry.ErrUnknownTenant, id)
	}
	t.Disabled = true
	s.tenants[id] = t
	return nil
}

// activeURLTaken must be called with mu held.
func (s *Store) activeURLTaken(tenantID, url, exceptID string) bool {
	for _, id := range s.endpointOrder[tenantID] {
		ep := s.endpoints[id]
		if id != exceptID && !ep.Disabled && ep.URL == url {
			return true
		}
	}
	return false
}

func (s *Store) CreateEndpoint(_ context.Context, ep registry.Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[ep.TenantID]; !ok {
		return fmt.Errorf("%w: %s", registry.ErrUnknownTenant, ep.TenantID)
	}
	if s.activeURLTaken(ep.TenantID, ep.URL, "") {
		return fmt.Errorf("%w: %s", registry.ErrDuplicateEndpoint, ep.URL)
	}
	s.endpoints[ep.ID] = ep
	s.endpointOrder[ep.TenantID] = append(s.endpointOrder[ep.TenantID], ep.ID)
	return nil
}

func (s *Store) GetEndpoint(_ context.Context, id string) (registry.Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ep, ok := s.endpoints[id]
	if !ok {
		return registry.Endpoint{}, fmt.Errorf("%w: %s", registry.ErrUnknownEndpoint, id)
	}
	return ep, nil
}

func (s *Store) DisableEndpoint(_ context.Context, id string) (registry.Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, ok := s.endpoints[id]
	if !ok {
		return registry.Endpoint{}, fmt.Errorf("%w: %s", registry.ErrUnknownEndpoint, id)
	}
	ep.Disabled = true
	s.endpoints[id] = ep
	return ep, nil
}

func (s *Store) RotateSecret(_ context.Context, id, secret string, at time.Time) (registry.Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, ok := s.endpoints[id]
	if !ok {
		return registry.Endpoint{}, fmt.Errorf("%w: %s", registry.ErrUnknownEndpoint, id)
	}
	ep.Secret = secret
	ep.Version++
	ep.UpdatedAt = at
	s.endpoints[id] = ep
	return ep, nil
}

func (s *Store) UpdateURL(_ context.Context, id, url string, at time.Time) (registry.Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, ok := s.endpoints[id]
	if !ok {
		return registry.Endpoint{}, fmt.Errorf("%w: %s", registry.ErrUnknownEndpoint, id)
	}
	if ep.URL == url {
		return ep, nil
	}
	if !ep.Disabled && s.activeURLTaken(ep.TenantID, url, id) {
		return registry.Endpoint{}, fmt.Errorf("%w: %s", registry.ErrDuplicateEndpoint, url)
	}
	ep.URL = url
	ep.Version++
	ep.UpdatedAt = at
	s.endpoints[id] = ep
	return ep, nil
}

func (s *Store) ListActiveEndpoints(_ context.Context, tenantID string) ([]registry.Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.tenants[tenantID]; !ok {
		return nil, fmt.Errorf("%w: %s", registry.ErrUnknownTenant, tenantID)
	}
	var out []registry.Endpoint
	for _, id := range s.endpointOrder[tenantID] {
		if ep := s.endpoints[id]; !ep.Disabled {
			out = append(out, ep)
		}
	}
	return out, nil
}

func idemKey(tenantID, key string) string { return tenantID + "\x00" + key }

func (s *Store) CreateMessage(_ context.Context, m tracker.Message, ds []tracker.Delivery) (tracker.Message, []tracker.Delivery, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.IdempotencyKey != "" {
		if existing, ok := s.idempotency[idemKey(m.TenantID, m.IdempotencyKey)]; ok {
			return s.message(existing), s.deliveriesFor(existing), false, nil
		}
	}
	if _, ok := s.messages[m.ID]; ok {
		return tracker.Message{}, nil, false, fmt.Errorf("message %s already exists", m.ID)
	}

	m.Payload = slices.Clone(m.Payload)
	s.messages[m.ID] = m
	m.Payload = slices.Clone(m.Payload)
	if m.IdempotencyKey != "" {
		s.idempotency[idemKey(m.TenantID, m.IdempotencyKey)] = m.ID
	}
	out := make([]tracker.Delivery, len(ds))
	ids := make([]string, len(ds))
	for i, d := range ds {
		s.seq++
		d.Seq = s.seq
		s.deliveries[d.ID] = d
		out[i] = d
		ids[i] = d.ID
	}
	s.byMessage[m.ID] = ids
	return m, out, true, nil
}

// message returns a copy whose payload does not alias the stored one.
// It must be called with mu held.
func (s *Store) message(id string) tracker.Message {
	m := s.messages[id]
	m.Payload = slices.Clone(m.Payload)
	return m
}

// deliveriesFor must be called with mu held.
func (s *Store) deliveriesFor(messageID string) []tracker.Delivery {
	ids := s.byMessage[messageID]
	out := make([]tracker.Delivery, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.deliveries[id])
	}
	return out
}

func (s *Store) AppendAttempt(_ context.Context, a tracker.Attempt, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[a.DeliveryID]
	if !ok {
		return false, fmt.Errorf("%w: %s", tracker.ErrUnknownDelivery, a.DeliveryID)
	}
	key := attemptKey{deliveryID: a.DeliveryID, timestamp: a.Timestamp.UnixNano(), outcome: a.Outcome}
	if _, dup := s.seen[key]; dup {
		return false, nil
	}
	if d.State.Terminal() {
		return false, fmt.Errorf("%w: %s is %s", tracker.ErrInvalidState, d.ID, d.State)
	}

	a.MessageID = d.MessageID
	a.EndpointID = d.EndpointID
	s.seen[key] = struct{}{}
	s.attempts[d.MessageID] = append(s.attempts[d.MessageID], a)

	d.State = a.Outcome
	d.AttemptCount = a.Number
	d.LastError = a.Error
	d.LastResponseCode = a.ResponseCode
	if a.Outcome == tracker.StateRetryScheduled {
		d.NextAttemptAt = a.NextAttemptAt
	}
	d.UpdatedAt = at
	s.deliveries[d.ID] = d
	return true, nil
}

func (s *Store) TransitionDelivery(_ context.Context, deliveryID string, from []tracker.State, to tracker.State, lastError string, at time.Time) (tracker.Delivery, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[deliveryID]
	if !ok {
		return tracker.Delivery{}, false, fmt.Errorf("%w: %s", tracker.ErrUnknownDelivery, deliveryID)
	}
	if !slices.Contains(from, d.State) {
		return d, false, nil
	}
	d.State = to
	if lastError != "" {
		d.LastError = lastError
	}
	d.UpdatedAt = at
	s.deliveries[deliveryID] = d
	return d, true, nil
}

func (s *Store) GetDelivery(_ context.Context, deliveryID string) (tracker.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deliveries[deliveryID]
	if !ok {
		return tracker.Delivery{}, fmt.Errorf("%w: %s", tracker.ErrUnknownDelivery, deliveryID)
	}
	return d, nil
}

func (s *Store) GetMessage(_ context.Context, tenantID, messageID string) (tracker.Message, []tracker.Delivery, []tracker.Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[messageID]
	if !ok || m.TenantID != tenantID {
		return tracker.Message{}, nil, nil, fmt.Errorf("%w: %s", tracker.ErrUnknownMessage, messageID)
	}
	return s.message(messageID), s.deliveriesFor(messageID), slices.Clone(s.attempts[messageID]), nil
}

func (s *Store) ListUnfinished(_ context.Context) ([]tracker.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []tracker.Delivery
	for _, d := range s.deliveries {
		if !d.State.Terminal() {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *Store) ListDeliveries(_ context.Context, f tracker.DeliveryFilter) ([]tracker.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []tracker.Delivery
	for _, d := range s.deliveries {
		if f.Match(d) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].Seq > out[j].Seq
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}
