// Package postgres implements the registry and tracker stores on pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/austindbirch/hookline/internal/registry"
	"github.com/austindbirch/hookline/internal/tracker"
)

const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

type Store struct {
	pool *pgxpool.Pool
}

var (
	_ registry.Store = (*Store)(nil)
	_ tracker.Store  = (*Store)(nil)
)

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

type scanner interface {
	Scan(dest ...any) error
}

func pgCode(err error) (string, string) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code, pgErr.ConstraintName
	}
	return "", ""
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// ---- tenants

func (s *Store) CreateTenant(ctx context.Context, t registry.Tenant) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO hookline.tenants (id, name, disabled, created_at)
		VALUES ($1, $2, $3, $4)`,
		t.ID, t.Name, t.Disabled, t.CreatedAt)
	if code, _ := pgCode(err); code == codeUniqueViolation {
		return fmt.Errorf("%w: %s", registry.ErrDuplicateTenant, t.ID)
	}
	return err
}

func (s *Store) GetTenant(ctx context.Context, id string) (registry.Tenant, error) {
	var t registry.Tenant
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, disabled, created_at FROM hookline.tenants WHERE id = $1`, id).
		Scan(&t.ID, &t.Name, &t.Disabled, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return registry.Tenant{}, fmt.Errorf("%w: %s", registry.ErrUnknownTenant, id)
	}
	t.CreatedAt = t.CreatedAt.UTC()
	return t, err
}

func (s *Store) DisableTenant(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE hookline.tenants SET disabled = true WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", registry.ErrUnknownTenant, id)
	}
	return nil
}

// ---- endpoints

const endpointColumns = `id, tenant_id, url, description, secret, disabled, version, created_at, updated_at`

func scanEndpoint(row scanner) (registry.Endpoint, error) {
	var ep registry.Endpoint
	err := row.Scan(&ep.ID, &ep.TenantID, &ep.URL, &ep.Description, &ep.Secret,
		&ep.Disabled, &ep.Version, &ep.CreatedAt, &ep.UpdatedAt)
	ep.CreatedAt, ep.UpdatedAt = ep.CreatedAt.UTC(), ep.UpdatedAt.UTC()
	return ep, err
}

func endpointErr(err error, id, url string) error {
	switch code, constraint := pgCode(err); {
	case errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("%w: %s", registry.ErrUnknownEndpoint, id)
	case code == codeUniqueViolation && constraint == "endpoints_active_url":
		return fmt.Errorf("%w: %s", registry.ErrDuplicateEndpoint, url)
	case code == codeForeignKeyViolation:
		return fmt.Errorf("%w: endpoint %s", registry.ErrUnknownTenant, id)
	}
	return err
}

func (s *Store) CreateEndpoint(ctx context.Context, ep registry.Endpoint) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO hookline.endpoints (`+endpointColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ep.ID, ep.TenantID, ep.URL, ep.Description, ep.Secret, ep.Disabled, ep.Version, ep.CreatedAt, ep.UpdatedAt)
	if err != nil {
		return endpointErr(err, ep.ID, ep.URL)
	}
	return nil
}

func (s *Store) GetEndpoint(ctx context.Context, id string) (registry.Endpoint, error) {
	ep, err := scanEndpoint(s.pool.QueryRow(ctx,
		`SELECT `+endpointColumns+` FROM hookline.endpoints WHERE id = $1`, id))
	if err != nil {
		return registry.Endpoint{}, endpointErr(err, id, "")
	}
	return ep, nil
}

func (s *Store) DisableEndpoint(ctx context.Context, id string) (registry.Endpoint, error) {
	ep, err := scanEndpoint(s.pool.QueryRow(ctx, `
		UPDATE hookline.endpoints
		SET disabled = true, updated_at = CASE WHEN disabled THEN updated_at ELSE now() END
		WHERE id = $1
		RETURNING `+endpointColumns, id))
	if err != nil {
		return registry.Endpoint{}, endpointErr(err, id, "")
	}
	return ep, nil
}

func (s *Store) RotateSecret(ctx context.Context, id, secret string, at time.Time) (registry.Endpoint, error) {
	ep, err := scanEndpoint(s.pool.QueryRow(ctx, `
		UPDATE hookline.endpoints
		SET secret = $2, version = version + 1, updated_at = $3
		WHERE id = $1
		RETURNING `+endpointColumns, id, secret, at))
	if err != nil {
		return registry.Endpoint{}, endpointErr(err, id, "")
	}
	return ep, nil
}

func (s *Store) UpdateURL(ctx context.Context, id, url string, at time.Time) (registry.Endpoint, error) {
	ep, err := scanEndpoint(s.pool.QueryRow(ctx, `
		UPDATE hookline.endpoints
		SET url = $2, version = version + 1, updated_at = $3
		WHERE id = $1 AND url <> $2
		RETURNING `+endpointColumns, id, url, at))
	if errors.Is(err, pgx.ErrNoRows) {
		// Either unknown or already at url.
		return s.GetEndpoint(ctx, id)
	}
	if err != nil {
		return registry.Endpoint{}, endpointErr(err, id, url)
	}
	return ep, nil
}

func (s *Store) ListActiveEndpoints(ctx context.Context, tenantID string) ([]registry.Endpoint, error) {
	if _, err := s.GetTenant(ctx, tenantID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+endpointColumns+` FROM hookline.endpoints
		WHERE tenant_id = $1 AND NOT disabled
		ORDER BY created_at, id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []registry.Endpoint
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

// ---- messages and deliveries

const deliveryColumns = `id, seq, message_id, tenant_id, endpoint_id, state, attempt_count,
	next_attempt_at, last_error, last_response_code, created_at, updated_at`

func scanDelivery(row scanner) (tracker.Delivery, error) {
	var d tracker.Delivery
	var state string
	err := row.Scan(&d.ID, &d.Seq, &d.MessageID, &d.TenantID, &d.EndpointID, &state, &d.AttemptCount,
		&d.NextAttemptAt, &d.LastError, &d.LastResponseCode, &d.CreatedAt, &d.UpdatedAt)
	d.State = tracker.State(state)
	d.NextAttemptAt, d.CreatedAt, d.UpdatedAt = d.NextAttemptAt.UTC(), d.CreatedAt.UTC(), d.UpdatedAt.UTC()
	return d, err
}

func collectDeliveries(rows pgx.Rows) ([]tracker.Delivery, error) {
	defer rows.Close()
	var out []tracker.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) CreateMessage(ctx context.Context, m tracker.Message, ds []tracker.Delivery) (tracker.Message, []tracker.Delivery, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return tracker.Message{}, nil, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		INSERT INTO hookline.messages (id, tenant_id, event_type, payload, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING`,
		m.ID, m.TenantID, m.EventType, string(m.Payload), nullable(m.IdempotencyKey), m.CreatedAt)
	if err != nil {
		if code, _ := pgCode(err); code == codeForeignKeyViolation {
			return tracker.Message{}, nil, false, fmt.Errorf("%w: %s", registry.ErrUnknownTenant, m.TenantID)
		}
		return tracker.Message{}, nil, false, err
	}
	if tag.RowsAffected() == 0 {
		_ = tx.Rollback(ctx)
		existing, ds, err := s.messageByKey(ctx, m.TenantID, m.IdempotencyKey)
		return existing, ds, false, err
	}

	out := make([]tracker.Delivery, len(ds))
	for i, d := range ds {
		err := tx.QueryRow(ctx, `
			INSERT INTO hookline.deliveries
				(id, message_id, tenant_id, endpoint_id, state, attempt_count, next_attempt_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING seq`,
			d.ID, m.ID, m.TenantID, d.EndpointID, string(d.State), d.AttemptCount, d.NextAttemptAt, d.CreatedAt, d.UpdatedAt,
		).Scan(&d.Seq)
		if err != nil {
			return tracker.Message{}, nil, false, fmt.Errorf("insert delivery %s: %w", d.ID, err)
		}
		out[i] = d
	}
	if err := tx.Commit(ctx); err != nil {
		return tracker.Message{}, nil, false, err
	}
	return m, out, true, nil
}

func (s *Store) messageByKey(ctx context.Context, tenantID, key string) (tracker.Message, []tracker.Delivery, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		SELECT id FROM hookline.messages WHERE tenant_id = $1 AND idempotency_key = $2`, tenantID, key).Scan(&id)
	if err != nil {
		return tracker.Message{}, nil, fmt.Errorf("lookup idempotency key: %w", err)
	}
	m, ds, _, err := s.GetMessage(ctx, tenantID, id)
	return m, ds, err
}

func (s *Store) AppendAttempt(ctx context.Context, a tracker.Attempt, at time.Time) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var state string
	err = tx.QueryRow(ctx, `
		SELECT message_id, endpoint_id, state FROM hookline.deliveries WHERE id = $1 FOR UPDATE`, a.DeliveryID).
		Scan(&a.MessageID, &a.EndpointID, &state)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("%w: %s", tracker.ErrUnknownDelivery, a.DeliveryID)
	}
	if err != nil {
		return false, err
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO hookline.attempts
			(delivery_id, message_id, endpoint_id, number, outcome, attempted_at, response_code, error, latency_ms, next_attempt_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (delivery_id, attempted_at, outcome) DO NOTHING`,
		a.DeliveryID, a.MessageID, a.EndpointID, a.Number, string(a.Outcome), a.Timestamp,
		a.ResponseCode, a.Error, a.LatencyMs, nullableTime(a.NextAttemptAt))
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	if tracker.State(state).Terminal() {
		return false, fmt.Errorf("%w: %s is %s", tracker.ErrInvalidState, a.DeliveryID, state)
	}

	_, err = tx.Exec(ctx, `
		UPDATE hookline.deliveries
		SET state = $2, attempt_count = $3, last_error = $4, last_response_code = $5,
		    next_attempt_at = COALESCE($6, next_attempt_at), updated_at = $7
		WHERE id = $1`,
		a.DeliveryID, string(a.Outcome), a.Number, a.Error, a.ResponseCode, nullableTime(a.NextAttemptAt), at)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) TransitionDelivery(ctx context.Context, deliveryID string, from []tracker.State, to tracker.State, lastError string, at time.Time) (tracker.Delivery, bool, error) {
	states := make([]string, len(from))
	for i, st := range from {
		states[i] = string(st)
	}
	d, err := scanDelivery(s.pool.QueryRow(ctx, `
		UPDATE hookline.deliveries
		SET state = $2, last_error = COALESCE($3, last_error), updated_at = $4
		WHERE id = $1 AND state = ANY($5)
		RETURNING `+deliveryColumns,
		deliveryID, string(to), nullable(lastError), at, states))
	if errors.Is(err, pgx.ErrNoRows) {
		cur, err := s.GetDelivery(ctx, deliveryID)
		return cur, false, err
	}
	if err != nil {
		return tracker.Delivery{}, false, err
	}
	return d, true, nil
}

func (s *Store) GetDelivery(ctx context.Context, deliveryID string) (tracker.Delivery, error) {
	d, err := scanDelivery(s.pool.QueryRow(ctx,
		`SELECT `+deliveryColumns+` FROM hookline.deliveries WHERE id = $1`, deliveryID))
	if errors.Is(err, pgx.ErrNoRows) {
		return tracker.Delivery{}, fmt.Errorf("%w: %s", tracker.ErrUnknownDelivery, deliveryID)
	}
	return d, err
}

// GetMessage reads the message, its deliveries and attempts from one
// snapshot so a concurrent AppendAttempt is seen entirely or not at all.
func (s *Store) GetMessage(ctx context.Context, tenantID, messageID string) (tracker.Message, []tracker.Delivery, []tracker.Attempt, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return tracker.Message{}, nil, nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		m       tracker.Message
		payload string
		key     *string
	)
	err = tx.QueryRow(ctx, `
		SELECT id, tenant_id, event_type, payload::text, idempotency_key, created_at
		FROM hookline.messages WHERE id = $1 AND tenant_id = $2`, messageID, tenantID).
		Scan(&m.ID, &m.TenantID, &m.EventType, &payload, &key, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return tracker.Message{}, nil, nil, fmt.Errorf("%w: %s", tracker.ErrUnknownMessage, messageID)
	}
	if err != nil {
		return tracker.Message{}, nil, nil, err
	}
	m.Payload = []byte(payload)
	m.CreatedAt = m.CreatedAt.UTC()
	if key != nil {
		m.IdempotencyKey = *key
	}

	rows, err := tx.Query(ctx, `
		SELECT `+deliveryColumns+` FROM hookline.deliveries WHERE message_id = $1 ORDER BY seq`, messageID)
	if err != nil {
		return tracker.Message{}, nil, nil, err
	}
	ds, err := collectDeliveries(rows)
	if err != nil {
		return tracker.Message{}, nil, nil, err
	}

	rows, err = tx.Query(ctx, `
		SELECT delivery_id, message_id, endpoint_id, number, outcome, attempted_at,
		       response_code, error, latency_ms, next_attempt_at
		FROM hookline.attempts WHERE message_id = $1 ORDER BY attempted_at, id`, messageID)
	if err != nil {
		return tracker.Message{}, nil, nil, err
	}
	defer rows.Close()
	var as []tracker.Attempt
	for rows.Next() {
		var (
			a       tracker.Attempt
			outcome string
			next    *time.Time
		)
		if err := rows.Scan(&a.DeliveryID, &a.MessageID, &a.EndpointID, &a.Number, &outcome, &a.Timestamp,
			&a.ResponseCode, &a.Error, &a.LatencyMs, &next); err != nil {
			return tracker.Message{}, nil, nil, err
		}
		a.Outcome = tracker.State(outcome)
		a.Timestamp = a.Timestamp.UTC()
		if next != nil {
			a.NextAttemptAt = next.UTC()
		}
		as = append(as, a)
	}
	if err := rows.Err(); err != nil {
		return tracker.Message{}, nil, nil, err
	}
	return m, ds, as, nil
}

func (s *Store) ListUnfinished(ctx context.Context) ([]tracker.Delivery, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+deliveryColumns+` FROM hookline.deliveries
		WHERE state NOT IN ('DELIVERED', 'FAILED')
		ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	return collectDeliveries(rows)
}

func (s *Store) ListDeliveries(ctx context.Context, f tracker.DeliveryFilter) ([]tracker.Delivery, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+deliveryColumns+` FROM hookline.deliveries
		WHERE tenant_id = $1
		  AND ($2 = '' OR endpoint_id = $2)
		  AND ($3 = '' OR state = $3)
		ORDER BY updated_at DESC, seq DESC
		LIMIT $4`, f.TenantID, f.EndpointID, string(f.State), f.Limit)
	if err != nil {
		return nil, err
	}
	return collectDeliveries(rows)
}
