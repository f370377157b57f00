// Package registry stores tenants and the endpoints they deliver to.
package registry

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Tenant is immutable after registration except for the soft-disable flag.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Disabled  bool      `json:"disabled"`
	CreatedAt time.Time `json:"createdAt"`
}

// Endpoint is a tenant-owned HTTP destination. Version increments whenever
// the secret or URL changes so receivers can detect stale signatures.
type Endpoint struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenantId"`
	URL         string    `json:"url"`
	Description string    `json:"description,omitempty"`
	Secret      string    `json:"-"`
	Disabled    bool      `json:"disabled"`
	Version     int       `json:"version"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Store persists registry state. Implementations enforce uniqueness
// atomically: tenant ids are unique and at most one non-disabled endpoint
// exists per (tenant, url).
type Store interface {
	CreateTenant(ctx context.Context, t Tenant) error
	GetTenant(ctx context.Context, id string) (Tenant, error)
	DisableTenant(ctx context.Context, id string) error
	CreateEndpoint(ctx context.Context, ep Endpoint) error
	GetEndpoint(ctx context.Context, id string) (Endpoint, error)
	// DisableEndpoint returns the endpoint after disabling; repeat calls are no-ops.
	DisableEndpoint(ctx context.Context, id string) (Endpoint, error)
	RotateSecret(ctx context.Context, id, secret string, at time.Time) (Endpoint, error)
	UpdateURL(ctx context.Context, id, rawURL string, at time.Time) (Endpoint, error)
	// ListActiveEndpoints returns non-disabled endpoints in creation order.
	ListActiveEndpoints(ctx context.Context, tenantID string) ([]Endpoint, error)
}

var tenantIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

type Registry struct {
	store Store
	now   func() time.Time
}

func New(store Store) *Registry {
	return &Registry{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// Register creates a tenant. Fails with ErrDuplicateTenant if the id is taken.
func (r *Registry) Register(ctx context.Context, tenantID, name string) (Tenant, error) {
	if !tenantIDPattern.MatchString(tenantID) {
		return Tenant{}, fmt.Errorf("%w: id %q", ErrInvalidTenant, tenantID)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = tenantID
	}
	t := Tenant{ID: tenantID, Name: name, CreatedAt: r.now()}
	if err := r.store.CreateTenant(ctx, t); err != nil {
		return Tenant{}, err
	}
	return t, nil
}

func (r *Registry) GetTenant(ctx context.Context, tenantID string) (Tenant, error) {
	return r.store.GetTenant(ctx, tenantID)
}

// ActiveTenant returns the tenant or ErrUnknownTenant / ErrTenantDisabled.
func (r *Registry) ActiveTenant(ctx context.Context, tenantID string) (Tenant, error) {
	t, err := r.store.GetTenant(ctx, tenantID)
	if err != nil {
		return Tenant{}, err
	}
	if t.Disabled {
		return Tenant{}, fmt.Errorf("%w: %s", ErrTenantDisabled, tenantID)
	}
	return t, nil
}

func (r *Registry) DisableTenant(ctx context.Context, tenantID string) error {
	return r.store.DisableTenant(ctx, tenantID)
}

// AddEndpoint registers a new endpoint for tenantID. An empty secret is
// replaced with a generated one.
func (r *Registry) AddEndpoint(ctx context.Context, tenantID, rawURL, description, secret string) (Endpoint, error) {
	if _, err := r.store.GetTenant(ctx, tenantID); err != nil {
		return Endpoint{}, err
	}
	u, err := normalizeURL(rawURL)
	if err != nil {
		return Endpoint{}, err
	}
	if secret == "" {
		if secret, err = generateSecret(32); err != nil {
			return Endpoint{}, err
		}
	}
	now := r.now()
	ep := Endpoint{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		URL:         u,
		Description: description,
		Secret:      secret,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.store.CreateEndpoint(ctx, ep); err != nil {
		return Endpoint{}, err
	}
	return ep, nil
}

func (r *Registry) GetEndpoint(ctx context.Context, endpointID string) (Endpoint, error) {
	return r.store.GetEndpoint(ctx, endpointID)
}

// DisableEndpoint soft-deletes the endpoint. It is idempotent.
func (r *Registry) DisableEndpoint(ctx context.Context, endpointID string) (Endpoint, error) {
	return r.store.DisableEndpoint(ctx, endpointID)
}

// RotateSecret replaces the signing secret and bumps the endpoint version.
func (r *Registry) RotateSecret(ctx context.Context, endpointID string) (Endpoint, error) {
	secret, err := generateSecret(32)
	if err != nil {
		return Endpoint{}, err
	}
	return r.store.RotateSecret(ctx, endpointID, secret, r.now())
}

// UpdateURL points the endpoint at a new URL and bumps its version.
func (r *Registry) UpdateURL(ctx context.Context, endpointID, rawURL string) (Endpoint, error) {
	u, err := normalizeURL(rawURL)
	if err != nil {
		return Endpoint{}, err
	}
	return r.store.UpdateURL(ctx, endpointID, u, r.now())
}

func (r *Registry) ListActiveEndpoints(ctx context.Context, tenantID string) ([]Endpoint, error) {
	return r.store.ListActiveEndpoints(ctx, tenantID)
}

func normalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.ParseRequestURI(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: scheme must be http or https", ErrInvalidURL)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return u.String(), nil
}

// generateSecret generates a random base64-encoded string of n bytes
func generateSecret(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
