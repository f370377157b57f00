package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/austindbirch/hookline/internal/delivery"
	"github.com/austindbirch/hookline/internal/ingest"
	"github.com/austindbirch/hookline/internal/registry"
	"github.com/austindbirch/hookline/internal/tracker"
)

func (e *Engine) Register(ctx context.Context, tenantID, name string) (registry.Tenant, error) {
	t, err := e.registry.Register(ctx, tenantID, name)
	if err != nil {
		return registry.Tenant{}, err
	}
	e.logger.WithContext(ctx).WithTenant(t.ID).Info("Tenant registered")
	return t, nil
}

func (e *Engine) GetTenant(ctx context.Context, tenantID string) (registry.Tenant, error) {
	return e.registry.GetTenant(ctx, tenantID)
}

// DisableTenant stops new ingestion for the tenant. Deliveries already
// created keep running.
func (e *Engine) DisableTenant(ctx context.Context, tenantID string) (registry.Tenant, error) {
	if err := e.registry.DisableTenant(ctx, tenantID); err != nil {
		return registry.Tenant{}, err
	}
	e.logger.WithContext(ctx).WithTenant(tenantID).Info("Tenant disabled")
	return e.registry.GetTenant(ctx, tenantID)
}

func (e *Engine) AddEndpoint(ctx context.Context, tenantID, url, description, secret string) (registry.Endpoint, error) {
	ep, err := e.registry.AddEndpoint(ctx, tenantID, url, description, secret)
	if err != nil {
		return registry.Endpoint{}, err
	}
	e.logger.WithContext(ctx).WithTenant(tenantID).WithEndpoint(ep.ID).
		WithField("url", ep.URL).Info("Endpoint registered")
	return ep, nil
}

func (e *Engine) ListEndpoints(ctx context.Context, tenantID string) ([]registry.Endpoint, error) {
	return e.registry.ListActiveEndpoints(ctx, tenantID)
}

// GetEndpoint returns an endpoint only when tenantID owns it.
func (e *Engine) GetEndpoint(ctx context.Context, tenantID, endpointID string) (registry.Endpoint, error) {
	ep, err := e.registry.GetEndpoint(ctx, endpointID)
	if err != nil {
		return registry.Endpoint{}, err
	}
	if ep.TenantID != tenantID {
		return registry.Endpoint{}, fmt.Errorf("%w: %s", registry.ErrUnknownEndpoint, endpointID)
	}
	return ep, nil
}

// UpdateEndpointURL takes effect from the next attempt of any delivery,
// including ones already queued.
func (e *Engine) UpdateEndpointURL(ctx context.Context, tenantID, endpointID, url string) (registry.Endpoint, error) {
	if _, err := e.GetEndpoint(ctx, tenantID, endpointID); err != nil {
		return registry.Endpoint{}, err
	}
	return e.registry.UpdateURL(ctx, endpointID, url)
}

func (e *Engine) RotateSecret(ctx context.Context, tenantID, endpointID string) (registry.Endpoint, error) {
	if _, err := e.GetEndpoint(ctx, tenantID, endpointID); err != nil {
		return registry.Endpoint{}, err
	}
	ep, err := e.registry.RotateSecret(ctx, endpointID)
	if err != nil {
		return registry.Endpoint{}, err
	}
	e.logger.WithContext(ctx).WithTenant(tenantID).WithEndpoint(endpointID).
		WithField("version", ep.Version).Info("Endpoint secret rotated")
	return ep, nil
}

// DisableEndpoint soft-deletes the endpoint and fails its queued deliveries
// with EndpointDisabled. It returns how many deliveries were cancelled.
// When the scheduler is not running the endpoint is still disabled and the
// workers fail its deliveries once they are recovered.
func (e *Engine) DisableEndpoint(ctx context.Context, tenantID, endpointID string) (registry.Endpoint, int, error) {
	if _, err := e.GetEndpoint(ctx, tenantID, endpointID); err != nil {
		return registry.Endpoint{}, 0, err
	}
	ep, err := e.registry.DisableEndpoint(ctx, endpointID)
	if err != nil {
		return registry.Endpoint{}, 0, err
	}
	n, err := e.scheduler.CancelEndpoint(ctx, endpointID)
	if err != nil && !errors.Is(err, delivery.ErrSchedulerStopped) {
		return ep, n, fmt.Errorf("cancel deliveries: %w", err)
	}
	e.logger.WithContext(ctx).WithTenant(tenantID).WithEndpoint(endpointID).
		WithField("cancelled", n).Info("Endpoint disabled")
	return ep, n, nil
}

func (e *Engine) Ingest(ctx context.Context, ev ingest.Event) (ingest.Result, error) {
	return e.ingest.Ingest(ctx, ev)
}

func (e *Engine) GetStatus(ctx context.Context, tenantID, messageID string) (tracker.Status, error) {
	if _, err := e.registry.GetTenant(ctx, tenantID); err != nil {
		return tracker.Status{}, err
	}
	return e.tracker.GetStatus(ctx, tenantID, messageID)
}

// ListDeliveries lists the tenant's deliveries matching f. An endpoint
// filter must name one of the tenant's endpoints, disabled ones included.
func (e *Engine) ListDeliveries(ctx context.Context, tenantID string, f tracker.DeliveryFilter) ([]tracker.Delivery, error) {
	if _, err := e.registry.GetTenant(ctx, tenantID); err != nil {
		return nil, err
	}
	if f.EndpointID != "" {
		if _, err := e.GetEndpoint(ctx, tenantID, f.EndpointID); err != nil {
			return nil, err
		}
	}
	f.TenantID = tenantID
	return e.tracker.ListDeliveries(ctx, f)
}
