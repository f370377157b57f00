// Package api serves the tenant registration, ingestion and status HTTP API.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/hookline/internal/ingest"
	"github.com/austindbirch/hookline/internal/logging"
	"github.com/austindbirch/hookline/internal/registry"
	"github.com/austindbirch/hookline/internal/tracing"
	"github.com/austindbirch/hookline/internal/tracker"
)

const maxBodyBytes = 1 << 20

// Service is the tenant-scoped surface of the engine.
type Service interface {
	Register(ctx context.Context, tenantID, name string) (registry.Tenant, error)
	GetTenant(ctx context.Context, tenantID string) (registry.Tenant, error)
	DisableTenant(ctx context.Context, tenantID string) (registry.Tenant, error)
	AddEndpoint(ctx context.Context, tenantID, url, description, secret string) (registry.Endpoint, error)
	ListEndpoints(ctx context.Context, tenantID string) ([]registry.Endpoint, error)
	UpdateEndpointURL(ctx context.Context, tenantID, endpointID, url string) (registry.Endpoint, error)
	RotateSecret(ctx context.Context, tenantID, endpointID string) (registry.Endpoint, error)
	DisableEndpoint(ctx context.Context, tenantID, endpointID string) (registry.Endpoint, int, error)
	Ingest(ctx context.Context, ev ingest.Event) (ingest.Result, error)
	GetStatus(ctx context.Context, tenantID, messageID string) (tracker.Status, error)
	ListDeliveries(ctx context.Context, tenantID string, f tracker.DeliveryFilter) ([]tracker.Delivery, error)
}

type Server struct {
	svc    Service
	logger *logging.Logger
	mux    *runtime.ServeMux
}

func New(svc Service, logger *logging.Logger) (*Server, error) {
	if logger == nil {
		logger = logging.New("hookline-api")
	}
	s := &Server{svc: svc, logger: logger}
	s.mux = runtime.NewServeMux(runtime.WithRoutingErrorHandler(s.routingError))

	routes := []struct {
		method, pattern string
		h               runtime.HandlerFunc
	}{
		{http.MethodPost, "/tenants", s.createTenant},
		{http.MethodGet, "/tenants/{tenant_id}", s.getTenant},
		{http.MethodPost, "/tenants/{tenant_id}/disable", s.disableTenant},
		{http.MethodPost, "/tenants/{tenant_id}/endpoints", s.createEndpoint},
		{http.MethodGet, "/tenants/{tenant_id}/endpoints", s.listEndpoints},
		{http.MethodPatch, "/tenants/{tenant_id}/endpoints/{endpoint_id}", s.updateEndpoint},
		{http.MethodPost, "/tenants/{tenant_id}/endpoints/{endpoint_id}/rotate-secret", s.rotateSecret},
		{http.MethodPost, "/tenants/{tenant_id}/endpoints/{endpoint_id}/disable", s.disableEndpoint},
		{http.MethodPost, "/tenants/{tenant_id}/events", s.ingestEvent},
		{http.MethodGet, "/tenants/{tenant_id}/messages/{message_id}", s.getStatus},
		{http.MethodGet, "/tenants/{tenant_id}/deliveries", s.listDeliveries},
	}
	for _, rt := range routes {
		if err := s.mux.HandlePath(rt.method, rt.pattern, s.traced(rt.pattern, rt.h)); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// traced continues any incoming W3C trace and wraps the handler in a span.
func (s *Server) traced(pattern string, h runtime.HandlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		ctx := tracing.ExtractHTTP(r.Context(), r.Header)
		ctx, span := tracing.StartSpan(ctx, r.Method+" "+pattern,
			attribute.String("http.method", r.Method),
			attribute.String("http.route", pattern),
			attribute.String("tenant_id", params["tenant_id"]),
		)
		defer span.End()
		h(w, r.WithContext(ctx), params)
	}
}

func (s *Server) routingError(_ context.Context, _ *runtime.ServeMux, _ runtime.Marshaler, w http.ResponseWriter, _ *http.Request, status int) {
	code := "NotFound"
	if status == http.StatusMethodNotAllowed {
		code = "MethodNotAllowed"
	}
	writeJSON(w, status, errorBody{Error: http.StatusText(status), Code: code})
}

type createTenantRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (s *Server) createTenant(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req createTenantRequest
	if !s.decode(w, r, &req) {
		return
	}
	t, err := s.svc.Register(r.Context(), req.ID, req.Name)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) getTenant(w http.ResponseWriter, r *http.Request, p map[string]string) {
	t, err := s.svc.GetTenant(r.Context(), p["tenant_id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) disableTenant(w http.ResponseWriter, r *http.Request, p map[string]string) {
	t, err := s.svc.DisableTenant(r.Context(), p["tenant_id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type endpointRequest struct {
	URL         string `json:"url"`
	Description string `json:"description"`
	Secret      string `json:"secret"`
}

// endpointWithSecret is only returned by create and rotate; the secret is
// never readable afterwards.
type endpointWithSecret struct {
	EndpointID string `json:"endpointId"`
	registry.Endpoint
	Secret string `json:"secret"`
}

func withSecret(ep registry.Endpoint) endpointWithSecret {
	return endpointWithSecret{EndpointID: ep.ID, Endpoint: ep, Secret: ep.Secret}
}

func (s *Server) createEndpoint(w http.ResponseWriter, r *http.Request, p map[string]string) {
	var req endpointRequest
	if !s.decode(w, r, &req) {
		return
	}
	ep, err := s.svc.AddEndpoint(r.Context(), p["tenant_id"], req.URL, req.Description, req.Secret)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, withSecret(ep))
}

func (s *Server) listEndpoints(w http.ResponseWriter, r *http.Request, p map[string]string) {
	eps, err := s.svc.ListEndpoints(r.Context(), p["tenant_id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if eps == nil {
		eps = []registry.Endpoint{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"endpoints": eps})
}

func (s *Server) updateEndpoint(w http.ResponseWriter, r *http.Request, p map[string]string) {
	var req endpointRequest
	if !s.decode(w, r, &req) {
		return
	}
	ep, err := s.svc.UpdateEndpointURL(r.Context(), p["tenant_id"], p["endpoint_id"], req.URL)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ep)
}

func (s *Server) rotateSecret(w http.ResponseWriter, r *http.Request, p map[string]string) {
	ep, err := s.svc.RotateSecret(r.Context(), p["tenant_id"], p["endpoint_id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, withSecret(ep))
}

type disableEndpointResponse struct {
	registry.Endpoint
	CancelledDeliveries int `json:"cancelledDeliveries"`
}

func (s *Server) disableEndpoint(w http.ResponseWriter, r *http.Request, p map[string]string) {
	ep, n, err := s.svc.DisableEndpoint(r.Context(), p["tenant_id"], p["endpoint_id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, disableEndpointResponse{Endpoint: ep, CancelledDeliveries: n})
}

type ingestRequest struct {
	EventType      string          `json:"eventType"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotencyKey"`
}

func (s *Server) ingestEvent(w http.ResponseWriter, r *http.Request, p map[string]string) {
	var req ingestRequest
	if !s.decode(w, r, &req) {
		return
	}
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		key = req.IdempotencyKey
	}
	res, err := s.svc.Ingest(r.Context(), ingest.Event{
		TenantID:       p["tenant_id"],
		EventType:      req.EventType,
		Payload:        req.Payload,
		IdempotencyKey: key,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusAccepted
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request, p map[string]string) {
	st, err := s.svc.GetStatus(r.Context(), p["tenant_id"], p["message_id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// listDeliveries accepts state, endpoint_id and limit query parameters.
// GET /tenants/{id}/deliveries?state=FAILED is the tenant's dead-letter view.
func (s *Server) listDeliveries(w http.ResponseWriter, r *http.Request, p map[string]string) {
	q := r.URL.Query()
	f := tracker.DeliveryFilter{
		EndpointID: q.Get("endpoint_id"),
		State:      tracker.State(strings.ToUpper(q.Get("state"))),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.fail(w, r, fmt.Errorf("%w: limit %q is not a number", tracker.ErrInvalidFilter, v))
			return
		}
		f.Limit = n
	}
	ds, err := s.svc.ListDeliveries(r.Context(), p["tenant_id"], f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": ds})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.fail(w, r, badRequest(err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
