package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/austindbirch/hookline/internal/ingest"
	"github.com/austindbirch/hookline/internal/registry"
	"github.com/austindbirch/hookline/internal/tracing"
	"github.com/austindbirch/hookline/internal/tracker"
)

var errBadRequest = errors.New("malformed request body")

func badRequest(err error) error {
	return fmt.Errorf("%w: %v", errBadRequest, err)
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errorCodes = []struct {
	err    error
	status int
	code   string
}{
	{registry.ErrUnknownTenant, http.StatusNotFound, "UnknownTenant"},
	{registry.ErrUnknownEndpoint, http.StatusNotFound, "UnknownEndpoint"},
	{tracker.ErrUnknownMessage, http.StatusNotFound, "UnknownMessage"},
	{registry.ErrDuplicateTenant, http.StatusConflict, "DuplicateTenant"},
	{registry.ErrDuplicateEndpoint, http.StatusConflict, "DuplicateEndpoint"},
	{registry.ErrTenantDisabled, http.StatusConflict, "TenantDisabled"},
	{registry.ErrInvalidTenant, http.StatusBadRequest, "InvalidTenant"},
	{registry.ErrInvalidURL, http.StatusBadRequest, "InvalidURL"},
	{ingest.ErrInvalidEvent, http.StatusBadRequest, "InvalidEvent"},
	{tracker.ErrInvalidFilter, http.StatusBadRequest, "InvalidFilter"},
	{errBadRequest, http.StatusBadRequest, "InvalidRequest"},
}

func classify(err error) (int, string) {
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.status, c.code
		}
	}
	return http.StatusInternalServerError, "Internal"
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		tracing.SetSpanError(r.Context(), err)
		s.logger.WithContext(r.Context()).WithError(err).
			WithField("path", r.URL.Path).Error("request failed")
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Error: msg, Code: code})
}
