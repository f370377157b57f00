package registry

import "errors"

var (
	ErrUnknownTenant     = errors.New("unknown tenant")
	ErrTenantDisabled    = errors.New("tenant is disabled")
	ErrDuplicateTenant   = errors.New("tenant already exists")
	ErrInvalidTenant     = errors.New("invalid tenant")
	ErrUnknownEndpoint   = errors.New("unknown endpoint")
	ErrDuplicateEndpoint = errors.New("an active endpoint with this url already exists")
	ErrInvalidURL        = errors.New("invalid endpoint url")
)
