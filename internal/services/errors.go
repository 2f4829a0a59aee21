package services

import "errors"

// Service errors
var (
	// ErrAdminDisabled is returned by ledger administration when the admin
	// API is switched off in configuration.
	ErrAdminDisabled = errors.New("activation admin API is disabled")

	// ErrInvalidInput wraps request values a service refuses.
	ErrInvalidInput = errors.New("invalid input")

	// ErrServiceUnavailable is returned when a collaborator was not configured.
	ErrServiceUnavailable = errors.New("service temporarily unavailable")
)
