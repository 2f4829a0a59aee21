package http

import (
	"errors"
	"net/http"

	"github.com/go-chi/render"

	apperrors "licensecore/internal/errors"
	"licensecore/internal/middleware"
	"licensecore/internal/services"
)

// Validator validates decoded request structs.
type Validator interface {
	ValidateStruct(v interface{}) error
}

// responder renders service results and errors in one place so every handler
// produces the same problem documents.
type responder struct {
	errors    *apperrors.ErrorHandler
	validator Validator
}

func (rs responder) fail(w http.ResponseWriter, r *http.Request, err error) {
	rs.errors.HandleError(w, r, translateServiceError(err))
}

// decode reads a JSON body into dst and validates it. It writes the problem
// response itself and reports false on failure.
func (rs responder) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := render.DecodeJSON(r.Body, dst); err != nil {
		rs.errors.HandleError(w, r, apperrors.InvalidRequestWithError(err))
		return false
	}
	return rs.validate(w, r, dst)
}

func (rs responder) validate(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if rs.validator == nil {
		return true
	}
	if err := rs.validator.ValidateStruct(v); err != nil {
		rs.errors.HandleError(w, r, err)
		return false
	}
	return true
}

// translateServiceError maps service sentinels onto API errors. Kind errors
// pass through and are rendered by the error handler.
func translateServiceError(err error) error {
	switch {
	case errors.Is(err, services.ErrAdminDisabled):
		return apperrors.New(http.StatusForbidden, "FORBIDDEN", "Activation administration is disabled")
	case errors.Is(err, services.ErrServiceUnavailable):
		return apperrors.ErrServiceUnavailable
	case errors.Is(err, services.ErrInvalidInput):
		return apperrors.InvalidRequestWithError(err)
	default:
		return err
	}
}

func traceID(r *http.Request) string {
	return middleware.GetRequestID(r.Context())
}
