package apperrors

import (
	"errors"
	"net/http"
)

// Body is the JSON error document returned by the HTTP API.
type Body struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Field string `json:"field,omitempty"`
}

// HTTPStatus maps an error to the appropriate HTTP status code.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Code returns a stable machine-readable name for the error class.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "invalid_request"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	default:
		return "internal"
	}
}

// ToBody renders err for an API response. Internal causes are not exposed.
func ToBody(err error) Body {
	b := Body{Error: err.Error(), Code: Code(err)}
	var appErr *Error
	if errors.As(err, &appErr) {
		b.Field = appErr.Field
		if errors.Is(err, ErrInternal) {
			b.Error = appErr.Op + " failed"
		}
	} else if b.Code == "internal" {
		b.Error = "internal error"
	}
	return b
}
