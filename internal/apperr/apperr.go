// Package apperr holds the error vocabulary shared by forge services and
// mapped to HTTP statuses by httpapi.
package apperr

import (
	"errors"
	"fmt"

	"allura.org/internal/docstore"
)

var (
	ErrNotFound     = docstore.ErrNotFound
	ErrDuplicate    = docstore.ErrDuplicate
	ErrInvalidInput = errors.New("invalid input")
	ErrForbidden    = errors.New("forbidden")
	ErrUnauthorized = errors.New("unauthorized")
	ErrRateLimited  = errors.New("rate limited")
)

// ValidationError reports a problem with one form field. An empty Field
// marks a form-level error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

// Invalid builds a ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// AsValidation extracts a ValidationError from err.
func AsValidation(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}
