package auth

import (
	"fmt"

	"allura.org/internal/apperr"
)

var (
	// ErrInvalidToken indicates the token failed validation.
	ErrInvalidToken = fmt.Errorf("invalid token: %w", apperr.ErrUnauthorized)
	// ErrInvalidCredentials is returned for any failed password login.
	ErrInvalidCredentials = fmt.Errorf("invalid username or password: %w", apperr.ErrUnauthorized)
	// ErrMFARequired is returned when a pending token is used for anything
	// but the second login step.
	ErrMFARequired = fmt.Errorf("second factor required: %w", apperr.ErrUnauthorized)
)
