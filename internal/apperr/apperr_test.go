package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestValidationErrorMatchesInvalidInput(t *testing.T) {
	err := fmt.Errorf("install: %w", Invalid("mount_point", "%q is reserved", "admin"))
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput")
	}
	ve, ok := AsValidation(err)
	if !ok || ve.Field != "mount_point" || ve.Message != `"admin" is reserved` {
		t.Fatalf("unexpected validation error %#v", ve)
	}
	if (&ValidationError{Message: "webhook already exists"}).Error() != "webhook already exists" {
		t.Fatalf("form-level message should not carry a field prefix")
	}
}
