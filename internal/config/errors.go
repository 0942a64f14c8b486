package config

import (
	"errors"
	"fmt"
)

// ErrConfigInvalid is wrapped by every error Load and Validate return.
var ErrConfigInvalid = errors.New("config: invalid configuration")

// FieldError reports a single rejected configuration field.
type FieldError struct {
	// Field is the yaml path of the offending value, e.g. "joints[3].scale".
	Field string

	// Reason is a short human-readable explanation.
	Reason string
}

// Error implements the error interface.
func (e *FieldError) Error() string {
	return fmt.Sprintf("config: invalid %s: %s", e.Field, e.Reason)
}

// Unwrap lets errors.Is match ErrConfigInvalid.
func (e *FieldError) Unwrap() error {
	return ErrConfigInvalid
}

// IsInvalid reports whether err is a configuration error.
func IsInvalid(err error) bool {
	return errors.Is(err, ErrConfigInvalid)
}

func fieldErr(field, format string, args ...any) error {
	return &FieldError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
