package backend

import (
	"errors"
	"fmt"
)

// ErrServerUnavailable indicates the backend could not be reached at
// the transport level (network failure, timeout, open breaker).
var ErrServerUnavailable = errors.New("backend unavailable")

// APIError is a non-2xx response from the backend.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("backend error %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("backend error %d: %s", e.Status, e.Message)
}

// ParseError is a malformed backend payload. It isolates decode
// failures from business logic: callers match on the type and report
// the offending entity and field instead of panicking on missing keys.
type ParseError struct {
	Entity string
	Field  string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse %s.%s: %v", e.Entity, e.Field, e.Err)
	}
	return fmt.Sprintf("parse %s: missing or invalid field %q", e.Entity, e.Field)
}

func (e *ParseError) Unwrap() error { return e.Err }

// newParseError builds a ParseError for a missing/invalid field.
func newParseError(entity, field string) *ParseError {
	return &ParseError{Entity: entity, Field: field}
}
