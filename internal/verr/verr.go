// Package verr defines the orchestration error taxonomy.
// Every caller-visible failure carries a stable category
// string; raw causes stay inside the error chain.
package verr

import (
	"errors"
	"fmt"
)

// Category is the stable machine-readable error category
// surfaced to callers and logs.
type Category string

const (
	CategorySchemaInvalid   Category = "schema_invalid"
	CategoryDispatchFailed  Category = "dispatch_failed"
	CategoryAuthFailed      Category = "auth_failed"
	CategoryNotFound        Category = "not_found"
	CategoryConflict        Category = "conflict"
	CategoryStuckNoCallback Category = "stuck_no_callback"
)

// SchemaError reports a malformed or invalid envelope. It
// is non-retryable and raised before any side effect.
type SchemaError struct {
	Field  string
	Reason string
}

func (e *SchemaError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid envelope: %s", e.Reason)
	}
	return fmt.Sprintf("invalid envelope: field %q: %s", e.Field, e.Reason)
}

func (e *SchemaError) Category() Category { return CategorySchemaInvalid }

// DispatchError reports a backend trigger failure. It is
// retryable with backoff up to a bounded attempt count.
type DispatchError struct {
	Attempts int
	Cause    error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch failed after %d attempt(s): %v", e.Attempts, e.Cause)
}

func (e *DispatchError) Unwrap() error      { return e.Cause }
func (e *DispatchError) Category() Category { return CategoryDispatchFailed }

// AuthError reports an invalid, expired, or mismatched
// callback token. The message is deliberately uniform so
// the rejection reason does not leak to the caller.
type AuthError struct {
	Cause error
}

func (e *AuthError) Error() string      { return "callback authentication failed" }
func (e *AuthError) Unwrap() error      { return e.Cause }
func (e *AuthError) Category() Category { return CategoryAuthFailed }

// NotFoundError reports an unknown run id.
type NotFoundError struct {
	RunID string
}

func (e *NotFoundError) Error() string      { return fmt.Sprintf("run %s not found", e.RunID) }
func (e *NotFoundError) Category() Category { return CategoryNotFound }

// ConflictError reports a contradicting terminal-state
// write. It is logged, never surfaced as a failure.
type ConflictError struct {
	RunID    string
	Existing string
	Proposed string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("run %s already terminal in %s, refusing %s", e.RunID, e.Existing, e.Proposed)
}

func (e *ConflictError) Category() Category { return CategoryConflict }

// Categorized is implemented by every error in the taxonomy.
type Categorized interface {
	error
	Category() Category
}

// CategoryOf extracts the stable category from err, or
// empty when err is outside the taxonomy.
func CategoryOf(err error) Category {
	var c Categorized
	if errors.As(err, &c) {
		return c.Category()
	}
	return ""
}

// IsSchema reports whether err is a SchemaError.
func IsSchema(err error) bool {
	var e *SchemaError
	return errors.As(err, &e)
}

// IsAuth reports whether err is an AuthError.
func IsAuth(err error) bool {
	var e *AuthError
	return errors.As(err, &e)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var e *ConflictError
	return errors.As(err, &e)
}
