/*
errors.go - Centralized error types for the commission engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Other packages wrap these errors with additional context.

ERROR CATEGORIES:
  1. Validation errors - malformed rule input, field-attributed
  2. Not-found errors  - referenced rule/group/product/order missing
  3. State errors      - illegal status transitions
  4. Upstream errors   - dependent collaborator unreachable (retryable)
  5. Consistency errors - graph invariant violated (fatal)

USAGE:
  if errors.Is(err, engine.ErrNotFound) { ... }
  var verr *engine.ValidationError
  if errors.As(err, &verr) { field := verr.Field }
*/
package engine

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is returned when a referenced entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState is returned for illegal status transitions or
	// actions attempted on a deleted/inactive rule.
	ErrInvalidState = errors.New("invalid state")

	// ErrUpstreamUnavailable is returned when a dependent collaborator
	// is temporarily unreachable. Retryable.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrInternalConsistency indicates a violated data invariant.
	// Fatal: page an operator, do not retry.
	ErrInternalConsistency = errors.New("internal consistency violation")

	// ErrDuplicatePosting is returned when a posting with the same
	// key already exists. Expected behavior for redelivered jobs.
	ErrDuplicatePosting = errors.New("duplicate posting key")

	// ErrValidation is the root of all field-attributed input errors.
	ErrValidation = errors.New("validation failed")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError identifies the offending input field. Surfaced to the
// administrator verbatim; never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func required(field, name string) *ValidationError {
	return &ValidationError{Field: field, Message: name + " is required"}
}

func invalid(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// NotFoundError names the missing entity.
type NotFoundError struct {
	Kind string // "rule", "group", "order", ...
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// InvalidStateError describes a rejected transition.
type InvalidStateError struct {
	Subject string
	From    string
	To      string
	Reason  string
}

func (e *InvalidStateError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: cannot move %s -> %s: %s", e.Subject, e.From, e.To, e.Reason)
	}
	return fmt.Sprintf("%s: cannot move %s -> %s", e.Subject, e.From, e.To)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// ConsistencyError wraps ErrInternalConsistency with detail.
type ConsistencyError struct {
	Message string
}

func (e *ConsistencyError) Error() string {
	return "internal consistency: " + e.Message
}

func (e *ConsistencyError) Unwrap() error { return ErrInternalConsistency }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUpstreamUnavailable)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrInvalidState)
}

// IsNotFound returns true if the error indicates a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
