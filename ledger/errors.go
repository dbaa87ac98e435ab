/*
errors.go - Centralized error types for the collectible ledger

ERROR CATEGORIES:
  1. Validation errors - bad input, surfaced to the caller, never retried
  2. Conflict errors   - lost a race on a wallet key; retried internally
  3. Availability      - retries exhausted; the caller may retry later

A wallet that does not exist is NOT an error: reads return a zero view.

USAGE:
  if errors.Is(err, ledger.ErrValidation) {
      // 400
  }
  if errors.Is(err, ledger.ErrTemporarilyUnavailable) {
      // 503, the CollectibleRecord is already persisted
  }
*/
package ledger

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is the root of every input validation failure.
	ErrValidation = errors.New("validation failed")

	// ErrConflict is the root of every lost race on a wallet key.
	ErrConflict = errors.New("conflict")

	// ErrWalletConflict is returned by stores when a wallet insert hits the
	// (tenant, family) or (tenant, member) uniqueness constraint.
	ErrWalletConflict = errors.New("wallet already exists for payer key")

	// ErrConcurrentModification is returned when a wallet's version changed
	// between read and write.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrDuplicateReference is returned when a transaction referencing the
	// same collectible record already exists.
	ErrDuplicateReference = errors.New("duplicate transaction reference")

	ErrDuplicateRecord = errors.New("collectible record already exists")
	ErrRecordNotFound  = errors.New("collectible record not found")

	// ErrTemporarilyUnavailable is returned when conflicts persist after all
	// retries. The payment record is safe; applying it again is idempotent.
	ErrTemporarilyUnavailable = errors.New("ledger temporarily unavailable, retry")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// FieldError describes one failed field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError lists every field that failed.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return ErrValidation.Error()
	}
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Field + ": " + f.Message
	}
	return fmt.Sprintf("%s: %s", ErrValidation, strings.Join(parts, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func (e *ValidationError) add(field, msg string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: msg})
}

// orNil returns nil when no field failed.
func (e *ValidationError) orNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

func newValidationError(field, msg string) *ValidationError {
	e := &ValidationError{}
	e.add(field, msg)
	return e
}

// ConflictError carries the payer key that lost the race.
type ConflictError struct {
	TenantID TenantID
	Payer    PayerKey
	Err      error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on wallet %s/%s: %v", e.TenantID, e.Payer, e.Err)
}

// Unwrap exposes both ErrConflict and the store-level cause.
func (e *ConflictError) Unwrap() []error { return []error{ErrConflict, e.Err} }

// partialApplicationError marks a unit of work that changed the balance but
// could not append the transaction (or the reverse). Returning it from a
// WithTx callback forces the rollback; the updater unwraps it to the cause
// so it is never observable outside this package.
type partialApplicationError struct {
	Stage string
	Cause error
}

func (e *partialApplicationError) Error() string {
	return fmt.Sprintf("partial ledger application at %s: %v", e.Stage, e.Cause)
}

func (e *partialApplicationError) Unwrap() error { return e.Cause }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrWalletConflict) ||
		errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrTemporarilyUnavailable)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrDuplicateRecord)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRecordNotFound)
}
