/*
errors.go - Centralized error types for the points ledger

PURPOSE:
  All error types in one place so every engine and the API agree on the
  taxonomy. Domain packages wrap these with context but never invent a
  parallel classification.

ERROR CATEGORIES:
  1. InsufficientFunds  - a debit exceeds the spendable balance
  2. InvariantViolation - a reserved bucket went negative or history drifted
  3. Validation         - the request breaks a configured bound
  4. ConcurrencyConflict- optimistic retries exhausted on a hot balance
  5. OperationFailed    - the store was unavailable or timed out

USAGE:
  if errors.Is(err, points.ErrInsufficientFunds) { ... }

  var ife *points.InsufficientFundsError
  if errors.As(err, &ife) { fmt.Println(ife.Shortfall) }

SEE ALSO:
  - recorder.go: Produces most of these errors
  - api/errors.go: Maps them onto HTTP responses
*/
package points

import (
	"context"
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInvariantViolation marks a state that must be reconciled by hand.
	ErrInvariantViolation = errors.New("invariant violation")

	ErrValidation = errors.New("validation failed")

	// ErrConcurrencyConflict is returned once optimistic retries are exhausted.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrOperationFailed wraps store failures and timeouts. The operation
	// did not commit and may be retried by the caller.
	ErrOperationFailed = errors.New("operation failed")

	// ErrConcurrentModification is returned by Store.SaveBalance when the
	// stored version no longer matches. The Recorder retries on it.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	ErrNotFound = errors.New("not found")

	ErrStudentNotFound = fmt.Errorf("student %w", ErrNotFound)

	ErrInvalidTransition = errors.New("invalid status transition")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientFundsError provides details about a balance shortage.
// At checkout it is reported as "insufficient points".
type InsufficientFundsError struct {
	StudentID StudentID
	Bucket    Bucket
	Available Points
	Requested Points
}

func (e *InsufficientFundsError) Shortfall() Points { return e.Requested - e.Available }

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient %s points: available %d, requested %d, shortfall %d",
		e.Bucket, e.Available, e.Requested, e.Shortfall())
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// InvariantViolationError describes an internal balance that cannot be right.
type InvariantViolationError struct {
	StudentID StudentID
	Bucket    string
	Value     Points
	Detail    string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("invariant violation for student %s: %s=%d: %s",
		e.StudentID, e.Bucket, e.Value, e.Detail)
}

func (e *InvariantViolationError) Unwrap() error { return ErrInvariantViolation }

// ValidationError reports a request that breaks a configured bound.
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

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Invalid is shorthand for a ValidationError.
func Invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ConcurrencyConflictError is returned when a student's balance kept
// changing underneath every attempt.
type ConcurrencyConflictError struct {
	StudentID StudentID
	Attempts  int
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("balance of student %s changed concurrently, gave up after %d attempts",
		e.StudentID, e.Attempts)
}

func (e *ConcurrencyConflictError) Unwrap() error { return ErrConcurrencyConflict }

// TransitionError reports an illegal lifecycle move (order, withdrawal, ...).
type TransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s %s cannot move from %s to %s", e.Entity, e.ID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// OperationFailed wraps a store error so callers can tell it apart from
// business rejections. Business errors pass through unchanged.
func OperationFailed(op string, err error) error {
	if err == nil {
		return nil
	}
	if isBusinessError(err) || errors.Is(err, ErrOperationFailed) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrOperationFailed, op, err)
}

func isBusinessError(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrInvariantViolation) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrConcurrencyConflict) ||
		errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrDuplicateIdempotencyKey) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInvalidTransition)
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the caller may retry the whole operation.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrOperationFailed) ||
		errors.Is(err, ErrConcurrencyConflict) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IsClientError returns true if the error is due to the request itself.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrDuplicateIdempotencyKey) ||
		errors.Is(err, ErrInvalidTransition)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
