/*
errors.go - Centralized error types for the ledger engine

PURPOSE:
  Every failure returned by the engine carries a stable kind plus a
  human-readable message. Callers branch with errors.Is on the sentinels
  or with KindOf; storage details never appear in messages.

ERROR KINDS:
  invalid_input        missing/malformed reason, amount, kind or paging
  not_found            no balance record (or user) for the given id
  insufficient_funds   debit exceeds cash, or paydown with zero cash
  no_debt              paydown with no outstanding revolving debt
  persistence_failure  store write failed after validation passed

SEE ALSO:
  - engine.go: Produces these errors
  - api/handlers.go: Maps kinds to HTTP status codes
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrNotFound          = errors.New("not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrNoDebt            = errors.New("no outstanding credit card debt")
	ErrPersistence       = errors.New("persistence failure")

	// ErrSchemaMismatch is returned by a store when a write references a
	// column the current schema does not have. The writer falls back to the
	// minimal profile on it; it never escapes the engine.
	ErrSchemaMismatch = errors.New("schema mismatch")

	// ErrDuplicateEmail is returned by a store when the email is taken.
	ErrDuplicateEmail = errors.New("email already registered")
)

// ErrorKind is the stable tag of an engine error.
type ErrorKind string

const (
	KindInvalidInput       ErrorKind = "invalid_input"
	KindNotFound           ErrorKind = "not_found"
	KindInsufficientFunds  ErrorKind = "insufficient_funds"
	KindNoDebt             ErrorKind = "no_debt"
	KindPersistenceFailure ErrorKind = "persistence_failure"
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InputError describes a rejected input field.
type InputError struct {
	Field   string
	Message string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *InputError) Unwrap() error { return ErrInvalidInput }

func invalid(field, msg string) error {
	return &InputError{Field: field, Message: msg}
}

// InsufficientFundsError provides details about a cash shortage.
type InsufficientFundsError struct {
	UserID    UserID
	Available decimal.Decimal
	Requested decimal.Decimal
}

// Shortfall is how much cash is missing.
func (e *InsufficientFundsError) Shortfall() decimal.Decimal {
	return e.Requested.Sub(e.Available)
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: available %s, requested %s",
		FormatMoney(e.Available), FormatMoney(e.Requested))
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// PersistenceError wraps a store failure. The cause is kept for logs and
// errors.Is but is not part of Error().
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s", e.Op)
}

func (e *PersistenceError) Unwrap() []error { return []error{ErrPersistence, e.Err} }

func persistence(op string, err error) error {
	return &PersistenceError{Op: op, Err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// KindOf returns the kind of err. Unknown errors are persistence failures.
func KindOf(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrPersistence):
		return KindPersistenceFailure
	case errors.Is(err, ErrInvalidInput):
		return KindInvalidInput
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrInsufficientFunds):
		return KindInsufficientFunds
	case errors.Is(err, ErrNoDebt):
		return KindNoDebt
	default:
		return KindPersistenceFailure
	}
}

// IsClientError returns true if the error is due to the caller's request.
func IsClientError(err error) bool {
	return KindOf(err) != KindPersistenceFailure
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
