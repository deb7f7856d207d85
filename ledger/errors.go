/*
errors.go - Centralized error types for the ledger

PURPOSE:
  All ledger error types in one place. Higher layers (withdrawal, bonus,
  api) match on these with errors.Is / errors.As and add their own context.

ERROR CATEGORIES:
  1. Business rejections - InsufficientFunds. Expected, not a fault.
  2. Validation errors   - Malformed postings (zero amount, unknown currency)
  3. Store errors        - StoreUnavailable, LockTimeout. Retryable.

  A repeated idempotency key is NOT surfaced to callers of the Poster as an
  error. It is reported through Result.Duplicate. ErrDuplicateIdempotencyKey
  only travels between a Store and the Poster.

SEE ALSO:
  - poster.go: Maps store outcomes onto these errors
  - api/errors.go: HTTP status mapping
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
	// ErrInsufficientFunds is returned when a posting would drive a balance
	// below zero.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrDuplicateIdempotencyKey is returned by a Store when the key is
	// already registered.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrStoreUnavailable wraps every infrastructure failure. Callers may retry.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrLockTimeout is returned when a per-balance lock could not be taken
	// within the configured bound. It is a StoreUnavailable.
	ErrLockTimeout = fmt.Errorf("%w: lock wait timed out", ErrStoreUnavailable)

	// ErrUnknownCurrency is returned for anything other than GC or SC.
	ErrUnknownCurrency = errors.New("unknown currency")

	// ErrInvalidPosting is returned for malformed postings.
	ErrInvalidPosting = errors.New("invalid posting")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientFundsError provides details about a rejected debit.
type InsufficientFundsError struct {
	AccountID AccountID
	Currency  Currency
	Balance   decimal.Decimal
	Requested decimal.Decimal
	Shortfall decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: %s %s balance %s, requested %s, shortfall %s",
		e.AccountID, e.Currency, e.Balance, e.Requested, e.Shortfall)
}

func (e *InsufficientFundsError) Unwrap() error {
	return ErrInsufficientFunds
}

// Unavailable wraps an infrastructure failure so that it matches
// ErrStoreUnavailable while keeping the cause inspectable.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}

// IsClientError returns true if the error is due to the request itself.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrUnknownCurrency) ||
		errors.Is(err, ErrInvalidPosting)
}
