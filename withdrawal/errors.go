package withdrawal

import (
	"errors"
	"fmt"

	"github.com/warp/coin-ledger/ledger"
	"github.com/warp/coin-ledger/profile"
)

var (
	// ErrInvalidTransition is returned for a decision the state machine does
	// not allow: wrong stage, or a conflicting repeat.
	ErrInvalidTransition = errors.New("invalid withdrawal transition")

	// ErrNotVerified is returned when the account's identity is not verified.
	ErrNotVerified = errors.New("identity not verified")

	ErrNotFound = errors.New("withdrawal not found")

	// ErrConcurrentUpdate is returned by a Repository when the stored state
	// no longer matches the state the caller read.
	ErrConcurrentUpdate = errors.New("withdrawal modified concurrently")

	ErrInvalidAmount = errors.New("withdrawal amount must be positive")

	// ErrPayoutFailed is returned when the payout collaborator could not be
	// notified. The request stays admin_approved and can be resumed.
	ErrPayoutFailed = fmt.Errorf("%w: payout notification failed", ledger.ErrStoreUnavailable)
)

// TransitionError details a rejected decision.
type TransitionError struct {
	ID      string
	From    State
	Role    Role
	Verdict Verdict
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid withdrawal transition: %s %s on %s (state %s)", e.Role, e.Verdict, e.ID, e.From)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// NotVerifiedError carries the status that blocked the request.
type NotVerifiedError struct {
	AccountID ledger.AccountID
	Status    profile.Status
}

func (e *NotVerifiedError) Error() string {
	return fmt.Sprintf("identity not verified: account %s is %s", e.AccountID, e.Status)
}

func (e *NotVerifiedError) Unwrap() error {
	return ErrNotVerified
}
