/*
types.go - Withdrawal request lifecycle

PURPOSE:
  A withdrawal redeems Sweeps Coins. It is gated by identity verification
  and by two human approvals, staff first, then admin.

STATE MACHINE:

    requested ──staff approve──▶ staff_approved ──admin approve──▶ admin_approved ──▶ released
        │                              │
   staff reject                   admin reject
        ▼                              ▼
    staff_rejected ──────┐        admin_rejected
                         └──────────────┴──────────▶ reversed

  staff_rejected, admin_rejected and admin_approved are intermediate. Each
  is persisted before its side effect runs (reversal credit or payout
  notification) and then advances on its own.

LEDGER EFFECTS:
  create             withdrawal_reserve  -amount SC   (immediately)
  any rejection      withdrawal_reversal +amount SC
  release            none; the reserve already removed the coins

  Reserve and reversal are posted with idempotency keys derived from the
  request id, so retries never double-post.

SEE ALSO:
  - transitions.go: The only place legal moves are defined
  - engine.go: Applies decisions and runs side effects
*/
package withdrawal

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/coin-ledger/ledger"
	"github.com/warp/coin-ledger/profile"
)

// =============================================================================
// STATES, ROLES, VERDICTS
// =============================================================================

type State string

const (
	StateRequested     State = "requested"
	StateStaffApproved State = "staff_approved"
	StateStaffRejected State = "staff_rejected"
	StateAdminApproved State = "admin_approved"
	StateAdminRejected State = "admin_rejected"
	StateReleased      State = "released"
	StateReversed      State = "reversed"
)

// Terminal reports whether no further transition exists.
func (s State) Terminal() bool {
	return s == StateReleased || s == StateReversed
}

// Pending reports whether the request waits for a human decision.
func (s State) Pending() bool {
	return s == StateRequested || s == StateStaffApproved
}

// Role is the reviewer stage a decision belongs to.
type Role string

const (
	RoleStaff Role = "staff"
	RoleAdmin Role = "admin"
)

func (r Role) Valid() bool { return r == RoleStaff || r == RoleAdmin }

type Verdict string

const (
	Approve Verdict = "approve"
	Reject  Verdict = "reject"
)

func (v Verdict) Valid() bool { return v == Approve || v == Reject }

// Decision records one reviewer's verdict.
type Decision struct {
	Verdict Verdict
	ActorID string
	At      time.Time
}

// =============================================================================
// REQUEST
// =============================================================================

// Request is a withdrawal and its approval history. Requests are never deleted.
type Request struct {
	ID        string
	AccountID ledger.AccountID
	Amount    decimal.Decimal // SC, positive
	Method    string

	// IdentityStatus is captured when the request is created. Later changes
	// to the account's verification do not affect the request.
	IdentityStatus profile.Status

	State         State
	StaffDecision *Decision
	AdminDecision *Decision

	ReserveTxID ledger.TransactionID
	SettleTxID  ledger.TransactionID // reversal tx when reversed

	CreatedAt time.Time
	UpdatedAt time.Time
}

// decision returns the recorded decision for role, nil if none.
func (r Request) decision(role Role) *Decision {
	if role == RoleAdmin {
		return r.AdminDecision
	}
	return r.StaffDecision
}

func (r *Request) record(role Role, d Decision) {
	if role == RoleAdmin {
		r.AdminDecision = &d
		return
	}
	r.StaffDecision = &d
}
