/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

AMOUNTS:
  decimal.Decimal marshals as a JSON string ("12.50") and accepts either a
  string or a number on input. Clients should send strings.

VALIDATION:
  Validation is done in handlers and domain packages, not in DTOs.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/coin-ledger/bonus"
	"github.com/warp/coin-ledger/ledger"
	"github.com/warp/coin-ledger/profile"
	"github.com/warp/coin-ledger/withdrawal"
)

// =============================================================================
// LEDGER
// =============================================================================

// BalanceDTO is an account's balance in both currencies.
type BalanceDTO struct {
	AccountID   string          `json:"account_id"`
	GoldCoins   decimal.Decimal `json:"gold_coins"`
	SweepsCoins decimal.Decimal `json:"sweeps_coins"`
}

// TransactionDTO represents a ledger transaction in API responses.
type TransactionDTO struct {
	ID             string          `json:"id"`
	Seq            int64           `json:"seq"`
	AccountID      string          `json:"account_id"`
	Currency       string          `json:"currency"`
	Amount         decimal.Decimal `json:"amount"`
	Type           string          `json:"type"`
	Description    string          `json:"description,omitempty"`
	ReferenceID    string          `json:"reference_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	BalanceAfter   decimal.Decimal `json:"balance_after"`
	CreatedAt      string          `json:"created_at"`
}

// TransactionPageDTO is one page of history, newest first.
type TransactionPageDTO struct {
	Transactions []TransactionDTO `json:"transactions"`
	NextCursor   int64            `json:"next_cursor,omitempty"`
}

// ClaimDTO is the outcome of a bonus request.
type ClaimDTO struct {
	AlreadyClaimed bool             `json:"already_claimed"`
	Multiplier     decimal.Decimal  `json:"multiplier"`
	Transactions   []TransactionDTO `json:"transactions"`
}

// =============================================================================
// WITHDRAWALS
// =============================================================================

// WithdrawalRequest is the body of POST /accounts/{id}/withdrawals.
type WithdrawalRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Method string          `json:"method"`
}

// DecisionRequest is the body of POST /withdrawals/{id}/decisions.
type DecisionRequest struct {
	Role     string `json:"role"`
	Decision string `json:"decision"`
	ActorID  string `json:"actor_id"`
}

type DecisionDTO struct {
	Decision string `json:"decision"`
	ActorID  string `json:"actor_id"`
	At       string `json:"at"`
}

// WithdrawalDTO represents a withdrawal request and its approval history.
type WithdrawalDTO struct {
	ID             string          `json:"id"`
	AccountID      string          `json:"account_id"`
	Amount         decimal.Decimal `json:"amount"`
	Method         string          `json:"method,omitempty"`
	IdentityStatus string          `json:"identity_status"`
	State          string          `json:"state"`
	StaffDecision  *DecisionDTO    `json:"staff_decision,omitempty"`
	AdminDecision  *DecisionDTO    `json:"admin_decision,omitempty"`
	ReserveTxID    string          `json:"reserve_tx_id,omitempty"`
	SettleTxID     string          `json:"settle_tx_id,omitempty"`
	CreatedAt      string          `json:"created_at"`
	UpdatedAt      string          `json:"updated_at"`
}

// =============================================================================
// PROFILES
// =============================================================================

// ProfileRequest is the body of PUT /accounts/{id}/profile.
type ProfileRequest struct {
	IdentityStatus string `json:"identity_status"`
	VIPTier        string `json:"vip_tier"`
}

type ProfileDTO struct {
	AccountID      string `json:"account_id"`
	IdentityStatus string `json:"identity_status"`
	VIPTier        string `json:"vip_tier,omitempty"`
	UpdatedAt      string `json:"updated_at,omitempty"`
}

// =============================================================================
// SETTLEMENT
// =============================================================================

// PaymentCaptureRequest is a verified payment reported by the payment processor.
type PaymentCaptureRequest struct {
	AccountID   string          `json:"account_id"`
	PackageID   string          `json:"package_id"`
	AmountPaid  decimal.Decimal `json:"amount_paid"`
	PurchaseID  string          `json:"purchase_id"`
	GoldCoins   decimal.Decimal `json:"gold_coins"`
	BonusSweeps decimal.Decimal `json:"bonus_sweeps"`
}

type CaptureDTO struct {
	Purchase  TransactionDTO `json:"purchase"`
	Duplicate bool           `json:"duplicate"`
	Bonus     *ClaimDTO      `json:"bonus,omitempty"`
}

// GameSettlementRequest is a finished round reported by the game engine.
type GameSettlementRequest struct {
	AccountID string          `json:"account_id"`
	RoundID   string          `json:"round_id"`
	Currency  string          `json:"currency"`
	Wager     decimal.Decimal `json:"wager"`
	Win       decimal.Decimal `json:"win"`
}

type RoundDTO struct {
	Wager *TransactionDTO `json:"wager,omitempty"`
	Win   *TransactionDTO `json:"win,omitempty"`
}

// =============================================================================
// ADMIN
// =============================================================================

// AdjustmentRequest is a manual balance correction. IdempotencyKey is
// optional; when set, retries with the same key post once.
type AdjustmentRequest struct {
	AccountID      string          `json:"account_id"`
	Currency       string          `json:"currency"`
	Amount         decimal.Decimal `json:"amount"`
	Reason         string          `json:"reason"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

type DriftDTO struct {
	AccountID string          `json:"account_id"`
	Currency  string          `json:"currency"`
	Projected decimal.Decimal `json:"projected"`
	Replayed  decimal.Decimal `json:"replayed"`
}

type VerifyDTO struct {
	Consistent bool       `json:"consistent"`
	Drifts     []DriftDTO `json:"drifts"`
}

type PruneDTO struct {
	Pruned int64  `json:"pruned"`
	Before string `json:"before"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func toTransactionDTO(tx ledger.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:             string(tx.ID),
		Seq:            tx.Seq,
		AccountID:      string(tx.AccountID),
		Currency:       string(tx.Currency),
		Amount:         tx.Amount,
		Type:           string(tx.Type),
		Description:    tx.Description,
		ReferenceID:    tx.ReferenceID,
		IdempotencyKey: tx.IdempotencyKey,
		BalanceAfter:   tx.BalanceAfter,
		CreatedAt:      formatTime(tx.CreatedAt),
	}
}

func toTransactionDTOs(txs []ledger.Transaction) []TransactionDTO {
	out := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		out[i] = toTransactionDTO(tx)
	}
	return out
}

func toClaimDTO(c bonus.Claim) ClaimDTO {
	return ClaimDTO{
		AlreadyClaimed: c.AlreadyClaimed,
		Multiplier:     c.Multiplier,
		Transactions:   toTransactionDTOs(c.Transactions),
	}
}

func toDecisionDTO(d *withdrawal.Decision) *DecisionDTO {
	if d == nil {
		return nil
	}
	return &DecisionDTO{Decision: string(d.Verdict), ActorID: d.ActorID, At: formatTime(d.At)}
}

func toWithdrawalDTO(req withdrawal.Request) WithdrawalDTO {
	return WithdrawalDTO{
		ID:             req.ID,
		AccountID:      string(req.AccountID),
		Amount:         req.Amount,
		Method:         req.Method,
		IdentityStatus: string(req.IdentityStatus),
		State:          string(req.State),
		StaffDecision:  toDecisionDTO(req.StaffDecision),
		AdminDecision:  toDecisionDTO(req.AdminDecision),
		ReserveTxID:    string(req.ReserveTxID),
		SettleTxID:     string(req.SettleTxID),
		CreatedAt:      formatTime(req.CreatedAt),
		UpdatedAt:      formatTime(req.UpdatedAt),
	}
}

func toProfileDTO(p profile.Profile) ProfileDTO {
	return ProfileDTO{
		AccountID:      string(p.AccountID),
		IdentityStatus: string(p.IdentityStatus),
		VIPTier:        p.Tier,
		UpdatedAt:      formatTime(p.UpdatedAt),
	}
}
