/*
handlers.go - HTTP API handlers for the coin ledger

PURPOSE:
  Exposes the ledger, bonus issuer and withdrawal engine via REST API.
  Handles HTTP request/response and JSON serialization, and delegates to
  domain logic. Handlers never touch balances directly.

ENDPOINTS:
  Accounts:
    GET    /api/accounts/{id}/balance                  Balance in GC and SC
    GET    /api/accounts/{id}/transactions             History, newest first
    POST   /api/accounts/{id}/daily-bonus              Claim daily login bonus
    POST   /api/accounts/{id}/minigames/{game}/reward  Claim mini-game reward
    POST   /api/accounts/{id}/withdrawals              Request SC withdrawal
    PUT    /api/accounts/{id}/profile                  Set KYC status / VIP tier

  Withdrawals:
    GET    /api/withdrawals/pending?stage=staff|admin  Review queue
    GET    /api/withdrawals/{id}                       Request details
    POST   /api/withdrawals/{id}/decisions             Staff or admin verdict

  Settlement (called by collaborators):
    POST   /api/payments/captures                      Verified payment
    POST   /api/games/settlements                      Finished game round

  Admin:
    POST   /api/admin/adjustments                      Manual correction
    POST   /api/admin/projection/rebuild               Rebuild balances from log
    GET    /api/admin/projection/verify                Compare projection to log
    POST   /api/admin/idempotency/prune                Drop expired keys

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate input shape
  3. Call domain logic (poster, issuer, engine)
  4. Serialize response
  5. Map errors via writeDomainError

ERROR HANDLING:
  - 400: Validation errors, invalid input
  - 402: Insufficient funds
  - 403: Identity not verified
  - 404: Unknown withdrawal or mini-game
  - 409: Invalid withdrawal transition
  - 503: Store unavailable, lock timeout (retryable)

SECURITY NOTE:
  No authentication. Role and actor of a decision are taken from the body
  and are expected to be set by an authenticating gateway.

SEE ALSO:
  - dto.go: Request/response data structures
  - errors.go: Error to status mapping
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/warp/coin-ledger/bonus"
	"github.com/warp/coin-ledger/ledger"
	"github.com/warp/coin-ledger/profile"
	"github.com/warp/coin-ledger/settlement"
	"github.com/warp/coin-ledger/withdrawal"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store       ledger.Store
	Poster      *ledger.Poster
	Bonuses     *bonus.Issuer
	Withdrawals *withdrawal.Engine
	Profiles    profile.Directory
	Purchases   *settlement.Purchases
	Games       *settlement.Games

	// Clock is used for idempotency pruning.
	Clock func() time.Time
}

// NewHandler creates a handler. The settlement collaborators are built on
// the same poster and issuer.
func NewHandler(poster *ledger.Poster, issuer *bonus.Issuer, engine *withdrawal.Engine, profiles profile.Directory) *Handler {
	return &Handler{
		Store:       poster.Store(),
		Poster:      poster,
		Bonuses:     issuer,
		Withdrawals: engine,
		Profiles:    profiles,
		Purchases:   settlement.NewPurchases(poster, issuer),
		Games:       settlement.NewGames(poster),
		Clock:       func() time.Time { return time.Now().UTC() },
	}
}

// =============================================================================
// ACCOUNT HANDLERS
// =============================================================================

// GetBalance returns both currency balances. Unknown accounts have zero.
// GET /api/accounts/{id}/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	account := ledger.AccountID(chi.URLParam(r, "id"))

	balances, err := ledger.AccountBalances(r.Context(), h.Store, account)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, BalanceDTO{
		AccountID:   string(account),
		GoldCoins:   balances.Of(ledger.GoldCoins),
		SweepsCoins: balances.Of(ledger.SweepsCoins),
	})
}

// GetTransactions returns one page of history, newest first.
// GET /api/accounts/{id}/transactions?limit=&cursor=&currency=
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	account := ledger.AccountID(chi.URLParam(r, "id"))
	q := r.URL.Query()

	limit := defaultPageSize
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = min(n, maxPageSize)
	}

	filter := ledger.HistoryFilter{Order: ledger.NewestFirst, BatchSize: limit + 1}
	if s := q.Get("cursor"); s != "" {
		cursor, err := strconv.ParseInt(s, 10, 64)
		if err != nil || cursor < 0 {
			writeError(w, http.StatusBadRequest, "Invalid cursor", err)
			return
		}
		filter.Cursor = cursor
	}
	if s := q.Get("currency"); s != "" {
		currency, err := ledger.ParseCurrency(s)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		filter.Currency = currency
	}

	page, err := ledger.CollectPage(h.Store.History(r.Context(), account, filter), limit)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, TransactionPageDTO{
		Transactions: toTransactionDTOs(page.Transactions),
		NextCursor:   page.NextCursor,
	})
}

// ClaimDailyBonus grants the daily bonus. A repeat claim on the same UTC
// day returns 200 with already_claimed set.
// POST /api/accounts/{id}/daily-bonus
func (h *Handler) ClaimDailyBonus(w http.ResponseWriter, r *http.Request) {
	claim, err := h.Bonuses.ClaimDaily(r.Context(), ledger.AccountID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toClaimDTO(claim))
}

// ClaimMiniGameReward grants a mini-game reward once per game per day.
// POST /api/accounts/{id}/minigames/{game}/reward
func (h *Handler) ClaimMiniGameReward(w http.ResponseWriter, r *http.Request) {
	claim, err := h.Bonuses.RewardMiniGame(r.Context(),
		ledger.AccountID(chi.URLParam(r, "id")), chi.URLParam(r, "game"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toClaimDTO(claim))
}

// RequestWithdrawal creates a withdrawal and reserves the SC immediately.
// POST /api/accounts/{id}/withdrawals
func (h *Handler) RequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req WithdrawalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	created, err := h.Withdrawals.Request(r.Context(), ledger.AccountID(chi.URLParam(r, "id")), req.Amount, req.Method)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toWithdrawalDTO(created))
}

// UpdateProfile records collaborator-owned flags.
// PUT /api/accounts/{id}/profile
func (h *Handler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req ProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	status, err := profile.ParseStatus(req.IdentityStatus)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	p := profile.Profile{
		AccountID:      ledger.AccountID(chi.URLParam(r, "id")),
		IdentityStatus: status,
		Tier:           req.VIPTier,
		UpdatedAt:      h.Clock(),
	}
	if err := h.Profiles.SaveProfile(r.Context(), p); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toProfileDTO(p))
}

// =============================================================================
// WITHDRAWAL HANDLERS
// =============================================================================

// ListPendingWithdrawals returns a reviewer queue, oldest first.
// GET /api/withdrawals/pending?stage=staff|admin
func (h *Handler) ListPendingWithdrawals(w http.ResponseWriter, r *http.Request) {
	stage := withdrawal.Role(r.URL.Query().Get("stage"))
	if stage == "" {
		stage = withdrawal.RoleStaff
	}
	if !stage.Valid() {
		writeError(w, http.StatusBadRequest, "stage must be staff or admin", nil)
		return
	}

	reqs, err := h.Withdrawals.ListPending(r.Context(), stage)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	dtos := make([]WithdrawalDTO, len(reqs))
	for i, req := range reqs {
		dtos[i] = toWithdrawalDTO(req)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetWithdrawal returns one request.
// GET /api/withdrawals/{id}
func (h *Handler) GetWithdrawal(w http.ResponseWriter, r *http.Request) {
	req, err := h.Withdrawals.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWithdrawalDTO(req))
}

// DecideWithdrawal applies a staff or admin verdict.
// POST /api/withdrawals/{id}/decisions
func (h *Handler) DecideWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req DecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	role := withdrawal.Role(req.Role)
	if !role.Valid() {
		writeError(w, http.StatusBadRequest, "role must be staff or admin", nil)
		return
	}
	verdict := withdrawal.Verdict(req.Decision)
	if !verdict.Valid() {
		writeError(w, http.StatusBadRequest, "decision must be approve or reject", nil)
		return
	}
	if req.ActorID == "" {
		writeError(w, http.StatusBadRequest, "actor_id is required", nil)
		return
	}

	updated, err := h.Withdrawals.Decide(r.Context(), chi.URLParam(r, "id"), role, verdict, req.ActorID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWithdrawalDTO(updated))
}

// =============================================================================
// SETTLEMENT HANDLERS
// =============================================================================

// CapturePayment credits purchased GC and any attached SC bonus. Replaying
// the same purchase id credits nothing new.
// POST /api/payments/captures
func (h *Handler) CapturePayment(w http.ResponseWriter, r *http.Request) {
	var req PaymentCaptureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.AccountID == "" {
		writeError(w, http.StatusBadRequest, "account_id is required", nil)
		return
	}

	res, err := h.Purchases.Capture(r.Context(), settlement.PaymentCapture{
		AccountID:   ledger.AccountID(req.AccountID),
		PackageID:   req.PackageID,
		AmountPaid:  req.AmountPaid,
		PurchaseID:  req.PurchaseID,
		GoldCoins:   req.GoldCoins,
		BonusSweeps: req.BonusSweeps,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	dto := CaptureDTO{
		Purchase:  toTransactionDTO(res.Purchase.Transaction),
		Duplicate: res.Purchase.Duplicate,
	}
	if len(res.Bonus.Transactions) > 0 {
		claim := toClaimDTO(res.Bonus)
		dto.Bonus = &claim
	}
	status := http.StatusCreated
	if res.Purchase.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, dto)
}

// SettleGameRound posts a round's wager and win.
// POST /api/games/settlements
func (h *Handler) SettleGameRound(w http.ResponseWriter, r *http.Request) {
	var req GameSettlementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.AccountID == "" {
		writeError(w, http.StatusBadRequest, "account_id is required", nil)
		return
	}
	currency, err := ledger.ParseCurrency(req.Currency)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	res, err := h.Games.Settle(r.Context(), settlement.GameOutcome{
		AccountID: ledger.AccountID(req.AccountID),
		RoundID:   req.RoundID,
		Currency:  currency,
		Wager:     req.Wager,
		Win:       req.Win,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	var dto RoundDTO
	if res.Wager != nil {
		tx := toTransactionDTO(*res.Wager)
		dto.Wager = &tx
	}
	if res.Win != nil {
		tx := toTransactionDTO(*res.Win)
		dto.Win = &tx
	}
	writeJSON(w, http.StatusCreated, dto)
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// CreateAdjustment posts a manual correction. Negative adjustments are
// subject to the balance guard like any debit.
// POST /api/admin/adjustments
func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	var req AdjustmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.AccountID == "" {
		writeError(w, http.StatusBadRequest, "account_id is required", nil)
		return
	}
	if req.Reason == "" {
		writeError(w, http.StatusBadRequest, "reason is required", nil)
		return
	}
	currency, err := ledger.ParseCurrency(req.Currency)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	account := ledger.AccountID(req.AccountID)
	posting := ledger.Posting{
		AccountID:   account,
		Currency:    currency,
		Amount:      req.Amount,
		Type:        ledger.TxAdjustment,
		Description: req.Reason,
		ReferenceID: req.IdempotencyKey,
	}
	if req.IdempotencyKey != "" {
		posting.Key = &ledger.IdempotencyKey{AccountID: account, Scope: "adjustment", Period: req.IdempotencyKey}
	}

	res, err := h.Poster.Post(r.Context(), posting)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, toTransactionDTO(res.Transaction))
}

// RebuildProjection recomputes every balance from the transaction log.
// POST /api/admin/projection/rebuild
func (h *Handler) RebuildProjection(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.RebuildProjection(r.Context()); err != nil {
		writeDomainError(w, r, err)
		return
	}
	h.VerifyProjection(w, r)
}

// VerifyProjection reports drift between the projection and the log.
// GET /api/admin/projection/verify
func (h *Handler) VerifyProjection(w http.ResponseWriter, r *http.Request) {
	drifts, err := ledger.Verify(r.Context(), h.Store)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	dto := VerifyDTO{Consistent: len(drifts) == 0, Drifts: make([]DriftDTO, len(drifts))}
	for i, d := range drifts {
		dto.Drifts[i] = DriftDTO{
			AccountID: string(d.AccountID),
			Currency:  string(d.Currency),
			Projected: d.Projected,
			Replayed:  d.Replayed,
		}
	}
	writeJSON(w, http.StatusOK, dto)
}

// PruneIdempotency deletes expired idempotency records. An optional
// ?before=RFC3339 moves the cutoff back; a cutoff later than now is
// rejected because it would drop keys for periods still in progress.
// POST /api/admin/idempotency/prune
func (h *Handler) PruneIdempotency(w http.ResponseWriter, r *http.Request) {
	now := h.Clock()
	before := now
	if s := r.URL.Query().Get("before"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid before timestamp", err)
			return
		}
		if t.After(now) {
			writeError(w, http.StatusBadRequest, "before must not be in the future", nil)
			return
		}
		before = t.UTC()
	}

	n, err := h.Store.PruneIdempotency(r.Context(), before)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PruneDTO{Pruned: n, Before: formatTime(before)})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message, Code: CodeInvalidRequest}
	if status >= http.StatusInternalServerError {
		resp.Code = CodeInternal
	}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "time": formatTime(h.Clock())})
}
