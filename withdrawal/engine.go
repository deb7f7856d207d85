package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/warp/coin-ledger/ledger"
	"github.com/warp/coin-ledger/profile"
)

// SystemActor is the actor id recorded for automatic decisions.
const SystemActor = "system"

// Poster commits ledger postings.
type Poster interface {
	Post(ctx context.Context, in ledger.Posting) (ledger.Result, error)
}

// Profiles supplies identity status.
type Profiles interface {
	GetProfile(ctx context.Context, account ledger.AccountID) (profile.Profile, error)
}

// PayoutNotifier tells the payout collaborator to send funds for a released
// request. It may be called more than once for the same request; receivers
// deduplicate on Request.ID.
type PayoutNotifier interface {
	NotifyRelease(ctx context.Context, req Request) error
}

// Options tunes an Engine. Zero values select defaults.
type Options struct {
	LockTimeout time.Duration
	// RecheckIdentity re-reads identity status on every approval instead of
	// trusting the snapshot taken at request time.
	RecheckIdentity bool
	Clock           func() time.Time
	NewID           func() string
}

// Engine runs the withdrawal approval workflow.
type Engine struct {
	repo     Repository
	poster   Poster
	profiles Profiles
	payout   PayoutNotifier
	locker   ledger.Locker
	opts     Options
}

func NewEngine(repo Repository, poster Poster, profiles Profiles, payout PayoutNotifier, locker ledger.Locker, opts Options) *Engine {
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = ledger.DefaultLockTimeout
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Engine{repo: repo, poster: poster, profiles: profiles, payout: payout, locker: locker, opts: opts}
}

// =============================================================================
// REQUEST
// =============================================================================

// Request creates a withdrawal and reserves amount SC from the account.
// Nothing is created when the account is not verified or lacks funds.
func (e *Engine) Request(ctx context.Context, account ledger.AccountID, amount decimal.Decimal, method string) (Request, error) {
	if !amount.IsPositive() {
		return Request{}, ErrInvalidAmount
	}

	p, err := e.profiles.GetProfile(ctx, account)
	if err != nil {
		return Request{}, ledger.Unavailable("read profile", err)
	}
	if p.IdentityStatus != profile.StatusVerified {
		return Request{}, &NotVerifiedError{AccountID: account, Status: p.IdentityStatus}
	}

	id := e.opts.NewID()
	res, err := e.poster.Post(ctx, ledger.Posting{
		AccountID:   account,
		Currency:    ledger.SweepsCoins,
		Amount:      amount.Neg(),
		Type:        ledger.TxWithdrawalReserve,
		Description: "withdrawal reserve",
		ReferenceID: id,
		Key:         reserveKey(account, id),
	})
	if err != nil {
		return Request{}, err
	}

	now := e.opts.Clock()
	req := Request{
		ID:             id,
		AccountID:      account,
		Amount:         amount,
		Method:         method,
		IdentityStatus: p.IdentityStatus,
		State:          StateRequested,
		ReserveTxID:    res.Transaction.ID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.repo.CreateWithdrawal(ctx, req); err != nil {
		// The reserve is committed but the request is not: give the coins back.
		if _, rerr := e.poster.Post(ctx, reversalPosting(req)); rerr != nil {
			log.WithFields(log.Fields{
				"withdrawal": id,
				"account":    account,
				"error":      rerr,
			}).Error("failed to compensate withdrawal reserve")
		}
		return Request{}, ledger.Unavailable("create withdrawal", err)
	}

	log.WithFields(log.Fields{
		"withdrawal": id,
		"account":    account,
		"amount":     amount.String(),
		"method":     method,
	}).Info("withdrawal requested")
	return req, nil
}

// =============================================================================
// DECISIONS
// =============================================================================

// Decide applies a staff or admin verdict. Repeating a recorded decision
// returns the current request and finishes any step left pending by an
// earlier failure. A conflicting or out-of-order decision returns a
// *TransitionError and changes nothing.
func (e *Engine) Decide(ctx context.Context, id string, role Role, verdict Verdict, actor string) (Request, error) {
	if !role.Valid() || !verdict.Valid() {
		return Request{}, fmt.Errorf("%w: role %q verdict %q", ErrInvalidTransition, role, verdict)
	}

	release, err := ledger.Acquire(ctx, e.locker, "withdrawal:"+id, e.opts.LockTimeout)
	if err != nil {
		return Request{}, err
	}
	defer release()

	req, err := e.get(ctx, id)
	if err != nil {
		return Request{}, err
	}

	if prior := req.decision(role); prior != nil {
		if prior.Verdict != verdict {
			return req, &TransitionError{ID: id, From: req.State, Role: role, Verdict: verdict}
		}
		return e.advance(ctx, req)
	}

	next, ok := Next(req.State, role, verdict)
	if !ok {
		return req, &TransitionError{ID: id, From: req.State, Role: role, Verdict: verdict}
	}

	if e.opts.RecheckIdentity && verdict == Approve {
		p, err := e.profiles.GetProfile(ctx, req.AccountID)
		if err != nil {
			return req, ledger.Unavailable("read profile", err)
		}
		if p.IdentityStatus != profile.StatusVerified {
			return req, &NotVerifiedError{AccountID: req.AccountID, Status: p.IdentityStatus}
		}
	}

	from := req.State
	now := e.opts.Clock()
	req.record(role, Decision{Verdict: verdict, ActorID: actor, At: now})
	req.State = next
	req.UpdatedAt = now
	if err := e.update(ctx, req, from); err != nil {
		return Request{}, err
	}

	log.WithFields(log.Fields{
		"withdrawal": id,
		"role":       role,
		"verdict":    verdict,
		"actor":      actor,
		"state":      next,
	}).Info("withdrawal decision recorded")

	return e.advance(ctx, req)
}

// Resume finishes the automatic step of a request stuck in an
// intermediate state. It is a no-op for every other state.
func (e *Engine) Resume(ctx context.Context, id string) (Request, error) {
	release, err := ledger.Acquire(ctx, e.locker, "withdrawal:"+id, e.opts.LockTimeout)
	if err != nil {
		return Request{}, err
	}
	defer release()

	req, err := e.get(ctx, id)
	if err != nil {
		return Request{}, err
	}
	return e.advance(ctx, req)
}

// advance runs follow-up moves until the request rests in a state that
// needs a human or is terminal.
func (e *Engine) advance(ctx context.Context, req Request) (Request, error) {
	for {
		next, ok := followUps[req.State]
		if !ok {
			return req, nil
		}

		switch req.State {
		case StateStaffRejected, StateAdminRejected:
			res, err := e.poster.Post(ctx, reversalPosting(req))
			if err != nil {
				return req, err
			}
			req.SettleTxID = res.Transaction.ID
		case StateAdminApproved:
			if err := e.payout.NotifyRelease(ctx, req); err != nil {
				return req, fmt.Errorf("%w: %w", ErrPayoutFailed, err)
			}
		}

		from := req.State
		req.State = next
		req.UpdatedAt = e.opts.Clock()
		if err := e.update(ctx, req, from); err != nil {
			return req, err
		}

		log.WithFields(log.Fields{
			"withdrawal": req.ID,
			"from":       from,
			"state":      next,
		}).Info("withdrawal advanced")
	}
}

// =============================================================================
// QUERIES
// =============================================================================

func (e *Engine) Get(ctx context.Context, id string) (Request, error) {
	return e.get(ctx, id)
}

// ListPending returns the queue for a reviewer stage, oldest first.
func (e *Engine) ListPending(ctx context.Context, stage Role) ([]Request, error) {
	if !stage.Valid() {
		return nil, fmt.Errorf("%w: unknown stage %q", ErrInvalidTransition, stage)
	}
	reqs, err := e.repo.ListWithdrawals(ctx, StageState(stage))
	if err != nil {
		return nil, ledger.Unavailable("list withdrawals", err)
	}
	return reqs, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (e *Engine) get(ctx context.Context, id string) (Request, error) {
	req, err := e.repo.GetWithdrawal(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Request{}, err
		}
		return Request{}, ledger.Unavailable("get withdrawal", err)
	}
	return req, nil
}

func (e *Engine) update(ctx context.Context, req Request, from State) error {
	err := e.repo.UpdateWithdrawal(ctx, req, from)
	if err == nil || errors.Is(err, ErrConcurrentUpdate) || errors.Is(err, ErrNotFound) {
		return err
	}
	return ledger.Unavailable("update withdrawal", err)
}

func reserveKey(account ledger.AccountID, id string) *ledger.IdempotencyKey {
	return &ledger.IdempotencyKey{AccountID: account, Scope: "withdrawal_reserve", Period: id}
}

func reversalKey(account ledger.AccountID, id string) *ledger.IdempotencyKey {
	return &ledger.IdempotencyKey{AccountID: account, Scope: "withdrawal_reversal", Period: id}
}

func reversalPosting(req Request) ledger.Posting {
	return ledger.Posting{
		AccountID:   req.AccountID,
		Currency:    ledger.SweepsCoins,
		Amount:      req.Amount,
		Type:        ledger.TxWithdrawalReversal,
		Description: "withdrawal reversal",
		ReferenceID: req.ID,
		Key:         reversalKey(req.AccountID, req.ID),
	}
}
