/*
poster.go - The single write path into the ledger

PURPOSE:
  Every balance change, whatever its origin (bonus, purchase, game round,
  withdrawal, admin adjustment), is submitted as a Posting to Poster.Post.
  Nothing else calls Store.Append.

SEQUENCE (per posting):
  1. Validate shape: account, known currency and type, non-zero amount.
  2. Lock the (account, currency) balance, bounded by LockTimeout.
  3. If an idempotency key is present and registered: return the original
     transaction with Duplicate=true. No balance change.
  4. Guard: balance + amount >= 0, else *InsufficientFundsError.
  5. Store.Append: transaction + projection + key in one atomic unit.

  The lock makes 3-5 a critical section per balance, so two concurrent
  debits cannot both pass the guard against the same balance. Postings on
  different balances proceed in parallel.

CROSS-PROCESS DUPLICATES:
  With a process-local Locker two servers can race on the same key. The
  loser's Append fails with ErrDuplicateIdempotencyKey; Post resolves that
  by re-reading the registry and reporting a duplicate.

SEE ALSO:
  - guard.go: Balance invariant
  - lock/: Locker implementations (in-process, Redis)
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

// DefaultLockTimeout bounds the wait for a balance lock.
const DefaultLockTimeout = 5 * time.Second

// Locker serializes work per key. The returned release function must be
// called exactly once.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// Posting is a request to change one balance.
type Posting struct {
	AccountID   AccountID
	Currency    Currency
	Amount      decimal.Decimal
	Type        TransactionType
	Description string
	ReferenceID string

	// Key makes the posting once-only. Nil means no deduplication.
	Key *IdempotencyKey

	// KeyExpiresAt allows the key's record to be pruned after this time.
	KeyExpiresAt time.Time
}

// Result is the outcome of a successful Post.
type Result struct {
	Transaction Transaction
	// Duplicate is true when the key was already registered and
	// Transaction is the original, untouched.
	Duplicate bool
}

// Poster validates and commits postings.
type Poster struct {
	store       Store
	guard       *Guard
	locker      Locker
	lockTimeout time.Duration
	now         func() time.Time
	newID       func() TransactionID
}

// PosterOption customizes a Poster.
type PosterOption func(*Poster)

// WithLockTimeout sets the bound on balance lock waits.
func WithLockTimeout(d time.Duration) PosterOption {
	return func(p *Poster) {
		if d > 0 {
			p.lockTimeout = d
		}
	}
}

// WithClock overrides the time source used for CreatedAt.
func WithClock(now func() time.Time) PosterOption {
	return func(p *Poster) { p.now = now }
}

// WithIDGenerator overrides transaction id generation.
func WithIDGenerator(gen func() TransactionID) PosterOption {
	return func(p *Poster) { p.newID = gen }
}

func NewPoster(store Store, locker Locker, opts ...PosterOption) *Poster {
	p := &Poster{
		store:       store,
		guard:       NewGuard(store),
		locker:      locker,
		lockTimeout: DefaultLockTimeout,
		now:         func() time.Time { return time.Now().UTC() },
		newID:       func() TransactionID { return TransactionID(uuid.NewString()) },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Store returns the backing store for read access.
func (p *Poster) Store() Store {
	return p.store
}

// Post commits a posting. See the file header for the sequence.
func (p *Poster) Post(ctx context.Context, in Posting) (Result, error) {
	if err := validate(in); err != nil {
		return Result{}, err
	}

	release, err := p.lock(ctx, BalanceKey{AccountID: in.AccountID, Currency: in.Currency})
	if err != nil {
		return Result{}, err
	}
	defer release()

	if in.Key != nil {
		if tx, found, err := p.store.Lookup(ctx, *in.Key); err != nil {
			return Result{}, Unavailable("lookup idempotency key", err)
		} else if found {
			log.WithFields(log.Fields{
				"account": in.AccountID,
				"key":     in.Key.String(),
				"tx_id":   tx.ID,
			}).Debug("duplicate posting, returning original transaction")
			return Result{Transaction: tx, Duplicate: true}, nil
		}
	}

	verdict, err := p.guard.Validate(ctx, in.AccountID, in.Currency, in.Amount)
	if err != nil {
		return Result{}, err
	}
	if !verdict.OK {
		log.WithFields(log.Fields{
			"account":   in.AccountID,
			"currency":  in.Currency,
			"balance":   verdict.Balance.String(),
			"requested": in.Amount.String(),
		}).Info("posting rejected: insufficient funds")
		return Result{}, verdict.Err(in.AccountID, in.Currency)
	}

	now := p.now()
	tx := Transaction{
		ID:          p.newID(),
		AccountID:   in.AccountID,
		Currency:    in.Currency,
		Amount:      in.Amount,
		Type:        in.Type,
		Description: in.Description,
		ReferenceID: in.ReferenceID,
		CreatedAt:   now,
	}
	var rec *IdempotencyRecord
	if in.Key != nil {
		rec = &IdempotencyRecord{
			Key:           *in.Key,
			TransactionID: tx.ID,
			CreatedAt:     now,
			ExpiresAt:     in.KeyExpiresAt,
		}
		tx.IdempotencyKey = in.Key.String()
	}

	committed, err := p.store.Append(ctx, tx, rec)
	switch {
	case err == nil:
		return Result{Transaction: committed}, nil
	case errors.Is(err, ErrDuplicateIdempotencyKey) && in.Key != nil:
		original, found, lerr := p.store.Lookup(ctx, *in.Key)
		if lerr != nil {
			return Result{}, Unavailable("lookup idempotency key", lerr)
		}
		if !found {
			return Result{}, Unavailable("resolve duplicate key", err)
		}
		return Result{Transaction: original, Duplicate: true}, nil
	case errors.Is(err, ErrInsufficientFunds):
		return Result{}, err
	default:
		return Result{}, Unavailable("append transaction", err)
	}
}

func (p *Poster) lock(ctx context.Context, key BalanceKey) (func(), error) {
	return Acquire(ctx, p.locker, "balance:"+key.String(), p.lockTimeout)
}

// Acquire takes key on locker, waiting at most timeout. Running out of
// time is reported as ErrLockTimeout; cancellation of ctx itself is not.
func Acquire(ctx context.Context, locker Locker, key string, timeout time.Duration) (func(), error) {
	lctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	release, err := locker.Acquire(lctx, key)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
		}
		return nil, Unavailable("acquire lock", err)
	}
	return release, nil
}

func validate(in Posting) error {
	if in.AccountID == "" {
		return fmt.Errorf("%w: account id is required", ErrInvalidPosting)
	}
	if !in.Currency.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownCurrency, in.Currency)
	}
	if !in.Type.Valid() {
		return fmt.Errorf("%w: unknown transaction type %q", ErrInvalidPosting, in.Type)
	}
	if in.Amount.IsZero() {
		return fmt.Errorf("%w: amount must be non-zero", ErrInvalidPosting)
	}
	if in.Key != nil && in.Key.IsZero() {
		return fmt.Errorf("%w: empty idempotency key", ErrInvalidPosting)
	}
	return nil
}
