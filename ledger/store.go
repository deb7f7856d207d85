/*
store.go - Persistence contract for the ledger

PURPOSE:
  Defines what a ledger backend must provide. Three implementations exist:
  ledger/store (memory), store/sqlite and store/postgres.

APPEND IS THE ONLY MUTATION:
  Append writes, in ONE atomic unit:
    1. the transaction row (log),
    2. the balance projection for (account, currency),
    3. the idempotency record, when one is supplied.
  Either all three are visible or none is. There is no Update or Delete
  on transactions.

PROJECTION:
  The balance projection is a cache of sum(amount) per (account, currency).
  It can be dropped and rebuilt from the log at any time with
  RebuildProjection. Append refuses to write a negative projection; that
  check is a backstop behind the Guard, not the primary enforcement.

HISTORY:
  History and Replay return iter.Seq2 values. Rows are fetched in batches
  while the caller ranges, breaking out early stops the fetch, and each
  new range starts a fresh query, so a sequence can be consumed any number
  of times.

SEE ALSO:
  - poster.go: The only caller of Append
  - projection.go: Verify helpers built on Replay and Projection
*/
package ledger

import (
	"context"
	"iter"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultBatchSize is the number of rows History fetches per round trip.
const DefaultBatchSize = 100

// Order selects the traversal direction of History.
type Order int

const (
	OldestFirst Order = iota
	NewestFirst
)

// HistoryFilter narrows and positions a History read.
type HistoryFilter struct {
	// Currency restricts results to one currency. Empty means all.
	Currency Currency

	// Cursor resumes after the transaction with this Seq, in the chosen
	// order. Zero starts from the beginning.
	Cursor int64

	Order     Order
	BatchSize int
}

// EffectiveBatchSize returns BatchSize or the default.
func (f HistoryFilter) EffectiveBatchSize() int {
	if f.BatchSize <= 0 {
		return DefaultBatchSize
	}
	return f.BatchSize
}

// Matches reports whether tx passes the filter's currency and cursor.
func (f HistoryFilter) Matches(tx Transaction) bool {
	if f.Currency != "" && tx.Currency != f.Currency {
		return false
	}
	if f.Cursor == 0 {
		return true
	}
	if f.Order == NewestFirst {
		return tx.Seq < f.Cursor
	}
	return tx.Seq > f.Cursor
}

// Registry resolves idempotency keys to the transactions they produced.
type Registry interface {
	// Lookup returns the transaction registered under key.
	Lookup(ctx context.Context, key IdempotencyKey) (Transaction, bool, error)

	// PruneIdempotency deletes records that expired before the given time.
	// Callers pass at most the current time: a later cutoff would drop keys
	// whose period is still open and let the grant post twice.
	// Transactions are untouched.
	PruneIdempotency(ctx context.Context, before time.Time) (int64, error)
}

// Store is the ledger backend.
type Store interface {
	Registry

	// Append commits tx, its projection update and rec (if non-nil)
	// atomically. It assigns Seq, CreatedAt (if zero) and BalanceAfter.
	//
	// Returns ErrDuplicateIdempotencyKey if rec's key is registered and
	// *InsufficientFundsError if the projection would go negative.
	Append(ctx context.Context, tx Transaction, rec *IdempotencyRecord) (Transaction, error)

	// Balance returns the committed balance, zero for unknown accounts.
	Balance(ctx context.Context, account AccountID, currency Currency) (decimal.Decimal, error)

	// History lists an account's transactions. See HistoryFilter.
	History(ctx context.Context, account AccountID, filter HistoryFilter) iter.Seq2[Transaction, error]

	// Replay yields the whole log in seq order. Per balance that is commit
	// order; see store/postgres for concurrent appends across balances.
	Replay(ctx context.Context) iter.Seq2[Transaction, error]

	// Projection returns every materialized balance row.
	Projection(ctx context.Context) ([]BalanceRow, error)

	// RebuildProjection discards the projection and recomputes it from the log.
	RebuildProjection(ctx context.Context) error
}
