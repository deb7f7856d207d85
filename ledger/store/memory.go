// Package store provides the in-memory ledger.Store.
package store

import (
	"context"
	"iter"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/coin-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps the log as a slice indexed by Seq-1. One mutex guards the log,
// the projection and the registry together, which is what makes Append atomic.
type Memory struct {
	mu          sync.RWMutex
	log         []ledger.Transaction
	balances    map[ledger.BalanceKey]decimal.Decimal
	idempotency map[string]ledger.IdempotencyRecord
}

func NewMemory() *Memory {
	return &Memory{
		balances:    make(map[ledger.BalanceKey]decimal.Decimal),
		idempotency: make(map[string]ledger.IdempotencyRecord),
	}
}

// Append adds a transaction. Append-only.
func (m *Memory) Append(_ context.Context, tx ledger.Transaction, rec *ledger.IdempotencyRecord) (ledger.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec != nil {
		if _, exists := m.idempotency[rec.Key.String()]; exists {
			return ledger.Transaction{}, ledger.ErrDuplicateIdempotencyKey
		}
	}

	k := ledger.BalanceKey{AccountID: tx.AccountID, Currency: tx.Currency}
	current := m.balances[k]
	next := current.Add(tx.Amount)
	if next.IsNegative() {
		return ledger.Transaction{}, ledger.Check(current, tx.Amount).Err(tx.AccountID, tx.Currency)
	}

	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	tx.Seq = int64(len(m.log)) + 1
	tx.BalanceAfter = next
	if rec != nil {
		tx.IdempotencyKey = rec.Key.String()
		r := *rec
		r.TransactionID = tx.ID
		m.idempotency[r.Key.String()] = r
	}

	m.log = append(m.log, tx)
	m.balances[k] = next
	return tx, nil
}

func (m *Memory) Balance(_ context.Context, account ledger.AccountID, currency ledger.Currency) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balances[ledger.BalanceKey{AccountID: account, Currency: currency}], nil
}

// Lookup returns the transaction registered under key.
func (m *Memory) Lookup(_ context.Context, key ledger.IdempotencyKey) (ledger.Transaction, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.idempotency[key.String()]
	if !ok {
		return ledger.Transaction{}, false, nil
	}
	for i := len(m.log) - 1; i >= 0; i-- {
		if m.log[i].ID == rec.TransactionID {
			return m.log[i], true, nil
		}
	}
	return ledger.Transaction{}, false, nil
}

func (m *Memory) PruneIdempotency(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for k, rec := range m.idempotency {
		if !rec.ExpiresAt.IsZero() && rec.ExpiresAt.Before(before) {
			delete(m.idempotency, k)
			n++
		}
	}
	return n, nil
}

// History walks the log in batches, holding the read lock only while a
// batch is copied out.
func (m *Memory) History(_ context.Context, account ledger.AccountID, filter ledger.HistoryFilter) iter.Seq2[ledger.Transaction, error] {
	return m.scan(filter, func(tx ledger.Transaction) bool {
		return tx.AccountID == account
	})
}

func (m *Memory) Replay(_ context.Context) iter.Seq2[ledger.Transaction, error] {
	return m.scan(ledger.HistoryFilter{}, func(ledger.Transaction) bool { return true })
}

func (m *Memory) scan(filter ledger.HistoryFilter, match func(ledger.Transaction) bool) iter.Seq2[ledger.Transaction, error] {
	return func(yield func(ledger.Transaction, error) bool) {
		size := filter.EffectiveBatchSize()
		cursor := filter.Cursor
		for {
			batch := m.batch(filter, cursor, size, match)
			for _, tx := range batch {
				if !yield(tx, nil) {
					return
				}
			}
			if len(batch) < size {
				return
			}
			cursor = batch[len(batch)-1].Seq
		}
	}
}

func (m *Memory) batch(filter ledger.HistoryFilter, cursor int64, size int, match func(ledger.Transaction) bool) []ledger.Transaction {
	m.mu.RLock()
	defer m.mu.RUnlock()

	f := filter
	f.Cursor = cursor
	out := make([]ledger.Transaction, 0, size)

	if filter.Order == ledger.NewestFirst {
		start := len(m.log) - 1
		if cursor > 0 {
			start = int(cursor) - 2
		}
		for i := start; i >= 0 && len(out) < size; i-- {
			if tx := m.log[i]; match(tx) && f.Matches(tx) {
				out = append(out, tx)
			}
		}
		return out
	}

	for i := int(cursor); i < len(m.log) && len(out) < size; i++ {
		if tx := m.log[i]; match(tx) && f.Matches(tx) {
			out = append(out, tx)
		}
	}
	return out
}

func (m *Memory) Projection(_ context.Context) ([]ledger.BalanceRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows := make([]ledger.BalanceRow, 0, len(m.balances))
	for k, v := range m.balances {
		rows = append(rows, ledger.BalanceRow{AccountID: k.AccountID, Currency: k.Currency, Balance: v})
	}
	return rows, nil
}

// RebuildProjection discards the balances and replays the log.
func (m *Memory) RebuildProjection(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	balances := make(map[ledger.BalanceKey]decimal.Decimal)
	for _, tx := range m.log {
		k := ledger.BalanceKey{AccountID: tx.AccountID, Currency: tx.Currency}
		balances[k] = balances[k].Add(tx.Amount)
	}
	m.balances = balances
	return nil
}
