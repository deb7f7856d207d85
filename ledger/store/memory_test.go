package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/coin-ledger/ledger"
)

var _ ledger.Store = (*Memory)(nil)

func appendN(t *testing.T, m *Memory, acct ledger.AccountID, cur ledger.Currency, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := m.Append(context.Background(), ledger.Transaction{
			ID:        ledger.TransactionID(fmt.Sprintf("%s-%s-%d", acct, cur, i)),
			AccountID: acct,
			Currency:  cur,
			Amount:    decimal.NewFromInt(int64(i + 1)),
			Type:      ledger.TxBonus,
		}, nil)
		require.NoError(t, err)
	}
}

func TestMemory_AppendRejectsNegativeProjection(t *testing.T) {
	m := NewMemory()
	_, err := m.Append(context.Background(), ledger.Transaction{
		ID: "t1", AccountID: "a", Currency: ledger.SweepsCoins, Amount: decimal.NewFromInt(-1), Type: ledger.TxGameWager,
	}, nil)
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	assert.Empty(t, m.log)
}

func TestMemory_DuplicateKeyLeavesNoTrace(t *testing.T) {
	m := NewMemory()
	key := ledger.IdempotencyKey{AccountID: "a", Scope: "daily/GC", Period: "2025-01-01"}
	tx := ledger.Transaction{ID: "t1", AccountID: "a", Currency: ledger.GoldCoins, Amount: decimal.NewFromInt(5), Type: ledger.TxBonus}

	_, err := m.Append(context.Background(), tx, &ledger.IdempotencyRecord{Key: key})
	require.NoError(t, err)

	tx.ID = "t2"
	_, err = m.Append(context.Background(), tx, &ledger.IdempotencyRecord{Key: key})
	assert.ErrorIs(t, err, ledger.ErrDuplicateIdempotencyKey)
	assert.Len(t, m.log, 1)

	found, ok, err := m.Lookup(context.Background(), key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ledger.TransactionID("t1"), found.ID)
}

func TestMemory_HistoryIsLazyAndRestartable(t *testing.T) {
	m := NewMemory()
	appendN(t, m, "a", ledger.GoldCoins, 7)
	appendN(t, m, "b", ledger.GoldCoins, 3)
	appendN(t, m, "a", ledger.SweepsCoins, 2)

	seq := m.History(context.Background(), "a", ledger.HistoryFilter{BatchSize: 2})

	collect := func() []int64 {
		var out []int64
		for tx, err := range seq {
			require.NoError(t, err)
			out = append(out, tx.Seq)
		}
		return out
	}
	first := collect()
	second := collect()

	assert.Len(t, first, 9)
	assert.Equal(t, first, second, "ranging twice yields the same rows")
	for i := 1; i < len(first); i++ {
		assert.Less(t, first[i-1], first[i])
	}
}

func TestMemory_HistoryFiltersAndPages(t *testing.T) {
	m := NewMemory()
	appendN(t, m, "a", ledger.GoldCoins, 5)
	appendN(t, m, "a", ledger.SweepsCoins, 5)

	// Newest first, GC only, pages of 2
	filter := ledger.HistoryFilter{Currency: ledger.GoldCoins, Order: ledger.NewestFirst}
	var seen []int64
	for {
		page, err := ledger.CollectPage(m.History(context.Background(), "a", filter), 2)
		require.NoError(t, err)
		for _, tx := range page.Transactions {
			assert.Equal(t, ledger.GoldCoins, tx.Currency)
			seen = append(seen, tx.Seq)
		}
		if page.NextCursor == 0 {
			break
		}
		filter.Cursor = page.NextCursor
	}
	assert.Equal(t, []int64{5, 4, 3, 2, 1}, seen)
}

func TestMemory_EarlyBreakStopsIteration(t *testing.T) {
	m := NewMemory()
	appendN(t, m, "a", ledger.GoldCoins, 10)

	n := 0
	for _, err := range m.History(context.Background(), "a", ledger.HistoryFilter{BatchSize: 3}) {
		require.NoError(t, err)
		n++
		if n == 4 {
			break
		}
	}
	assert.Equal(t, 4, n)
}

func TestMemory_RebuildProjectionFromLog(t *testing.T) {
	// GIVEN: A populated ledger with a corrupted projection
	m := NewMemory()
	appendN(t, m, "a", ledger.GoldCoins, 4)
	appendN(t, m, "b", ledger.SweepsCoins, 3)
	want, err := m.Projection(context.Background())
	require.NoError(t, err)

	m.balances = map[ledger.BalanceKey]decimal.Decimal{
		{AccountID: "a", Currency: ledger.GoldCoins}: decimal.NewFromInt(999),
	}
	drifts, err := ledger.Verify(context.Background(), m)
	require.NoError(t, err)
	assert.Len(t, drifts, 2)

	// WHEN: Rebuilding
	require.NoError(t, m.RebuildProjection(context.Background()))

	// THEN: Identical balances, no drift
	got, err := m.Projection(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, want, got)

	drifts, err = ledger.Verify(context.Background(), m)
	require.NoError(t, err)
	assert.Empty(t, drifts)
}
