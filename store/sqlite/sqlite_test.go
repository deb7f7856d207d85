package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/coin-ledger/ledger"
	"github.com/warp/coin-ledger/lock"
	"github.com/warp/coin-ledger/profile"
	"github.com/warp/coin-ledger/withdrawal"
)

var (
	_ ledger.Store          = (*Store)(nil)
	_ withdrawal.Repository = (*Store)(nil)
	_ profile.Directory     = (*Store)(nil)
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	s, err := New(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func post(t *testing.T, p *ledger.Poster, acct ledger.AccountID, cur ledger.Currency, amount string, typ ledger.TransactionType) ledger.Transaction {
	t.Helper()
	res, err := p.Post(context.Background(), ledger.Posting{
		AccountID: acct,
		Currency:  cur,
		Amount:    decimal.RequireFromString(amount),
		Type:      typ,
	})
	require.NoError(t, err)
	return res.Transaction
}

// =============================================================================
// LEDGER
// =============================================================================

func TestStore_AppendAndBalance(t *testing.T) {
	// GIVEN: an empty store
	s, _ := newTestStore(t)
	p := ledger.NewPoster(s, lock.NewKeyed())

	// WHEN: a credit and a debit are posted
	post(t, p, "alice", ledger.GoldCoins, "10000", ledger.TxPurchase)
	tx := post(t, p, "alice", ledger.GoldCoins, "-250.5", ledger.TxGameWager)

	// THEN: the projection and balance_after agree
	assert.Equal(t, "9749.5", tx.BalanceAfter.String())
	bal, err := s.Balance(context.Background(), "alice", ledger.GoldCoins)
	require.NoError(t, err)
	assert.Equal(t, "9749.5", bal.String())

	// SC untouched
	sc, err := s.Balance(context.Background(), "alice", ledger.SweepsCoins)
	require.NoError(t, err)
	assert.True(t, sc.IsZero())
}

func TestStore_AppendRejectsNegativeProjection(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Append(context.Background(), ledger.Transaction{
		ID: "t1", AccountID: "a", Currency: ledger.SweepsCoins, Amount: decimal.NewFromInt(-1), Type: ledger.TxGameWager,
	}, nil)
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	var n int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM transactions`).Scan(&n))
	assert.Zero(t, n)
}

func TestStore_IdempotencyRegistry(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	key := ledger.IdempotencyKey{AccountID: "a", Scope: "daily/GC", Period: "2025-03-01"}
	tx := ledger.Transaction{ID: "t1", AccountID: "a", Currency: ledger.GoldCoins, Amount: decimal.NewFromInt(500), Type: ledger.TxBonus}

	// First append registers the key
	stored, err := s.Append(ctx, tx, &ledger.IdempotencyRecord{Key: key})
	require.NoError(t, err)
	assert.Equal(t, key.String(), stored.IdempotencyKey)

	// Second append with the same key is rejected atomically
	tx.ID = "t2"
	_, err = s.Append(ctx, tx, &ledger.IdempotencyRecord{Key: key})
	assert.ErrorIs(t, err, ledger.ErrDuplicateIdempotencyKey)

	bal, err := s.Balance(ctx, "a", ledger.GoldCoins)
	require.NoError(t, err)
	assert.Equal(t, "500", bal.String())

	found, ok, err := s.Lookup(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ledger.TransactionID("t1"), found.ID)
	assert.Equal(t, int64(1), found.Seq)

	_, ok, err = s.Lookup(ctx, ledger.IdempotencyKey{AccountID: "a", Scope: "daily/GC", Period: "2025-03-02"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_PruneIdempotency(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	day := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	expiring := ledger.IdempotencyKey{AccountID: "a", Scope: "daily/GC", Period: "2025-03-01"}
	permanent := ledger.IdempotencyKey{AccountID: "a", Scope: "purchase", Period: "p-1"}

	_, err := s.Append(ctx, ledger.Transaction{ID: "t1", AccountID: "a", Currency: ledger.GoldCoins, Amount: decimal.NewFromInt(1), Type: ledger.TxBonus},
		&ledger.IdempotencyRecord{Key: expiring, ExpiresAt: ledger.DayExpiry(day, 48*time.Hour)})
	require.NoError(t, err)
	_, err = s.Append(ctx, ledger.Transaction{ID: "t2", AccountID: "a", Currency: ledger.GoldCoins, Amount: decimal.NewFromInt(1), Type: ledger.TxPurchase},
		&ledger.IdempotencyRecord{Key: permanent})
	require.NoError(t, err)

	// Before expiry nothing goes
	n, err := s.PruneIdempotency(ctx, day.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	// After expiry only the dated record goes; the transaction stays
	n, err = s.PruneIdempotency(ctx, day.Add(96*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, ok, err := s.Lookup(ctx, expiring)
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = s.Lookup(ctx, permanent)
	require.NoError(t, err)
	assert.True(t, ok)

	var count int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM transactions`).Scan(&count))
	assert.Equal(t, 2, count)
}

func TestStore_HistoryBatchesAndFilters(t *testing.T) {
	s, _ := newTestStore(t)
	p := ledger.NewPoster(s, lock.NewKeyed())
	for i := 0; i < 7; i++ {
		post(t, p, "a", ledger.GoldCoins, fmt.Sprint(i+1), ledger.TxBonus)
		post(t, p, "a", ledger.SweepsCoins, "0.5", ledger.TxBonus)
	}
	post(t, p, "b", ledger.GoldCoins, "99", ledger.TxBonus)

	// Oldest first in batches of 3, restartable
	seq := s.History(context.Background(), "a", ledger.HistoryFilter{Currency: ledger.GoldCoins, BatchSize: 3})
	var first, second []string
	for tx, err := range seq {
		require.NoError(t, err)
		first = append(first, tx.Amount.String())
	}
	for tx, err := range seq {
		require.NoError(t, err)
		second = append(second, tx.Amount.String())
	}
	assert.Equal(t, []string{"1", "2", "3", "4", "5", "6", "7"}, first)
	assert.Equal(t, first, second)

	// Newest first, paged by cursor
	filter := ledger.HistoryFilter{Order: ledger.NewestFirst}
	page, err := ledger.CollectPage(s.History(context.Background(), "a", filter), 4)
	require.NoError(t, err)
	require.Len(t, page.Transactions, 4)
	assert.Equal(t, int64(14), page.Transactions[0].Seq)
	assert.NotZero(t, page.NextCursor)

	filter.Cursor = page.NextCursor
	rest := 0
	for tx, err := range s.History(context.Background(), "a", filter) {
		require.NoError(t, err)
		assert.Less(t, tx.Seq, page.NextCursor)
		rest++
	}
	assert.Equal(t, 10, rest)
}

func TestStore_ConcurrentPostsKeepProjectionConsistent(t *testing.T) {
	s, _ := newTestStore(t)
	p := ledger.NewPoster(s, lock.NewKeyed())
	post(t, p, "a", ledger.SweepsCoins, "10", ledger.TxPurchase)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Post(context.Background(), ledger.Posting{
				AccountID: "a", Currency: ledger.SweepsCoins, Amount: decimal.NewFromInt(-1), Type: ledger.TxGameWager,
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, succeeded)
	drifts, err := ledger.Verify(context.Background(), s)
	require.NoError(t, err)
	assert.Empty(t, drifts)
}

// =============================================================================
// PROJECTION RECOVERY
// =============================================================================

func TestStore_RebuildAfterReopen(t *testing.T) {
	// GIVEN: a file database with history across two accounts
	s, path := newTestStore(t)
	p := ledger.NewPoster(s, lock.NewKeyed())
	post(t, p, "alice", ledger.GoldCoins, "10000", ledger.TxPurchase)
	post(t, p, "alice", ledger.SweepsCoins, "10", ledger.TxBonus)
	post(t, p, "alice", ledger.SweepsCoins, "-4.25", ledger.TxWithdrawalReserve)
	post(t, p, "bob", ledger.GoldCoins, "0.01", ledger.TxBonus)

	before, err := s.Projection(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// WHEN: the projection is lost and the store reopened
	reopened, err := New(path)
	require.NoError(t, err)
	t.Cleanup(func() { reopened.Close() })
	_, err = reopened.db.Exec(`DELETE FROM balances`)
	require.NoError(t, err)

	drifts, err := ledger.Verify(context.Background(), reopened)
	require.NoError(t, err)
	assert.Len(t, drifts, 3)

	require.NoError(t, reopened.RebuildProjection(context.Background()))

	// THEN: balances are identical to before
	after, err := reopened.Projection(context.Background())
	require.NoError(t, err)
	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].AccountID, after[i].AccountID)
		assert.Equal(t, before[i].Currency, after[i].Currency)
		assert.True(t, before[i].Balance.Equal(after[i].Balance), "%s/%s", before[i].AccountID, before[i].Currency)
	}

	drifts, err = ledger.Verify(context.Background(), reopened)
	require.NoError(t, err)
	assert.Empty(t, drifts)
}

// =============================================================================
// WITHDRAWALS AND PROFILES
// =============================================================================

func TestStore_WithdrawalRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	created := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	req := withdrawal.Request{
		ID:             "w-1",
		AccountID:      "alice",
		Amount:         decimal.RequireFromString("5"),
		Method:         "ach",
		IdentityStatus: profile.StatusVerified,
		State:          withdrawal.StateRequested,
		ReserveTxID:    "tx-reserve",
		CreatedAt:      created,
		UpdatedAt:      created,
	}
	require.NoError(t, s.CreateWithdrawal(ctx, req))
	assert.ErrorIs(t, s.CreateWithdrawal(ctx, req), withdrawal.ErrConcurrentUpdate)

	// Staff approves
	next := req
	next.State = withdrawal.StateStaffApproved
	next.StaffDecision = &withdrawal.Decision{Verdict: withdrawal.Approve, ActorID: "staff-1", At: created.Add(time.Hour)}
	next.UpdatedAt = created.Add(time.Hour)
	require.NoError(t, s.UpdateWithdrawal(ctx, next, withdrawal.StateRequested))

	// A stale writer loses
	assert.ErrorIs(t, s.UpdateWithdrawal(ctx, next, withdrawal.StateRequested), withdrawal.ErrConcurrentUpdate)
	missing := next
	missing.ID = "w-404"
	assert.ErrorIs(t, s.UpdateWithdrawal(ctx, missing, withdrawal.StateRequested), withdrawal.ErrNotFound)

	got, err := s.GetWithdrawal(ctx, "w-1")
	require.NoError(t, err)
	assert.Equal(t, withdrawal.StateStaffApproved, got.State)
	assert.True(t, got.Amount.Equal(req.Amount))
	assert.Equal(t, profile.StatusVerified, got.IdentityStatus)
	require.NotNil(t, got.StaffDecision)
	assert.Equal(t, "staff-1", got.StaffDecision.ActorID)
	assert.True(t, got.StaffDecision.At.Equal(created.Add(time.Hour)))
	assert.Nil(t, got.AdminDecision)
	assert.Equal(t, ledger.TransactionID("tx-reserve"), got.ReserveTxID)
	assert.Empty(t, got.SettleTxID)

	_, err = s.GetWithdrawal(ctx, "w-404")
	assert.ErrorIs(t, err, withdrawal.ErrNotFound)
}

func TestStore_ListWithdrawalsOldestFirst(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	states := []withdrawal.State{withdrawal.StateStaffApproved, withdrawal.StateRequested, withdrawal.StateReleased, withdrawal.StateRequested}
	for i, st := range states {
		require.NoError(t, s.CreateWithdrawal(ctx, withdrawal.Request{
			ID: fmt.Sprintf("w-%d", i), AccountID: "a", Amount: decimal.NewFromInt(1),
			IdentityStatus: profile.StatusVerified, State: st,
			CreatedAt: base.Add(time.Duration(len(states)-i) * time.Minute),
			UpdatedAt: base,
		}))
	}

	pending, err := s.ListWithdrawals(ctx, withdrawal.StateRequested)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "w-3", pending[0].ID)
	assert.Equal(t, "w-1", pending[1].ID)

	all, err := s.ListWithdrawals(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestStore_Profiles(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	p, err := s.GetProfile(ctx, "nobody")
	require.NoError(t, err)
	assert.Equal(t, profile.Default("nobody"), p)

	require.NoError(t, s.SaveProfile(ctx, profile.Profile{AccountID: "a", IdentityStatus: profile.StatusPending}))
	require.NoError(t, s.SaveProfile(ctx, profile.Profile{AccountID: "a", IdentityStatus: profile.StatusVerified, Tier: "gold"}))

	p, err = s.GetProfile(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, profile.StatusVerified, p.IdentityStatus)
	assert.Equal(t, "gold", p.Tier)
	assert.False(t, p.UpdatedAt.IsZero())

	assert.ErrorIs(t, s.SaveProfile(ctx, profile.Profile{AccountID: "a", IdentityStatus: "maybe"}), profile.ErrInvalidStatus)
}
