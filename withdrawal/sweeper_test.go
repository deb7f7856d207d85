package withdrawal_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/coin-ledger/ledger"
	"github.com/warp/coin-ledger/withdrawal"
)

func TestSweep_ExpiresStaleRequestsAtTheirStage(t *testing.T) {
	// GIVEN: Two requests created at t0, one already staff-approved
	f := newFixture(t, withdrawal.Options{})
	ctx := context.Background()
	stale := newPending(t, f, "10")
	approved, err := f.engine.Request(ctx, "p", sc("20"), "bank_transfer")
	require.NoError(t, err)
	_, err = f.engine.Decide(ctx, approved.ID, withdrawal.RoleStaff, withdrawal.Approve, "s")
	require.NoError(t, err)
	assert.Equal(t, "70", f.balance(t, "p", ledger.SweepsCoins))

	// AND: A fresh one created three days later
	f.now = f.now.Add(72 * time.Hour)
	fresh, err := f.engine.Request(ctx, "p", sc("5"), "bank_transfer")
	require.NoError(t, err)

	// WHEN: Sweeping with a 48h TTL
	sweeper := withdrawal.NewSweeper(f.engine, f.repo, 48*time.Hour)
	sweeper.Clock = func() time.Time { return f.now }
	report := sweeper.Sweep(ctx)

	// THEN: Both stale requests are reversed by the system actor
	assert.Equal(t, 2, report.Expired)
	assert.Equal(t, 0, report.Failed)

	got, err := f.engine.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, withdrawal.StateReversed, got.State)
	assert.Equal(t, withdrawal.SystemActor, got.StaffDecision.ActorID)

	got, err = f.engine.Get(ctx, approved.ID)
	require.NoError(t, err)
	assert.Equal(t, withdrawal.StateReversed, got.State)
	assert.Equal(t, withdrawal.SystemActor, got.AdminDecision.ActorID)

	got, err = f.engine.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, withdrawal.StateRequested, got.State)

	assert.Equal(t, "95", f.balance(t, "p", ledger.SweepsCoins))
}

func TestSweep_ResumesStuckRelease(t *testing.T) {
	f := newFixture(t, withdrawal.Options{})
	ctx := context.Background()
	req := newPending(t, f, "10")
	_, err := f.engine.Decide(ctx, req.ID, withdrawal.RoleStaff, withdrawal.Approve, "s")
	require.NoError(t, err)

	f.payout.err = errors.New("timeout")
	_, err = f.engine.Decide(ctx, req.ID, withdrawal.RoleAdmin, withdrawal.Approve, "a")
	require.Error(t, err)

	f.payout.err = nil
	report := withdrawal.NewSweeper(f.engine, f.repo, 0).Sweep(ctx)
	assert.Equal(t, 1, report.Resumed)

	got, err := f.engine.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, withdrawal.StateReleased, got.State)
}

func TestSweep_PrunesExpiredKeys(t *testing.T) {
	f := newFixture(t, withdrawal.Options{})
	ctx := context.Background()
	key := &ledger.IdempotencyKey{AccountID: "p", Scope: "daily/GC", Period: "2025-03-09"}
	_, err := f.poster.Post(ctx, ledger.Posting{
		AccountID: "p", Currency: ledger.GoldCoins, Amount: sc("1"), Type: ledger.TxBonus,
		Key: key, KeyExpiresAt: f.now.Add(-time.Hour),
	})
	require.NoError(t, err)

	sweeper := withdrawal.NewSweeper(f.engine, f.repo, 0)
	sweeper.Pruner = f.mem
	sweeper.Clock = func() time.Time { return f.now }
	report := sweeper.Sweep(ctx)
	assert.Equal(t, int64(1), report.Pruned)

	_, found, err := f.mem.Lookup(ctx, *key)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSweeper_StartStop(t *testing.T) {
	f := newFixture(t, withdrawal.Options{})
	s := withdrawal.NewSweeper(f.engine, f.repo, time.Hour)
	s.CheckInterval = 5 * time.Millisecond
	s.Start()
	s.Start()
	time.Sleep(20 * time.Millisecond)
	s.Stop()
	s.Stop()
}
