package bonus_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/coin-ledger/bonus"
	"github.com/warp/coin-ledger/ledger"
	"github.com/warp/coin-ledger/ledger/store"
	"github.com/warp/coin-ledger/lock"
	"github.com/warp/coin-ledger/profile"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testConfig() bonus.Config {
	return bonus.Config{
		Daily: bonus.Amounts{GoldCoins: d("500"), SweepsCoins: d("1")},
		MiniGames: map[string]bonus.Amounts{
			"wheel":  {GoldCoins: d("250")},
			"scratch": {GoldCoins: d("100"), SweepsCoins: d("0.25")},
		},
		VIPMultipliers: map[string]decimal.Decimal{"gold": d("1.5")},
	}
}

type fixture struct {
	mem      *store.Memory
	profiles *profile.Memory
	issuer   *bonus.Issuer
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		mem:      store.NewMemory(),
		profiles: profile.NewMemory(),
		now:      time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC),
	}
	poster := ledger.NewPoster(f.mem, lock.NewKeyed())
	f.issuer = bonus.NewIssuer(poster, f.profiles, testConfig()).WithClock(func() time.Time { return f.now })
	return f
}

func (f *fixture) balance(t *testing.T, acct ledger.AccountID, cur ledger.Currency) string {
	t.Helper()
	b, err := f.mem.Balance(context.Background(), acct, cur)
	require.NoError(t, err)
	return b.String()
}

// =============================================================================
// DAILY BONUS
// =============================================================================

func TestClaimDaily_OncePerUTCDay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.issuer.ClaimDaily(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, first.AlreadyClaimed)
	assert.Len(t, first.Transactions, 2)

	// Later the same UTC day
	f.now = f.now.Add(14 * time.Hour)
	second, err := f.issuer.ClaimDaily(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, second.AlreadyClaimed)
	assert.Equal(t, first.Transactions[0].ID, second.Transactions[0].ID)

	assert.Equal(t, "500", f.balance(t, "alice", ledger.GoldCoins))
	assert.Equal(t, "1", f.balance(t, "alice", ledger.SweepsCoins))

	// Next UTC day
	f.now = f.now.Add(2 * time.Hour)
	third, err := f.issuer.ClaimDaily(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, third.AlreadyClaimed)
	assert.Equal(t, "1000", f.balance(t, "alice", ledger.GoldCoins))
}

func TestClaimDaily_ConcurrentClaimsGrantOnce(t *testing.T) {
	f := newFixture(t)

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := f.issuer.ClaimDaily(context.Background(), "alice")
			if !assert.NoError(t, err) {
				return
			}
			if !c.AlreadyClaimed {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, granted)
	assert.Equal(t, "500", f.balance(t, "alice", ledger.GoldCoins))
	assert.Equal(t, "1", f.balance(t, "alice", ledger.SweepsCoins))
}

func TestClaimDaily_AccountsAreIndependent(t *testing.T) {
	f := newFixture(t)
	for _, acct := range []ledger.AccountID{"alice", "bob"} {
		c, err := f.issuer.ClaimDaily(context.Background(), acct)
		require.NoError(t, err)
		assert.False(t, c.AlreadyClaimed)
	}
}

func TestClaimDaily_CompletesInterruptedClaim(t *testing.T) {
	// GIVEN: Only the GC half of today's claim made it into the ledger
	f := newFixture(t)
	poster := ledger.NewPoster(f.mem, lock.NewKeyed())
	_, err := poster.Post(context.Background(), ledger.Posting{
		AccountID: "alice", Currency: ledger.GoldCoins, Amount: d("500"), Type: ledger.TxBonus,
		Key: &ledger.IdempotencyKey{AccountID: "alice", Scope: "daily/GC", Period: "2025-03-10"},
	})
	require.NoError(t, err)

	// WHEN: Claiming again
	c, err := f.issuer.ClaimDaily(context.Background(), "alice")
	require.NoError(t, err)

	// THEN: The SC half is granted and the claim is not reported as duplicate
	assert.False(t, c.AlreadyClaimed)
	assert.Equal(t, "500", f.balance(t, "alice", ledger.GoldCoins))
	assert.Equal(t, "1", f.balance(t, "alice", ledger.SweepsCoins))
}

func TestClaimDaily_VIPMultiplier(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.profiles.SaveProfile(context.Background(), profile.Profile{
		AccountID: "vip", IdentityStatus: profile.StatusVerified, Tier: "gold",
	}))

	c, err := f.issuer.ClaimDaily(context.Background(), "vip")
	require.NoError(t, err)
	assert.True(t, c.Multiplier.Equal(d("1.5")))
	assert.Equal(t, "750", f.balance(t, "vip", ledger.GoldCoins))
	assert.Equal(t, "1.5", f.balance(t, "vip", ledger.SweepsCoins))

	// Unknown tier falls back to 1x
	require.NoError(t, f.profiles.SaveProfile(context.Background(), profile.Profile{
		AccountID: "plain", IdentityStatus: profile.StatusVerified, Tier: "tin",
	}))
	c, err = f.issuer.ClaimDaily(context.Background(), "plain")
	require.NoError(t, err)
	assert.True(t, c.Multiplier.Equal(d("1")))
}

// =============================================================================
// MINI-GAMES
// =============================================================================

func TestRewardMiniGame_OncePerGamePerDay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, err := f.issuer.RewardMiniGame(ctx, "alice", "wheel")
	require.NoError(t, err)
	assert.False(t, c.AlreadyClaimed)
	assert.Len(t, c.Transactions, 1, "zero SC amount is skipped")

	c, err = f.issuer.RewardMiniGame(ctx, "alice", "wheel")
	require.NoError(t, err)
	assert.True(t, c.AlreadyClaimed)

	c, err = f.issuer.RewardMiniGame(ctx, "alice", "scratch")
	require.NoError(t, err)
	assert.False(t, c.AlreadyClaimed, "different game, different key")

	assert.Equal(t, "350", f.balance(t, "alice", ledger.GoldCoins))
	assert.Equal(t, "0.25", f.balance(t, "alice", ledger.SweepsCoins))
}

func TestRewardMiniGame_UnknownGame(t *testing.T) {
	f := newFixture(t)
	_, err := f.issuer.RewardMiniGame(context.Background(), "alice", "pachinko")
	assert.ErrorIs(t, err, bonus.ErrUnknownGame)
	assert.Equal(t, []string{"scratch", "wheel"}, f.issuer.Games())
}

// =============================================================================
// PURCHASE BONUS
// =============================================================================

func TestPurchaseBonus_OncePerPurchase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	amounts := bonus.Amounts{SweepsCoins: d("5")}

	c, err := f.issuer.PurchaseBonus(ctx, "alice", "pay-1", amounts)
	require.NoError(t, err)
	assert.False(t, c.AlreadyClaimed)

	c, err = f.issuer.PurchaseBonus(ctx, "alice", "pay-1", amounts)
	require.NoError(t, err)
	assert.True(t, c.AlreadyClaimed)

	_, err = f.issuer.PurchaseBonus(ctx, "alice", "pay-2", amounts)
	require.NoError(t, err)

	assert.Equal(t, "10", f.balance(t, "alice", ledger.SweepsCoins))

	_, err = f.issuer.PurchaseBonus(ctx, "alice", "", amounts)
	assert.ErrorIs(t, err, ledger.ErrInvalidPosting)
}

func TestPurchaseBonus_NotScaledByVIP(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.profiles.SaveProfile(context.Background(), profile.Profile{
		AccountID: "vip", IdentityStatus: profile.StatusVerified, Tier: "gold",
	}))
	_, err := f.issuer.PurchaseBonus(context.Background(), "vip", "pay-1", bonus.Amounts{SweepsCoins: d("5")})
	require.NoError(t, err)
	assert.Equal(t, "5", f.balance(t, "vip", ledger.SweepsCoins))
}
