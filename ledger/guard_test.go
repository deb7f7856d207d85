package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/coin-ledger/ledger"
	"github.com/warp/coin-ledger/ledger/store"
)

func TestCheck(t *testing.T) {
	tests := []struct {
		name      string
		balance   string
		proposed  string
		ok        bool
		shortfall string
	}{
		{"credit on empty", "0", "10", true, "0"},
		{"debit within balance", "10", "-4", true, "0"},
		{"debit to zero", "10", "-10", true, "0"},
		{"overdraw", "10", "-10.5", false, "0.5"},
		{"debit on empty", "0", "-1", false, "1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := ledger.Check(coins(tt.balance), coins(tt.proposed))
			assert.Equal(t, tt.ok, v.OK)
			assert.True(t, v.Shortfall.Equal(coins(tt.shortfall)), "shortfall %s", v.Shortfall)
			if tt.ok {
				assert.NoError(t, v.Err("a", ledger.GoldCoins))
			} else {
				assert.ErrorIs(t, v.Err("a", ledger.GoldCoins), ledger.ErrInsufficientFunds)
			}
		})
	}
}

func TestGuard_ValidateReadsCommittedBalance(t *testing.T) {
	mem := store.NewMemory()
	_, err := mem.Append(context.Background(), ledger.Transaction{
		ID: "t1", AccountID: "alice", Currency: ledger.SweepsCoins, Amount: coins("3"), Type: ledger.TxBonus,
	}, nil)
	require.NoError(t, err)

	g := ledger.NewGuard(mem)
	v, err := g.Validate(context.Background(), "alice", ledger.SweepsCoins, coins("-5"))
	require.NoError(t, err)
	assert.False(t, v.OK)
	assert.True(t, v.Shortfall.Equal(coins("2")))

	_, err = g.Validate(context.Background(), "alice", "XP", coins("1"))
	assert.ErrorIs(t, err, ledger.ErrUnknownCurrency)
}

func TestDayPeriodAndExpiry(t *testing.T) {
	// 23:30 in UTC-5 is already the next UTC day
	loc := time.FixedZone("EST", -5*3600)
	at := time.Date(2025, 3, 10, 23, 30, 0, 0, loc)

	assert.Equal(t, "2025-03-11", ledger.DayPeriod(at))
	assert.Equal(t,
		time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC),
		ledger.DayExpiry(at, 48*time.Hour))
}

func TestIdempotencyKeyString(t *testing.T) {
	k := ledger.IdempotencyKey{AccountID: "alice", Scope: "daily/GC", Period: "2025-03-10"}
	assert.Equal(t, "alice|daily/GC|2025-03-10", k.String())
	assert.False(t, k.IsZero())
	assert.True(t, ledger.IdempotencyKey{}.IsZero())
}

func TestIdempotencyKeyString_SeparatorInPartsDoesNotCollide(t *testing.T) {
	// GIVEN: two different keys whose naive "|" joins are identical
	a := ledger.IdempotencyKey{AccountID: "a|purchase", Scope: "daily/GC", Period: "D"}
	b := ledger.IdempotencyKey{AccountID: "a", Scope: "purchase", Period: "daily/GC|D"}

	// THEN: their canonical forms differ
	assert.NotEqual(t, a.String(), b.String())
	assert.Equal(t, `a\|purchase|daily/GC|D`, a.String())
	assert.Equal(t, `a|purchase|daily/GC\|D`, b.String())

	// Trailing backslashes cannot forge a separator either
	c := ledger.IdempotencyKey{AccountID: `x\`, Scope: "s", Period: "p"}
	d := ledger.IdempotencyKey{AccountID: "x", Scope: `|s`, Period: "p"}
	assert.NotEqual(t, c.String(), d.String())
}
