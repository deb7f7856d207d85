package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// BalanceReader reads committed balances.
type BalanceReader interface {
	Balance(ctx context.Context, account AccountID, currency Currency) (decimal.Decimal, error)
}

// Verdict is the guard's answer for one proposed posting.
type Verdict struct {
	OK        bool
	Balance   decimal.Decimal
	Proposed  decimal.Decimal
	Resulting decimal.Decimal
	Shortfall decimal.Decimal // zero when OK
}

// Err converts a rejecting verdict into an *InsufficientFundsError.
// It returns nil for an accepting verdict.
func (v Verdict) Err(account AccountID, currency Currency) error {
	if v.OK {
		return nil
	}
	return &InsufficientFundsError{
		AccountID: account,
		Currency:  currency,
		Balance:   v.Balance,
		Requested: v.Proposed.Neg(),
		Shortfall: v.Shortfall,
	}
}

// Check decides whether proposed may be applied to balance.
// The result must not be negative.
func Check(balance, proposed decimal.Decimal) Verdict {
	resulting := balance.Add(proposed)
	v := Verdict{
		OK:        !resulting.IsNegative(),
		Balance:   balance,
		Proposed:  proposed,
		Resulting: resulting,
		Shortfall: decimal.Zero,
	}
	if !v.OK {
		v.Shortfall = resulting.Neg()
	}
	return v
}

// Guard validates postings against committed balances. It never writes.
type Guard struct {
	balances BalanceReader
}

func NewGuard(balances BalanceReader) *Guard {
	return &Guard{balances: balances}
}

// Validate reads the committed balance and applies Check. The error is
// reserved for read failures; a rejection is a Verdict with OK false.
func (g *Guard) Validate(ctx context.Context, account AccountID, currency Currency, proposed decimal.Decimal) (Verdict, error) {
	if !currency.Valid() {
		return Verdict{}, ErrUnknownCurrency
	}
	balance, err := g.balances.Balance(ctx, account, currency)
	if err != nil {
		return Verdict{}, Unavailable("read balance", err)
	}
	return Check(balance, proposed), nil
}
