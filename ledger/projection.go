package ledger

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"
)

// Drift is a disagreement between the projection and a replay of the log.
type Drift struct {
	AccountID AccountID
	Currency  Currency
	Projected decimal.Decimal
	Replayed  decimal.Decimal
}

// ReplayBalances sums the whole log per (account, currency).
func ReplayBalances(ctx context.Context, s Store) (map[BalanceKey]decimal.Decimal, error) {
	sums := make(map[BalanceKey]decimal.Decimal)
	for tx, err := range s.Replay(ctx) {
		if err != nil {
			return nil, err
		}
		k := BalanceKey{AccountID: tx.AccountID, Currency: tx.Currency}
		sums[k] = sums[k].Add(tx.Amount)
	}
	return sums, nil
}

// Verify compares the projection with a replay of the log. An empty
// result means the projection is consistent.
func Verify(ctx context.Context, s Store) ([]Drift, error) {
	replayed, err := ReplayBalances(ctx, s)
	if err != nil {
		return nil, err
	}
	rows, err := s.Projection(ctx)
	if err != nil {
		return nil, err
	}

	projected := make(map[BalanceKey]decimal.Decimal, len(rows))
	for _, r := range rows {
		projected[BalanceKey{AccountID: r.AccountID, Currency: r.Currency}] = r.Balance
	}

	var drifts []Drift
	seen := make(map[BalanceKey]bool)
	for k, want := range replayed {
		seen[k] = true
		if got := projected[k]; !got.Equal(want) {
			drifts = append(drifts, Drift{AccountID: k.AccountID, Currency: k.Currency, Projected: got, Replayed: want})
		}
	}
	for k, got := range projected {
		if !seen[k] && !got.IsZero() {
			drifts = append(drifts, Drift{AccountID: k.AccountID, Currency: k.Currency, Projected: got, Replayed: decimal.Zero})
		}
	}

	sort.Slice(drifts, func(i, j int) bool {
		if drifts[i].AccountID != drifts[j].AccountID {
			return drifts[i].AccountID < drifts[j].AccountID
		}
		return drifts[i].Currency < drifts[j].Currency
	})
	return drifts, nil
}

// AccountBalances reads every currency balance for an account.
func AccountBalances(ctx context.Context, r BalanceReader, account AccountID) (Balances, error) {
	out := make(Balances, len(Currencies))
	for _, c := range Currencies {
		b, err := r.Balance(ctx, account, c)
		if err != nil {
			return nil, Unavailable("read balance", err)
		}
		out[c] = b
	}
	return out, nil
}
