/*
types.go - Core types for the currency ledger

PURPOSE:
  Defines the vocabulary shared by every package: currencies, accounts,
  transactions and their types. Amounts are shopspring/decimal values so
  that sums never drift the way floats do.

CURRENCIES:
  GC (Gold Coins)   Play currency, never redeemable.
  SC (Sweeps Coins) Redeemable through the withdrawal workflow.

  A transaction touches exactly one currency. There is no conversion
  between the two.

SIGN CONVENTION:
  Transaction.Amount is signed. Credits are positive, debits negative.
  balance(account, currency) == sum of committed amounts.

SEE ALSO:
  - store.go: Persistence contract
  - poster.go: The only write path
*/
package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

// AccountID identifies a player account. Accounts are implicit: an account
// with no transactions has zero balances in every currency.
type AccountID string

// TransactionID uniquely identifies a transaction.
type TransactionID string

// =============================================================================
// CURRENCY
// =============================================================================

// Currency is one of the two platform currencies.
type Currency string

const (
	GoldCoins   Currency = "GC"
	SweepsCoins Currency = "SC"
)

// Currencies lists every known currency in display order.
var Currencies = []Currency{GoldCoins, SweepsCoins}

// Valid reports whether c is a known currency.
func (c Currency) Valid() bool {
	return c == GoldCoins || c == SweepsCoins
}

// ParseCurrency accepts the wire form of a currency.
func ParseCurrency(s string) (Currency, error) {
	c := Currency(s)
	if !c.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownCurrency, s)
	}
	return c, nil
}

// =============================================================================
// TRANSACTION
// =============================================================================

// TransactionType classifies why a balance changed.
type TransactionType string

const (
	TxPurchase           TransactionType = "purchase"
	TxBonus              TransactionType = "bonus"
	TxGameWin            TransactionType = "game_win"
	TxGameWager          TransactionType = "game_wager"
	TxWithdrawalReserve  TransactionType = "withdrawal_reserve"
	// TxWithdrawalRelease is never posted. The reserve already removed the
	// SC; release only notifies the payout processor.
	TxWithdrawalRelease  TransactionType = "withdrawal_release"
	TxWithdrawalReversal TransactionType = "withdrawal_reversal"
	TxAdjustment         TransactionType = "adjustment"
)

// Valid reports whether t is a known transaction type.
func (t TransactionType) Valid() bool {
	switch t {
	case TxPurchase, TxBonus, TxGameWin, TxGameWager,
		TxWithdrawalReserve, TxWithdrawalRelease, TxWithdrawalReversal, TxAdjustment:
		return true
	}
	return false
}

// Transaction is an immutable record of one balance change.
//
// Seq and BalanceAfter are assigned by the Store at commit time. Seq is
// strictly increasing, follows commit order per balance and doubles as the
// history cursor.
type Transaction struct {
	ID             TransactionID
	Seq            int64
	AccountID      AccountID
	Currency       Currency
	Amount         decimal.Decimal
	Type           TransactionType
	Description    string
	ReferenceID    string // withdrawal id, purchase id, game round id
	IdempotencyKey string // canonical form of the registered key, empty if none
	CreatedAt      time.Time
	BalanceAfter   decimal.Decimal
}

// IsCredit reports whether the transaction increases the balance.
func (t Transaction) IsCredit() bool {
	return t.Amount.IsPositive()
}

// =============================================================================
// BALANCES
// =============================================================================

// BalanceKey addresses a single balance in the projection.
type BalanceKey struct {
	AccountID AccountID
	Currency  Currency
}

func (k BalanceKey) String() string {
	return string(k.AccountID) + "/" + string(k.Currency)
}

// BalanceRow is one row of the materialized balance projection.
type BalanceRow struct {
	AccountID AccountID
	Currency  Currency
	Balance   decimal.Decimal
}

// Balances holds one balance per currency for an account.
type Balances map[Currency]decimal.Decimal

// Of returns the balance for c, zero if absent.
func (b Balances) Of(c Currency) decimal.Decimal {
	if v, ok := b[c]; ok {
		return v
	}
	return decimal.Zero
}
