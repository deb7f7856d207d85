/*
Package settlement turns collaborator outcomes into ledger postings.

  Purchases: a captured payment credits the purchased Gold Coins and the
             package's bonus Sweeps Coins. Both are keyed by the purchase
             id, so a redelivered capture is harmless.
  Games:     a finished round debits the wager and credits the win. Rounds
             are not deduplicated; the game engine owns round identity.

Payment token verification and game outcome computation happen upstream.
*/
package settlement

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/warp/coin-ledger/bonus"
	"github.com/warp/coin-ledger/ledger"
)

// Poster commits ledger postings.
type Poster interface {
	Post(ctx context.Context, in ledger.Posting) (ledger.Result, error)
}

// BonusIssuer grants purchase bonuses.
type BonusIssuer interface {
	PurchaseBonus(ctx context.Context, account ledger.AccountID, purchaseID string, amounts bonus.Amounts) (bonus.Claim, error)
}

// =============================================================================
// PURCHASES
// =============================================================================

// PaymentCapture is a verified payment for a coin package.
type PaymentCapture struct {
	AccountID   ledger.AccountID
	PackageID   string
	AmountPaid  decimal.Decimal // real-money price, recorded for audit only
	PurchaseID  string
	GoldCoins   decimal.Decimal
	BonusSweeps decimal.Decimal
}

// description ties the purchase entry to the package and price paid.
func (c PaymentCapture) description() string {
	desc := "coin package purchase"
	if c.PackageID != "" {
		desc = fmt.Sprintf("coin package %s purchase", c.PackageID)
	}
	if !c.AmountPaid.IsZero() {
		desc += fmt.Sprintf(", paid %s", c.AmountPaid.String())
	}
	return desc
}

type CaptureResult struct {
	Purchase ledger.Result
	Bonus    bonus.Claim
}

type Purchases struct {
	poster Poster
	bonus  BonusIssuer
}

func NewPurchases(poster Poster, issuer BonusIssuer) *Purchases {
	return &Purchases{poster: poster, bonus: issuer}
}

// Capture records the purchase and its bonus.
func (p *Purchases) Capture(ctx context.Context, c PaymentCapture) (CaptureResult, error) {
	if c.PurchaseID == "" {
		return CaptureResult{}, fmt.Errorf("%w: purchase id is required", ledger.ErrInvalidPosting)
	}
	if !c.GoldCoins.IsPositive() {
		return CaptureResult{}, fmt.Errorf("%w: purchased gold coins must be positive", ledger.ErrInvalidPosting)
	}
	if c.AmountPaid.IsNegative() {
		return CaptureResult{}, fmt.Errorf("%w: amount paid must not be negative", ledger.ErrInvalidPosting)
	}

	purchase, err := p.poster.Post(ctx, ledger.Posting{
		AccountID:   c.AccountID,
		Currency:    ledger.GoldCoins,
		Amount:      c.GoldCoins,
		Type:        ledger.TxPurchase,
		Description: c.description(),
		ReferenceID: c.PurchaseID,
		Key:         &ledger.IdempotencyKey{AccountID: c.AccountID, Scope: "purchase", Period: c.PurchaseID},
	})
	if err != nil {
		return CaptureResult{}, err
	}

	result := CaptureResult{Purchase: purchase}
	if c.BonusSweeps.IsPositive() {
		claim, err := p.bonus.PurchaseBonus(ctx, c.AccountID, c.PurchaseID, bonus.Amounts{SweepsCoins: c.BonusSweeps})
		if err != nil {
			return result, err
		}
		result.Bonus = claim
	}

	log.WithFields(log.Fields{
		"account":   c.AccountID,
		"purchase":  c.PurchaseID,
		"package":   c.PackageID,
		"paid":      c.AmountPaid.String(),
		"gc":        c.GoldCoins.String(),
		"bonus_sc":  c.BonusSweeps.String(),
		"duplicate": purchase.Duplicate,
	}).Info("payment captured")
	return result, nil
}

// =============================================================================
// GAMES
// =============================================================================

// GameOutcome is a finished round reported by the game engine.
type GameOutcome struct {
	AccountID ledger.AccountID
	RoundID   string
	Currency  ledger.Currency
	Wager     decimal.Decimal
	Win       decimal.Decimal
}

type RoundResult struct {
	Wager *ledger.Transaction
	Win   *ledger.Transaction
}

type Games struct {
	poster Poster
}

func NewGames(poster Poster) *Games {
	return &Games{poster: poster}
}

// Settle posts the wager debit and then the win credit. When the wager is
// rejected nothing is posted.
func (g *Games) Settle(ctx context.Context, o GameOutcome) (RoundResult, error) {
	if o.Wager.IsNegative() || o.Win.IsNegative() {
		return RoundResult{}, fmt.Errorf("%w: wager and win must not be negative", ledger.ErrInvalidPosting)
	}

	var result RoundResult
	if o.Wager.IsPositive() {
		res, err := g.poster.Post(ctx, ledger.Posting{
			AccountID:   o.AccountID,
			Currency:    o.Currency,
			Amount:      o.Wager.Neg(),
			Type:        ledger.TxGameWager,
			Description: "game wager",
			ReferenceID: o.RoundID,
		})
		if err != nil {
			return RoundResult{}, err
		}
		result.Wager = &res.Transaction
	}

	if o.Win.IsPositive() {
		res, err := g.poster.Post(ctx, ledger.Posting{
			AccountID:   o.AccountID,
			Currency:    o.Currency,
			Amount:      o.Win,
			Type:        ledger.TxGameWin,
			Description: "game win",
			ReferenceID: o.RoundID,
		})
		if err != nil {
			return result, err
		}
		result.Win = &res.Transaction
	}
	return result, nil
}
