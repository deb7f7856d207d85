/*
Package bonus issues once-per-period grants through the ledger Poster.

KEYS:
  Daily login    (account, "daily/<cur>", YYYY-MM-DD UTC)
  Mini-game      (account, "minigame/<game>/<cur>", YYYY-MM-DD UTC)
  Purchase bonus (account, "purchase_bonus/<cur>", purchase id)

  One key per currency, because a registry record points at exactly one
  transaction and a daily grant credits both GC and SC. All keys of one
  claim share the period, so a claim is either fully granted or reported
  as already claimed. A claim interrupted between currencies completes on
  the next attempt.

  Day boundaries are UTC. Per-day records become prunable two days after
  their day ends.

VIP:
  The account's tier (profile.Directory) selects a multiplier for daily and
  mini-game amounts. Purchase bonuses are fixed by the purchased package
  and are not scaled.
*/
package bonus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/warp/coin-ledger/ledger"
	"github.com/warp/coin-ledger/profile"
)

// KeyGrace is how long per-day idempotency records outlive their day.
const KeyGrace = 48 * time.Hour

var ErrUnknownGame = errors.New("unknown mini-game")

// Amounts is a grant in both currencies. A zero amount is skipped.
type Amounts struct {
	GoldCoins   decimal.Decimal
	SweepsCoins decimal.Decimal
}

func (a Amounts) of(c ledger.Currency) decimal.Decimal {
	if c == ledger.SweepsCoins {
		return a.SweepsCoins
	}
	return a.GoldCoins
}

func (a Amounts) scale(m decimal.Decimal) Amounts {
	return Amounts{
		GoldCoins:   a.GoldCoins.Mul(m).Round(2),
		SweepsCoins: a.SweepsCoins.Mul(m).Round(2),
	}
}

// Config holds grant amounts.
type Config struct {
	Daily     Amounts
	MiniGames map[string]Amounts
	// VIPMultipliers maps a tier name to a multiplier. Unknown tiers get 1.
	VIPMultipliers map[string]decimal.Decimal
}

// Poster commits ledger postings.
type Poster interface {
	Post(ctx context.Context, in ledger.Posting) (ledger.Result, error)
}

// TierLookup supplies VIP tiers. Nil disables multipliers.
type TierLookup interface {
	GetProfile(ctx context.Context, account ledger.AccountID) (profile.Profile, error)
}

// Claim is the outcome of a bonus request.
type Claim struct {
	Transactions []ledger.Transaction
	// AlreadyClaimed is true when every posting of the claim was a duplicate.
	AlreadyClaimed bool
	Multiplier     decimal.Decimal
}

// Issuer grants bonuses. It only ever calls the Poster.
type Issuer struct {
	poster Poster
	tiers  TierLookup
	cfg    Config
	now    func() time.Time
}

func NewIssuer(poster Poster, tiers TierLookup, cfg Config) *Issuer {
	return &Issuer{
		poster: poster,
		tiers:  tiers,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock returns a copy of the issuer using now as its time source.
func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	c := *i
	c.now = now
	return &c
}

// Games lists configured mini-game ids in name order.
func (i *Issuer) Games() []string {
	out := make([]string, 0, len(i.cfg.MiniGames))
	for g := range i.cfg.MiniGames {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// ClaimDaily grants the daily login bonus once per UTC day.
func (i *Issuer) ClaimDaily(ctx context.Context, account ledger.AccountID) (Claim, error) {
	now := i.now()
	return i.grant(ctx, account, i.cfg.Daily, true, grantSpec{
		scope:       "daily",
		period:      ledger.DayPeriod(now),
		expiresAt:   ledger.DayExpiry(now, KeyGrace),
		description: "daily login bonus",
	})
}

// RewardMiniGame grants a game's reward once per game per UTC day.
func (i *Issuer) RewardMiniGame(ctx context.Context, account ledger.AccountID, gameID string) (Claim, error) {
	amounts, ok := i.cfg.MiniGames[gameID]
	if !ok {
		return Claim{}, fmt.Errorf("%w: %q", ErrUnknownGame, gameID)
	}
	now := i.now()
	return i.grant(ctx, account, amounts, true, grantSpec{
		scope:       "minigame/" + gameID,
		period:      ledger.DayPeriod(now),
		expiresAt:   ledger.DayExpiry(now, KeyGrace),
		description: "mini-game reward: " + gameID,
		reference:   gameID,
	})
}

// PurchaseBonus grants the bonus attached to a purchase exactly once per
// purchase id.
func (i *Issuer) PurchaseBonus(ctx context.Context, account ledger.AccountID, purchaseID string, amounts Amounts) (Claim, error) {
	if purchaseID == "" {
		return Claim{}, fmt.Errorf("%w: purchase id is required", ledger.ErrInvalidPosting)
	}
	return i.grant(ctx, account, amounts, false, grantSpec{
		scope:       "purchase_bonus",
		period:      purchaseID,
		description: "purchase bonus",
		reference:   purchaseID,
	})
}

type grantSpec struct {
	scope       string
	period      string
	expiresAt   time.Time
	description string
	reference   string
}

func (i *Issuer) grant(ctx context.Context, account ledger.AccountID, amounts Amounts, vip bool, spec grantSpec) (Claim, error) {
	claim := Claim{Multiplier: decimal.NewFromInt(1)}
	if vip {
		m, err := i.multiplier(ctx, account)
		if err != nil {
			return Claim{}, err
		}
		claim.Multiplier = m
		amounts = amounts.scale(m)
	}

	posted, duplicates := 0, 0
	for _, cur := range ledger.Currencies {
		amt := amounts.of(cur)
		if !amt.IsPositive() {
			continue
		}
		scope := spec.scope + "/" + string(cur)
		res, err := i.poster.Post(ctx, ledger.Posting{
			AccountID:    account,
			Currency:     cur,
			Amount:       amt,
			Type:         ledger.TxBonus,
			Description:  spec.description,
			ReferenceID:  spec.reference,
			Key:          &ledger.IdempotencyKey{AccountID: account, Scope: scope, Period: spec.period},
			KeyExpiresAt: spec.expiresAt,
		})
		if err != nil {
			return Claim{}, err
		}
		posted++
		if res.Duplicate {
			duplicates++
		}
		claim.Transactions = append(claim.Transactions, res.Transaction)
	}
	claim.AlreadyClaimed = posted > 0 && duplicates == posted

	log.WithFields(log.Fields{
		"account":         account,
		"scope":           spec.scope,
		"period":          spec.period,
		"already_claimed": claim.AlreadyClaimed,
	}).Debug("bonus claim processed")
	return claim, nil
}

func (i *Issuer) multiplier(ctx context.Context, account ledger.AccountID) (decimal.Decimal, error) {
	one := decimal.NewFromInt(1)
	if i.tiers == nil || len(i.cfg.VIPMultipliers) == 0 {
		return one, nil
	}
	p, err := i.tiers.GetProfile(ctx, account)
	if err != nil {
		return decimal.Decimal{}, ledger.Unavailable("read vip tier", err)
	}
	if m, ok := i.cfg.VIPMultipliers[p.Tier]; ok && m.IsPositive() {
		return m, nil
	}
	return one, nil
}
