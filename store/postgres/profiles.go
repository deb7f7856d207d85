package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/warp/coin-ledger/ledger"
	"github.com/warp/coin-ledger/profile"
)

func (s *Store) GetProfile(ctx context.Context, account ledger.AccountID) (profile.Profile, error) {
	var status, tier string
	var updatedAt time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT identity_status, vip_tier, updated_at FROM account_profiles WHERE account_id = $1`,
		string(account),
	).Scan(&status, &tier, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return profile.Default(account), nil
	}
	if err != nil {
		return profile.Profile{}, ledger.Unavailable("get profile", err)
	}
	return profile.Profile{
		AccountID:      account,
		IdentityStatus: profile.Status(status),
		Tier:           tier,
		UpdatedAt:      updatedAt.UTC(),
	}, nil
}

func (s *Store) SaveProfile(ctx context.Context, p profile.Profile) error {
	if _, err := profile.ParseStatus(string(p.IdentityStatus)); err != nil {
		return err
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO account_profiles (account_id, identity_status, vip_tier, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_id) DO UPDATE SET
			identity_status = excluded.identity_status,
			vip_tier = excluded.vip_tier,
			updated_at = excluded.updated_at
	`, string(p.AccountID), string(p.IdentityStatus), p.Tier, p.UpdatedAt)
	if err != nil {
		return ledger.Unavailable("save profile", err)
	}
	return nil
}
