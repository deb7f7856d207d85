package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/warp/coin-ledger/ledger"
	"github.com/warp/coin-ledger/profile"
)

// =============================================================================
// PROFILE STORE (profile.Directory interface)
// =============================================================================

// GetProfile returns the stored profile or profile.Default.
func (s *Store) GetProfile(ctx context.Context, account ledger.AccountID) (profile.Profile, error) {
	var p profile.Profile
	var status, updatedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT account_id, identity_status, vip_tier, updated_at FROM account_profiles WHERE account_id = ?`,
		account,
	).Scan(&p.AccountID, &status, &p.Tier, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return profile.Default(account), nil
	}
	if err != nil {
		return profile.Profile{}, ledger.Unavailable("get profile", err)
	}
	p.IdentityStatus = profile.Status(status)
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return profile.Profile{}, err
	}
	return p, nil
}

// SaveProfile upserts a profile.
func (s *Store) SaveProfile(ctx context.Context, p profile.Profile) error {
	if _, err := profile.ParseStatus(string(p.IdentityStatus)); err != nil {
		return err
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO account_profiles (account_id, identity_status, vip_tier, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			identity_status = excluded.identity_status,
			vip_tier = excluded.vip_tier,
			updated_at = excluded.updated_at
	`, p.AccountID, p.IdentityStatus, p.Tier, formatTime(p.UpdatedAt))
	if err != nil {
		return ledger.Unavailable("save profile", err)
	}
	return nil
}
