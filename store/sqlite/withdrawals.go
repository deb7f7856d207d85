package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/warp/coin-ledger/ledger"
	"github.com/warp/coin-ledger/profile"
	"github.com/warp/coin-ledger/withdrawal"
)

// =============================================================================
// WITHDRAWAL STORE (withdrawal.Repository interface)
// =============================================================================

const withdrawalColumns = `id, account_id, amount, method, identity_status, state,
	staff_verdict, staff_actor, staff_at, admin_verdict, admin_actor, admin_at,
	reserve_tx_id, settle_tx_id, created_at, updated_at`

// CreateWithdrawal inserts a new request.
func (s *Store) CreateWithdrawal(ctx context.Context, req withdrawal.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	args := withdrawalArgs(req)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO withdrawals (`+withdrawalColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, args...)
	if err != nil {
		if isUniqueConstraintError(err) {
			return withdrawal.ErrConcurrentUpdate
		}
		return ledger.Unavailable("create withdrawal", err)
	}
	return nil
}

// GetWithdrawal loads a request by id.
func (s *Store) GetWithdrawal(ctx context.Context, id string) (withdrawal.Request, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = ?`, id)
	req, err := scanWithdrawal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return withdrawal.Request{}, withdrawal.ErrNotFound
	}
	if err != nil {
		return withdrawal.Request{}, ledger.Unavailable("get withdrawal", err)
	}
	return req, nil
}

// UpdateWithdrawal is a compare-and-set on the stored state.
func (s *Store) UpdateWithdrawal(ctx context.Context, req withdrawal.Request, from withdrawal.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	args := withdrawalArgs(req)
	// Drop id and created_at from the SET list; id goes to the WHERE clause.
	set := append([]any{}, args[1:14]...)
	set = append(set, args[15], req.ID, from)

	res, err := s.db.ExecContext(ctx, `
		UPDATE withdrawals SET
			account_id = ?, amount = ?, method = ?, identity_status = ?, state = ?,
			staff_verdict = ?, staff_actor = ?, staff_at = ?,
			admin_verdict = ?, admin_actor = ?, admin_at = ?,
			reserve_tx_id = ?, settle_tx_id = ?, updated_at = ?
		WHERE id = ? AND state = ?
	`, set...)
	if err != nil {
		return ledger.Unavailable("update withdrawal", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ledger.Unavailable("update withdrawal", err)
	}
	if n == 1 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM withdrawals WHERE id = ?`, req.ID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return withdrawal.ErrNotFound
	}
	if err != nil {
		return ledger.Unavailable("update withdrawal", err)
	}
	return withdrawal.ErrConcurrentUpdate
}

// ListWithdrawals returns requests in any of states, oldest first.
func (s *Store) ListWithdrawals(ctx context.Context, states ...withdrawal.State) ([]withdrawal.Request, error) {
	query := `SELECT ` + withdrawalColumns + ` FROM withdrawals`
	args := make([]any, 0, len(states))
	if len(states) > 0 {
		query += ` WHERE state IN (?` + strings.Repeat(", ?", len(states)-1) + `)`
		for _, st := range states {
			args = append(args, st)
		}
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, ledger.Unavailable("list withdrawals", err)
	}
	defer rows.Close()

	var out []withdrawal.Request
	for rows.Next() {
		req, err := scanWithdrawal(rows)
		if err != nil {
			return nil, ledger.Unavailable("scan withdrawal", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// withdrawalArgs returns values in withdrawalColumns order.
func withdrawalArgs(req withdrawal.Request) []any {
	staffVerdict, staffActor, staffAt := decisionArgs(req.StaffDecision)
	adminVerdict, adminActor, adminAt := decisionArgs(req.AdminDecision)
	return []any{
		req.ID,
		req.AccountID,
		req.Amount.String(),
		req.Method,
		req.IdentityStatus,
		req.State,
		staffVerdict, staffActor, staffAt,
		adminVerdict, adminActor, adminAt,
		nullString(string(req.ReserveTxID)),
		nullString(string(req.SettleTxID)),
		formatTime(req.CreatedAt),
		formatTime(req.UpdatedAt),
	}
}

func decisionArgs(d *withdrawal.Decision) (verdict, actor, at sql.NullString) {
	if d == nil {
		return
	}
	return nullString(string(d.Verdict)), nullString(d.ActorID), nullString(formatTime(d.At))
}

func scanWithdrawal(row scanner) (withdrawal.Request, error) {
	var req withdrawal.Request
	var amount, identity, createdAt, updatedAt string
	var staffVerdict, staffActor, staffAt sql.NullString
	var adminVerdict, adminActor, adminAt sql.NullString
	var reserveTx, settleTx sql.NullString

	if err := row.Scan(&req.ID, &req.AccountID, &amount, &req.Method, &identity, &req.State,
		&staffVerdict, &staffActor, &staffAt,
		&adminVerdict, &adminActor, &adminAt,
		&reserveTx, &settleTx, &createdAt, &updatedAt); err != nil {
		return withdrawal.Request{}, err
	}

	var err error
	if req.Amount, err = decimal.NewFromString(amount); err != nil {
		return withdrawal.Request{}, fmt.Errorf("parse withdrawal amount: %w", err)
	}
	req.IdentityStatus = profile.Status(identity)
	req.ReserveTxID = ledger.TransactionID(reserveTx.String)
	req.SettleTxID = ledger.TransactionID(settleTx.String)
	if req.StaffDecision, err = scanDecision(staffVerdict, staffActor, staffAt); err != nil {
		return withdrawal.Request{}, err
	}
	if req.AdminDecision, err = scanDecision(adminVerdict, adminActor, adminAt); err != nil {
		return withdrawal.Request{}, err
	}
	if req.CreatedAt, err = parseTime(createdAt); err != nil {
		return withdrawal.Request{}, err
	}
	if req.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return withdrawal.Request{}, err
	}
	return req, nil
}

func scanDecision(verdict, actor, at sql.NullString) (*withdrawal.Decision, error) {
	if !verdict.Valid {
		return nil, nil
	}
	d := &withdrawal.Decision{Verdict: withdrawal.Verdict(verdict.String), ActorID: actor.String}
	if at.Valid {
		t, err := parseTime(at.String)
		if err != nil {
			return nil, err
		}
		d.At = t
	}
	return d, nil
}
