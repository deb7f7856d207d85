package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/warp/coin-ledger/ledger"
	"github.com/warp/coin-ledger/profile"
	"github.com/warp/coin-ledger/withdrawal"
)

const withdrawalColumns = `id, account_id, amount::text, method, identity_status, state,
	staff_verdict, staff_actor, staff_at, admin_verdict, admin_actor, admin_at,
	reserve_tx_id, settle_tx_id, created_at, updated_at`

func (s *Store) CreateWithdrawal(ctx context.Context, req withdrawal.Request) error {
	staff := decisionParams(req.StaffDecision)
	admin := decisionParams(req.AdminDecision)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO withdrawals
		(id, account_id, amount, method, identity_status, state,
		 staff_verdict, staff_actor, staff_at, admin_verdict, admin_actor, admin_at,
		 reserve_tx_id, settle_tx_id, created_at, updated_at)
		VALUES ($1, $2, $3::numeric, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`,
		req.ID, string(req.AccountID), req.Amount.String(), req.Method,
		string(req.IdentityStatus), string(req.State),
		staff.verdict, staff.actor, staff.at,
		admin.verdict, admin.actor, admin.at,
		nullable(string(req.ReserveTxID)), nullable(string(req.SettleTxID)),
		req.CreatedAt, req.UpdatedAt,
	)
	if err != nil {
		if pgCode(err) == codeUniqueViolation {
			return withdrawal.ErrConcurrentUpdate
		}
		return ledger.Unavailable("create withdrawal", err)
	}
	return nil
}

func (s *Store) GetWithdrawal(ctx context.Context, id string) (withdrawal.Request, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1`, id)
	req, err := scanWithdrawal(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return withdrawal.Request{}, withdrawal.ErrNotFound
	}
	if err != nil {
		return withdrawal.Request{}, ledger.Unavailable("get withdrawal", err)
	}
	return req, nil
}

// UpdateWithdrawal is a compare-and-set on the stored state.
func (s *Store) UpdateWithdrawal(ctx context.Context, req withdrawal.Request, from withdrawal.State) error {
	staff := decisionParams(req.StaffDecision)
	admin := decisionParams(req.AdminDecision)
	tag, err := s.pool.Exec(ctx, `
		UPDATE withdrawals SET
			state = $3,
			staff_verdict = $4, staff_actor = $5, staff_at = $6,
			admin_verdict = $7, admin_actor = $8, admin_at = $9,
			reserve_tx_id = $10, settle_tx_id = $11, updated_at = $12
		WHERE id = $1 AND state = $2
	`,
		req.ID, string(from), string(req.State),
		staff.verdict, staff.actor, staff.at,
		admin.verdict, admin.actor, admin.at,
		nullable(string(req.ReserveTxID)), nullable(string(req.SettleTxID)),
		req.UpdatedAt,
	)
	if err != nil {
		return ledger.Unavailable("update withdrawal", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	err = s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM withdrawals WHERE id = $1)`, req.ID).Scan(&exists)
	if err != nil {
		return ledger.Unavailable("update withdrawal", err)
	}
	if !exists {
		return withdrawal.ErrNotFound
	}
	return withdrawal.ErrConcurrentUpdate
}

func (s *Store) ListWithdrawals(ctx context.Context, states ...withdrawal.State) ([]withdrawal.Request, error) {
	query := `SELECT ` + withdrawalColumns + ` FROM withdrawals`
	var args []any
	if len(states) > 0 {
		names := make([]string, len(states))
		for i, st := range states {
			names[i] = string(st)
		}
		query += ` WHERE state = ANY($1)`
		args = append(args, names)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.pool.Query(ctx, query, args...)
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

type decisionRow struct {
	verdict, actor *string
	at             *time.Time
}

func decisionParams(d *withdrawal.Decision) decisionRow {
	if d == nil {
		return decisionRow{}
	}
	verdict := string(d.Verdict)
	at := d.At
	return decisionRow{verdict: &verdict, actor: nullable(d.ActorID), at: &at}
}

func (r decisionRow) decision() *withdrawal.Decision {
	if r.verdict == nil {
		return nil
	}
	d := &withdrawal.Decision{Verdict: withdrawal.Verdict(*r.verdict)}
	if r.actor != nil {
		d.ActorID = *r.actor
	}
	if r.at != nil {
		d.At = r.at.UTC()
	}
	return d
}

func scanWithdrawal(row pgx.Row) (withdrawal.Request, error) {
	var req withdrawal.Request
	var account, amount, identity, state string
	var staff, admin decisionRow
	var reserveTx, settleTx *string

	if err := row.Scan(&req.ID, &account, &amount, &req.Method, &identity, &state,
		&staff.verdict, &staff.actor, &staff.at,
		&admin.verdict, &admin.actor, &admin.at,
		&reserveTx, &settleTx, &req.CreatedAt, &req.UpdatedAt); err != nil {
		return withdrawal.Request{}, err
	}

	var err error
	if req.Amount, err = decimal.NewFromString(amount); err != nil {
		return withdrawal.Request{}, fmt.Errorf("parse withdrawal amount: %w", err)
	}
	req.AccountID = ledger.AccountID(account)
	req.IdentityStatus = profile.Status(identity)
	req.State = withdrawal.State(state)
	req.StaffDecision = staff.decision()
	req.AdminDecision = admin.decision()
	if reserveTx != nil {
		req.ReserveTxID = ledger.TransactionID(*reserveTx)
	}
	if settleTx != nil {
		req.SettleTxID = ledger.TransactionID(*settleTx)
	}
	req.CreatedAt = req.CreatedAt.UTC()
	req.UpdatedAt = req.UpdatedAt.UTC()
	return req, nil
}
