/*
Package postgres provides a PostgreSQL-backed implementation of the storage
interfaces, for deployments where several server instances share one ledger.

INTERFACES IMPLEMENTED:
  ledger.Store, withdrawal.Repository, profile.Directory

INVARIANTS:
  - balances.balance carries CHECK (balance >= 0). The projection upsert
    runs first inside each append, so an overdraft aborts the whole SQL
    transaction and nothing is written.
  - The upsert row-locks (account, currency). Appends to one balance are
    therefore serialized by the database even without an external lock,
    and within one balance seq values follow commit order.
  - Across balances they do not: BIGSERIAL is drawn before commit, so a
    lower seq can become visible after a higher one. A cursor that pages
    History or Replay while appends are in flight may step past such a
    row. Rebuild and verify sum per balance and are unaffected; callers
    that need a gap-free feed read after writes have quiesced.
  - Amounts are NUMERIC and cross the wire as text.

SCHEMA:
  Managed by golang-migrate from the embedded migrations/ directory. Call
  Migrate before New.

SEE ALSO:
  - store/sqlite: Single-node backend with the same semantics
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/warp/coin-ledger/ledger"
)

const (
	codeUniqueViolation = "23505"
	codeCheckViolation  = "23514"
)

// Store implements all storage interfaces on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// Connect opens a pool with every session pinned to UTC.
func Connect(ctx context.Context, databaseURL string) (*Store, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	config.ConnConfig.RuntimeParams["timezone"] = "UTC"

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return New(pool), nil
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Close() {
	s.pool.Close()
}

// =============================================================================
// TRANSACTION STORE
// =============================================================================

func (s *Store) Append(ctx context.Context, tx ledger.Transaction, rec *ledger.IdempotencyRecord) (ledger.Transaction, error) {
	pgTx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return ledger.Transaction{}, ledger.Unavailable("begin transaction", err)
	}
	defer func() {
		_ = pgTx.Rollback(ctx)
	}()

	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	if rec != nil {
		tx.IdempotencyKey = rec.Key.String()
	}

	var after string
	err = pgTx.QueryRow(ctx, `
		INSERT INTO balances (account_id, currency, balance, updated_at)
		VALUES ($1, $2, $3::numeric, $4)
		ON CONFLICT (account_id, currency) DO UPDATE SET
			balance = balances.balance + excluded.balance,
			updated_at = excluded.updated_at
		RETURNING balance::text
	`, string(tx.AccountID), string(tx.Currency), tx.Amount.String(), tx.CreatedAt).Scan(&after)
	if err != nil {
		if pgCode(err) == codeCheckViolation {
			return ledger.Transaction{}, s.insufficient(ctx, tx)
		}
		return ledger.Transaction{}, ledger.Unavailable("update balance", err)
	}
	if tx.BalanceAfter, err = decimal.NewFromString(after); err != nil {
		return ledger.Transaction{}, fmt.Errorf("parse balance: %w", err)
	}

	err = pgTx.QueryRow(ctx, `
		INSERT INTO transactions
		(id, account_id, currency, amount, tx_type, description, reference_id,
		 idempotency_key, balance_after, created_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9::numeric, $10)
		RETURNING seq
	`,
		string(tx.ID),
		string(tx.AccountID),
		string(tx.Currency),
		tx.Amount.String(),
		string(tx.Type),
		tx.Description,
		nullable(tx.ReferenceID),
		nullable(tx.IdempotencyKey),
		tx.BalanceAfter.String(),
		tx.CreatedAt,
	).Scan(&tx.Seq)
	if err != nil {
		return ledger.Transaction{}, ledger.Unavailable("append transaction", err)
	}

	if rec != nil {
		var expires *time.Time
		if !rec.ExpiresAt.IsZero() {
			e := rec.ExpiresAt
			expires = &e
		}
		created := rec.CreatedAt
		if created.IsZero() {
			created = tx.CreatedAt
		}
		_, err := pgTx.Exec(ctx, `
			INSERT INTO idempotency_records (key, account_id, scope, period, transaction_id, created_at, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, rec.Key.String(), string(rec.Key.AccountID), rec.Key.Scope, rec.Key.Period, string(tx.ID), created, expires)
		if err != nil {
			if pgCode(err) == codeUniqueViolation {
				return ledger.Transaction{}, ledger.ErrDuplicateIdempotencyKey
			}
			return ledger.Transaction{}, ledger.Unavailable("register idempotency key", err)
		}
	}

	if err := pgTx.Commit(ctx); err != nil {
		return ledger.Transaction{}, ledger.Unavailable("commit transaction", err)
	}
	tx.CreatedAt = tx.CreatedAt.UTC()
	return tx, nil
}

// insufficient builds the typed error after the CHECK constraint fired.
func (s *Store) insufficient(ctx context.Context, tx ledger.Transaction) error {
	balance, err := s.Balance(ctx, tx.AccountID, tx.Currency)
	if err != nil {
		return ledger.ErrInsufficientFunds
	}
	return ledger.Check(balance, tx.Amount).Err(tx.AccountID, tx.Currency)
}

func (s *Store) Balance(ctx context.Context, account ledger.AccountID, currency ledger.Currency) (decimal.Decimal, error) {
	var raw string
	err := s.pool.QueryRow(ctx,
		`SELECT balance::text FROM balances WHERE account_id = $1 AND currency = $2`,
		string(account), string(currency),
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, ledger.Unavailable("read balance", err)
	}
	return decimal.NewFromString(raw)
}

func (s *Store) Lookup(ctx context.Context, key ledger.IdempotencyKey) (ledger.Transaction, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+txColumns("t.")+`
		FROM idempotency_records r
		JOIN transactions t ON t.id = r.transaction_id
		WHERE r.key = $1
	`, key.String())

	tx, err := scanTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Transaction{}, false, nil
	}
	if err != nil {
		return ledger.Transaction{}, false, ledger.Unavailable("lookup idempotency key", err)
	}
	return tx, true, nil
}

func (s *Store) PruneIdempotency(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM idempotency_records WHERE expires_at IS NOT NULL AND expires_at < $1`, before)
	if err != nil {
		return 0, ledger.Unavailable("prune idempotency records", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) History(ctx context.Context, account ledger.AccountID, filter ledger.HistoryFilter) iter.Seq2[ledger.Transaction, error] {
	return s.scan(ctx, filter, "account_id = $1", string(account))
}

func (s *Store) Replay(ctx context.Context) iter.Seq2[ledger.Transaction, error] {
	return s.scan(ctx, ledger.HistoryFilter{BatchSize: 1000}, "TRUE")
}

func (s *Store) scan(ctx context.Context, filter ledger.HistoryFilter, where string, args ...any) iter.Seq2[ledger.Transaction, error] {
	return func(yield func(ledger.Transaction, error) bool) {
		size := filter.EffectiveBatchSize()
		cursor := filter.Cursor
		for {
			batch, err := s.batch(ctx, filter, cursor, size, where, args)
			if err != nil {
				yield(ledger.Transaction{}, err)
				return
			}
			for _, tx := range batch {
				if !yield(tx, nil) {
					return
				}
			}
			if len(batch) < size {
				return
			}
			cursor = batch[len(batch)-1].Seq
		}
	}
}

func (s *Store) batch(ctx context.Context, filter ledger.HistoryFilter, cursor int64, size int, where string, args []any) ([]ledger.Transaction, error) {
	var b strings.Builder
	b.WriteString(`SELECT ` + txColumns("") + ` FROM transactions WHERE ` + where)
	params := append([]any{}, args...)
	arg := func(v any) string {
		params = append(params, v)
		return fmt.Sprintf("$%d", len(params))
	}

	if filter.Currency != "" {
		b.WriteString(` AND currency = ` + arg(string(filter.Currency)))
	}
	order := "ASC"
	if filter.Order == ledger.NewestFirst {
		order = "DESC"
		if cursor > 0 {
			b.WriteString(` AND seq < ` + arg(cursor))
		}
	} else if cursor > 0 {
		b.WriteString(` AND seq > ` + arg(cursor))
	}
	b.WriteString(` ORDER BY seq ` + order + ` LIMIT ` + arg(size))

	rows, err := s.pool.Query(ctx, b.String(), params...)
	if err != nil {
		return nil, ledger.Unavailable("query transactions", err)
	}
	defer rows.Close()

	out := make([]ledger.Transaction, 0, size)
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, ledger.Unavailable("scan transaction", err)
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, ledger.Unavailable("iterate transactions", err)
	}
	return out, nil
}

func (s *Store) Projection(ctx context.Context) ([]ledger.BalanceRow, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT account_id, currency, balance::text FROM balances ORDER BY account_id, currency`)
	if err != nil {
		return nil, ledger.Unavailable("query balances", err)
	}
	defer rows.Close()

	var out []ledger.BalanceRow
	for rows.Next() {
		var account, currency, raw string
		if err := rows.Scan(&account, &currency, &raw); err != nil {
			return nil, ledger.Unavailable("scan balance", err)
		}
		bal, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("corrupt balance for %s/%s: %w", account, currency, err)
		}
		out = append(out, ledger.BalanceRow{
			AccountID: ledger.AccountID(account),
			Currency:  ledger.Currency(currency),
			Balance:   bal,
		})
	}
	return out, rows.Err()
}

// RebuildProjection recomputes balances from the log. The exclusive lock
// blocks appends for the duration.
func (s *Store) RebuildProjection(ctx context.Context) error {
	pgTx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return ledger.Unavailable("begin rebuild", err)
	}
	defer func() {
		_ = pgTx.Rollback(ctx)
	}()

	for _, stmt := range []string{
		`LOCK TABLE balances IN EXCLUSIVE MODE`,
		`DELETE FROM balances`,
		`INSERT INTO balances (account_id, currency, balance, updated_at)
		 SELECT account_id, currency, SUM(amount), NOW()
		 FROM transactions
		 GROUP BY account_id, currency`,
	} {
		if _, err := pgTx.Exec(ctx, stmt); err != nil {
			return ledger.Unavailable("rebuild projection", err)
		}
	}

	if err := pgTx.Commit(ctx); err != nil {
		return ledger.Unavailable("commit rebuild", err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func txColumns(prefix string) string {
	cols := []string{"seq", "id", "account_id", "currency", "amount::text", "tx_type", "description",
		"reference_id", "idempotency_key", "balance_after::text", "created_at"}
	for i, c := range cols {
		cols[i] = prefix + c
	}
	return strings.Join(cols, ", ")
}

func scanTransaction(row pgx.Row) (ledger.Transaction, error) {
	var tx ledger.Transaction
	var id, account, currency, typ, amount, balanceAfter string
	var referenceID, key *string

	if err := row.Scan(&tx.Seq, &id, &account, &currency, &amount, &typ,
		&tx.Description, &referenceID, &key, &balanceAfter, &tx.CreatedAt); err != nil {
		return ledger.Transaction{}, err
	}

	var err error
	if tx.Amount, err = decimal.NewFromString(amount); err != nil {
		return ledger.Transaction{}, fmt.Errorf("parse amount: %w", err)
	}
	if tx.BalanceAfter, err = decimal.NewFromString(balanceAfter); err != nil {
		return ledger.Transaction{}, fmt.Errorf("parse balance_after: %w", err)
	}
	tx.ID = ledger.TransactionID(id)
	tx.AccountID = ledger.AccountID(account)
	tx.Currency = ledger.Currency(currency)
	tx.Type = ledger.TransactionType(typ)
	tx.CreatedAt = tx.CreatedAt.UTC()
	if referenceID != nil {
		tx.ReferenceID = *referenceID
	}
	if key != nil {
		tx.IdempotencyKey = *key
	}
	return tx, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
