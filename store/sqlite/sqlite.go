/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Durable single-node backend. Implements every persistence interface the
  server needs, so one database file holds the whole state.

INTERFACES IMPLEMENTED:
  ledger.Store:          Transaction log, balance projection, registry
  withdrawal.Repository: Withdrawal requests and decisions
  profile.Directory:     Identity status and VIP tier

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements on the transactions table
  - Corrections via reversal or adjustment transactions only
  - balances is a projection; RebuildProjection recreates it from
    transactions alone

KEY TABLES:
  transactions:        Immutable ledger, seq = commit order
  balances:            Materialized sum(amount) per (account, currency)
  idempotency_records: key -> transaction id, written with the transaction
  withdrawals:         Withdrawal requests (never deleted)
  account_profiles:    Collaborator-owned flags

AMOUNTS:
  Stored as TEXT in decimal notation and summed in Go with shopspring/decimal.
  SQLite's numeric affinity would round through float64.

CONCURRENCY:
  One connection (SetMaxOpenConns(1)) plus a write mutex. SQLite allows a
  single writer anyway; this keeps ":memory:" databases shared and avoids
  SQLITE_BUSY. Per-balance serialization is the Poster's job.

WAL MODE:
  Opened with WAL for crash recovery and non-blocking readers on file
  databases.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  poster := ledger.NewPoster(store, lock.NewKeyed())

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
  - store/postgres: Multi-node backend
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/coin-ledger/ledger"
)

// timeFormat is fixed-width so that text comparison orders correctly.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex // serializes writers
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Transactions (append-only ledger)
	CREATE TABLE IF NOT EXISTS transactions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		account_id TEXT NOT NULL,
		currency TEXT NOT NULL CHECK (currency IN ('GC', 'SC')),
		amount TEXT NOT NULL,
		tx_type TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		reference_id TEXT,
		idempotency_key TEXT,
		balance_after TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	-- History reads (hot path)
	CREATE INDEX IF NOT EXISTS idx_transactions_account_seq
		ON transactions(account_id, seq);

	-- For withdrawal / purchase tracking
	CREATE INDEX IF NOT EXISTS idx_transactions_reference
		ON transactions(reference_id) WHERE reference_id IS NOT NULL;

	-- Balance projection (rebuildable from transactions)
	CREATE TABLE IF NOT EXISTS balances (
		account_id TEXT NOT NULL,
		currency TEXT NOT NULL,
		balance TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (account_id, currency)
	);

	-- Idempotency registry
	CREATE TABLE IF NOT EXISTS idempotency_records (
		key TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		scope TEXT NOT NULL,
		period TEXT NOT NULL,
		transaction_id TEXT NOT NULL REFERENCES transactions(id),
		created_at TEXT NOT NULL,
		expires_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_idempotency_expires
		ON idempotency_records(expires_at) WHERE expires_at IS NOT NULL;

	-- Withdrawal requests
	CREATE TABLE IF NOT EXISTS withdrawals (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		method TEXT NOT NULL DEFAULT '',
		identity_status TEXT NOT NULL,
		state TEXT NOT NULL,
		staff_verdict TEXT,
		staff_actor TEXT,
		staff_at TEXT,
		admin_verdict TEXT,
		admin_actor TEXT,
		admin_at TEXT,
		reserve_tx_id TEXT,
		settle_tx_id TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_withdrawals_state
		ON withdrawals(state, created_at);
	CREATE INDEX IF NOT EXISTS idx_withdrawals_account
		ON withdrawals(account_id);

	-- Account profiles
	CREATE TABLE IF NOT EXISTS account_profiles (
		account_id TEXT PRIMARY KEY,
		identity_status TEXT NOT NULL,
		vip_tier TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// TRANSACTION STORE (ledger.Store interface)
// =============================================================================

// Append writes the transaction, projection and idempotency record in one
// SQL transaction.
func (s *Store) Append(ctx context.Context, tx ledger.Transaction, rec *ledger.IdempotencyRecord) (ledger.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Transaction{}, ledger.Unavailable("begin transaction", err)
	}
	defer sqlTx.Rollback()

	if rec != nil {
		var exists int
		err := sqlTx.QueryRowContext(ctx, `SELECT 1 FROM idempotency_records WHERE key = ?`, rec.Key.String()).Scan(&exists)
		if err == nil {
			return ledger.Transaction{}, ledger.ErrDuplicateIdempotencyKey
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return ledger.Transaction{}, ledger.Unavailable("check idempotency key", err)
		}
	}

	current, err := readBalance(ctx, sqlTx, tx.AccountID, tx.Currency)
	if err != nil {
		return ledger.Transaction{}, err
	}
	next := current.Add(tx.Amount)
	if next.IsNegative() {
		return ledger.Transaction{}, ledger.Check(current, tx.Amount).Err(tx.AccountID, tx.Currency)
	}

	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	tx.BalanceAfter = next
	if rec != nil {
		tx.IdempotencyKey = rec.Key.String()
	}

	seq, err := s.appendTx(ctx, sqlTx, tx)
	if err != nil {
		return ledger.Transaction{}, err
	}
	tx.Seq = seq

	if _, err := sqlTx.ExecContext(ctx, `
		INSERT INTO balances (account_id, currency, balance, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(account_id, currency) DO UPDATE SET
			balance = excluded.balance,
			updated_at = excluded.updated_at
	`, tx.AccountID, tx.Currency, next.String(), formatTime(tx.CreatedAt)); err != nil {
		return ledger.Transaction{}, ledger.Unavailable("update balance", err)
	}

	if rec != nil {
		if err := insertRecord(ctx, sqlTx, *rec, tx.ID); err != nil {
			return ledger.Transaction{}, err
		}
	}

	if err := sqlTx.Commit(); err != nil {
		return ledger.Transaction{}, ledger.Unavailable("commit transaction", err)
	}
	return tx, nil
}

func (s *Store) appendTx(ctx context.Context, db execer, tx ledger.Transaction) (int64, error) {
	query := `
		INSERT INTO transactions
		(id, account_id, currency, amount, tx_type, description, reference_id,
		 idempotency_key, balance_after, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	res, err := db.ExecContext(ctx, query,
		tx.ID,
		tx.AccountID,
		tx.Currency,
		tx.Amount.String(),
		tx.Type,
		tx.Description,
		nullString(tx.ReferenceID),
		nullString(tx.IdempotencyKey),
		tx.BalanceAfter.String(),
		formatTime(tx.CreatedAt),
	)
	if err != nil {
		return 0, ledger.Unavailable("append transaction", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, ledger.Unavailable("read transaction seq", err)
	}
	return seq, nil
}

func insertRecord(ctx context.Context, db execer, rec ledger.IdempotencyRecord, txID ledger.TransactionID) error {
	var expires any
	if !rec.ExpiresAt.IsZero() {
		expires = rec.ExpiresAt.Unix()
	}
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO idempotency_records (key, account_id, scope, period, transaction_id, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.Key.String(), rec.Key.AccountID, rec.Key.Scope, rec.Key.Period, txID, formatTime(created), expires)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateIdempotencyKey
		}
		return ledger.Unavailable("register idempotency key", err)
	}
	return nil
}

func readBalance(ctx context.Context, db execer, account ledger.AccountID, currency ledger.Currency) (decimal.Decimal, error) {
	var raw string
	err := db.QueryRowContext(ctx,
		`SELECT balance FROM balances WHERE account_id = ? AND currency = ?`,
		account, currency,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, ledger.Unavailable("read balance", err)
	}
	return decimal.NewFromString(raw)
}

// Balance returns the committed balance.
func (s *Store) Balance(ctx context.Context, account ledger.AccountID, currency ledger.Currency) (decimal.Decimal, error) {
	return readBalance(ctx, s.db, account, currency)
}

// Lookup returns the transaction registered under key.
func (s *Store) Lookup(ctx context.Context, key ledger.IdempotencyKey) (ledger.Transaction, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+txColumns("t.")+`
		FROM idempotency_records r
		JOIN transactions t ON t.id = r.transaction_id
		WHERE r.key = ?
	`, key.String())

	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Transaction{}, false, nil
	}
	if err != nil {
		return ledger.Transaction{}, false, ledger.Unavailable("lookup idempotency key", err)
	}
	return tx, true, nil
}

// PruneIdempotency deletes expired registry records.
func (s *Store) PruneIdempotency(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_records WHERE expires_at IS NOT NULL AND expires_at < ?`,
		before.Unix())
	if err != nil {
		return 0, ledger.Unavailable("prune idempotency records", err)
	}
	return res.RowsAffected()
}

// History reads an account's transactions in batches. Each batch's rows are
// fully read and closed before anything is yielded, so the single
// connection is free while the caller works.
func (s *Store) History(ctx context.Context, account ledger.AccountID, filter ledger.HistoryFilter) iter.Seq2[ledger.Transaction, error] {
	return s.scan(ctx, filter, "account_id = ?", account)
}

// Replay yields the whole log in commit order.
func (s *Store) Replay(ctx context.Context) iter.Seq2[ledger.Transaction, error] {
	return s.scan(ctx, ledger.HistoryFilter{BatchSize: 500}, "1 = 1")
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

	if filter.Currency != "" {
		b.WriteString(` AND currency = ?`)
		params = append(params, filter.Currency)
	}
	order := "ASC"
	if filter.Order == ledger.NewestFirst {
		order = "DESC"
		if cursor > 0 {
			b.WriteString(` AND seq < ?`)
			params = append(params, cursor)
		}
	} else if cursor > 0 {
		b.WriteString(` AND seq > ?`)
		params = append(params, cursor)
	}
	b.WriteString(` ORDER BY seq ` + order + ` LIMIT ?`)
	params = append(params, size)

	rows, err := s.db.QueryContext(ctx, b.String(), params...)
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

// Projection returns every balance row.
func (s *Store) Projection(ctx context.Context) ([]ledger.BalanceRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT account_id, currency, balance FROM balances ORDER BY account_id, currency`)
	if err != nil {
		return nil, ledger.Unavailable("query balances", err)
	}
	defer rows.Close()

	var out []ledger.BalanceRow
	for rows.Next() {
		var r ledger.BalanceRow
		var raw string
		if err := rows.Scan(&r.AccountID, &r.Currency, &raw); err != nil {
			return nil, ledger.Unavailable("scan balance", err)
		}
		if r.Balance, err = decimal.NewFromString(raw); err != nil {
			return nil, fmt.Errorf("corrupt balance for %s/%s: %w", r.AccountID, r.Currency, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RebuildProjection recomputes balances from the log in one SQL transaction.
func (s *Store) RebuildProjection(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Unavailable("begin rebuild", err)
	}
	defer sqlTx.Rollback()

	sums, err := sumLog(ctx, sqlTx)
	if err != nil {
		return err
	}

	if _, err := sqlTx.ExecContext(ctx, `DELETE FROM balances`); err != nil {
		return ledger.Unavailable("clear balances", err)
	}
	now := formatTime(time.Now().UTC())
	for k, v := range sums {
		if _, err := sqlTx.ExecContext(ctx,
			`INSERT INTO balances (account_id, currency, balance, updated_at) VALUES (?, ?, ?, ?)`,
			k.AccountID, k.Currency, v.String(), now); err != nil {
			return ledger.Unavailable("insert balance", err)
		}
	}

	if err := sqlTx.Commit(); err != nil {
		return ledger.Unavailable("commit rebuild", err)
	}
	return nil
}

func sumLog(ctx context.Context, sqlTx *sql.Tx) (map[ledger.BalanceKey]decimal.Decimal, error) {
	rows, err := sqlTx.QueryContext(ctx, `SELECT account_id, currency, amount FROM transactions ORDER BY seq`)
	if err != nil {
		return nil, ledger.Unavailable("read log", err)
	}
	defer rows.Close()

	sums := make(map[ledger.BalanceKey]decimal.Decimal)
	for rows.Next() {
		var k ledger.BalanceKey
		var raw string
		if err := rows.Scan(&k.AccountID, &k.Currency, &raw); err != nil {
			return nil, ledger.Unavailable("scan log", err)
		}
		amt, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("corrupt amount in log: %w", err)
		}
		sums[k] = sums[k].Add(amt)
	}
	return sums, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func txColumns(prefix string) string {
	cols := []string{"seq", "id", "account_id", "currency", "amount", "tx_type", "description",
		"reference_id", "idempotency_key", "balance_after", "created_at"}
	for i, c := range cols {
		cols[i] = prefix + c
	}
	return strings.Join(cols, ", ")
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row scanner) (ledger.Transaction, error) {
	var tx ledger.Transaction
	var amount, balanceAfter, createdAt string
	var referenceID, key sql.NullString

	if err := row.Scan(&tx.Seq, &tx.ID, &tx.AccountID, &tx.Currency, &amount, &tx.Type,
		&tx.Description, &referenceID, &key, &balanceAfter, &createdAt); err != nil {
		return ledger.Transaction{}, err
	}

	var err error
	if tx.Amount, err = decimal.NewFromString(amount); err != nil {
		return ledger.Transaction{}, fmt.Errorf("parse amount: %w", err)
	}
	if tx.BalanceAfter, err = decimal.NewFromString(balanceAfter); err != nil {
		return ledger.Transaction{}, fmt.Errorf("parse balance_after: %w", err)
	}
	if tx.CreatedAt, err = parseTime(createdAt); err != nil {
		return ledger.Transaction{}, err
	}
	tx.ReferenceID = referenceID.String
	tx.IdempotencyKey = key.String
	return tx, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
