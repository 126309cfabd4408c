/*
Package sqlite provides a SQLite-backed implementation of ledger.Store.

PURPOSE:
  Persists users, balance records, payment records and ledger links in a
  single SQLite file. The PostgreSQL store (store/postgres) implements the
  same interface with row locks instead of a process-wide writer lock.

KEY TABLES:
  users:        Account holders (email unique)
  balances:     One row per user: cash_amount, revolving_debt, currency
  payments:     Immutable movement facts (append-only)
  ledger_links: balance_id <-> payment_id join (payment_id unique)

APPEND-ONLY ENFORCEMENT:
  - No UPDATE statements on payments or ledger_links
  - Rows only disappear through ON DELETE CASCADE when a user is deleted

TWO-TIER PAYMENT WRITE:
  Databases created by older releases have a payments table without the
  category/method/reference/notes columns. CREATE TABLE IF NOT EXISTS
  leaves such a table untouched, so a full-profile insert fails with
  "has no column named". That error is reported as ledger.ErrSchemaMismatch
  and the writer retries with the minimal profile. Each payment insert runs
  inside a SAVEPOINT so a failed attempt leaves the transaction usable.

CONCURRENCY:
  One open connection, transactions started with BEGIN IMMEDIATE, plus a
  sync.Mutex around WithTx. Read-modify-write on a balance is therefore
  serialized within and across processes.

MONEY AND DATES:
  Amounts are stored as TEXT with exactly two fraction digits and parsed
  back into decimal.Decimal. payment_date is stored as YYYY-MM-DD so the
  lexical order is the calendar order.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := ledger.NewEngine(store)

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
  - store/postgres: PostgreSQL implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/banking-ledger/ledger"
)

const dateLayout = "2006-01-02"

// Store implements ledger.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A second connection to ":memory:" would be a different database.
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

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		surname TEXT,
		email TEXT NOT NULL UNIQUE,
		phone TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS balances (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL UNIQUE REFERENCES users(id) ON DELETE CASCADE,
		cash_amount TEXT NOT NULL DEFAULT '0.00',
		revolving_debt TEXT NOT NULL DEFAULT '0.00',
		currency TEXT NOT NULL DEFAULT 'MXN',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Payments (append-only)
	CREATE TABLE IF NOT EXISTS payments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		reason TEXT NOT NULL,
		payment_date TEXT NOT NULL,
		amount TEXT NOT NULL,
		kind TEXT NOT NULL CHECK (kind IN ('debit', 'credit')),
		category TEXT,
		method TEXT,
		reference TEXT,
		notes TEXT,
		created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
	);

	CREATE INDEX IF NOT EXISTS idx_payments_user_date
		ON payments(user_id, payment_date DESC, id DESC);

	-- Ledger links (append-only)
	CREATE TABLE IF NOT EXISTS ledger_links (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		balance_id INTEGER NOT NULL REFERENCES balances(id) ON DELETE CASCADE,
		payment_id INTEGER NOT NULL UNIQUE REFERENCES payments(id) ON DELETE CASCADE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_links_balance
		ON ledger_links(balance_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.Store interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type txStore struct {
	tx *sql.Tx
}

// =============================================================================
// BALANCES
// =============================================================================

const balanceColumns = `id, user_id, cash_amount, revolving_debt, currency, created_at, updated_at`

// LockBalance reads the balance row. The surrounding BEGIN IMMEDIATE
// transaction already holds the database write lock.
func (ts *txStore) LockBalance(ctx context.Context, userID ledger.UserID) (ledger.BalanceRecord, error) {
	return ts.GetBalance(ctx, userID)
}

func (ts *txStore) GetBalance(ctx context.Context, userID ledger.UserID) (ledger.BalanceRecord, error) {
	row := ts.tx.QueryRowContext(ctx,
		`SELECT `+balanceColumns+` FROM balances WHERE user_id = ?`, userID)
	return scanBalance(row)
}

func (ts *txStore) UpdateBalance(ctx context.Context, b ledger.BalanceRecord) error {
	res, err := ts.tx.ExecContext(ctx, `
		UPDATE balances
		SET cash_amount = ?, revolving_debt = ?, updated_at = ?
		WHERE id = ?
	`,
		ledger.FormatMoney(b.CashAmount),
		ledger.FormatMoney(b.RevolvingDebt),
		time.Now().UTC().Format(time.RFC3339),
		b.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

func (ts *txStore) InsertBalance(ctx context.Context, b ledger.BalanceRecord) (ledger.BalanceID, error) {
	currency := b.Currency
	if currency == "" {
		currency = ledger.DefaultCurrency
	}
	res, err := ts.tx.ExecContext(ctx, `
		INSERT INTO balances (user_id, cash_amount, revolving_debt, currency, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		b.UserID,
		ledger.FormatMoney(b.CashAmount),
		ledger.FormatMoney(b.RevolvingDebt),
		currency,
		formatTime(b.CreatedAt),
		formatTime(b.UpdatedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert balance: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return ledger.BalanceID(id), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBalance(row rowScanner) (ledger.BalanceRecord, error) {
	var (
		b                    ledger.BalanceRecord
		cash, debt           string
		createdAt, updatedAt string
	)
	err := row.Scan(&b.ID, &b.UserID, &cash, &debt, &b.Currency, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.BalanceRecord{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.BalanceRecord{}, fmt.Errorf("failed to scan balance: %w", err)
	}
	if b.CashAmount, err = ledger.ParseMoney(cash); err != nil {
		return ledger.BalanceRecord{}, fmt.Errorf("invalid cash_amount %q: %w", cash, err)
	}
	if b.RevolvingDebt, err = ledger.ParseMoney(debt); err != nil {
		return ledger.BalanceRecord{}, fmt.Errorf("invalid revolving_debt %q: %w", debt, err)
	}
	b.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	b.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return b, nil
}

// =============================================================================
// PAYMENTS AND LEDGER LINKS
// =============================================================================

// InsertPayment writes p with the columns of profile.
func (ts *txStore) InsertPayment(ctx context.Context, p ledger.PaymentRecord, profile ledger.WriteProfile) (ledger.PaymentID, error) {
	var (
		query string
		args  []any
	)
	common := []any{
		p.UserID,
		p.Reason,
		p.Date.Format(dateLayout),
		ledger.FormatMoney(p.Amount),
		string(p.Kind),
	}
	now := time.Now().UTC().Format(time.RFC3339)

	switch profile {
	case ledger.ProfileFull:
		query = `
			INSERT INTO payments
			(user_id, reason, payment_date, amount, kind, category, method, reference, notes, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`
		args = append(common,
			nullString(p.Metadata.Category),
			nullString(p.Metadata.Method),
			nullString(p.Metadata.Reference),
			nullString(p.Metadata.Notes),
			now,
		)
	case ledger.ProfileMinimal:
		// created_at is left to the column default; legacy tables may not have it.
		query = `
			INSERT INTO payments
			(user_id, reason, payment_date, amount, kind)
			VALUES (?, ?, ?, ?, ?)
		`
		args = common
	default:
		return 0, fmt.Errorf("unknown write profile %d", profile)
	}

	var id int64
	err := ts.savepoint(ctx, "payment_write", func() error {
		res, err := ts.tx.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		if isMissingColumnError(err) {
			return 0, fmt.Errorf("%w: %v", ledger.ErrSchemaMismatch, err)
		}
		return 0, fmt.Errorf("failed to insert payment: %w", err)
	}
	return ledger.PaymentID(id), nil
}

func (ts *txStore) InsertLink(ctx context.Context, l ledger.LedgerLink) (ledger.LinkID, error) {
	res, err := ts.tx.ExecContext(ctx, `
		INSERT INTO ledger_links (balance_id, payment_id, created_at)
		VALUES (?, ?, ?)
	`, l.BalanceID, l.PaymentID, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("failed to insert ledger link: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return ledger.LinkID(id), nil
}

// savepoint runs fn inside a named savepoint, rolling back to it on error.
func (ts *txStore) savepoint(ctx context.Context, name string, fn func() error) error {
	if _, err := ts.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return err
	}
	if err := fn(); err != nil {
		if _, rbErr := ts.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		_, _ = ts.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name)
		return err
	}
	_, err := ts.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name)
	return err
}

// =============================================================================
// MOVEMENT HISTORY
// =============================================================================

func (ts *txStore) CountMovements(ctx context.Context, balanceID ledger.BalanceID, kind *ledger.Kind) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM ledger_links l
		JOIN payments p ON p.id = l.payment_id
		WHERE l.balance_id = ?
	`
	args := []any{balanceID}
	if kind != nil {
		query += ` AND p.kind = ?`
		args = append(args, string(*kind))
	}

	var count int
	if err := ts.tx.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count movements: %w", err)
	}
	return count, nil
}

// ListMovements selects only the columns both payment profiles share, so
// it works against legacy tables too. Metadata is read when present.
func (ts *txStore) ListMovements(ctx context.Context, balanceID ledger.BalanceID, kind *ledger.Kind, limit, offset int) ([]ledger.Movement, error) {
	movements, err := ts.listMovements(ctx, true, balanceID, kind, limit, offset)
	if isMissingColumnError(err) {
		return ts.listMovements(ctx, false, balanceID, kind, limit, offset)
	}
	return movements, err
}

func (ts *txStore) listMovements(ctx context.Context, withMetadata bool, balanceID ledger.BalanceID, kind *ledger.Kind, limit, offset int) ([]ledger.Movement, error) {
	cols := `p.id, p.reason, p.amount, p.payment_date, p.kind`
	if withMetadata {
		cols += `, p.category, p.method, p.reference, p.notes`
	}
	query := `
		SELECT ` + cols + `
		FROM ledger_links l
		JOIN payments p ON p.id = l.payment_id
		WHERE l.balance_id = ?
	`
	args := []any{balanceID}
	if kind != nil {
		query += ` AND p.kind = ?`
		args = append(args, string(*kind))
	}
	query += ` ORDER BY p.payment_date DESC, p.id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := ts.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Movement
	for rows.Next() {
		var (
			m                                 ledger.Movement
			amount, date, kindStr             string
			category, method, reference, note sql.NullString
		)
		dest := []any{&m.PaymentID, &m.Reason, &amount, &date, &kindStr}
		if withMetadata {
			dest = append(dest, &category, &method, &reference, &note)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan movement: %w", err)
		}
		if m.Amount, err = ledger.ParseMoney(amount); err != nil {
			return nil, fmt.Errorf("invalid amount %q: %w", amount, err)
		}
		if m.Date, err = time.Parse(dateLayout, date); err != nil {
			return nil, fmt.Errorf("invalid payment_date %q: %w", date, err)
		}
		m.Kind = ledger.Kind(kindStr)
		m.Metadata = ledger.Metadata{
			Category:  category.String,
			Method:    method.String,
			Reference: reference.String,
			Notes:     note.String,
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// =============================================================================
// USERS
// =============================================================================

func (ts *txStore) InsertUser(ctx context.Context, u ledger.User) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO users (id, name, surname, email, phone, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		u.ID,
		u.Name,
		nullString(u.Surname),
		u.Email,
		nullString(u.Phone),
		formatTime(u.CreatedAt),
		formatTime(u.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) && strings.Contains(err.Error(), "users.email") {
			return ledger.ErrDuplicateEmail
		}
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

// DeleteUser removes the user; balances, payments and links cascade.
func (ts *txStore) DeleteUser(ctx context.Context, userID ledger.UserID) error {
	res, err := ts.tx.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, userID)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

func (ts *txStore) CountUsers(ctx context.Context) (int, error) {
	var count int
	if err := ts.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count users: %w", err)
	}
	return count, nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339)
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique
}

func isMissingColumnError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "has no column named") || strings.Contains(msg, "no such column")
}
