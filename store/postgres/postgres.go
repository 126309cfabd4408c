/*
Package postgres provides a PostgreSQL-backed implementation of ledger.Store.

PURPOSE:
  Same tables and semantics as store/sqlite, for deployments with several
  server processes. Concurrency control is done by the database: the
  balance row is locked with SELECT ... FOR UPDATE for the rest of the
  transaction, so concurrent operations on one user serialize while
  operations on different users proceed in parallel.

MONEY:
  numeric(14,2) columns. Values cross the wire as text (col::text and
  $n::numeric) so decimal.Decimal never goes through float64.

TWO-TIER PAYMENT WRITE:
  A payments table without the optional columns rejects a full-profile
  insert with SQLSTATE 42703 (undefined_column), reported as
  ledger.ErrSchemaMismatch. Each insert runs in a nested pgx transaction
  (a SAVEPOINT) so the outer transaction is not aborted by the failure.

MIGRATIONS:
  Embedded migrations/*.up.sql files, applied in order by RunMigrations
  and recorded in schema_migrations.
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/warp/banking-ledger/ledger"
)

const (
	sqlStateUndefinedColumn = "42703"
	sqlStateUniqueViolation = "23505"

	dateLayout = "2006-01-02"
)

// Store implements ledger.Store using a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// Option configures New.
type Option func(*pgxpool.Config)

// WithMaxConns bounds the pool size.
func WithMaxConns(n int32) Option {
	return func(cfg *pgxpool.Config) {
		if n > 0 {
			cfg.MaxConns = n
		}
	}
}

// WithSchema sets the search_path of every pooled connection.
func WithSchema(schema string) Option {
	return func(cfg *pgxpool.Config) {
		cfg.ConnConfig.RuntimeParams["search_path"] = schema
	}
}

// New connects to url and applies pending migrations.
func New(ctx context.Context, url string, opts ...Option) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("invalid database url: %w", err)
	}
	cfg.MaxConns = 10
	for _, opt := range opts {
		opt(cfg)
	}

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(connectCtx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	if schema, ok := cfg.ConnConfig.RuntimeParams["search_path"]; ok && schema != "" {
		if _, err := pool.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+pgx.Identifier{schema}.Sanitize()); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}

	if err := RunMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases every pooled connection.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Pool exposes the underlying pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.Store interface)
// =============================================================================

// WithTx executes fn within a READ COMMITTED transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&txStore{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type txStore struct {
	tx pgx.Tx
}

// =============================================================================
// BALANCES
// =============================================================================

const balanceColumns = `id, user_id, cash_amount::text, revolving_debt::text, currency, created_at, updated_at`

func (ts *txStore) LockBalance(ctx context.Context, userID ledger.UserID) (ledger.BalanceRecord, error) {
	row := ts.tx.QueryRow(ctx, `SELECT `+balanceColumns+` FROM balances WHERE user_id = $1 FOR UPDATE`, userID)
	return scanBalance(row)
}

func (ts *txStore) GetBalance(ctx context.Context, userID ledger.UserID) (ledger.BalanceRecord, error) {
	row := ts.tx.QueryRow(ctx, `SELECT `+balanceColumns+` FROM balances WHERE user_id = $1`, userID)
	return scanBalance(row)
}

func (ts *txStore) UpdateBalance(ctx context.Context, b ledger.BalanceRecord) error {
	tag, err := ts.tx.Exec(ctx, `
		UPDATE balances
		   SET cash_amount = $1::numeric,
		       revolving_debt = $2::numeric,
		       updated_at = now()
		 WHERE id = $3`,
		ledger.FormatMoney(b.CashAmount), ledger.FormatMoney(b.RevolvingDebt), int64(b.ID),
	)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

func (ts *txStore) InsertBalance(ctx context.Context, b ledger.BalanceRecord) (ledger.BalanceID, error) {
	currency := b.Currency
	if currency == "" {
		currency = ledger.DefaultCurrency
	}
	var id int64
	err := ts.tx.QueryRow(ctx, `
		INSERT INTO balances (user_id, cash_amount, revolving_debt, currency)
		VALUES ($1, $2::numeric, $3::numeric, $4)
		RETURNING id`,
		string(b.UserID), ledger.FormatMoney(b.CashAmount), ledger.FormatMoney(b.RevolvingDebt), currency,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert balance: %w", err)
	}
	return ledger.BalanceID(id), nil
}

func scanBalance(row pgx.Row) (ledger.BalanceRecord, error) {
	var (
		b          ledger.BalanceRecord
		id         int64
		userID     string
		cash, debt string
	)
	err := row.Scan(&id, &userID, &cash, &debt, &b.Currency, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.BalanceRecord{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.BalanceRecord{}, fmt.Errorf("failed to scan balance: %w", err)
	}
	b.ID = ledger.BalanceID(id)
	b.UserID = ledger.UserID(userID)
	if b.CashAmount, err = ledger.ParseMoney(cash); err != nil {
		return ledger.BalanceRecord{}, err
	}
	if b.RevolvingDebt, err = ledger.ParseMoney(debt); err != nil {
		return ledger.BalanceRecord{}, err
	}
	return b, nil
}

// =============================================================================
// PAYMENTS AND LEDGER LINKS
// =============================================================================

func (ts *txStore) InsertPayment(ctx context.Context, p ledger.PaymentRecord, profile ledger.WriteProfile) (ledger.PaymentID, error) {
	var (
		query string
		args  = []any{
			string(p.UserID),
			p.Reason,
			p.Date.Format(dateLayout),
			ledger.FormatMoney(p.Amount),
			string(p.Kind),
		}
	)
	switch profile {
	case ledger.ProfileFull:
		query = `
			INSERT INTO payments (user_id, reason, payment_date, amount, kind, category, method, reference, notes)
			VALUES ($1, $2, $3::date, $4::numeric, $5, $6, $7, $8, $9)
			RETURNING id`
		args = append(args,
			nullString(p.Metadata.Category),
			nullString(p.Metadata.Method),
			nullString(p.Metadata.Reference),
			nullString(p.Metadata.Notes),
		)
	case ledger.ProfileMinimal:
		query = `
			INSERT INTO payments (user_id, reason, payment_date, amount, kind)
			VALUES ($1, $2, $3::date, $4::numeric, $5)
			RETURNING id`
	default:
		return 0, fmt.Errorf("unknown write profile %d", profile)
	}

	var id int64
	err := pgx.BeginFunc(ctx, ts.tx, func(sp pgx.Tx) error {
		return sp.QueryRow(ctx, query, args...).Scan(&id)
	})
	if err != nil {
		if hasSQLState(err, sqlStateUndefinedColumn) {
			return 0, fmt.Errorf("%w: %v", ledger.ErrSchemaMismatch, err)
		}
		return 0, fmt.Errorf("failed to insert payment: %w", err)
	}
	return ledger.PaymentID(id), nil
}

func (ts *txStore) InsertLink(ctx context.Context, l ledger.LedgerLink) (ledger.LinkID, error) {
	var id int64
	err := ts.tx.QueryRow(ctx, `
		INSERT INTO ledger_links (balance_id, payment_id)
		VALUES ($1, $2)
		RETURNING id`,
		int64(l.BalanceID), int64(l.PaymentID),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert ledger link: %w", err)
	}
	return ledger.LinkID(id), nil
}

// =============================================================================
// MOVEMENT HISTORY
// =============================================================================

func (ts *txStore) CountMovements(ctx context.Context, balanceID ledger.BalanceID, kind *ledger.Kind) (int, error) {
	var count int
	err := ts.tx.QueryRow(ctx, `
		SELECT COUNT(*)
		  FROM ledger_links l
		  JOIN payments p ON p.id = l.payment_id
		 WHERE l.balance_id = $1
		   AND ($2::text IS NULL OR p.kind = $2)`,
		int64(balanceID), kindArg(kind),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count movements: %w", err)
	}
	return count, nil
}

func (ts *txStore) ListMovements(ctx context.Context, balanceID ledger.BalanceID, kind *ledger.Kind, limit, offset int) ([]ledger.Movement, error) {
	movements, err := ts.listMovements(ctx, true, balanceID, kind, limit, offset)
	if hasSQLState(err, sqlStateUndefinedColumn) {
		return ts.listMovements(ctx, false, balanceID, kind, limit, offset)
	}
	return movements, err
}

func (ts *txStore) listMovements(ctx context.Context, withMetadata bool, balanceID ledger.BalanceID, kind *ledger.Kind, limit, offset int) ([]ledger.Movement, error) {
	cols := `p.id, p.reason, p.amount::text, to_char(p.payment_date, 'YYYY-MM-DD'), p.kind`
	if withMetadata {
		cols += `, p.category, p.method, p.reference, p.notes`
	}

	var movements []ledger.Movement
	// The query runs in a savepoint so an undefined column does not abort
	// the surrounding transaction.
	err := pgx.BeginFunc(ctx, ts.tx, func(sp pgx.Tx) error {
		rows, err := sp.Query(ctx, `
			SELECT `+cols+`
			  FROM ledger_links l
			  JOIN payments p ON p.id = l.payment_id
			 WHERE l.balance_id = $1
			   AND ($2::text IS NULL OR p.kind = $2)
			 ORDER BY p.payment_date DESC, p.id DESC
			 LIMIT $3 OFFSET $4`,
			int64(balanceID), kindArg(kind), limit, offset,
		)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				m                                 ledger.Movement
				id                                int64
				amount, date, kindStr             string
				category, method, reference, note *string
			)
			dest := []any{&id, &m.Reason, &amount, &date, &kindStr}
			if withMetadata {
				dest = append(dest, &category, &method, &reference, &note)
			}
			if err := rows.Scan(dest...); err != nil {
				return err
			}
			m.PaymentID = ledger.PaymentID(id)
			m.Kind = ledger.Kind(kindStr)
			if m.Amount, err = ledger.ParseMoney(amount); err != nil {
				return err
			}
			if m.Date, err = time.Parse(dateLayout, date); err != nil {
				return err
			}
			m.Metadata = ledger.Metadata{
				Category:  deref(category),
				Method:    deref(method),
				Reference: deref(reference),
				Notes:     deref(note),
			}
			movements = append(movements, m)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return movements, nil
}

// =============================================================================
// USERS
// =============================================================================

func (ts *txStore) InsertUser(ctx context.Context, u ledger.User) error {
	_, err := ts.tx.Exec(ctx, `
		INSERT INTO users (id, name, surname, email, phone)
		VALUES ($1, $2, $3, $4, $5)`,
		string(u.ID), u.Name, nullString(u.Surname), u.Email, nullString(u.Phone),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == sqlStateUniqueViolation && pgErr.ConstraintName == "users_email_key" {
			return ledger.ErrDuplicateEmail
		}
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

func (ts *txStore) DeleteUser(ctx context.Context, userID ledger.UserID) error {
	tag, err := ts.tx.Exec(ctx, `DELETE FROM users WHERE id = $1`, string(userID))
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

func (ts *txStore) CountUsers(ctx context.Context) (int, error) {
	var count int
	if err := ts.tx.QueryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count users: %w", err)
	}
	return count, nil
}

// Helper functions

func hasSQLState(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

func kindArg(kind *ledger.Kind) *string {
	if kind == nil {
		return nil
	}
	s := string(*kind)
	return &s
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
