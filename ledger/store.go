/*
store.go - Persistence interface for balances, payments and links

PURPOSE:
  Defines the boundary between the engine and the durable store. The
  engine only ever touches data inside Store.WithTx; each public engine
  operation maps to exactly one transaction.

KEY INTERFACES:
  Store: opens transactions
  Tx:    reads and writes inside one transaction

CONCURRENCY CONTRACT:
  LockBalance must serialize concurrent read-modify-write cycles on the
  same balance row (SELECT ... FOR UPDATE, a writer mutex, ...). The
  engine does not lock anything itself.

APPEND-ONLY CONTRACT:
  Payments and links have insert methods only. Balances are the only
  rows the engine updates.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite (default, embedded)
  - store/postgres/postgres.go: PostgreSQL via pgx
  - ledger/store/memory.go: in-memory for tests

SEE ALSO:
  - writer.go: uses InsertPayment/InsertLink
  - engine.go: uses LockBalance/UpdateBalance
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// WRITE PROFILE - Two-tier payment write
// =============================================================================

// WriteProfile selects which payment attributes a write includes.
type WriteProfile int

const (
	// ProfileFull writes every attribute including optional metadata.
	ProfileFull WriteProfile = iota
	// ProfileMinimal writes only owner, reason, date, amount and kind.
	ProfileMinimal
)

func (p WriteProfile) String() string {
	switch p {
	case ProfileFull:
		return "full"
	case ProfileMinimal:
		return "minimal"
	default:
		return "unknown"
	}
}

// writeProfiles is the order the writer tries profiles in.
var writeProfiles = []WriteProfile{ProfileFull, ProfileMinimal}

// =============================================================================
// STORE
// =============================================================================

// Store opens transactions.
type Store interface {
	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(Tx) error) error
}

// User is the owner anchor of balances and payments.
type User struct {
	ID        UserID
	Name      string
	Surname   string
	Email     string
	Phone     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Tx is the set of operations available inside one transaction.
type Tx interface {
	// LockBalance loads the user's balance record and locks it for update.
	// Returns ErrNotFound when the user has none.
	LockBalance(ctx context.Context, userID UserID) (BalanceRecord, error)

	// GetBalance loads the user's balance record without locking.
	GetBalance(ctx context.Context, userID UserID) (BalanceRecord, error)

	// UpdateBalance persists CashAmount and RevolvingDebt of b.
	UpdateBalance(ctx context.Context, b BalanceRecord) error

	// InsertPayment appends a payment with the attributes of profile.
	// Returns ErrSchemaMismatch if the schema lacks a column the profile needs.
	InsertPayment(ctx context.Context, p PaymentRecord, profile WriteProfile) (PaymentID, error)

	// InsertLink appends a ledger link.
	InsertLink(ctx context.Context, l LedgerLink) (LinkID, error)

	// CountMovements counts links of a balance, optionally by payment kind.
	CountMovements(ctx context.Context, balanceID BalanceID, kind *Kind) (int, error)

	// ListMovements returns linked payments ordered by date DESC, id DESC.
	ListMovements(ctx context.Context, balanceID BalanceID, kind *Kind, limit, offset int) ([]Movement, error)

	// InsertUser creates a user. Returns ErrDuplicateEmail if the email is taken.
	InsertUser(ctx context.Context, u User) error

	// InsertBalance creates the balance record of a user.
	InsertBalance(ctx context.Context, b BalanceRecord) (BalanceID, error)

	// DeleteUser removes a user and cascades its records.
	// Returns ErrNotFound when no such user exists.
	DeleteUser(ctx context.Context, userID UserID) error

	// CountUsers returns the number of registered users.
	CountUsers(ctx context.Context) (int, error)
}
