/*
Package ledger provides the balance and ledger consistency engine.

PURPOSE:
  This package owns the rules for mutating a user's balance record (cash
  plus revolving credit debt) and for pairing every mutation with an
  immutable payment record and the link that ties it to the balance.

KEY CONCEPTS IN THIS FILE (types.go):
  - BalanceRecord: one per user, cash amount + revolving debt + currency
  - PaymentRecord: immutable fact about a movement (direction by Kind)
  - LedgerLink: join between a balance record and a payment record
  - Movement: a payment as seen by the reporting layer

DESIGN PRINCIPLES:
  1. Append-only: payments and links are never updated or deleted
  2. Precision: decimal.Decimal everywhere, 2 fraction digits at the store
  3. Direction by kind: amounts are always positive
  4. One transaction per operation: balance + payment + link or nothing

USAGE:
  engine := ledger.NewEngine(store)
  amount := decimal.RequireFromString("120.50")
  res, err := engine.ApplyMovement(ctx, userID, ledger.MovementRequest{
      Kind:   ledger.KindDebit,
      Amount: &amount,
      Reason: "Transporte",
  })

SEE ALSO:
  - engine.go: ApplyMovement and PayCreditCard
  - writer.go: two-tier payment write
  - query.go: ListMovements and Balance
  - store.go: persistence interfaces
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type BalanceID int64
type PaymentID int64
type LinkID int64

// =============================================================================
// KIND - Direction of a movement
// =============================================================================

type Kind string

const (
	KindDebit  Kind = "debit"  // Cash outflow
	KindCredit Kind = "credit" // Charge against the revolving facility
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	return k == KindDebit || k == KindCredit
}

// Sign is the presentational sign of a movement of this kind.
func (k Kind) Sign() string {
	if k == KindCredit {
		return "+"
	}
	return "-"
}

// =============================================================================
// MONEY
// =============================================================================

// Scale is the number of fraction digits money is stored with.
const Scale = 2

// DefaultCurrency is the display tag of new balance records.
const DefaultCurrency = "MXN"

// CardPaymentReason is the reason recorded for credit card paydowns.
const CardPaymentReason = "Pago tarjeta"

// MaxReasonLength mirrors the width of the reason column.
const MaxReasonLength = 200

// Money rounds d to the storage scale.
func Money(d decimal.Decimal) decimal.Decimal {
	return d.Round(Scale)
}

// FormatMoney renders d with exactly two fraction digits.
func FormatMoney(d decimal.Decimal) string {
	return d.StringFixed(Scale)
}

// ParseMoney parses a textual amount as stored by the SQL backends.
func ParseMoney(s string) (decimal.Decimal, error) {
	return decimal.NewFromString(s)
}

// =============================================================================
// RECORDS
// =============================================================================

// BalanceRecord is the per-user row tracking cash and revolving debt.
type BalanceRecord struct {
	ID            BalanceID
	UserID        UserID
	CashAmount    decimal.Decimal
	RevolvingDebt decimal.Decimal
	Currency      string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Metadata is the optional part of a payment record.
type Metadata struct {
	Category  string
	Method    string
	Reference string
	Notes     string
}

// IsZero reports whether no optional attribute is set.
func (m Metadata) IsZero() bool {
	return m == Metadata{}
}

// PaymentRecord is an immutable fact about a movement.
type PaymentRecord struct {
	ID        PaymentID
	UserID    UserID
	Reason    string
	Date      time.Time // calendar date, UTC midnight
	Amount    decimal.Decimal
	Kind      Kind
	Metadata  Metadata
	CreatedAt time.Time
}

// LedgerLink ties a payment to the balance record it affected.
type LedgerLink struct {
	ID        LinkID
	BalanceID BalanceID
	PaymentID PaymentID
	CreatedAt time.Time
}

// =============================================================================
// REQUESTS AND RESULTS
// =============================================================================

// MovementRequest is the intended movement supplied by the caller.
// A nil Amount means the caller did not supply one.
type MovementRequest struct {
	Kind     Kind
	Amount   *decimal.Decimal
	Reason   string
	Date     time.Time // zero means today
	Metadata Metadata
}

// MovementResult reports the realized balance after a movement.
type MovementResult struct {
	PaymentID     PaymentID
	Kind          Kind
	Amount        decimal.Decimal
	Metadata      Metadata
	CashAmount    decimal.Decimal
	RevolvingDebt decimal.Decimal
	Currency      string
	Profile       WriteProfile
}

// PaydownResult reports the outcome of a credit card payment.
type PaydownResult struct {
	PaymentID     PaymentID
	Requested     decimal.Decimal
	Payable       decimal.Decimal
	Adjusted      bool
	CashAmount    decimal.Decimal
	RevolvingDebt decimal.Decimal
	Currency      string
}

// Message is the user-facing notice for the paydown.
func (r PaydownResult) Message() string {
	if r.Adjusted {
		return "Pago de tarjeta aplicado (ajustado)"
	}
	return "Pago de tarjeta aplicado"
}

// BalanceView is the read accessor result.
type BalanceView struct {
	UserID        UserID
	CashAmount    decimal.Decimal
	RevolvingDebt decimal.Decimal
	Currency      string
}

// Movement is a payment reconstructed from its ledger link.
type Movement struct {
	PaymentID PaymentID
	Reason    string
	Amount    decimal.Decimal
	Sign      string
	Date      time.Time
	Kind      Kind
	Metadata  Metadata
}

// MovementQuery selects one page of a user's movements.
type MovementQuery struct {
	Page    int
	PerPage int
	Kind    *Kind
}

// MovementPage is one page of movements, most recent first.
type MovementPage struct {
	Page      int
	PerPage   int
	Total     int
	Pages     int
	HasPrev   bool
	HasNext   bool
	Movements []Movement
}

// MaxPerPage bounds MovementQuery.PerPage.
const MaxPerPage = 50

// DateOf truncates t to its UTC calendar date.
func DateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
