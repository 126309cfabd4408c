/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication, decoupled from the
  ledger package types. Money is always rendered as a string with two
  fraction digits ("879.50") so clients never see float rounding.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Request structs carry go-playground/validator tags for shape checks
  (required, email, max lengths, enum values). Business rules such as
  amount > 0 or sufficient funds stay in the ledger engine.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"github.com/shopspring/decimal"

	"github.com/warp/banking-ledger/ledger"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// OpenAccountRequest registers a user and its balance record.
type OpenAccountRequest struct {
	Name        string           `json:"name" validate:"required,max=100"`
	Surname     string           `json:"surname" validate:"max=100"`
	Email       string           `json:"email" validate:"required,email,max=254"`
	Phone       string           `json:"phone" validate:"omitempty,max=20"`
	InitialCash *decimal.Decimal `json:"initial_cash"`
	Currency    string           `json:"currency" validate:"omitempty,len=3,alpha"`
}

// ApplyMovementRequest is a debit or credit movement. Amount accepts a
// JSON number or string.
type ApplyMovementRequest struct {
	Kind      string           `json:"kind" validate:"omitempty,oneof=debit credit"`
	Amount    *decimal.Decimal `json:"amount"`
	Reason    string           `json:"reason"`
	Date      string           `json:"payment_date" validate:"omitempty,datetime=2006-01-02"`
	Category  string           `json:"category" validate:"max=50"`
	Method    string           `json:"method" validate:"max=50"`
	Reference string           `json:"reference" validate:"max=100"`
	Notes     string           `json:"notes" validate:"max=500"`
}

// PayCreditCardRequest is a credit card paydown.
type PayCreditCardRequest struct {
	Amount *decimal.Decimal `json:"amount"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// BalanceDTO is the balance record as seen by clients.
type BalanceDTO struct {
	UserID        string `json:"user_id"`
	CashAmount    string `json:"cash_amount"`
	RevolvingDebt string `json:"revolving_debt"`
	Currency      string `json:"currency"`
}

// AccountDTO is returned when an account is opened.
type AccountDTO struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Surname   string     `json:"surname,omitempty"`
	Email     string     `json:"email"`
	Phone     string     `json:"phone,omitempty"`
	CreatedAt string     `json:"created_at"`
	Balance   BalanceDTO `json:"balance"`
	Token     string     `json:"token,omitempty"`
}

// MovementResultDTO reports an applied movement.
type MovementResultDTO struct {
	PaymentID     int64  `json:"payment_id"`
	Kind          string `json:"kind"`
	Amount        string `json:"amount"`
	Category      string `json:"category,omitempty"`
	Method        string `json:"method,omitempty"`
	Reference     string `json:"reference,omitempty"`
	Notes         string `json:"notes,omitempty"`
	CashAmount    string `json:"cash_amount"`
	RevolvingDebt string `json:"revolving_debt"`
	Currency      string `json:"currency"`
	Profile       string `json:"write_profile"`
}

// PaydownDTO reports a credit card paydown.
type PaydownDTO struct {
	PaymentID     int64  `json:"payment_id"`
	Requested     string `json:"requested"`
	Payable       string `json:"payable"`
	Adjusted      bool   `json:"adjusted"`
	Message       string `json:"message"`
	CashAmount    string `json:"cash_amount"`
	RevolvingDebt string `json:"revolving_debt"`
	Currency      string `json:"currency"`
}

// MovementDTO is one entry of the movement history.
type MovementDTO struct {
	ID        int64  `json:"id"`
	Reason    string `json:"reason"`
	Amount    string `json:"amount"`
	Sign      string `json:"sign"`
	Date      string `json:"payment_date"`
	Kind      string `json:"kind"`
	Category  string `json:"category,omitempty"`
	Method    string `json:"method,omitempty"`
	Reference string `json:"reference,omitempty"`
	Notes     string `json:"notes,omitempty"`
}

// MovementPageDTO is one page of the movement history.
type MovementPageDTO struct {
	Page      int           `json:"page"`
	PerPage   int           `json:"per_page"`
	Total     int           `json:"total"`
	Pages     int           `json:"pages"`
	HasPrev   bool          `json:"has_prev"`
	HasNext   bool          `json:"has_next"`
	Movements []MovementDTO `json:"movements"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toBalanceDTO(userID ledger.UserID, cash, debt decimal.Decimal, currency string) BalanceDTO {
	return BalanceDTO{
		UserID:        string(userID),
		CashAmount:    ledger.FormatMoney(cash),
		RevolvingDebt: ledger.FormatMoney(debt),
		Currency:      currency,
	}
}

func toAccountDTO(a ledger.Account, token string) AccountDTO {
	return AccountDTO{
		ID:        string(a.User.ID),
		Name:      a.User.Name,
		Surname:   a.User.Surname,
		Email:     a.User.Email,
		Phone:     a.User.Phone,
		CreatedAt: a.User.CreatedAt.Format(timeLayout),
		Balance:   toBalanceDTO(a.User.ID, a.Balance.CashAmount, a.Balance.RevolvingDebt, a.Balance.Currency),
		Token:     token,
	}
}

func toMovementResultDTO(r ledger.MovementResult) MovementResultDTO {
	return MovementResultDTO{
		PaymentID:     int64(r.PaymentID),
		Kind:          string(r.Kind),
		Amount:        ledger.FormatMoney(r.Amount),
		Category:      r.Metadata.Category,
		Method:        r.Metadata.Method,
		Reference:     r.Metadata.Reference,
		Notes:         r.Metadata.Notes,
		CashAmount:    ledger.FormatMoney(r.CashAmount),
		RevolvingDebt: ledger.FormatMoney(r.RevolvingDebt),
		Currency:      r.Currency,
		Profile:       r.Profile.String(),
	}
}

func toPaydownDTO(r ledger.PaydownResult) PaydownDTO {
	return PaydownDTO{
		PaymentID:     int64(r.PaymentID),
		Requested:     ledger.FormatMoney(r.Requested),
		Payable:       ledger.FormatMoney(r.Payable),
		Adjusted:      r.Adjusted,
		Message:       r.Message(),
		CashAmount:    ledger.FormatMoney(r.CashAmount),
		RevolvingDebt: ledger.FormatMoney(r.RevolvingDebt),
		Currency:      r.Currency,
	}
}

func toMovementPageDTO(p ledger.MovementPage) MovementPageDTO {
	out := MovementPageDTO{
		Page:      p.Page,
		PerPage:   p.PerPage,
		Total:     p.Total,
		Pages:     p.Pages,
		HasPrev:   p.HasPrev,
		HasNext:   p.HasNext,
		Movements: make([]MovementDTO, 0, len(p.Movements)),
	}
	for _, m := range p.Movements {
		out.Movements = append(out.Movements, MovementDTO{
			ID:        int64(m.PaymentID),
			Reason:    m.Reason,
			Amount:    ledger.FormatMoney(m.Amount),
			Sign:      m.Sign,
			Date:      m.Date.Format(dateLayout),
			Kind:      string(m.Kind),
			Category:  m.Metadata.Category,
			Method:    m.Metadata.Method,
			Reference: m.Metadata.Reference,
			Notes:     m.Metadata.Notes,
		})
	}
	return out
}
