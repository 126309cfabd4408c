/*
engine.go - Balance mutation engine

PURPOSE:
  Applies debits, credit charges and credit card paydowns to a balance
  record under its invariants, and records every accepted mutation in the
  ledger. This is the only code that updates balance records.

OPERATIONS:
  ApplyMovement(userID, request)  debit (cash out) or credit (debt up)
  PayCreditCard(userID, amount)   move cash onto revolving debt, clamped

INVARIANTS:
  1. CashAmount >= 0 after every committed operation
  2. RevolvingDebt >= 0 after every committed operation
  3. Balance update + payment + link commit together or not at all
  4. Validation errors are returned before any write

VALIDATION ORDER (ApplyMovement):
  1. reason present, amount present
  2. amount > 0 with at most two fraction digits
  3. kind is debit or credit (empty means debit)
  4. balance record exists

PAYDOWN CLAMPING:
  payable = min(requested, cash, debt)
  adjusted = payable < requested

  Example: cash 300.00, debt 1200.00, request 500.00
    payable 300.00, adjusted, cash 0.00, debt 900.00

SEE ALSO:
  - writer.go: payment + link persistence
  - errors.go: error kinds
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// =============================================================================
// RECORDER - Operation outcome hooks (metrics)
// =============================================================================

// Recorder observes engine outcomes.
type Recorder interface {
	MovementApplied(kind Kind, profile WriteProfile)
	PaydownApplied(adjusted bool)
	OperationFailed(op string, kind ErrorKind)
}

type nopRecorder struct{}

func (nopRecorder) MovementApplied(Kind, WriteProfile) {}
func (nopRecorder) PaydownApplied(bool)                {}
func (nopRecorder) OperationFailed(string, ErrorKind)  {}

// =============================================================================
// ENGINE
// =============================================================================

// Engine is the entry point for every balance and ledger operation.
type Engine struct {
	store    Store
	writer   *Writer
	log      logrus.FieldLogger
	recorder Recorder
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Defaults to the logrus standard logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(e *Engine) { e.log = log }
}

// WithRecorder sets the outcome recorder.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithClock sets the time source used for default payment dates.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine over store.
func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		log:      logrus.StandardLogger(),
		recorder: nopRecorder{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.writer = NewWriter(e.log)
	return e
}

// =============================================================================
// APPLY MOVEMENT
// =============================================================================

// ApplyMovement validates and applies a debit or credit movement for userID.
func (e *Engine) ApplyMovement(ctx context.Context, userID UserID, req MovementRequest) (MovementResult, error) {
	const op = "apply_movement"

	amount, kind, err := validateMovement(req)
	if err != nil {
		return MovementResult{}, e.fail(op, userID, err)
	}
	date := e.paymentDate(req.Date)

	var res MovementResult
	err = e.store.WithTx(ctx, func(tx Tx) error {
		b, err := lockBalance(ctx, tx, userID)
		if err != nil {
			return err
		}

		switch kind {
		case KindDebit:
			if b.CashAmount.LessThan(amount) {
				return &InsufficientFundsError{UserID: userID, Available: b.CashAmount, Requested: amount}
			}
			b.CashAmount = b.CashAmount.Sub(amount)
		case KindCredit:
			// No credit limit is modeled.
			b.RevolvingDebt = b.RevolvingDebt.Add(amount)
		}

		if err := tx.UpdateBalance(ctx, b); err != nil {
			return persistence("update balance", err)
		}

		id, profile, err := e.writer.Record(ctx, tx, b, PaymentRecord{
			UserID:   userID,
			Reason:   strings.TrimSpace(req.Reason),
			Date:     date,
			Amount:   amount,
			Kind:     kind,
			Metadata: req.Metadata,
		})
		if err != nil {
			return err
		}

		res = MovementResult{
			PaymentID:     id,
			Kind:          kind,
			Amount:        amount,
			Metadata:      req.Metadata,
			CashAmount:    b.CashAmount,
			RevolvingDebt: b.RevolvingDebt,
			Currency:      b.Currency,
			Profile:       profile,
		}
		return nil
	})
	if err != nil {
		return MovementResult{}, e.fail(op, userID, err)
	}

	e.recorder.MovementApplied(res.Kind, res.Profile)
	e.log.WithFields(logrus.Fields{
		"user_id":    userID,
		"payment_id": res.PaymentID,
		"kind":       res.Kind,
		"amount":     FormatMoney(res.Amount),
		"profile":    res.Profile.String(),
	}).Info("movement applied")
	return res, nil
}

func validateMovement(req MovementRequest) (decimal.Decimal, Kind, error) {
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return decimal.Zero, "", invalid("reason", "required")
	}
	if req.Amount == nil {
		return decimal.Zero, "", invalid("amount", "required")
	}
	if utf8.RuneCountInString(reason) > MaxReasonLength {
		return decimal.Zero, "", invalid("reason", fmt.Sprintf("must be at most %d characters", MaxReasonLength))
	}
	amount, err := validateAmount(*req.Amount)
	if err != nil {
		return decimal.Zero, "", err
	}
	kind := req.Kind
	if kind == "" {
		kind = KindDebit
	}
	if !kind.Valid() {
		return decimal.Zero, "", invalid("kind", "must be 'debit' or 'credit'")
	}
	return amount, kind, nil
}

func validateAmount(amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, invalid("amount", "must be greater than 0")
	}
	if !amount.Equal(Money(amount)) {
		return decimal.Zero, invalid("amount", fmt.Sprintf("must have at most %d fraction digits", Scale))
	}
	return Money(amount), nil
}

// =============================================================================
// CREDIT CARD PAYDOWN
// =============================================================================

// PayCreditCard moves cash onto the user's revolving debt. Requests larger
// than the available cash or the outstanding debt are reduced, not rejected.
func (e *Engine) PayCreditCard(ctx context.Context, userID UserID, amount decimal.Decimal) (PaydownResult, error) {
	const op = "pay_credit_card"

	requested, err := validateAmount(amount)
	if err != nil {
		return PaydownResult{}, e.fail(op, userID, err)
	}
	date := e.paymentDate(time.Time{})

	var res PaydownResult
	err = e.store.WithTx(ctx, func(tx Tx) error {
		b, err := lockBalance(ctx, tx, userID)
		if err != nil {
			return err
		}
		if !b.RevolvingDebt.IsPositive() {
			return fmt.Errorf("user %s: %w", userID, ErrNoDebt)
		}
		if !b.CashAmount.IsPositive() {
			return &InsufficientFundsError{UserID: userID, Available: b.CashAmount, Requested: requested}
		}

		payable := decimal.Min(requested, b.CashAmount, b.RevolvingDebt)
		b.CashAmount = b.CashAmount.Sub(payable)
		b.RevolvingDebt = b.RevolvingDebt.Sub(payable)

		if err := tx.UpdateBalance(ctx, b); err != nil {
			return persistence("update balance", err)
		}

		id, _, err := e.writer.Record(ctx, tx, b, PaymentRecord{
			UserID: userID,
			Reason: CardPaymentReason,
			Date:   date,
			Amount: payable,
			Kind:   KindDebit,
		})
		if err != nil {
			return err
		}

		res = PaydownResult{
			PaymentID:     id,
			Requested:     requested,
			Payable:       payable,
			Adjusted:      payable.LessThan(requested),
			CashAmount:    b.CashAmount,
			RevolvingDebt: b.RevolvingDebt,
			Currency:      b.Currency,
		}
		return nil
	})
	if err != nil {
		return PaydownResult{}, e.fail(op, userID, err)
	}

	e.recorder.PaydownApplied(res.Adjusted)
	e.log.WithFields(logrus.Fields{
		"user_id":    userID,
		"payment_id": res.PaymentID,
		"requested":  FormatMoney(res.Requested),
		"payable":    FormatMoney(res.Payable),
		"adjusted":   res.Adjusted,
	}).Info("credit card paydown applied")
	return res, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func lockBalance(ctx context.Context, tx Tx, userID UserID) (BalanceRecord, error) {
	b, err := tx.LockBalance(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return BalanceRecord{}, fmt.Errorf("balance for user %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return BalanceRecord{}, persistence("load balance", err)
	}
	return b, nil
}

func (e *Engine) paymentDate(requested time.Time) time.Time {
	if requested.IsZero() {
		return DateOf(e.now())
	}
	return DateOf(requested)
}

// fail normalizes err to an engine error, logs it and records the failure.
// Errors raised by WithTx itself (begin, commit) become persistence failures.
func (e *Engine) fail(op string, userID UserID, err error) error {
	if !isEngineError(err) {
		err = persistence(op, err)
	}
	kind := KindOf(err)
	e.recorder.OperationFailed(op, kind)

	entry := e.log.WithFields(logrus.Fields{"op": op, "user_id": userID, "kind": kind})
	if kind == KindPersistenceFailure {
		entry.WithError(unwrapCause(err)).Error("operation failed")
	} else {
		entry.WithError(err).Debug("operation rejected")
	}
	return err
}

func isEngineError(err error) bool {
	return errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrNoDebt) ||
		errors.Is(err, ErrPersistence)
}

func unwrapCause(err error) error {
	var pe *PersistenceError
	if errors.As(err, &pe) && pe.Err != nil {
		return pe.Err
	}
	return err
}
