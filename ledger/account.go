/*
account.go - Account lifecycle: open, close, demo seed

PURPOSE:
  Registers a user together with its balance record, removes a user with
  everything that hangs off it, and seeds a demo account on empty stores.

OPERATIONS:
  OpenAccount(request)   user + balance in one transaction
  CloseAccount(userID)   delete user; balance, payments, links cascade
  SeedDemo()             DemoAccount, only when no user exists

RULES:
  - name required, email must be a bare address and unique
  - initial cash below zero opens as 0.00; currency defaults to MXN

SEE ALSO:
  - engine.go: operations on an open account
  - store.go: InsertUser, InsertBalance, DeleteUser
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// NewAccount is the registration request for a user and its balance.
type NewAccount struct {
	Name        string
	Surname     string
	Email       string
	Phone       string
	InitialCash decimal.Decimal
	Currency    string
}

// Account is a registered user with its balance record.
type Account struct {
	User    User
	Balance BalanceRecord
}

// OpenAccount registers a user and creates its balance record in one
// transaction. A negative initial cash amount is opened as zero.
func (e *Engine) OpenAccount(ctx context.Context, req NewAccount) (Account, error) {
	const op = "open_account"

	name := strings.TrimSpace(req.Name)
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if name == "" {
		return Account{}, e.fail(op, "", invalid("name", "required"))
	}
	if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		return Account{}, e.fail(op, "", invalid("email", "must be a valid address"))
	}
	if !req.InitialCash.Equal(Money(req.InitialCash)) {
		return Account{}, e.fail(op, "", invalid("initial_cash", fmt.Sprintf("must have at most %d fraction digits", Scale)))
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = DefaultCurrency
	}
	if len(currency) != 3 {
		return Account{}, e.fail(op, "", invalid("currency", "must be a 3-letter code"))
	}

	now := e.now().UTC()
	acct := Account{
		User: User{
			ID:        UserID(uuid.NewString()),
			Name:      name,
			Surname:   strings.TrimSpace(req.Surname),
			Email:     email,
			Phone:     strings.TrimSpace(req.Phone),
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
	acct.Balance = BalanceRecord{
		UserID:        acct.User.ID,
		CashAmount:    decimal.Max(decimal.Zero, req.InitialCash),
		RevolvingDebt: decimal.Zero,
		Currency:      currency,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err := e.store.WithTx(ctx, func(tx Tx) error {
		if err := tx.InsertUser(ctx, acct.User); err != nil {
			if errors.Is(err, ErrDuplicateEmail) {
				return invalid("email", "already registered")
			}
			return persistence("insert user", err)
		}
		id, err := tx.InsertBalance(ctx, acct.Balance)
		if err != nil {
			return persistence("insert balance", err)
		}
		acct.Balance.ID = id
		return nil
	})
	if err != nil {
		return Account{}, e.fail(op, acct.User.ID, err)
	}

	e.log.WithFields(logrus.Fields{
		"user_id":      acct.User.ID,
		"initial_cash": FormatMoney(acct.Balance.CashAmount),
	}).Info("account opened")
	return acct, nil
}

// CloseAccount deletes the user; its balance, payments and links cascade.
func (e *Engine) CloseAccount(ctx context.Context, userID UserID) error {
	err := e.store.WithTx(ctx, func(tx Tx) error {
		err := tx.DeleteUser(ctx, userID)
		if IsNotFound(err) {
			return fmt.Errorf("user %s: %w", userID, ErrNotFound)
		}
		if err != nil {
			return persistence("delete user", err)
		}
		return nil
	})
	if err != nil {
		return e.fail("close_account", userID, err)
	}
	e.log.WithField("user_id", userID).Info("account closed")
	return nil
}

// DemoAccount is the account SeedDemo opens on an empty store.
var DemoAccount = NewAccount{
	Name:        "Carlos",
	Surname:     "Ramírez",
	Email:       "carlos@example.com",
	Phone:       "5551234567",
	InitialCash: decimal.RequireFromString("4200.00"),
}

// SeedDemo opens DemoAccount when no user exists yet. It reports whether
// an account was created.
func (e *Engine) SeedDemo(ctx context.Context) (Account, bool, error) {
	var users int
	err := e.store.WithTx(ctx, func(tx Tx) error {
		n, err := tx.CountUsers(ctx)
		users = n
		return err
	})
	if err != nil {
		return Account{}, false, e.fail("seed_demo", "", err)
	}
	if users > 0 {
		return Account{}, false, nil
	}
	acct, err := e.OpenAccount(ctx, DemoAccount)
	if err != nil {
		return Account{}, false, err
	}
	return acct, true, nil
}
