/*
query.go - Movement history and balance reads

PURPOSE:
  Reconstructs a user's movement history from ledger links, one page at a
  time, and exposes the read accessor for the balance record.

ORDERING:
  Payment date DESC, then payment id DESC. Ids grow with insertion, so the
  order is total and pages are stable between identical calls.

PAGING:
  Page >= 1 and 1 <= PerPage <= MaxPerPage, otherwise InvalidInput. A page
  whose offset would overflow int is InvalidInput too.
  Pages = ceil(Total / PerPage); HasNext = Page*PerPage < Total.
*/
package ledger

import (
	"context"
	"fmt"
	"math"
)

// ListMovements returns one page of the user's movements, most recent first.
func (e *Engine) ListMovements(ctx context.Context, userID UserID, q MovementQuery) (MovementPage, error) {
	const op = "list_movements"

	if err := validateQuery(q); err != nil {
		return MovementPage{}, e.fail(op, userID, err)
	}

	page := MovementPage{Page: q.Page, PerPage: q.PerPage}
	err := e.store.WithTx(ctx, func(tx Tx) error {
		b, err := getBalance(ctx, tx, userID)
		if err != nil {
			return err
		}

		total, err := tx.CountMovements(ctx, b.ID, q.Kind)
		if err != nil {
			return persistence("count movements", err)
		}
		items, err := tx.ListMovements(ctx, b.ID, q.Kind, q.PerPage, (q.Page-1)*q.PerPage)
		if err != nil {
			return persistence("list movements", err)
		}

		for i := range items {
			items[i].Sign = items[i].Kind.Sign()
		}
		if items == nil {
			items = []Movement{}
		}

		page.Total = total
		page.Pages = (total + q.PerPage - 1) / q.PerPage
		page.HasPrev = q.Page > 1
		page.HasNext = q.Page*q.PerPage < total
		page.Movements = items
		return nil
	})
	if err != nil {
		return MovementPage{}, e.fail(op, userID, err)
	}
	return page, nil
}

func validateQuery(q MovementQuery) error {
	if q.Page < 1 {
		return invalid("page", "must be >= 1")
	}
	if q.PerPage < 1 || q.PerPage > MaxPerPage {
		return invalid("per_page", fmt.Sprintf("must be between 1 and %d", MaxPerPage))
	}
	// Page*PerPage must fit in an int for the offset and HasNext math.
	if q.Page > math.MaxInt/q.PerPage {
		return invalid("page", "out of range")
	}
	if q.Kind != nil && !q.Kind.Valid() {
		return invalid("kind", "must be 'debit' or 'credit'")
	}
	return nil
}

// Balance returns the user's cash, revolving debt and currency.
func (e *Engine) Balance(ctx context.Context, userID UserID) (BalanceView, error) {
	var view BalanceView
	err := e.store.WithTx(ctx, func(tx Tx) error {
		b, err := getBalance(ctx, tx, userID)
		if err != nil {
			return err
		}
		view = BalanceView{
			UserID:        b.UserID,
			CashAmount:    b.CashAmount,
			RevolvingDebt: b.RevolvingDebt,
			Currency:      b.Currency,
		}
		return nil
	})
	if err != nil {
		return BalanceView{}, e.fail("balance", userID, err)
	}
	return view, nil
}

func getBalance(ctx context.Context, tx Tx, userID UserID) (BalanceRecord, error) {
	b, err := tx.GetBalance(ctx, userID)
	if IsNotFound(err) {
		return BalanceRecord{}, fmt.Errorf("balance for user %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return BalanceRecord{}, persistence("load balance", err)
	}
	return b, nil
}
