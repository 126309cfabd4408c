package ledger_test

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/banking-ledger/ledger"
)

func march(day int) time.Time {
	return time.Date(2025, time.March, day, 0, 0, 0, 0, time.UTC)
}

func kindPtr(k ledger.Kind) *ledger.Kind {
	return &k
}

func (h *harness) movement(t *testing.T, userID ledger.UserID, kind ledger.Kind, amount, reason string, date time.Time) ledger.PaymentID {
	t.Helper()
	res, err := h.engine.ApplyMovement(context.Background(), userID, ledger.MovementRequest{
		Kind:   kind,
		Amount: amountPtr(amount),
		Reason: reason,
		Date:   date,
	})
	require.NoError(t, err)
	return res.PaymentID
}

// =============================================================================
// ORDERING TESTS
// =============================================================================

func TestListMovements_OrderedByDateThenID(t *testing.T) {
	// GIVEN: Movements recorded out of date order, two on the same day
	// WHEN: Listing the first page
	// THEN: Date DESC, ties broken by payment id DESC

	h := newHarness(t)
	userID := h.openAccount(t, "ana@example.com", "1000.00", "0")

	p1 := h.movement(t, userID, ledger.KindDebit, "10.00", "Uno", march(1))
	p2 := h.movement(t, userID, ledger.KindCredit, "20.00", "Dos", march(5))
	p3 := h.movement(t, userID, ledger.KindDebit, "30.00", "Tres", march(3))
	p4 := h.movement(t, userID, ledger.KindDebit, "40.00", "Cuatro", march(5))

	page, err := h.engine.ListMovements(context.Background(), userID, ledger.MovementQuery{Page: 1, PerPage: 10})
	require.NoError(t, err)

	require.Len(t, page.Movements, 4)
	var ids []ledger.PaymentID
	for _, m := range page.Movements {
		ids = append(ids, m.PaymentID)
	}
	assert.Equal(t, []ledger.PaymentID{p4, p2, p3, p1}, ids)

	assert.Equal(t, "+", page.Movements[1].Sign)
	assert.Equal(t, ledger.KindCredit, page.Movements[1].Kind)
	assert.Equal(t, "-", page.Movements[0].Sign)
	assertMoney(t, "40.00", page.Movements[0].Amount)
	assert.Equal(t, march(5), page.Movements[0].Date)
}

// =============================================================================
// PAGINATION TESTS
// =============================================================================

func TestListMovements_Pagination(t *testing.T) {
	// GIVEN: 23 movements
	// WHEN: Reading page 3 with 10 per page
	// THEN: 3 movements, pages 3, has_prev true, has_next false

	h := newHarness(t)
	userID := h.openAccount(t, "ana@example.com", "0", "0")
	for i := 0; i < 23; i++ {
		h.movement(t, userID, ledger.KindCredit, "1.00", "Cargo", march(1+i))
	}

	page, err := h.engine.ListMovements(context.Background(), userID, ledger.MovementQuery{Page: 3, PerPage: 10})
	require.NoError(t, err)

	assert.Equal(t, 23, page.Total)
	assert.Equal(t, 3, page.Pages)
	assert.True(t, page.HasPrev)
	assert.False(t, page.HasNext)
	assert.Len(t, page.Movements, 3)
	assert.Equal(t, march(3), page.Movements[0].Date)

	first, err := h.engine.ListMovements(context.Background(), userID, ledger.MovementQuery{Page: 1, PerPage: 10})
	require.NoError(t, err)
	assert.False(t, first.HasPrev)
	assert.True(t, first.HasNext)
	assert.Len(t, first.Movements, 10)
	assert.Equal(t, march(23), first.Movements[0].Date)
}

func TestListMovements_PagesAreStable(t *testing.T) {
	h := newHarness(t)
	userID := h.openAccount(t, "ana@example.com", "500.00", "0")
	for i := 0; i < 7; i++ {
		h.movement(t, userID, ledger.KindDebit, "1.00", "Mismo dia", march(2))
	}

	q := ledger.MovementQuery{Page: 2, PerPage: 3}
	a, err := h.engine.ListMovements(context.Background(), userID, q)
	require.NoError(t, err)
	b, err := h.engine.ListMovements(context.Background(), userID, q)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestListMovements_BeyondLastPage_Empty(t *testing.T) {
	h := newHarness(t)
	userID := h.openAccount(t, "ana@example.com", "500.00", "0")
	h.movement(t, userID, ledger.KindDebit, "1.00", "Cafe", march(2))

	page, err := h.engine.ListMovements(context.Background(), userID, ledger.MovementQuery{Page: 5, PerPage: 10})
	require.NoError(t, err)
	assert.NotNil(t, page.Movements)
	assert.Empty(t, page.Movements)
	assert.Equal(t, 1, page.Total)
	assert.True(t, page.HasPrev)
	assert.False(t, page.HasNext)
}

func TestListMovements_NoMovements(t *testing.T) {
	h := newHarness(t)
	userID := h.openAccount(t, "ana@example.com", "500.00", "0")

	page, err := h.engine.ListMovements(context.Background(), userID, ledger.MovementQuery{Page: 1, PerPage: 10})
	require.NoError(t, err)
	assert.Equal(t, 0, page.Total)
	assert.Equal(t, 0, page.Pages)
	assert.Empty(t, page.Movements)
}

func TestListMovements_KindFilter(t *testing.T) {
	h := newHarness(t)
	userID := h.openAccount(t, "ana@example.com", "500.00", "0")
	h.movement(t, userID, ledger.KindDebit, "1.00", "Cafe", march(1))
	h.movement(t, userID, ledger.KindCredit, "2.00", "Libro", march(2))
	h.movement(t, userID, ledger.KindDebit, "3.00", "Taxi", march(3))

	page, err := h.engine.ListMovements(context.Background(), userID, ledger.MovementQuery{
		Page: 1, PerPage: 10, Kind: kindPtr(ledger.KindCredit),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
	require.Len(t, page.Movements, 1)
	assert.Equal(t, "Libro", page.Movements[0].Reason)
}

func TestListMovements_DoesNotMutate(t *testing.T) {
	h := newHarness(t)
	userID := h.openAccount(t, "ana@example.com", "500.00", "0")
	h.movement(t, userID, ledger.KindDebit, "1.00", "Cafe", march(1))

	before := h.balance(t, userID)
	_, err := h.engine.ListMovements(context.Background(), userID, ledger.MovementQuery{Page: 1, PerPage: 10})
	require.NoError(t, err)
	assert.Equal(t, before, h.balance(t, userID))
	assert.Len(t, h.mem.Payments(userID), 1)
}

func TestListMovements_InvalidQuery(t *testing.T) {
	h := newHarness(t)
	userID := h.openAccount(t, "ana@example.com", "500.00", "0")

	tests := []struct {
		name string
		q    ledger.MovementQuery
	}{
		{"page zero", ledger.MovementQuery{Page: 0, PerPage: 10}},
		{"per_page zero", ledger.MovementQuery{Page: 1, PerPage: 0}},
		{"per_page above max", ledger.MovementQuery{Page: 1, PerPage: ledger.MaxPerPage + 1}},
		{"unknown kind", ledger.MovementQuery{Page: 1, PerPage: 10, Kind: kindPtr("refund")}},
		{"page offset overflows", ledger.MovementQuery{Page: math.MaxInt, PerPage: 2}},
		{"page offset overflows at max per_page", ledger.MovementQuery{Page: math.MaxInt/ledger.MaxPerPage + 1, PerPage: ledger.MaxPerPage}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.engine.ListMovements(context.Background(), userID, tt.q)
			assert.ErrorIs(t, err, ledger.ErrInvalidInput)
		})
	}
}

func TestListMovements_HugePage_RejectedNotWrapped(t *testing.T) {
	// GIVEN: Three movements
	// WHEN: Asking for a page whose offset does not fit in an int
	// THEN: invalid_input, no page is returned

	h := newHarness(t)
	userID := h.openAccount(t, "ana@example.com", "500.00", "0")
	for i := 1; i <= 3; i++ {
		h.movement(t, userID, ledger.KindDebit, "1.00", "Cafe", march(i))
	}

	page, err := h.engine.ListMovements(context.Background(), userID, ledger.MovementQuery{Page: math.MaxInt, PerPage: 2})
	require.ErrorIs(t, err, ledger.ErrInvalidInput)
	assert.Empty(t, page.Movements)

	// The largest page that still fits is simply past the end.
	last := math.MaxInt / 2
	page, err = h.engine.ListMovements(context.Background(), userID, ledger.MovementQuery{Page: last, PerPage: 2})
	require.NoError(t, err)
	assert.Empty(t, page.Movements)
	assert.Equal(t, 3, page.Total)
	assert.False(t, page.HasNext)
}

func TestListMovements_UnknownUser(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.ListMovements(context.Background(), "nobody", ledger.MovementQuery{Page: 1, PerPage: 10})
	assert.True(t, ledger.IsNotFound(err))
}

// =============================================================================
// BALANCE ACCESSOR
// =============================================================================

func TestBalance_ReflectsLatestMovement(t *testing.T) {
	h := newHarness(t)
	userID := h.openAccount(t, "ana@example.com", "100.00", "50.00")

	b := h.balance(t, userID)
	assert.Equal(t, userID, b.UserID)
	assertMoney(t, "100.00", b.CashAmount)
	assertMoney(t, "50.00", b.RevolvingDebt)
	assert.Equal(t, ledger.DefaultCurrency, b.Currency)

	_, err := h.engine.Balance(context.Background(), "nobody")
	assert.True(t, ledger.IsNotFound(err))
}
