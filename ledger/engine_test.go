package ledger_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/banking-ledger/ledger"
	"github.com/warp/banking-ledger/ledger/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var testNow = time.Date(2025, time.March, 10, 15, 30, 0, 0, time.UTC)

type harness struct {
	engine   *ledger.Engine
	mem      *store.Memory
	hook     *logtest.Hook
	recorder *fakeRecorder
}

func newHarness(t *testing.T, memOpts ...store.MemoryOption) *harness {
	t.Helper()
	mem := store.NewMemory(memOpts...)
	return newHarnessWithStore(t, mem, mem)
}

func newHarnessWithStore(t *testing.T, mem *store.Memory, s ledger.Store) *harness {
	t.Helper()
	log, hook := logtest.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	rec := &fakeRecorder{}
	engine := ledger.NewEngine(s,
		ledger.WithLogger(log),
		ledger.WithRecorder(rec),
		ledger.WithClock(func() time.Time { return testNow }),
	)
	return &harness{engine: engine, mem: mem, hook: hook, recorder: rec}
}

// openAccount registers a user with the given cash and then raises its
// revolving debt with a credit movement when debt is positive.
func (h *harness) openAccount(t *testing.T, email, cash, debt string) ledger.UserID {
	t.Helper()
	ctx := context.Background()
	acct, err := h.engine.OpenAccount(ctx, ledger.NewAccount{
		Name:        "Test",
		Surname:     "User",
		Email:       email,
		InitialCash: money(cash),
	})
	require.NoError(t, err)
	if d := money(debt); d.IsPositive() {
		_, err := h.engine.ApplyMovement(ctx, acct.User.ID, ledger.MovementRequest{
			Kind:   ledger.KindCredit,
			Amount: amountPtr(debt),
			Reason: "Saldo inicial tarjeta",
		})
		require.NoError(t, err)
	}
	return acct.User.ID
}

func (h *harness) balance(t *testing.T, userID ledger.UserID) ledger.BalanceView {
	t.Helper()
	b, err := h.engine.Balance(context.Background(), userID)
	require.NoError(t, err)
	return b
}

func money(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func amountPtr(s string) *decimal.Decimal {
	d := money(s)
	return &d
}

func assertMoney(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...interface{}) {
	t.Helper()
	assert.Equal(t, want, ledger.FormatMoney(got), msgAndArgs...)
}

type fakeRecorder struct {
	mu        sync.Mutex
	movements []ledger.WriteProfile
	paydowns  []bool
	failures  []ledger.ErrorKind
}

func (r *fakeRecorder) MovementApplied(_ ledger.Kind, p ledger.WriteProfile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.movements = append(r.movements, p)
}

func (r *fakeRecorder) PaydownApplied(adjusted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paydowns = append(r.paydowns, adjusted)
}

func (r *fakeRecorder) OperationFailed(_ string, kind ledger.ErrorKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, kind)
}

// faultyStore wraps a Memory store and injects failures into its
// transactions.
type faultyStore struct {
	inner         *store.Memory
	failLink      bool
	failPayment   error
	paymentWrites int
}

func (s *faultyStore) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	return s.inner.WithTx(ctx, func(tx ledger.Tx) error {
		return fn(&faultyTx{Tx: tx, s: s})
	})
}

type faultyTx struct {
	ledger.Tx
	s *faultyStore
}

func (t *faultyTx) InsertPayment(ctx context.Context, p ledger.PaymentRecord, profile ledger.WriteProfile) (ledger.PaymentID, error) {
	t.s.paymentWrites++
	if t.s.failPayment != nil {
		return 0, t.s.failPayment
	}
	return t.Tx.InsertPayment(ctx, p, profile)
}

func (t *faultyTx) InsertLink(ctx context.Context, l ledger.LedgerLink) (ledger.LinkID, error) {
	if t.s.failLink {
		return 0, errors.New("disk I/O error")
	}
	return t.Tx.InsertLink(ctx, l)
}

// =============================================================================
// DEBIT TESTS
// =============================================================================

func TestApplyMovement_Debit_ReducesCashAndRecordsLedger(t *testing.T) {
	// GIVEN: cash 1000.00, debt 0.00
	// WHEN: Debit 120.50 "Transporte" with a category
	// THEN: cash 879.50, one payment + link, metadata kept

	h := newHarness(t)
	ctx := context.Background()
	userID := h.openAccount(t, "ana@example.com", "1000.00", "0")

	res, err := h.engine.ApplyMovement(ctx, userID, ledger.MovementRequest{
		Kind:     ledger.KindDebit,
		Amount:   amountPtr("120.50"),
		Reason:   "Transporte",
		Metadata: ledger.Metadata{Category: "transport", Method: "card"},
	})
	require.NoError(t, err)

	assertMoney(t, "879.50", res.CashAmount)
	assertMoney(t, "0.00", res.RevolvingDebt)
	assert.Equal(t, ledger.ProfileFull, res.Profile)
	assert.Equal(t, "MXN", res.Currency)

	b := h.balance(t, userID)
	assertMoney(t, "879.50", b.CashAmount)

	payments := h.mem.Payments(userID)
	require.Len(t, payments, 1)
	p := payments[0]
	assert.Equal(t, res.PaymentID, p.ID)
	assert.Equal(t, "Transporte", p.Reason)
	assert.Equal(t, ledger.KindDebit, p.Kind)
	assertMoney(t, "120.50", p.Amount)
	assert.Equal(t, ledger.DateOf(testNow), p.Date)
	assert.Equal(t, "transport", p.Metadata.Category)

	links := h.mem.Links()
	require.Len(t, links, 1)
	assert.Equal(t, p.ID, links[0].PaymentID)

	assert.Equal(t, []ledger.WriteProfile{ledger.ProfileFull}, h.recorder.movements)
}

func TestApplyMovement_Debit_ExactCashAllowed(t *testing.T) {
	h := newHarness(t)
	userID := h.openAccount(t, "ana@example.com", "50.00", "0")

	res, err := h.engine.ApplyMovement(context.Background(), userID, ledger.MovementRequest{
		Kind:   ledger.KindDebit,
		Amount: amountPtr("50.00"),
		Reason: "Todo",
	})
	require.NoError(t, err)
	assertMoney(t, "0.00", res.CashAmount)
}

func TestApplyMovement_Debit_InsufficientFunds_NoChanges(t *testing.T) {
	// GIVEN: cash 50.00
	// WHEN: Debit 80.00
	// THEN: InsufficientFunds, cash unchanged, no payment written

	h := newHarness(t)
	userID := h.openAccount(t, "ana@example.com", "50.00", "0")

	_, err := h.engine.ApplyMovement(context.Background(), userID, ledger.MovementRequest{
		Kind:   ledger.KindDebit,
		Amount: amountPtr("80.00"),
		Reason: "Supermercado",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	assert.Equal(t, ledger.KindInsufficientFunds, ledger.KindOf(err))

	var fundsErr *ledger.InsufficientFundsError
	require.ErrorAs(t, err, &fundsErr)
	assertMoney(t, "30.00", fundsErr.Shortfall())

	assertMoney(t, "50.00", h.balance(t, userID).CashAmount)
	assert.Empty(t, h.mem.Payments(userID))
	assert.Empty(t, h.mem.Links())
	assert.Equal(t, []ledger.ErrorKind{ledger.KindInsufficientFunds}, h.recorder.failures)
}

func TestApplyMovement_EmptyKind_DefaultsToDebit(t *testing.T) {
	h := newHarness(t)
	userID := h.openAccount(t, "ana@example.com", "100.00", "0")

	res, err := h.engine.ApplyMovement(context.Background(), userID, ledger.MovementRequest{
		Amount: amountPtr("10.00"),
		Reason: "Cafe",
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.KindDebit, res.Kind)
	assertMoney(t, "90.00", res.CashAmount)
}

// =============================================================================
// CREDIT TESTS
// =============================================================================

func TestApplyMovement_Credit_IncreasesDebtOnly(t *testing.T) {
	// GIVEN: cash 100.00, debt 0.00
	// WHEN: Credit 500.00 "Compra tienda"
	// THEN: cash 100.00, debt 500.00

	h := newHarness(t)
	userID := h.openAccount(t, "ana@example.com", "100.00", "0")

	res, err := h.engine.ApplyMovement(context.Background(), userID, ledger.MovementRequest{
		Kind:   ledger.KindCredit,
		Amount: amountPtr("500.00"),
		Reason: "Compra tienda",
	})
	require.NoError(t, err)

	assertMoney(t, "100.00", res.CashAmount)
	assertMoney(t, "500.00", res.RevolvingDebt)

	b := h.balance(t, userID)
	assertMoney(t, "100.00", b.CashAmount)
	assertMoney(t, "500.00", b.RevolvingDebt)
}

func TestApplyMovement_Credit_IgnoresCash(t *testing.T) {
	h := newHarness(t)
	userID := h.openAccount(t, "ana@example.com", "0", "0")

	res, err := h.engine.ApplyMovement(context.Background(), userID, ledger.MovementRequest{
		Kind:   ledger.KindCredit,
		Amount: amountPtr("9999.99"),
		Reason: "Viaje",
	})
	require.NoError(t, err)
	assertMoney(t, "9999.99", res.RevolvingDebt)
}

// =============================================================================
// VALIDATION TESTS
// =============================================================================

func TestApplyMovement_Validation_RejectedBeforeWrite(t *testing.T) {
	tests := []struct {
		name  string
		req   ledger.MovementRequest
		field string
	}{
		{"missing reason", ledger.MovementRequest{Amount: amountPtr("10.00")}, "reason"},
		{"blank reason", ledger.MovementRequest{Amount: amountPtr("10.00"), Reason: "   "}, "reason"},
		{"missing amount", ledger.MovementRequest{Reason: "Cafe"}, "amount"},
		{"zero amount", ledger.MovementRequest{Amount: amountPtr("0"), Reason: "Cafe"}, "amount"},
		{"negative amount", ledger.MovementRequest{Amount: amountPtr("-5.00"), Reason: "Cafe"}, "amount"},
		{"three fraction digits", ledger.MovementRequest{Amount: amountPtr("1.005"), Reason: "Cafe"}, "amount"},
		{"unknown kind", ledger.MovementRequest{Kind: "transfer", Amount: amountPtr("10.00"), Reason: "Cafe"}, "kind"},
		{"reason too long", ledger.MovementRequest{Amount: amountPtr("10.00"), Reason: strings.Repeat("a", ledger.MaxReasonLength+1)}, "reason"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			userID := h.openAccount(t, "ana@example.com", "100.00", "0")

			_, err := h.engine.ApplyMovement(context.Background(), userID, tt.req)
			require.Error(t, err)
			assert.ErrorIs(t, err, ledger.ErrInvalidInput)
			assert.True(t, ledger.IsClientError(err))

			var inputErr *ledger.InputError
			require.ErrorAs(t, err, &inputErr)
			assert.Equal(t, tt.field, inputErr.Field)

			assertMoney(t, "100.00", h.balance(t, userID).CashAmount)
			assert.Empty(t, h.mem.Payments(userID))
		})
	}
}

func TestApplyMovement_UnknownUser_NotFound(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.ApplyMovement(context.Background(), "nobody", ledger.MovementRequest{
		Amount: amountPtr("10.00"),
		Reason: "Cafe",
	})
	require.Error(t, err)
	assert.True(t, ledger.IsNotFound(err))
	assert.Equal(t, ledger.KindNotFound, ledger.KindOf(err))
}

func TestApplyMovement_ValidationPrecedesLookup(t *testing.T) {
	// An invalid request for an unknown user reports the input problem.
	h := newHarness(t)

	_, err := h.engine.ApplyMovement(context.Background(), "nobody", ledger.MovementRequest{
		Amount: amountPtr("0"),
		Reason: "Cafe",
	})
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)
}

// =============================================================================
// CREDIT CARD PAYDOWN TESTS
// =============================================================================

func TestPayCreditCard_ClampedByCash(t *testing.T) {
	// GIVEN: cash 300.00, debt 1200.00
	// WHEN: Paying 500.00
	// THEN: payable 300.00 (adjusted), cash 0.00, debt 900.00

	h := newHarness(t)
	userID := h.openAccount(t, "ana@example.com", "300.00", "1200.00")

	res, err := h.engine.PayCreditCard(context.Background(), userID, money("500.00"))
	require.NoError(t, err)

	assertMoney(t, "500.00", res.Requested)
	assertMoney(t, "300.00", res.Payable)
	assert.True(t, res.Adjusted)
	assertMoney(t, "0.00", res.CashAmount)
	assertMoney(t, "900.00", res.RevolvingDebt)
	assert.Equal(t, "Pago de tarjeta aplicado (ajustado)", res.Message())

	payments := h.mem.Payments(userID)
	require.Len(t, payments, 2) // opening credit + paydown
	last := payments[1]
	assert.Equal(t, ledger.CardPaymentReason, last.Reason)
	assert.Equal(t, ledger.KindDebit, last.Kind)
	assertMoney(t, "300.00", last.Amount)

	assert.Equal(t, []bool{true}, h.recorder.paydowns)
}

func TestPayCreditCard_ClampedByDebt(t *testing.T) {
	// GIVEN: cash 1000.00, debt 80.00
	// WHEN: Paying 200.00
	// THEN: payable 80.00 (adjusted), cash 920.00, debt 0.00

	h := newHarness(t)
	userID := h.openAccount(t, "ana@example.com", "1000.00", "80.00")

	res, err := h.engine.PayCreditCard(context.Background(), userID, money("200.00"))
	require.NoError(t, err)

	assertMoney(t, "80.00", res.Payable)
	assert.True(t, res.Adjusted)
	assertMoney(t, "920.00", res.CashAmount)
	assertMoney(t, "0.00", res.RevolvingDebt)
}

func TestPayCreditCard_ExactAmount_NotAdjusted(t *testing.T) {
	h := newHarness(t)
	userID := h.openAccount(t, "ana@example.com", "1000.00", "400.00")

	res, err := h.engine.PayCreditCard(context.Background(), userID, money("150.00"))
	require.NoError(t, err)

	assertMoney(t, "150.00", res.Payable)
	assert.False(t, res.Adjusted)
	assert.Equal(t, "Pago de tarjeta aplicado", res.Message())
	assertMoney(t, "850.00", res.CashAmount)
	assertMoney(t, "250.00", res.RevolvingDebt)
}

func TestPayCreditCard_NoDebt(t *testing.T) {
	// GIVEN: cash 1000.00, debt 0.00
	// WHEN: Paying 100.00
	// THEN: NoDebt, nothing written

	h := newHarness(t)
	userID := h.openAccount(t, "ana@example.com", "1000.00", "0")

	_, err := h.engine.PayCreditCard(context.Background(), userID, money("100.00"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrNoDebt)
	assert.Equal(t, ledger.KindNoDebt, ledger.KindOf(err))
	assert.Empty(t, h.mem.Payments(userID))
	assertMoney(t, "1000.00", h.balance(t, userID).CashAmount)
}

func TestPayCreditCard_NoCash_InsufficientFunds(t *testing.T) {
	h := newHarness(t)
	userID := h.openAccount(t, "ana@example.com", "0", "500.00")

	_, err := h.engine.PayCreditCard(context.Background(), userID, money("100.00"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	b := h.balance(t, userID)
	assertMoney(t, "0.00", b.CashAmount)
	assertMoney(t, "500.00", b.RevolvingDebt)
	assert.Len(t, h.mem.Payments(userID), 1) // only the opening credit
}

func TestPayCreditCard_InvalidAmount(t *testing.T) {
	h := newHarness(t)
	userID := h.openAccount(t, "ana@example.com", "100.00", "100.00")

	for _, amount := range []string{"0", "-1.00", "10.001"} {
		_, err := h.engine.PayCreditCard(context.Background(), userID, money(amount))
		assert.ErrorIs(t, err, ledger.ErrInvalidInput, amount)
	}
}

func TestPayCreditCard_UnknownUser(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.PayCreditCard(context.Background(), "nobody", money("10.00"))
	assert.True(t, ledger.IsNotFound(err))
}

// =============================================================================
// TWO-TIER WRITE TESTS
// =============================================================================

func TestApplyMovement_LegacySchema_FallsBackToMinimal(t *testing.T) {
	// GIVEN: A store whose payments table lacks the optional columns
	// WHEN: Debit with metadata
	// THEN: Movement succeeds with the minimal profile, metadata not stored

	h := newHarness(t, store.WithLegacyPaymentSchema())
	userID := h.openAccount(t, "ana@example.com", "500.00", "0")

	res, err := h.engine.ApplyMovement(context.Background(), userID, ledger.MovementRequest{
		Kind:     ledger.KindDebit,
		Amount:   amountPtr("25.00"),
		Reason:   "Farmacia",
		Metadata: ledger.Metadata{Category: "health", Notes: "receta"},
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.ProfileMinimal, res.Profile)
	assertMoney(t, "475.00", res.CashAmount)

	payments := h.mem.Payments(userID)
	require.Len(t, payments, 1)
	assert.True(t, payments[0].Metadata.IsZero())
	assert.Len(t, h.mem.Links(), 1)

	var warned bool
	for _, entry := range h.hook.AllEntries() {
		if entry.Level == logrus.WarnLevel {
			warned = true
		}
	}
	assert.True(t, warned, "fallback should be logged as a warning")
}

func TestApplyMovement_PaymentWriteFailure_NoFallback(t *testing.T) {
	// GIVEN: A store whose payment insert fails for a reason other than schema
	// WHEN: Applying a movement
	// THEN: PersistenceFailure after a single attempt, balance unchanged

	mem := store.NewMemory()
	faulty := &faultyStore{inner: mem}
	h := newHarnessWithStore(t, mem, faulty)
	userID := h.openAccount(t, "ana@example.com", "500.00", "0")

	faulty.failPayment = errors.New("constraint failed")
	faulty.paymentWrites = 0

	_, err := h.engine.ApplyMovement(context.Background(), userID, ledger.MovementRequest{
		Amount: amountPtr("25.00"),
		Reason: "Farmacia",
	})
	require.Error(t, err)
	assert.Equal(t, ledger.KindPersistenceFailure, ledger.KindOf(err))
	assert.Equal(t, 1, faulty.paymentWrites)
	assert.NotContains(t, err.Error(), "constraint failed")
	assertMoney(t, "500.00", h.balance(t, userID).CashAmount)
}

func TestApplyMovement_SchemaMismatchOnBothTiers_Fails(t *testing.T) {
	mem := store.NewMemory()
	faulty := &faultyStore{inner: mem}
	h := newHarnessWithStore(t, mem, faulty)
	userID := h.openAccount(t, "ana@example.com", "500.00", "0")

	faulty.failPayment = ledger.ErrSchemaMismatch
	faulty.paymentWrites = 0

	_, err := h.engine.ApplyMovement(context.Background(), userID, ledger.MovementRequest{
		Amount: amountPtr("25.00"),
		Reason: "Farmacia",
	})
	require.Error(t, err)
	assert.Equal(t, ledger.KindPersistenceFailure, ledger.KindOf(err))
	assert.Equal(t, 2, faulty.paymentWrites)
	assertMoney(t, "500.00", h.balance(t, userID).CashAmount)
}

// =============================================================================
// ATOMICITY TESTS
// =============================================================================

func TestApplyMovement_LinkFailure_RollsBackEverything(t *testing.T) {
	// GIVEN: A store whose ledger link insert fails
	// WHEN: Debiting 100.00 from 500.00
	// THEN: PersistenceFailure; cash still 500.00; no payment survives

	mem := store.NewMemory()
	faulty := &faultyStore{inner: mem}
	h := newHarnessWithStore(t, mem, faulty)
	userID := h.openAccount(t, "ana@example.com", "500.00", "0")

	faulty.failLink = true
	_, err := h.engine.ApplyMovement(context.Background(), userID, ledger.MovementRequest{
		Amount: amountPtr("100.00"),
		Reason: "Renta",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrPersistence)

	assertMoney(t, "500.00", h.balance(t, userID).CashAmount)
	assert.Empty(t, h.mem.Payments(userID))
	assert.Empty(t, h.mem.Links())
	assert.Equal(t, []ledger.ErrorKind{ledger.KindPersistenceFailure}, h.recorder.failures)
}

func TestPayCreditCard_LinkFailure_RollsBackEverything(t *testing.T) {
	mem := store.NewMemory()
	faulty := &faultyStore{inner: mem}
	h := newHarnessWithStore(t, mem, faulty)
	userID := h.openAccount(t, "ana@example.com", "500.00", "300.00")

	faulty.failLink = true
	_, err := h.engine.PayCreditCard(context.Background(), userID, money("100.00"))
	require.Error(t, err)
	assert.Equal(t, ledger.KindPersistenceFailure, ledger.KindOf(err))

	b := h.balance(t, userID)
	assertMoney(t, "500.00", b.CashAmount)
	assertMoney(t, "300.00", b.RevolvingDebt)
	assert.Len(t, h.mem.Payments(userID), 1)
}

// =============================================================================
// CONCURRENCY TESTS
// =============================================================================

func TestApplyMovement_ConcurrentDebits_NeverOverdraw(t *testing.T) {
	// GIVEN: cash 1000.00
	// WHEN: 25 concurrent debits of 100.00
	// THEN: exactly 10 succeed, cash 0.00, one payment per success

	h := newHarness(t)
	userID := h.openAccount(t, "ana@example.com", "1000.00", "0")

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.ApplyMovement(context.Background(), userID, ledger.MovementRequest{
				Amount: amountPtr("100.00"),
				Reason: "Retiro",
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, succeeded)
	assertMoney(t, "0.00", h.balance(t, userID).CashAmount)
	assert.Len(t, h.mem.Payments(userID), 10)
	assert.Len(t, h.mem.Links(), 10)
}

// =============================================================================
// LEDGER COMPLETENESS
// =============================================================================

func TestLedger_ReplayMatchesBalance(t *testing.T) {
	// Replaying every linked payment from the opening state reproduces the
	// current balance record.

	h := newHarness(t)
	ctx := context.Background()
	userID := h.openAccount(t, "ana@example.com", "2000.00", "0")

	steps := []func() error{
		func() error {
			_, err := h.engine.ApplyMovement(ctx, userID, ledger.MovementRequest{Kind: ledger.KindCredit, Amount: amountPtr("750.25"), Reason: "Pantalla"})
			return err
		},
		func() error {
			_, err := h.engine.ApplyMovement(ctx, userID, ledger.MovementRequest{Amount: amountPtr("99.99"), Reason: "Cena"})
			return err
		},
		func() error {
			_, err := h.engine.PayCreditCard(ctx, userID, money("500.00"))
			return err
		},
		func() error {
			_, err := h.engine.ApplyMovement(ctx, userID, ledger.MovementRequest{Amount: amountPtr("5000.00"), Reason: "Auto"})
			return err // rejected
		},
	}
	for _, step := range steps {
		_ = step()
	}

	cash := money("2000.00")
	for _, p := range h.mem.Payments(userID) {
		if p.Kind == ledger.KindDebit {
			cash = cash.Sub(p.Amount)
		}
	}
	b := h.balance(t, userID)
	assertMoney(t, ledger.FormatMoney(cash), b.CashAmount)
	assertMoney(t, "1400.01", b.CashAmount)
	assertMoney(t, "250.25", b.RevolvingDebt)
	assert.Len(t, h.mem.Links(), len(h.mem.Payments(userID)))
}

func TestLedger_LinksPointAtOwnersBalance(t *testing.T) {
	// GIVEN: Two users with interleaved movements and paydowns
	// WHEN: Inspecting every payment and link
	// THEN: Each payment has exactly one link, to its owner's balance, and
	//       neither user's history shows the other's payments

	h := newHarness(t)
	ctx := context.Background()
	ana := h.openAccount(t, "ana@example.com", "1000.00", "0")
	luis := h.openAccount(t, "luis@example.com", "500.00", "300.00")

	for i := 0; i < 3; i++ {
		_, err := h.engine.ApplyMovement(ctx, ana, ledger.MovementRequest{Amount: amountPtr("10.00"), Reason: "Cafe"})
		require.NoError(t, err)
		_, err = h.engine.ApplyMovement(ctx, luis, ledger.MovementRequest{Kind: ledger.KindCredit, Amount: amountPtr("20.00"), Reason: "Gasolina"})
		require.NoError(t, err)
		_, err = h.engine.PayCreditCard(ctx, luis, money("15.00"))
		require.NoError(t, err)
		_, err = h.engine.ApplyMovement(ctx, ana, ledger.MovementRequest{Kind: ledger.KindCredit, Amount: amountPtr("5.00"), Reason: "Libro"})
		require.NoError(t, err)
	}

	balanceIDs := map[ledger.UserID]ledger.BalanceID{}
	require.NoError(t, h.mem.WithTx(ctx, func(tx ledger.Tx) error {
		for _, id := range []ledger.UserID{ana, luis} {
			b, err := tx.GetBalance(ctx, id)
			if err != nil {
				return err
			}
			balanceIDs[id] = b.ID
		}
		return nil
	}))
	require.NotEqual(t, balanceIDs[ana], balanceIDs[luis])

	links := h.mem.Links()
	for _, owner := range []ledger.UserID{ana, luis} {
		payments := h.mem.Payments(owner)
		require.NotEmpty(t, payments)

		for _, p := range payments {
			var matched []ledger.LedgerLink
			for _, l := range links {
				if l.PaymentID == p.ID {
					matched = append(matched, l)
				}
			}
			require.Len(t, matched, 1, "payment %d", p.ID)
			assert.Equal(t, balanceIDs[owner], matched[0].BalanceID, "payment %d", p.ID)
		}
	}
	assert.Len(t, links, len(h.mem.Payments(ana))+len(h.mem.Payments(luis)))

	own := map[ledger.PaymentID]ledger.UserID{}
	for _, owner := range []ledger.UserID{ana, luis} {
		for _, p := range h.mem.Payments(owner) {
			own[p.ID] = owner
		}
	}
	for _, user := range []ledger.UserID{ana, luis} {
		page, err := h.engine.ListMovements(ctx, user, ledger.MovementQuery{Page: 1, PerPage: ledger.MaxPerPage})
		require.NoError(t, err)
		assert.Equal(t, len(h.mem.Payments(user)), page.Total)
		for _, m := range page.Movements {
			assert.Equal(t, user, own[m.PaymentID], "payment %d listed for %s", m.PaymentID, user)
		}
	}
}
