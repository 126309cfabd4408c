// Package store provides an in-memory ledger.Store.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/banking-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps every record in maps guarded by one mutex. A transaction
// holds the mutex for its whole duration, which serializes writers.
type Memory struct {
	mu   sync.Mutex
	data memoryData

	// legacy simulates a payments table without the optional columns.
	legacy bool
}

type memoryData struct {
	users         map[ledger.UserID]ledger.User
	balances      map[ledger.BalanceID]ledger.BalanceRecord
	balanceByUser map[ledger.UserID]ledger.BalanceID
	payments      map[ledger.PaymentID]ledger.PaymentRecord
	links         map[ledger.LinkID]ledger.LedgerLink

	nextBalance ledger.BalanceID
	nextPayment ledger.PaymentID
	nextLink    ledger.LinkID
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithLegacyPaymentSchema makes full-profile payment writes fail with
// ledger.ErrSchemaMismatch, like a database created before the optional
// payment columns existed.
func WithLegacyPaymentSchema() MemoryOption {
	return func(m *Memory) { m.legacy = true }
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		data: memoryData{
			users:         make(map[ledger.UserID]ledger.User),
			balances:      make(map[ledger.BalanceID]ledger.BalanceRecord),
			balanceByUser: make(map[ledger.UserID]ledger.BalanceID),
			payments:      make(map[ledger.PaymentID]ledger.PaymentRecord),
			links:         make(map[ledger.LinkID]ledger.LedgerLink),
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// WithTx executes fn within a transaction.
// Simulated with a snapshot + restore on error.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	snapshot := m.data.clone()
	if err := fn(&memoryTx{m: m}); err != nil {
		m.data = snapshot
		return err
	}
	return nil
}

func (d memoryData) clone() memoryData {
	c := d
	c.users = make(map[ledger.UserID]ledger.User, len(d.users))
	for k, v := range d.users {
		c.users[k] = v
	}
	c.balances = make(map[ledger.BalanceID]ledger.BalanceRecord, len(d.balances))
	for k, v := range d.balances {
		c.balances[k] = v
	}
	c.balanceByUser = make(map[ledger.UserID]ledger.BalanceID, len(d.balanceByUser))
	for k, v := range d.balanceByUser {
		c.balanceByUser[k] = v
	}
	c.payments = make(map[ledger.PaymentID]ledger.PaymentRecord, len(d.payments))
	for k, v := range d.payments {
		c.payments[k] = v
	}
	c.links = make(map[ledger.LinkID]ledger.LedgerLink, len(d.links))
	for k, v := range d.links {
		c.links[k] = v
	}
	return c
}

// Payments returns every payment of userID ordered by id.
func (m *Memory) Payments(userID ledger.UserID) []ledger.PaymentRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []ledger.PaymentRecord
	for _, p := range m.data.payments {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Links returns every ledger link ordered by id.
func (m *Memory) Links() []ledger.LedgerLink {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ledger.LedgerLink, 0, len(m.data.links))
	for _, l := range m.data.links {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

type memoryTx struct {
	m *Memory
}

func (t *memoryTx) LockBalance(ctx context.Context, userID ledger.UserID) (ledger.BalanceRecord, error) {
	// The store mutex is already held for the whole transaction.
	return t.GetBalance(ctx, userID)
}

func (t *memoryTx) GetBalance(_ context.Context, userID ledger.UserID) (ledger.BalanceRecord, error) {
	id, ok := t.m.data.balanceByUser[userID]
	if !ok {
		return ledger.BalanceRecord{}, ledger.ErrNotFound
	}
	return t.m.data.balances[id], nil
}

func (t *memoryTx) UpdateBalance(_ context.Context, b ledger.BalanceRecord) error {
	cur, ok := t.m.data.balances[b.ID]
	if !ok {
		return ledger.ErrNotFound
	}
	cur.CashAmount = ledger.Money(b.CashAmount)
	cur.RevolvingDebt = ledger.Money(b.RevolvingDebt)
	cur.UpdatedAt = time.Now().UTC()
	t.m.data.balances[b.ID] = cur
	return nil
}

func (t *memoryTx) InsertPayment(_ context.Context, p ledger.PaymentRecord, profile ledger.WriteProfile) (ledger.PaymentID, error) {
	if profile == ledger.ProfileFull && t.m.legacy {
		return 0, ledger.ErrSchemaMismatch
	}
	if _, ok := t.m.data.users[p.UserID]; !ok {
		return 0, ledger.ErrNotFound
	}
	if profile == ledger.ProfileMinimal {
		p.Metadata = ledger.Metadata{}
	}
	t.m.data.nextPayment++
	p.ID = t.m.data.nextPayment
	p.Amount = ledger.Money(p.Amount)
	p.Date = ledger.DateOf(p.Date)
	p.CreatedAt = time.Now().UTC()
	t.m.data.payments[p.ID] = p
	return p.ID, nil
}

func (t *memoryTx) InsertLink(_ context.Context, l ledger.LedgerLink) (ledger.LinkID, error) {
	if _, ok := t.m.data.balances[l.BalanceID]; !ok {
		return 0, ledger.ErrNotFound
	}
	if _, ok := t.m.data.payments[l.PaymentID]; !ok {
		return 0, ledger.ErrNotFound
	}
	t.m.data.nextLink++
	l.ID = t.m.data.nextLink
	l.CreatedAt = time.Now().UTC()
	t.m.data.links[l.ID] = l
	return l.ID, nil
}

func (t *memoryTx) movements(balanceID ledger.BalanceID, kind *ledger.Kind) []ledger.Movement {
	var out []ledger.Movement
	for _, l := range t.m.data.links {
		if l.BalanceID != balanceID {
			continue
		}
		p := t.m.data.payments[l.PaymentID]
		if kind != nil && p.Kind != *kind {
			continue
		}
		out = append(out, ledger.Movement{
			PaymentID: p.ID,
			Reason:    p.Reason,
			Amount:    p.Amount,
			Date:      p.Date,
			Kind:      p.Kind,
			Metadata:  p.Metadata,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.After(out[j].Date)
		}
		return out[i].PaymentID > out[j].PaymentID
	})
	return out
}

func (t *memoryTx) CountMovements(_ context.Context, balanceID ledger.BalanceID, kind *ledger.Kind) (int, error) {
	return len(t.movements(balanceID, kind)), nil
}

func (t *memoryTx) ListMovements(_ context.Context, balanceID ledger.BalanceID, kind *ledger.Kind, limit, offset int) ([]ledger.Movement, error) {
	all := t.movements(balanceID, kind)
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return append([]ledger.Movement(nil), all[offset:end]...), nil
}

func (t *memoryTx) InsertUser(_ context.Context, u ledger.User) error {
	for _, existing := range t.m.data.users {
		if existing.Email == u.Email {
			return ledger.ErrDuplicateEmail
		}
	}
	t.m.data.users[u.ID] = u
	return nil
}

func (t *memoryTx) InsertBalance(_ context.Context, b ledger.BalanceRecord) (ledger.BalanceID, error) {
	if _, ok := t.m.data.users[b.UserID]; !ok {
		return 0, ledger.ErrNotFound
	}
	if _, ok := t.m.data.balanceByUser[b.UserID]; ok {
		return 0, ledger.ErrPersistence
	}
	t.m.data.nextBalance++
	b.ID = t.m.data.nextBalance
	b.CashAmount = ledger.Money(b.CashAmount)
	b.RevolvingDebt = ledger.Money(b.RevolvingDebt)
	t.m.data.balances[b.ID] = b
	t.m.data.balanceByUser[b.UserID] = b.ID
	return b.ID, nil
}

func (t *memoryTx) DeleteUser(_ context.Context, userID ledger.UserID) error {
	if _, ok := t.m.data.users[userID]; !ok {
		return ledger.ErrNotFound
	}
	delete(t.m.data.users, userID)
	if bid, ok := t.m.data.balanceByUser[userID]; ok {
		delete(t.m.data.balances, bid)
		delete(t.m.data.balanceByUser, userID)
		for id, l := range t.m.data.links {
			if l.BalanceID == bid {
				delete(t.m.data.links, id)
			}
		}
	}
	for id, p := range t.m.data.payments {
		if p.UserID == userID {
			delete(t.m.data.payments, id)
		}
	}
	return nil
}

func (t *memoryTx) CountUsers(_ context.Context) (int, error) {
	return len(t.m.data.users), nil
}
