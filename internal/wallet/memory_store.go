package wallet

import (
	"context"
	"sync"
	"time"

	"github.com/playora/playora/internal/idgen"
	"github.com/playora/playora/internal/pagination"
)

// MemoryStore is an in-memory wallet store for demo/development mode.
type MemoryStore struct {
	balances map[string]*Balance
	entries  []*Entry
	applied  map[string]bool // "kind:user:ref" -> operation already applied
	mu       sync.Mutex
}

// NewMemoryStore creates a new in-memory wallet store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]*Balance),
		applied:  make(map[string]bool),
	}
}

func (m *MemoryStore) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if bal, ok := m.balances[userID]; ok {
		cp := *bal
		return &cp, nil
	}
	return &Balance{UserID: userID, UpdatedAt: time.Now()}, nil
}

func (m *MemoryStore) Grant(ctx context.Context, userID string, vp int64, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal := m.balance(userID)
	bal.VP += vp
	bal.UpdatedAt = time.Now()

	m.append(userID, KindGrant, CurrencyVP, vp, reference)
	return nil
}

func (m *MemoryStore) Debit(ctx context.Context, userID string, vp int64, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal, ok := m.balances[userID]
	if !ok {
		return ErrInsufficientFunds
	}
	if bal.VP < vp {
		return ErrInsufficientFunds
	}

	bal.VP -= vp
	bal.TotalSpent += vp
	bal.UpdatedAt = time.Now()

	m.append(userID, KindDebit, CurrencyVP, vp, reference)
	return nil
}

func (m *MemoryStore) Refund(ctx context.Context, userID string, vp int64, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := KindRefund + ":" + userID + ":" + reference
	if m.applied[key] {
		return nil
	}

	bal, ok := m.balances[userID]
	if !ok {
		return ErrUserNotFound
	}

	bal.VP += vp
	bal.TotalSpent -= vp
	bal.UpdatedAt = time.Now()
	m.applied[key] = true

	m.append(userID, KindRefund, CurrencyVP, vp, reference)
	return nil
}

func (m *MemoryStore) CreditPending(ctx context.Context, userID string, vc int64, idempotencyKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := KindCreditPending + ":" + userID + ":" + idempotencyKey
	if m.applied[key] {
		return nil
	}

	bal := m.balance(userID)
	bal.VCPending += vc
	bal.UpdatedAt = time.Now()
	m.applied[key] = true

	m.append(userID, KindCreditPending, CurrencyVC, vc, idempotencyKey)
	return nil
}

func (m *MemoryStore) ReleasePending(ctx context.Context, userID string, vc int64, idempotencyKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := KindRelease + ":" + userID + ":" + idempotencyKey
	if m.applied[key] {
		return nil
	}

	bal, ok := m.balances[userID]
	if !ok {
		return ErrUserNotFound
	}
	if bal.VCPending < vc {
		return ErrInvalidAmount
	}

	bal.VCPending -= vc
	bal.VCAvailable += vc
	bal.TotalEarned += vc
	bal.UpdatedAt = time.Now()
	m.applied[key] = true

	m.append(userID, KindRelease, CurrencyVC, vc, idempotencyKey)
	return nil
}

func (m *MemoryStore) History(ctx context.Context, userID string, before *pagination.Cursor, limit int) ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(result) < limit; i-- {
		e := m.entries[i]
		if e.UserID != userID {
			continue
		}
		if before != nil && !beforeCursor(e, before) {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}
	return result, nil
}

// beforeCursor reports whether e sorts strictly after the cursor position
// in (created_at DESC, id DESC) order.
func beforeCursor(e *Entry, c *pagination.Cursor) bool {
	en, cn := e.CreatedAt.UnixNano(), c.CreatedAt.UnixNano()
	if en != cn {
		return en < cn
	}
	return e.ID < c.ID
}

// balance returns the stored balance for userID, creating it if absent.
// Caller must hold the lock.
func (m *MemoryStore) balance(userID string) *Balance {
	bal, ok := m.balances[userID]
	if !ok {
		bal = &Balance{UserID: userID}
		m.balances[userID] = bal
	}
	return bal
}

// append records an entry. Caller must hold the lock.
func (m *MemoryStore) append(userID, kind, currency string, amount int64, reference string) {
	m.entries = append(m.entries, &Entry{
		ID:        idgen.WithPrefix("ent_"),
		UserID:    userID,
		Kind:      kind,
		Currency:  currency,
		Amount:    amount,
		Reference: reference,
		CreatedAt: time.Now(),
	})
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
