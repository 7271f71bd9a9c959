package order

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory order store for demo/development mode.
type MemoryStore struct {
	orders map[string]*Order
	mu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory order store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[string]*Order)}
}

func (m *MemoryStore) Create(ctx context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Same guarantee as the Postgres partial unique index: at most one
	// live order per (buyer, item), enforced under the write lock.
	for _, existing := range m.orders {
		if existing.BuyerID == o.BuyerID && existing.ItemID == o.ItemID && !existing.IsTerminal() {
			return ErrDuplicatePendingOrder
		}
	}
	m.orders[o.ID] = o.clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return o.clone(), nil
}

func (m *MemoryStore) UpdateIf(ctx context.Context, o *Order, expect Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.orders[o.ID]
	if !ok {
		return ErrOrderNotFound
	}
	if stored.Status != expect {
		return ErrStatusConflict
	}
	m.orders[o.ID] = o.clone()
	return nil
}

func (m *MemoryStore) ListByBuyer(ctx context.Context, buyerID string, limit int) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.list(limit, func(o *Order) bool { return o.BuyerID == buyerID }), nil
}

func (m *MemoryStore) ListBySeller(ctx context.Context, sellerID string, limit int) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.list(limit, func(o *Order) bool { return o.SellerID == sellerID }), nil
}

func (m *MemoryStore) HasActivePurchase(ctx context.Context, buyerID, itemID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, o := range m.orders {
		if o.BuyerID == buyerID && o.ItemID == itemID && !o.IsTerminal() {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) HasSucceededBetween(ctx context.Context, buyerID, sellerID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, o := range m.orders {
		if o.BuyerID == buyerID && o.SellerID == sellerID && o.Succeeded() {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) CountPendingBySeller(ctx context.Context, sellerID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, o := range m.orders {
		if o.SellerID == sellerID && o.Status == StatusPendingAcceptance {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) ListDeliveredBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.list(limit, func(o *Order) bool {
		return o.Status == StatusDelivered && o.DeliveredAt != nil && o.DeliveredAt.Before(cutoff)
	}), nil
}

// list collects matching orders newest-first. Caller must hold a lock.
func (m *MemoryStore) list(limit int, match func(*Order) bool) []*Order {
	var result []*Order
	for _, o := range m.orders {
		if match(o) {
			result = append(result, o.clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
