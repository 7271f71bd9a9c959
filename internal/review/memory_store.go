package review

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory review store for demo/development mode.
type MemoryStore struct {
	reviews  []*Review
	byOrder  map[string]bool // "orderId:reviewerId:kind"
	behavior map[string]bool // "reviewerId:targetId"
	mu       sync.Mutex
}

// NewMemoryStore creates a new in-memory review store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byOrder:  make(map[string]bool),
		behavior: make(map[string]bool),
	}
}

func (m *MemoryStore) Create(ctx context.Context, r *Review) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r.Kind == KindBehavior {
		key := r.ReviewerID + ":" + r.TargetUserID
		if m.behavior[key] {
			return ErrAlreadyReviewed
		}
		m.behavior[key] = true
	} else {
		key := r.OrderID + ":" + r.ReviewerID + ":" + r.Kind
		if m.byOrder[key] {
			return ErrAlreadyReviewed
		}
		m.byOrder[key] = true
	}

	cp := *r
	m.reviews = append(m.reviews, &cp)
	return nil
}

func (m *MemoryStore) ExistsForOrder(ctx context.Context, orderID, reviewerID, kind string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byOrder[orderID+":"+reviewerID+":"+kind], nil
}

func (m *MemoryStore) ExistsBehavior(ctx context.Context, reviewerID, targetUserID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.behavior[reviewerID+":"+targetUserID], nil
}

func (m *MemoryStore) ListByTarget(ctx context.Context, targetUserID string, limit int) ([]*Review, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.list(limit, func(r *Review) bool { return r.TargetUserID == targetUserID }), nil
}

func (m *MemoryStore) ListByReviewer(ctx context.Context, reviewerID string, limit int) ([]*Review, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.list(limit, func(r *Review) bool { return r.ReviewerID == reviewerID }), nil
}

// list collects matches newest-first. Caller must hold the lock.
func (m *MemoryStore) list(limit int, match func(*Review) bool) []*Review {
	var result []*Review
	for i := len(m.reviews) - 1; i >= 0 && len(result) < limit; i-- {
		if match(m.reviews[i]) {
			cp := *m.reviews[i]
			result = append(result, &cp)
		}
	}
	return result
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
