package orders

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory order store for demo/development mode.
type MemoryStore struct {
	orders map[string]*Order // key: tenantID + "/" + orderID
	mu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory order store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[string]*Order)}
}

func orderKey(tenantID, id string) string {
	return tenantID + "/" + id
}

func (m *MemoryStore) Put(ctx context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *o
	m.orders[orderKey(o.TenantID, o.ID)] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, tenantID, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[orderKey(tenantID, id)]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) List(ctx context.Context, tenantID string, limit int) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Order
	for _, o := range m.orders {
		if o.TenantID == tenantID {
			cp := *o
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
