package tenant

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory tenant store for demo/development mode.
type MemoryStore struct {
	tenants map[string]*Tenant
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory tenant store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tenants: make(map[string]*Tenant)}
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tenants[id]
	if !ok {
		return nil, ErrTenantNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) Put(ctx context.Context, t *Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *t
	m.tenants[t.ID] = &cp
	return nil
}

func (m *MemoryStore) List(ctx context.Context) ([]*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Tenant, 0, len(m.tenants))
	for _, t := range m.tenants {
		cp := *t
		result = append(result, &cp)
	}
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
