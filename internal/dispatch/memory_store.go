package dispatch

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory dispatch store for demo/development mode.
type MemoryStore struct {
	dispatches map[string]*Dispatch
	byOrder    map[string]string // tenantID+"/"+orderID -> dispatchID
	mu         sync.RWMutex
}

// NewMemoryStore creates a new in-memory dispatch store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		dispatches: make(map[string]*Dispatch),
		byOrder:    make(map[string]string),
	}
}

func orderKey(tenantID, orderID string) string {
	return tenantID + "/" + orderID
}

func (m *MemoryStore) Create(ctx context.Context, d *Dispatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byOrder[orderKey(d.TenantID, d.OrderID)]; ok {
		return ErrOrderAlreadyDispatched
	}
	cp := *d
	m.dispatches[d.ID] = &cp
	m.byOrder[orderKey(d.TenantID, d.OrderID)] = d.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Dispatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.dispatches[id]
	if !ok {
		return nil, ErrDispatchNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) GetByOrder(ctx context.Context, tenantID, orderID string) (*Dispatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byOrder[orderKey(tenantID, orderID)]
	if !ok {
		return nil, ErrDispatchNotFound
	}
	cp := *m.dispatches[id]
	return &cp, nil
}

func (m *MemoryStore) GetByProviderRef(ctx context.Context, connectorID, providerRef string) (*Dispatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, d := range m.dispatches {
		if d.ConnectorID == connectorID && d.ProviderRef == providerRef {
			cp := *d
			return &cp, nil
		}
	}
	return nil, ErrDispatchNotFound
}

// Update persists d only if the stored state still equals from.
func (m *MemoryStore) Update(ctx context.Context, d *Dispatch, from State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.dispatches[d.ID]
	if !ok {
		return ErrDispatchNotFound
	}
	if stored.State != from {
		return ErrStateConflict
	}
	cp := *d
	m.dispatches[d.ID] = &cp
	return nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
