package escrow

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
type MemoryStore struct {
	escrows map[string]*Escrow
	byOrder map[string]string // tenantID+"/"+orderID -> escrowID
	byKey   map[string]string // idempotencyKey -> escrowID
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows: make(map[string]*Escrow),
		byOrder: make(map[string]string),
		byKey:   make(map[string]string),
	}
}

func orderKey(tenantID, orderID string) string {
	return tenantID + "/" + orderID
}

func (m *MemoryStore) Create(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byOrder[orderKey(e.TenantID, e.OrderID)]; ok {
		return ErrOrderAlreadyEscrowed
	}
	if _, ok := m.byKey[e.IdempotencyKey]; ok {
		return ErrDuplicateKey
	}
	cp := *e
	m.escrows[e.ID] = &cp
	m.byOrder[orderKey(e.TenantID, e.OrderID)] = e.ID
	m.byKey[e.IdempotencyKey] = e.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) GetByOrder(ctx context.Context, tenantID, orderID string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byOrder[orderKey(tenantID, orderID)]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	cp := *m.escrows[id]
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.escrows[e.ID]; !ok {
		return ErrEscrowNotFound
	}
	cp := *e
	m.escrows[e.ID] = &cp
	return nil
}

func (m *MemoryStore) ListReleaseReady(ctx context.Context, tenantID string, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.State != StateReleaseReady {
			continue
		}
		if tenantID != "" && e.TenantID != tenantID {
			continue
		}
		cp := *e
		result = append(result, &cp)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
