package journal

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory journal store for demo/development mode.
type MemoryStore struct {
	moves map[string]*Move
	mu    sync.RWMutex
}

// NewMemoryStore creates a new in-memory journal store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{moves: make(map[string]*Move)}
}

func (m *MemoryStore) Create(ctx context.Context, mv *Move) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.moves[mv.ID] = copyMove(mv)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Move, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mv, ok := m.moves[id]
	if !ok {
		return nil, ErrMoveNotFound
	}
	return copyMove(mv), nil
}

func (m *MemoryStore) ListByRef(ctx context.Context, tenantID, ref string) ([]*Move, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Move
	for _, mv := range m.moves {
		if mv.TenantID == tenantID && mv.Ref == ref {
			result = append(result, copyMove(mv))
		}
	}
	return result, nil
}

// copyMove deep-copies a move so callers cannot mutate stored lines.
func copyMove(mv *Move) *Move {
	cp := *mv
	cp.Lines = make([]Line, len(mv.Lines))
	copy(cp.Lines, mv.Lines)
	return &cp
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
