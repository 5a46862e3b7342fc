package jobs

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory job store for demo/development mode.
type MemoryStore struct {
	jobs map[string]*Job
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory job store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job)}
}

func (m *MemoryStore) Create(ctx context.Context, j *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *j
	m.jobs[j.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, j *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[j.ID]; !ok {
		return ErrJobNotFound
	}
	cp := *j
	m.jobs[j.ID] = &cp
	return nil
}

func (m *MemoryStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var due []*Job
	for _, j := range m.jobs {
		if j.State == StateQueued && !j.NextRunAt.After(now) {
			cp := *j
			due = append(due, &cp)
		}
	}
	sort.Slice(due, func(i, k int) bool {
		if due[i].NextRunAt.Equal(due[k].NextRunAt) {
			return due[i].ID < due[k].ID
		}
		return due[i].NextRunAt.Before(due[k].NextRunAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *MemoryStore) ListByDispatch(ctx context.Context, dispatchID string) ([]*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Job
	for _, j := range m.jobs {
		if j.DispatchID == dispatchID {
			cp := *j
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, k int) bool { return result[i].CreatedAt.Before(result[k].CreatedAt) })
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
