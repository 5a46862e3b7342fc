// Package health aggregates readiness signals from payguard subsystems.
//
// The server registers one checker per hard dependency (the database) plus
// informational checkers for the background workers; the probe handlers fan
// out through the registry on each request.
package health

import (
	"context"
	"sync"
)

// Status is one subsystem's verdict.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker probes one subsystem. A non-nil error marks the subsystem
// unhealthy and its message becomes the detail; otherwise the returned
// detail string is informational.
type Checker func(ctx context.Context) (detail string, err error)

// Registry fans a probe out to named subsystem checkers in registration
// order.
type Registry struct {
	mu     sync.RWMutex
	names  []string
	byName map[string]Checker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Checker)}
}

// Register adds a checker under name. Registering a name twice replaces the
// earlier checker but keeps its position.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[name]; !exists {
		r.names = append(r.names, name)
	}
	r.byName[name] = check
}

// CheckAll runs every checker and reports the aggregate verdict alongside
// per-subsystem statuses in registration order.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	names := append([]string(nil), r.names...)
	byName := make(map[string]Checker, len(r.byName))
	for n, c := range r.byName {
		byName[n] = c
	}
	r.mu.RUnlock()

	healthy := true
	statuses := make([]Status, 0, len(names))
	for _, name := range names {
		detail, err := byName[name](ctx)
		st := Status{Name: name, Healthy: err == nil, Detail: detail}
		if err != nil {
			st.Detail = err.Error()
			healthy = false
		}
		statuses = append(statuses, st)
	}
	return healthy, statuses
}
