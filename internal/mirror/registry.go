package mirror

import (
	"context"
	"sync"

	"github.com/alansahai/csm-sjc/internal/store"
)

// Registry hands out one manager per scope: a single admin manager plus one
// faculty manager per class, opened on demand. It enforces the one
// subscription per collection per scope discipline by reusing managers and
// closing the old one whenever a scope is replaced.
type Registry struct {
	store store.Store
	base  context.Context

	mu      sync.Mutex
	admin   *Manager
	faculty map[string]*Manager
}

// NewRegistry wraps a store. Managers opened later inherit ctx, which must
// span the process lifetime: a cached manager's subscriptions have to
// outlive whichever request happened to open the scope first.
func NewRegistry(ctx context.Context, st store.Store) *Registry {
	return &Registry{store: st, base: ctx, faculty: make(map[string]*Manager)}
}

// Admin returns the admin-scope manager, opening it on first use.
func (r *Registry) Admin() (*Manager, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.admin != nil {
		return r.admin, nil
	}
	m, err := Open(r.base, r.store, AdminScope())
	if err != nil {
		return nil, err
	}
	r.admin = m
	return m, nil
}

// Faculty returns the manager scoped to one class, opening it on first use.
func (r *Registry) Faculty(classID string) (*Manager, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.faculty[classID]; ok {
		return m, nil
	}
	m, err := Open(r.base, r.store, FacultyScope(classID))
	if err != nil {
		return nil, err
	}
	r.faculty[classID] = m
	return m, nil
}

// DropFaculty closes and forgets the manager for one class, releasing its
// subscriptions before any new scope for that class is opened.
func (r *Registry) DropFaculty(classID string) {
	r.mu.Lock()
	m := r.faculty[classID]
	delete(r.faculty, classID)
	r.mu.Unlock()
	if m != nil {
		m.Close()
	}
}

// Close releases every open manager.
func (r *Registry) Close() {
	r.mu.Lock()
	managers := make([]*Manager, 0, len(r.faculty)+1)
	if r.admin != nil {
		managers = append(managers, r.admin)
		r.admin = nil
	}
	for id, m := range r.faculty {
		managers = append(managers, m)
		delete(r.faculty, id)
	}
	r.mu.Unlock()
	for _, m := range managers {
		m.Close()
	}
}
