// Package mutexregistry implements the process-wide registry of
// per-transaction mutexes that the request processor and the status path
// use to agree on who may mutate a transaction's metadata file.
package mutexregistry

import (
	"fmt"
	"sync"
)

// Registry maps transaction ids to a shared mutex handle. Clients acquire
// the registry's own guard only long enough to add/get/remove an entry;
// they hold the per-transaction mutex itself for as long as they need to.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*sync.Mutex
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*sync.Mutex)}
}

// Add creates a mutex for tid. It fails if tid is already registered.
func (r *Registry) Add(tid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[tid]; exists {
		return fmt.Errorf("mutex registry: transaction %s already registered", tid)
	}
	r.entries[tid] = &sync.Mutex{}
	return nil
}

// Get returns the mutex for tid, if any.
func (r *Registry) Get(tid string) (*sync.Mutex, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.entries[tid]
	return m, ok
}

// Exists reports whether tid currently has a live worker mutex.
func (r *Registry) Exists(tid string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[tid]
	return ok
}

// Remove drops tid's entry. It is a no-op if tid isn't registered.
func (r *Registry) Remove(tid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, tid)
}
