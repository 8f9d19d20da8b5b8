package registry

import (
	"sort"
	"sync"
)

// MemoryRegistry is the in-process Registry: an RWMutex-guarded map.
//
// Lookups take the read lock only for the duration of a map read, so a
// slow proxied request never holds the table and never delays the writer.
type MemoryRegistry struct {
	mu      sync.RWMutex
	entries map[string]Endpoint // Stored by value: readers get a copy, never a shared pointer
	onSize  func(n int)         // Optional hook, called with the new size after each write
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{entries: make(map[string]Endpoint)}
}

// OnSizeChange installs a hook called (under the write lock) with the table size after every write.
// Used to feed the registry size gauge.
func (r *MemoryRegistry) OnSizeChange(fn func(n int)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onSize = fn
}

func (r *MemoryRegistry) Upsert(ep Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[ep.Name] = ep
	r.notify()
}

func (r *MemoryRegistry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; !ok {
		return
	}
	delete(r.entries, name)
	r.notify()
}

func (r *MemoryRegistry) Lookup(name string) (Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.entries[name]
	return ep, ok
}

func (r *MemoryRegistry) List() []Endpoint {
	r.mu.RLock()
	list := make([]Endpoint, 0, len(r.entries))
	for _, ep := range r.entries {
		list = append(list, ep)
	}
	r.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list
}

// Len returns the number of entries.
func (r *MemoryRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// notify must be called with mu held for writing.
func (r *MemoryRegistry) notify() {
	if r.onSize != nil {
		r.onSize(len(r.entries))
	}
}
