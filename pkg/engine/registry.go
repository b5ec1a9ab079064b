package engine

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the record store of every supported resource type.
type Registry struct {
	mu     sync.RWMutex
	stores map[string]RecordStore
}

// NewRegistry creates a registry holding the given stores. It panics on a
// duplicate type, which is a programming error.
func NewRegistry(recordStores ...RecordStore) *Registry {
	r := &Registry{stores: make(map[string]RecordStore)}
	for _, s := range recordStores {
		if err := r.Register(s); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds a record store.
func (r *Registry) Register(store RecordStore) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.stores[store.Type()]; exists {
		return fmt.Errorf("record store for type %q already registered", store.Type())
	}
	r.stores[store.Type()] = store
	return nil
}

// Get returns the record store for a type.
func (r *Registry) Get(resourceType string) (RecordStore, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.stores[resourceType]
	return s, ok
}

// Types returns the registered types in lexical order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.stores))
	for t := range r.stores {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
