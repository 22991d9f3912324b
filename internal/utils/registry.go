package utils

import (
	"maps"
	"slices"
	"sync"
)

// Registry is a name indexed set of values safe for concurrent use.
type Registry[K comparable, V any] struct {
	mut     sync.RWMutex
	entries map[K]V
}

// NewRegistry returns an empty Registry.
func NewRegistry[K comparable, V any]() *Registry[K, V] {
	return &Registry[K, V]{entries: make(map[K]V)}
}

// Set adds value under name. It errors if name is already in use.
func (self *Registry[K, V]) Set(name K, value V) error {
	self.mut.Lock()
	defer self.mut.Unlock()

	if _, conflict := self.entries[name]; conflict {
		return NewError(0, nil, "name %v already in use", name)
	}
	self.entries[name] = value

	return nil
}

// Get returns the value registered under name and whether it exists.
func (self *Registry[K, V]) Get(name K) (V, bool) {
	self.mut.RLock()
	defer self.mut.RUnlock()

	rv, found := self.entries[name]
	return rv, found
}

// Names returns the registered names, in unspecified order.
func (self *Registry[K, V]) Names() []K {
	self.mut.RLock()
	defer self.mut.RUnlock()

	return slices.Collect(maps.Keys(self.entries))
}
