package identifier

import (
	"context"
	"sync"
)

// MemStore is an IdentityStore that keeps the mapping in memory.
type MemStore struct {
	mut     sync.Mutex
	mapping map[string]string
}

func (self *MemStore) FindOrCreate(_ context.Context, hash string, uid string) (string, bool, error) {
	self.mut.Lock()
	defer self.mut.Unlock()

	if stored, found := self.mapping[hash]; found {
		return stored, false, nil
	}
	if nil == self.mapping {
		self.mapping = make(map[string]string)
	}
	self.mapping[hash] = uid

	return uid, true, nil
}

// Len returns the number of recorded identities.
func (self *MemStore) Len() int {
	self.mut.Lock()
	defer self.mut.Unlock()

	return len(self.mapping)
}

var _ IdentityStore = &MemStore{}
