package handshake

import (
	"context"
	"hash/maphash"
	"sync"
	"time"
)

const (
	numSlot = 16
)

type slot struct {
	mut   sync.Mutex
	store map[string]Handshake
}

// MemStore is an in memory Store.
//
// Handshakes are spread over independently locked slots, so that sweeping
// holds one slot lock at a time.
type MemStore struct {
	seed  maphash.Seed
	slots [numSlot]slot
}

// NewMemStore returns an empty MemStore. The zero MemStore is not usable.
func NewMemStore() *MemStore {
	return &MemStore{seed: maphash.MakeSeed()}
}

func (self *MemStore) slot(keyId string) *slot {
	return &(self.slots[maphash.String(self.seed, keyId)%numSlot])
}

func (self *MemStore) Put(_ context.Context, h Handshake) error {
	if err := h.Check(); nil != err {
		return wrapError(err, "invalid handshake")
	}

	slot := self.slot(h.KeyId)
	slot.mut.Lock()
	defer slot.mut.Unlock()

	if nil == slot.store {
		slot.store = make(map[string]Handshake)
	}
	if _, conflict := slot.store[h.KeyId]; conflict {
		return newError("keyId %s already registered", h.KeyId)
	}
	slot.store[h.KeyId] = h

	return nil
}

func (self *MemStore) Pop(_ context.Context, keyId string) (Handshake, bool, error) {
	slot := self.slot(keyId)
	slot.mut.Lock()
	defer slot.mut.Unlock()

	h, present := slot.store[keyId]
	delete(slot.store, keyId)

	return h, present, nil
}

func (self *MemStore) PopExpired(ctx context.Context, now time.Time) ([]Handshake, error) {
	var rv []Handshake
	for i := range numSlot {
		if err := ctx.Err(); nil != err {
			return rv, wrapError(err, "sweep interrupted")
		}
		slot := &(self.slots[i])
		slot.mut.Lock()
		for keyId, h := range slot.store {
			if h.Expired(now) {
				rv = append(rv, h)
				delete(slot.store, keyId)
			}
		}
		slot.mut.Unlock()
	}

	return rv, nil
}

func (self *MemStore) Len(_ context.Context) (int, error) {
	var rv int
	for i := range numSlot {
		slot := &(self.slots[i])
		slot.mut.Lock()
		rv += len(slot.store)
		slot.mut.Unlock()
	}
	return rv, nil
}

var _ Store = &MemStore{}
