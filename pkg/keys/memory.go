package keys

import (
	"context"
	"sync"
	"time"
)

// MemKeyStore is a KeyStore that keeps pairs in memory.
type MemKeyStore struct {
	mut    sync.Mutex
	pairs  map[string]ServerKeyPair
	active string
}

// NewMemKeyStore returns an empty MemKeyStore.
func NewMemKeyStore() *MemKeyStore {
	return &MemKeyStore{pairs: make(map[string]ServerKeyPair)}
}

func (self *MemKeyStore) CurrentPublicKey(ctx context.Context) ([]byte, error) {
	kp, err := self.Active(ctx)
	if nil != err {
		return nil, err
	}
	return kp.PublicKey(), nil
}

func (self *MemKeyStore) Active(_ context.Context) (ServerKeyPair, error) {
	self.mut.Lock()
	defer self.mut.Unlock()

	if kp, found := self.pairs[self.active]; found {
		return kp, nil
	}
	return self.rotate()
}

func (self *MemKeyStore) Load(_ context.Context, ref string) (ServerKeyPair, error) {
	self.mut.Lock()
	defer self.mut.Unlock()

	kp, found := self.pairs[ref]
	if !found {
		return kp, wrapError(ErrNotFound, "unknown key ref %q", ref)
	}
	return kp, nil
}

func (self *MemKeyStore) Rotate(_ context.Context) (ServerKeyPair, error) {
	self.mut.Lock()
	defer self.mut.Unlock()

	return self.rotate()
}

// rotate must be called with mut held.
func (self *MemKeyStore) rotate() (ServerKeyPair, error) {
	kp, err := GenerateKeyPair(time.Now())
	if nil != err {
		return kp, err
	}
	if nil == self.pairs {
		self.pairs = make(map[string]ServerKeyPair)
	}
	if cur, found := self.pairs[self.active]; found {
		cur.Active = false
		self.pairs[cur.Ref] = cur
	}
	self.pairs[kp.Ref] = kp
	self.active = kp.Ref

	return kp, nil
}

var _ KeyStore = &MemKeyStore{}
