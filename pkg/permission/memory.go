package permission

import (
	"bytes"
	"context"
	"sync"
)

// MemStore is a Store that keeps records in memory.
type MemStore struct {
	mut     sync.RWMutex
	records map[string]Record
}

func (self *MemStore) LoadRecord(_ context.Context, uniqueId string) (Record, error) {
	self.mut.RLock()
	defer self.mut.RUnlock()

	rec, found := self.records[uniqueId]
	if !found {
		return rec, wrapError(ErrNotFound, "unknown uniqueId %q", uniqueId)
	}
	rec.Meta = bytes.Clone(rec.Meta)
	return rec, nil
}

func (self *MemStore) SaveRecord(_ context.Context, rec Record) error {
	if err := rec.Check(); nil != err {
		return wrapError(err, "invalid record")
	}

	self.mut.Lock()
	defer self.mut.Unlock()

	if nil == self.records {
		self.records = make(map[string]Record)
	}
	rec.Meta = bytes.Clone(rec.Meta)
	self.records[rec.UniqueId] = rec

	return nil
}

var _ Store = &MemStore{}
