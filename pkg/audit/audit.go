// Package audit records handshake lifecycle events.
package audit

import (
	"context"
	"slices"
	"sync"
	"time"
)

// Kind is the type of a handshake event.
type Kind string

const (
	KindCreate  = Kind("create")
	KindConsume = Kind("consume")
	KindExpire  = Kind("expire")
)

// Info holds the event details. Empty fields are omitted.
type Info struct {
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
	Expires   int64  `json:"expires,omitempty"` // unix milliseconds
	UsedAt    int64  `json:"usedAt,omitempty"`  // unix milliseconds
	UserId    string `json:"userId,omitempty"`
}

// Entry is one audit record, written as a single JSON line.
type Entry struct {
	Time  time.Time `json:"ts"`
	Kind  Kind      `json:"kind"`
	KeyId string    `json:"keyId"`
	Info  Info      `json:"info"`
}

// Log is implemented by audit sinks.
//
// Append must not block on the sink, callers treat errors as non fatal.
type Log interface {
	Append(ctx context.Context, entry Entry) error
}

// MemoryLog keeps entries in memory. It is used by tests.
type MemoryLog struct {
	mut     sync.Mutex
	entries []Entry
}

func (self *MemoryLog) Append(_ context.Context, entry Entry) error {
	self.mut.Lock()
	defer self.mut.Unlock()

	self.entries = append(self.entries, entry)
	return nil
}

// Entries returns a copy of the recorded entries.
func (self *MemoryLog) Entries() []Entry {
	self.mut.Lock()
	defer self.mut.Unlock()

	return slices.Clone(self.entries)
}

// Kinds returns the Kind of the entries recorded for keyId, in order.
func (self *MemoryLog) Kinds(keyId string) []Kind {
	self.mut.Lock()
	defer self.mut.Unlock()

	var rv []Kind
	for _, e := range self.entries {
		if keyId == e.KeyId {
			rv = append(rv, e.Kind)
		}
	}
	return rv
}

// NopLog discards entries.
type NopLog struct{}

func (_ NopLog) Append(_ context.Context, _ Entry) error {
	return nil
}

var _ Log = &MemoryLog{}
var _ Log = NopLog{}
