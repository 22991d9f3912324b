// Package permission decides whether an identified user is authorized.
package permission

import (
	"context"
	"encoding/json"
	"errors"
)

// Reason explains a Decision.
type Reason string

const (
	ReasonAuthorized    = Reason("authorized")
	ReasonNotAuthorized = Reason("not_authorized")
	ReasonNotFound      = Reason("not_found")
)

// Record is the permission of a unique user id.
type Record struct {
	UniqueId string
	Allowed  bool
	Meta     json.RawMessage // opaque, may be nil
}

// Check returns an error if the Record can not be stored.
func (self Record) Check() error {
	if "" == self.UniqueId {
		return newError("empty UniqueId")
	}
	if len(self.Meta) > 0 && !json.Valid(self.Meta) {
		return newError("Meta is not valid JSON")
	}
	return nil
}

// Decision is the outcome of Gate.Check.
type Decision struct {
	Authorized bool   `json:"authorized"`
	Reason     Reason `json:"reason"`
}

// Store holds permission records.
type Store interface {
	// LoadRecord returns the record of uniqueId.
	// It errors with ErrNotFound if uniqueId has no record.
	LoadRecord(ctx context.Context, uniqueId string) (Record, error)

	// SaveRecord inserts or replaces the record of rec.UniqueId.
	SaveRecord(ctx context.Context, rec Record) error
}

// Gate answers permission checks from a Store.
type Gate struct {
	store Store
}

// NewGate returns a Gate. It errors if store is nil.
func NewGate(store Store) (*Gate, error) {
	if nil == store {
		return nil, newError("nil store")
	}
	return &Gate{store: store}, nil
}

// Check returns the Decision for uniqueId. A missing record is not an error.
func (self *Gate) Check(ctx context.Context, uniqueId string) (Decision, error) {
	rec, err := self.store.LoadRecord(ctx, uniqueId)
	switch {
	case errors.Is(err, ErrNotFound):
		return Decision{Authorized: false, Reason: ReasonNotFound}, nil
	case nil != err:
		return Decision{}, wrapError(err, "failed loading permission of %s", uniqueId)
	case rec.Allowed:
		return Decision{Authorized: true, Reason: ReasonAuthorized}, nil
	default:
		return Decision{Authorized: false, Reason: ReasonNotAuthorized}, nil
	}
}

// Register records the permission of uniqueId, replacing any previous one.
func (self *Gate) Register(ctx context.Context, uniqueId string, allowed bool, meta json.RawMessage) error {
	rec := Record{UniqueId: uniqueId, Allowed: allowed, Meta: meta}
	if err := rec.Check(); nil != err {
		return wrapError(err, "invalid record")
	}
	return wrapError(self.store.SaveRecord(ctx, rec), "failed saving permission of %s", uniqueId)
}
