// Package boltdb provides a persistent permission.Store that keeps records in a file.
package boltdb

import (
	"context"
	"time"

	bolt "go.etcd.io/bbolt"

	"code.savanna.org/golang/internal/transport"
	"code.savanna.org/golang/pkg/permission"
)

const (
	connectTimeout = 5 * time.Second
	userBucket     = "userTbl"
)

// userRecord is the cbor encoded value of userTbl entries, keyed by unique id.
type userRecord struct {
	Allowed   bool   `cbor:"1,keyasint"`
	Meta      []byte `cbor:"2,keyasint,omitempty"`
	UpdatedAt int64  `cbor:"3,keyasint"`
}

// Store is a permission.Store backed by a boltdb file.
type Store struct {
	db  *bolt.DB
	srz transport.Serializer
}

// New opens or creates the permission database at dbpath.
func New(dbpath string) (*Store, error) {
	db, err := bolt.Open(dbpath, 0600, &bolt.Options{Timeout: connectTimeout})
	if nil != err {
		return nil, wrapError(err, "failed connecting to database")
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(userBucket))
		return wrapError(err, "failed %s bucket creation", userBucket)
	})
	if nil != err {
		db.Close()
		return nil, wrapError(err, "failed db initialization")
	}

	return &Store{db: db, srz: transport.NewCBORSerializer()}, nil
}

// Close releases the database file.
func (self *Store) Close() error {
	return self.db.Close()
}

func (self *Store) LoadRecord(_ context.Context, uniqueId string) (permission.Record, error) {
	rec := permission.Record{UniqueId: uniqueId}
	var found bool
	err := self.db.View(func(tx *bolt.Tx) error {
		tbl := tx.Bucket([]byte(userBucket))
		if nil == tbl {
			return newError("missing %s bucket", userBucket)
		}
		srzrec := tbl.Get([]byte(uniqueId))
		if nil == srzrec {
			return nil
		}
		found = true

		var ur userRecord
		if err := self.srz.Unmarshal(srzrec, &ur); nil != err {
			return wrapError(err, "failed unmarshaling user record")
		}
		rec.Allowed = ur.Allowed
		rec.Meta = ur.Meta

		return nil
	})
	if nil != err {
		return rec, wrapError(err, "failed db.View")
	}
	if !found {
		return rec, wrapError(permission.ErrNotFound, "unknown uniqueId %q", uniqueId)
	}

	return rec, nil
}

func (self *Store) SaveRecord(_ context.Context, rec permission.Record) error {
	if err := rec.Check(); nil != err {
		return wrapError(err, "invalid record")
	}
	srzrec, err := self.srz.Marshal(userRecord{
		Allowed:   rec.Allowed,
		Meta:      rec.Meta,
		UpdatedAt: time.Now().UnixMilli(),
	})
	if nil != err {
		return wrapError(err, "failed marshalling user record")
	}

	err = self.db.Update(func(tx *bolt.Tx) error {
		tbl := tx.Bucket([]byte(userBucket))
		if nil == tbl {
			return newError("missing %s bucket", userBucket)
		}
		return tbl.Put([]byte(rec.UniqueId), srzrec)
	})

	return wrapError(err, "failed db.Update")
}

var _ permission.Store = &Store{}
