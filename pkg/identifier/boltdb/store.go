// Package boltdb provides a persistent identifier.IdentityStore that keeps the mapping in a file.
package boltdb

import (
	"context"
	"time"

	bolt "go.etcd.io/bbolt"

	"code.savanna.org/golang/internal/transport"
	"code.savanna.org/golang/pkg/identifier"
)

const (
	connectTimeout = 5 * time.Second
	identityBucket = "identityTbl"
)

// identityRecord is the cbor encoded value of identityTbl entries, keyed by feature hash.
type identityRecord struct {
	Uid       string `cbor:"1,keyasint"`
	CreatedAt int64  `cbor:"2,keyasint"`
}

func (self identityRecord) Check() error {
	if "" == self.Uid {
		return newError("empty Uid")
	}
	return nil
}

// Store is an identifier.IdentityStore backed by a boltdb file.
type Store struct {
	db  *bolt.DB
	srz transport.Serializer
}

// New opens or creates the identity database at dbpath.
func New(dbpath string) (*Store, error) {
	db, err := bolt.Open(dbpath, 0600, &bolt.Options{Timeout: connectTimeout})
	if nil != err {
		return nil, wrapError(err, "failed connecting to database")
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(identityBucket))
		return wrapError(err, "failed %s bucket creation", identityBucket)
	})
	if nil != err {
		db.Close()
		return nil, wrapError(err, "failed db initialization")
	}

	return &Store{db: db, srz: transport.WrapInSafeSerializer(transport.NewCBORSerializer())}, nil
}

// Close releases the database file.
func (self *Store) Close() error {
	return self.db.Close()
}

// FindOrCreate runs in a single write transaction, which makes it atomic.
func (self *Store) FindOrCreate(_ context.Context, hash string, uid string) (string, bool, error) {
	if "" == hash {
		return "", false, newError("empty hash")
	}

	var stored string
	var created bool
	err := self.db.Update(func(tx *bolt.Tx) error {
		tbl := tx.Bucket([]byte(identityBucket))
		if nil == tbl {
			return newError("missing %s bucket", identityBucket)
		}

		if srzrec := tbl.Get([]byte(hash)); nil != srzrec {
			var rec identityRecord
			if err := self.srz.Unmarshal(srzrec, &rec); nil != err {
				return wrapError(err, "failed unmarshaling identity record")
			}
			stored = rec.Uid
			return nil
		}

		srzrec, err := self.srz.Marshal(identityRecord{Uid: uid, CreatedAt: time.Now().UnixMilli()})
		if nil != err {
			return wrapError(err, "failed marshalling identity record")
		}
		if err = tbl.Put([]byte(hash), srzrec); nil != err {
			return wrapError(err, "failed storing identity record")
		}
		stored = uid
		created = true

		return nil
	})
	if nil != err {
		return "", false, wrapError(err, "failed db.Update")
	}

	return stored, created, nil
}

// Count returns the number of recorded identities, or -1 on error.
func (self *Store) Count() int {
	count := -1
	self.db.View(func(tx *bolt.Tx) error {
		if tbl := tx.Bucket([]byte(identityBucket)); nil != tbl {
			count = tbl.Stats().KeyN
		}
		return nil
	})
	return count
}

var _ identifier.IdentityStore = &Store{}
