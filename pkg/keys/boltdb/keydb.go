// Package boltdb provides a persistent keys.KeyStore that keeps server key pairs in a file.
package boltdb

import (
	"context"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"code.savanna.org/golang/internal/algos"
	"code.savanna.org/golang/internal/transport"
	"code.savanna.org/golang/pkg/keys"
)

const (
	connectTimeout = 5 * time.Second
	keyBucket      = "keyTbl"
	metaBucket     = "meta"
	activeKey      = "active"
)

// keyRecord is the cbor encoded form of a keys.ServerKeyPair.
type keyRecord struct {
	Ref        string `cbor:"1,keyasint"`
	KeyType    string `cbor:"2,keyasint"`
	PrivateKey []byte `cbor:"3,keyasint"`
	CreatedAt  int64  `cbor:"4,keyasint"`
}

func (self keyRecord) Check() error {
	if "" == self.Ref {
		return newError("empty Ref")
	}
	if 0 == len(self.PrivateKey) {
		return newError("empty PrivateKey")
	}
	return nil
}

// KeyStore is a keys.KeyStore backed by a boltdb file.
type KeyStore struct {
	db  *bolt.DB
	srz transport.Serializer
	mut sync.Mutex // serializes lazy generation
}

// New opens or creates the key database at dbpath.
// It errors if the database schema can not be created.
func New(dbpath string) (*KeyStore, error) {
	db, err := bolt.Open(dbpath, 0600, &bolt.Options{Timeout: connectTimeout})
	if nil != err {
		return nil, wrapError(err, "failed connecting to database")
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucketname := range []string{keyBucket, metaBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucketname)); nil != err {
				return wrapError(err, "failed %s bucket creation", bucketname)
			}
		}
		return nil
	})
	if nil != err {
		db.Close()
		return nil, wrapError(err, "failed db initialization")
	}

	return &KeyStore{
		db:  db,
		srz: transport.WrapInSafeSerializer(transport.NewCBORSerializer()),
	}, nil
}

// Close releases the database file.
func (self *KeyStore) Close() error {
	return self.db.Close()
}

func (self *KeyStore) CurrentPublicKey(ctx context.Context) ([]byte, error) {
	kp, err := self.Active(ctx)
	if nil != err {
		return nil, err
	}
	return kp.PublicKey(), nil
}

func (self *KeyStore) Active(ctx context.Context) (keys.ServerKeyPair, error) {
	kp, found, err := self.active()
	if nil != err || found {
		return kp, err
	}

	self.mut.Lock()
	defer self.mut.Unlock()

	// another goroutine may have generated the pair
	kp, found, err = self.active()
	if nil != err || found {
		return kp, err
	}

	return self.Rotate(ctx)
}

func (self *KeyStore) Load(_ context.Context, ref string) (keys.ServerKeyPair, error) {
	var kp keys.ServerKeyPair
	var found bool
	err := self.db.View(func(tx *bolt.Tx) error {
		active := string(tx.Bucket([]byte(metaBucket)).Get([]byte(activeKey)))
		var err error
		kp, found, err = self.load(tx, ref, active)
		return err
	})
	if nil != err {
		return kp, wrapError(err, "failed loading pair %s", ref)
	}
	if !found {
		return kp, wrapError(keys.ErrNotFound, "unknown key ref %q", ref)
	}
	return kp, nil
}

func (self *KeyStore) Rotate(_ context.Context) (keys.ServerKeyPair, error) {
	kp, err := keys.GenerateKeyPair(time.Now())
	if nil != err {
		return kp, err
	}

	rec := keyRecord{
		Ref:        kp.Ref,
		KeyType:    kp.KeyType,
		PrivateKey: kp.PrivateKey.Bytes(),
		CreatedAt:  kp.CreatedAt.UnixMilli(),
	}
	srzrec, err := self.srz.Marshal(rec)
	if nil != err {
		return keys.ServerKeyPair{}, wrapError(err, "failed marshalling key record")
	}

	err = self.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket([]byte(keyBucket)).Put([]byte(rec.Ref), srzrec); nil != err {
			return wrapError(err, "failed storing key record")
		}
		return tx.Bucket([]byte(metaBucket)).Put([]byte(activeKey), []byte(rec.Ref))
	})
	if nil != err {
		return keys.ServerKeyPair{}, wrapError(err, "failed db.Update")
	}

	return kp, nil
}

func (self *KeyStore) active() (keys.ServerKeyPair, bool, error) {
	var kp keys.ServerKeyPair
	var found bool
	err := self.db.View(func(tx *bolt.Tx) error {
		ref := tx.Bucket([]byte(metaBucket)).Get([]byte(activeKey))
		if nil == ref {
			return nil
		}
		var err error
		kp, found, err = self.load(tx, string(ref), string(ref))
		return err
	})

	return kp, found, wrapError(err, "failed loading active pair")
}

func (self *KeyStore) load(tx *bolt.Tx, ref string, active string) (keys.ServerKeyPair, bool, error) {
	var kp keys.ServerKeyPair
	srzrec := tx.Bucket([]byte(keyBucket)).Get([]byte(ref))
	if nil == srzrec {
		return kp, false, nil
	}

	var rec keyRecord
	if err := self.srz.Unmarshal(srzrec, &rec); nil != err {
		return kp, true, wrapError(err, "failed unmarshaling key record")
	}
	curve, err := algos.GetCurve(rec.KeyType)
	if nil != err {
		return kp, true, wrapError(err, "invalid key record")
	}
	pk, err := curve.NewPrivateKey(rec.PrivateKey)
	if nil != err {
		return kp, true, wrapError(err, "invalid key record private key")
	}

	kp = keys.ServerKeyPair{
		Ref:        rec.Ref,
		KeyType:    rec.KeyType,
		PrivateKey: pk,
		CreatedAt:  time.UnixMilli(rec.CreatedAt).UTC(),
		Active:     ref == active,
	}
	return kp, true, nil
}

var _ keys.KeyStore = &KeyStore{}
