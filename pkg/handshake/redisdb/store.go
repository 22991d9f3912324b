// Package redisdb provides a handshake.Store shared by several app instances through redis.
package redisdb

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"code.savanna.org/golang/internal/transport"
	"code.savanna.org/golang/pkg/handshake"
)

const (
	// DefaultGrace is how long records outlive their expiration, so that a
	// late Consume still reports handshake.ErrExpired.
	DefaultGrace = 10 * time.Minute

	expiryIndex = "expiry"
)

// record is the cbor encoded form of a handshake.Handshake.
type record struct {
	KeyId        string `cbor:"1,keyasint"`
	Salt         []byte `cbor:"2,keyasint"`
	ServerKeyRef string `cbor:"3,keyasint"`
	CreatedAt    int64  `cbor:"4,keyasint"`
	ExpiresAt    int64  `cbor:"5,keyasint"`
	ClientIP     string `cbor:"6,keyasint,omitempty"`
	UserAgent    string `cbor:"7,keyasint,omitempty"`
}

// Store is a handshake.Store keeping records in redis.
//
// Each record is a string key deleted with GETDEL, which gives the single use
// guarantee across app instances. A sorted set indexes records by expiration
// time for PopExpired.
type Store struct {
	client *redis.Client
	prefix string
	grace  time.Duration
	srz    transport.Serializer
}

// New returns a Store using client. Keys are prefixed with prefix.
func New(client *redis.Client, prefix string) (*Store, error) {
	if nil == client {
		return nil, newError("nil client")
	}
	return &Store{
		client: client,
		prefix: prefix,
		grace:  DefaultGrace,
		srz:    transport.NewCBORSerializer(),
	}, nil
}

// Connect opens a redis client on addr and checks it with PING.
func Connect(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); nil != err {
		client.Close()
		return nil, wrapError(err, "failed connecting to redis at %s", addr)
	}
	return client, nil
}

func (self *Store) Put(ctx context.Context, h handshake.Handshake) error {
	if err := h.Check(); nil != err {
		return wrapError(err, "invalid handshake")
	}
	srzrec, err := self.srz.Marshal(record{
		KeyId:        h.KeyId,
		Salt:         h.Salt,
		ServerKeyRef: h.ServerKeyRef,
		CreatedAt:    h.CreatedAt.UnixMilli(),
		ExpiresAt:    h.ExpiresAt.UnixMilli(),
		ClientIP:     h.ClientIP,
		UserAgent:    h.UserAgent,
	})
	if nil != err {
		return wrapError(err, "failed marshalling handshake")
	}

	ttl := time.Until(h.ExpiresAt) + self.grace
	if ttl <= 0 {
		ttl = self.grace
	}
	created, err := self.client.SetNX(ctx, self.key(h.KeyId), srzrec, ttl).Result()
	if nil != err {
		return wrapError(err, "failed SETNX")
	}
	if !created {
		return newError("keyId %s already registered", h.KeyId)
	}
	err = self.client.ZAdd(ctx, self.key(expiryIndex), redis.Z{
		Score:  float64(h.ExpiresAt.UnixMilli()),
		Member: h.KeyId,
	}).Err()

	return wrapError(err, "failed indexing handshake %s", h.KeyId)
}

func (self *Store) Pop(ctx context.Context, keyId string) (handshake.Handshake, bool, error) {
	var h handshake.Handshake
	srzrec, err := self.client.GetDel(ctx, self.key(keyId)).Bytes()
	if errors.Is(err, redis.Nil) {
		return h, false, nil
	}
	if nil != err {
		return h, false, wrapError(err, "failed GETDEL")
	}
	self.client.ZRem(ctx, self.key(expiryIndex), keyId)

	h, err = self.decode(srzrec)
	return h, true, err
}

func (self *Store) PopExpired(ctx context.Context, now time.Time) ([]handshake.Handshake, error) {
	// ExpiresAt is exclusive, a record expiring at now is still valid
	keyIds, err := self.client.ZRangeByScore(ctx, self.key(expiryIndex), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if nil != err {
		return nil, wrapError(err, "failed ZRANGEBYSCORE")
	}

	var rv []handshake.Handshake
	for _, keyId := range keyIds {
		h, found, err := self.Pop(ctx, keyId)
		if nil != err {
			return rv, err
		}
		if !found {
			// consumed concurrently or evicted by its redis TTL
			self.client.ZRem(ctx, self.key(expiryIndex), keyId)
			continue
		}
		rv = append(rv, h)
	}

	return rv, nil
}

func (self *Store) Len(ctx context.Context) (int, error) {
	n, err := self.client.ZCard(ctx, self.key(expiryIndex)).Result()
	if nil != err {
		return 0, wrapError(err, "failed ZCARD")
	}
	return int(n), nil
}

func (self *Store) key(name string) string {
	return self.prefix + name
}

func (self *Store) decode(srzrec []byte) (handshake.Handshake, error) {
	var rec record
	if err := self.srz.Unmarshal(srzrec, &rec); nil != err {
		return handshake.Handshake{}, wrapError(err, "failed unmarshaling handshake")
	}
	return handshake.Handshake{
		KeyId:        rec.KeyId,
		Salt:         rec.Salt,
		ServerKeyRef: rec.ServerKeyRef,
		CreatedAt:    time.UnixMilli(rec.CreatedAt),
		ExpiresAt:    time.UnixMilli(rec.ExpiresAt),
		ClientIP:     rec.ClientIP,
		UserAgent:    rec.UserAgent,
	}, nil
}

var _ handshake.Store = &Store{}
