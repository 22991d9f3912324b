// Package keys manages the server ECDH key pairs used by enrollment handshakes.
package keys

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"time"

	"github.com/google/uuid"

	"code.savanna.org/golang/internal/algos"
)

// ServerKeyPair is a server ECDH key pair.
//
// Retired pairs keep Active false but remain loadable, so that handshakes
// issued before a rotation can still be consumed.
type ServerKeyPair struct {
	Ref        string
	KeyType    string
	PrivateKey *ecdh.PrivateKey
	CreatedAt  time.Time
	Active     bool
}

// PublicKey returns the uncompressed SEC1 encoding of the pair public key.
func (self ServerKeyPair) PublicKey() []byte {
	if nil == self.PrivateKey {
		return nil
	}
	return self.PrivateKey.PublicKey().Bytes()
}

// Check returns an error if the ServerKeyPair is invalid.
func (self ServerKeyPair) Check() error {
	if _, err := uuid.Parse(self.Ref); nil != err {
		return wrapError(err, "invalid Ref %q", self.Ref)
	}
	curve, err := algos.GetCurve(self.KeyType)
	if nil != err {
		return wrapError(err, "invalid KeyType")
	}
	if nil == self.PrivateKey {
		return newError("nil PrivateKey")
	}
	if len(self.PublicKey()) != curve.PublicKeyLen() {
		return newError("PrivateKey does not belong to %s", self.KeyType)
	}
	return nil
}

// KeyStore holds the server key pairs.
//
// Exactly one pair is active at any time. A KeyStore generates its first pair
// lazily when none exists.
type KeyStore interface {
	// CurrentPublicKey returns the public key of the active pair.
	CurrentPublicKey(ctx context.Context) ([]byte, error)

	// Active returns the active pair.
	Active(ctx context.Context) (ServerKeyPair, error)

	// Load returns the pair referenced by ref, active or retired.
	// It errors with ErrNotFound if ref is unknown.
	Load(ctx context.Context, ref string) (ServerKeyPair, error)

	// Rotate generates a new active pair and retires the previous one.
	Rotate(ctx context.Context) (ServerKeyPair, error)
}

// GenerateKeyPair returns a new active P-256 ServerKeyPair.
func GenerateKeyPair(now time.Time) (ServerKeyPair, error) {
	curve := algos.P256()
	pk, err := curve.GenerateKey(rand.Reader)
	if nil != err {
		return ServerKeyPair{}, wrapError(err, "failed generating %s key", curve.KeyType())
	}

	return ServerKeyPair{
		Ref:        uuid.New().String(),
		KeyType:    curve.KeyType(),
		PrivateKey: pk,
		CreatedAt:  now.UTC(),
		Active:     true,
	}, nil
}
