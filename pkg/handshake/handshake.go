// Package handshake issues and consumes single use enrollment handshakes.
//
// A handshake binds a random salt to the server key pair that was active when
// it was issued. The client derives the upload key from it, and the server
// consumes it at most once, before its expiration.
package handshake

import (
	"bytes"
	"context"
	"time"
)

const (
	KeyIdSize = 16
	SaltSize  = 16
)

// ClientInfo describes the client issuing or consuming a handshake.
type ClientInfo struct {
	IP        string
	UserAgent string
	UserId    string
}

// Handshake is a registered handshake record.
type Handshake struct {
	KeyId        string
	Salt         []byte
	ServerKeyRef string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	ClientIP     string
	UserAgent    string

	// set on the record returned by Registry.Consume
	ConsumedAt      *time.Time
	ConsumingUserId string
}

// Check returns an error if the Handshake can not be stored.
func (self Handshake) Check() error {
	if 2*KeyIdSize != len(self.KeyId) {
		return newError("invalid KeyId length %d", len(self.KeyId))
	}
	if SaltSize != len(self.Salt) {
		return newError("invalid Salt length %d", len(self.Salt))
	}
	if "" == self.ServerKeyRef {
		return newError("empty ServerKeyRef")
	}
	if !self.ExpiresAt.After(self.CreatedAt) {
		return newError("ExpiresAt is not after CreatedAt")
	}
	return nil
}

// Expired returns true if the Handshake can not be consumed at now.
func (self Handshake) Expired(now time.Time) bool {
	return now.After(self.ExpiresAt)
}

// Equal returns true if other records the same handshake.
func (self Handshake) Equal(other Handshake) bool {
	return self.KeyId == other.KeyId &&
		bytes.Equal(self.Salt, other.Salt) &&
		self.ServerKeyRef == other.ServerKeyRef &&
		self.CreatedAt.Equal(other.CreatedAt) &&
		self.ExpiresAt.Equal(other.ExpiresAt) &&
		self.ClientIP == other.ClientIP &&
		self.UserAgent == other.UserAgent
}

// Issued is what a client receives when a handshake is created.
type Issued struct {
	KeyId           string
	Salt            []byte
	ServerPublicKey []byte
	ExpiresAt       time.Time
	Curve           string
}

// Store holds pending handshakes.
//
// Pop must read and delete atomically: when several callers Pop the same
// keyId, at most one of them finds it.
type Store interface {
	// Put registers h.
	Put(ctx context.Context, h Handshake) error

	// Pop removes the handshake keyed by keyId and returns it.
	// The bool flag is false if keyId was not present.
	Pop(ctx context.Context, keyId string) (Handshake, bool, error)

	// PopExpired removes and returns the handshakes expired at now.
	PopExpired(ctx context.Context, now time.Time) ([]Handshake, error)

	// Len returns the number of pending handshakes.
	Len(ctx context.Context) (int, error)
}
