// Package algos maps savanna key type names to elliptic curve implementations.
package algos

import (
	"crypto/ecdh"
	"crypto/rand"

	"code.savanna.org/golang/internal/utils"
)

const (
	// KEY_ECDH_P256 is the only key type used by the enrollment handshake.
	KEY_ECDH_P256 = "ECDH_P256"
)

// Curve embeds ecdh.Curve and records the byte sizes of its keys.
type Curve struct {
	ecdh.Curve
	keyType     string
	displayName string
	privkeySize int
	pubkeySize  int
}

// KeyType returns the savanna key type name, eg "ECDH_P256".
func (self Curve) KeyType() string {
	return self.keyType
}

// DisplayName returns the curve name advertised to clients, eg "P-256".
func (self Curve) DisplayName() string {
	return self.displayName
}

// PrivateKeyLen returns byte length of Curve PrivateKey
func (self Curve) PrivateKeyLen() int {
	return self.privkeySize
}

// PublicKeyLen returns byte length of the uncompressed Curve PublicKey
func (self Curve) PublicKeyLen() int {
	return self.pubkeySize
}

// ParsePublicKey decodes a peer public key, rejecting points of the wrong size.
func (self Curve) ParsePublicKey(data []byte) (*ecdh.PublicKey, error) {
	if len(data) != self.pubkeySize {
		return nil, newError("invalid %s public key length %d", self.keyType, len(data))
	}
	pub, err := self.NewPublicKey(data)
	return pub, wrapError(err, "failed decoding %s public key", self.keyType)
}

func (self *Curve) init() error {
	if nil == self.Curve {
		return newError("can not initialize nil curve")
	}
	pk, err := self.GenerateKey(rand.Reader)
	if nil != err {
		return wrapError(err, "failed generating probe key")
	}
	self.privkeySize = len(pk.Bytes())
	self.pubkeySize = len(pk.PublicKey().Bytes())

	return nil
}

var curveRegistry = utils.NewRegistry[string, Curve]()

// MustRegisterCurve is RegisterCurve that panics on error.
func MustRegisterCurve(keyType string, displayName string, curve ecdh.Curve) {
	if err := RegisterCurve(keyType, displayName, curve); nil != err {
		panic(err)
	}
}

// RegisterCurve adds curve to the registry under keyType.
// It errors if keyType is already in use or curve is invalid.
func RegisterCurve(keyType string, displayName string, curve ecdh.Curve) error {
	c := Curve{Curve: curve, keyType: keyType, displayName: displayName}
	if err := c.init(); nil != err {
		return wrapError(err, "failed initializing Curve %s", keyType)
	}
	return wrapError(curveRegistry.Set(keyType, c), "failed registering Curve %s", keyType)
}

// GetCurve loads the Curve registered for keyType.
func GetCurve(keyType string) (Curve, error) {
	c, found := curveRegistry.Get(keyType)
	if !found {
		return c, newError("unsupported key type %s", keyType)
	}
	return c, nil
}

// P256 returns the curve used for KEY_ECDH_P256.
func P256() Curve {
	c, _ := curveRegistry.Get(KEY_ECDH_P256)
	return c
}

func init() {
	MustRegisterCurve(KEY_ECDH_P256, "P-256", ecdh.P256())
}
