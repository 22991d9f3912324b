// Package secchan implements the enrollment upload secure channel.
//
// Both peers run ECDH P-256 between the server handshake key and a client
// ephemeral key, expand the shared secret with HKDF-SHA256 using the
// handshake salt, and protect the sample with AES-256-GCM. The ciphertext
// carries the 16 bytes GCM tag appended.
package secchan

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"

	"code.savanna.org/golang/internal/algos"
)

const (
	// InfoV1 is the HKDF info of the first protocol version.
	InfoV1 = "savanna-derive-aes-key"

	KeySize  = 32
	IVSize   = 12
	TagSize  = 16
	SaltSize = 16
)

// Codec derives channel keys and protects samples.
// Info selects the protocol version, the zero Codec uses InfoV1.
type Codec struct {
	Info string
}

// V1 is the Codec of the current protocol version.
var V1 = Codec{Info: InfoV1}

func (self Codec) info() []byte {
	if "" == self.Info {
		return []byte(InfoV1)
	}
	return []byte(self.Info)
}

// DeriveKey returns the 32 bytes AES key shared with the owner of clientPub.
// clientPub is an uncompressed SEC1 P-256 point.
func (self Codec) DeriveKey(priv *ecdh.PrivateKey, clientPub []byte, salt []byte) ([]byte, error) {
	if nil == priv {
		return nil, wrapError(ErrInvalidKey, "nil private key")
	}
	pub, err := algos.P256().ParsePublicKey(clientPub)
	if nil != err {
		return nil, flagError(ErrInvalidPublicKey, err, "invalid peer public key")
	}

	return self.deriveKey(priv, pub, salt)
}

func (self Codec) deriveKey(priv *ecdh.PrivateKey, pub *ecdh.PublicKey, salt []byte) ([]byte, error) {
	shared, err := priv.ECDH(pub)
	if nil != err {
		return nil, flagError(ErrInvalidPublicKey, err, "invalid peer public key")
	}

	key := make([]byte, KeySize)
	krd := hkdf.New(sha256.New, shared, salt, self.info())
	if _, err = io.ReadFull(krd, key); nil != err {
		return nil, wrapError(err, "failed HKDF key filling")
	}

	return key, nil
}

// Decrypt opens ciphertext, which ends with the GCM tag.
//
// Any authentication failure is reported as ErrDecryptionFailed, without
// detail on what did not match.
func (self Codec) Decrypt(key []byte, iv []byte, ciphertext []byte) ([]byte, error) {
	if len(iv) != IVSize {
		return nil, wrapError(ErrInvalidIV, "iv has %d bytes, %d expected", len(iv), IVSize)
	}
	if len(ciphertext) < TagSize {
		return nil, wrapError(ErrCiphertextTooShort, "ciphertext has %d bytes, need at least %d", len(ciphertext), TagSize)
	}
	aead, err := newAEAD(key)
	if nil != err {
		return nil, err
	}

	plaintext, err := aead.Open(nil, iv, ciphertext, nil)
	if nil != err {
		return nil, ErrDecryptionFailed
	}

	return plaintext, nil
}

// Encrypt seals plaintext and returns the ciphertext with the GCM tag appended.
func (self Codec) Encrypt(key []byte, iv []byte, plaintext []byte) ([]byte, error) {
	if len(iv) != IVSize {
		return nil, wrapError(ErrInvalidIV, "iv has %d bytes, %d expected", len(iv), IVSize)
	}
	aead, err := newAEAD(key)
	if nil != err {
		return nil, err
	}

	return aead.Seal(nil, iv, plaintext, nil), nil
}

// Sealed is what a client sends for a protected sample.
type Sealed struct {
	ClientPub  []byte
	IV         []byte
	Ciphertext []byte
}

// Seal runs the client side of the channel: it generates an ephemeral key,
// derives the shared key with serverPub and encrypts plaintext under a random iv.
func (self Codec) Seal(serverPub []byte, salt []byte, plaintext []byte) (Sealed, error) {
	var rv Sealed

	curve := algos.P256()
	pub, err := curve.ParsePublicKey(serverPub)
	if nil != err {
		return rv, flagError(ErrInvalidPublicKey, err, "invalid peer public key")
	}
	ephem, err := curve.GenerateKey(rand.Reader)
	if nil != err {
		return rv, wrapError(err, "failed generating ephemeral key")
	}
	key, err := self.deriveKey(ephem, pub, salt)
	if nil != err {
		return rv, err
	}

	iv := make([]byte, IVSize)
	if _, err = rand.Read(iv); nil != err {
		return rv, wrapError(err, "failed generating iv")
	}
	ciphertext, err := self.Encrypt(key, iv, plaintext)
	if nil != err {
		return rv, err
	}

	rv.ClientPub = ephem.PublicKey().Bytes()
	rv.IV = iv
	rv.Ciphertext = ciphertext

	return rv, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, wrapError(ErrInvalidKey, "key has %d bytes, %d expected", len(key), KeySize)
	}
	block, err := aes.NewCipher(key)
	if nil != err {
		return nil, wrapError(err, "failed aes.NewCipher")
	}
	aead, err := cipher.NewGCM(block)
	if nil != err {
		return nil, wrapError(err, "failed cipher.NewGCM")
	}
	return aead, nil
}
