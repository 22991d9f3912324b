package handshake

import (
	"crypto/rand"
	"encoding/hex"
	"testing"
)

func randBytes(t *testing.T, size int) []byte {
	rv := make([]byte, size)
	if _, err := rand.Read(rv); nil != err {
		t.Fatalf("failed rand.Read, got error %v", err)
	}
	return rv
}

func randHex(t *testing.T, size int) string {
	return hex.EncodeToString(randBytes(t, size))
}
