package upload

import (
	"encoding/json"

	"code.savanna.org/golang/pkg/permission"
)

// HandshakeResponse is the body of GET /handshake responses.
type HandshakeResponse struct {
	Curve     string `json:"curve"`
	PublicKey string `json:"publicKey"` // base64 uncompressed point
	Salt      string `json:"salt"`      // base64
	KeyId     string `json:"keyId"`
	Expires   int64  `json:"expires"` // unix milliseconds
}

// PublicKeyResponse is the body of GET /key/public responses.
type PublicKeyResponse struct {
	Curve     string `json:"curve"`
	PublicKey string `json:"publicKey"`
}

// SecurePayload holds the protected sample, base64 encoded.
type SecurePayload struct {
	IV         string `json:"iv"`
	Ciphertext string `json:"ciphertext"`
}

// SecureUploadRequest is the body of POST /vein/secure-upload requests.
type SecureUploadRequest struct {
	UserId    string         `json:"userId,omitempty"`
	Payload   *SecurePayload `json:"payload"`
	ClientPub string         `json:"clientPub"`
	KeyId     string         `json:"keyId"`
}

// MatchResult is the identification part of an UploadResponse.
type MatchResult struct {
	MatchedUserId string          `json:"matchedUserId"`
	Hash          string          `json:"hash"`
	Score         json.RawMessage `json:"score,omitempty"`
	QRPayload     string          `json:"qrPayload"`
	IsNew         bool            `json:"isNew"`
	Timestamp     string          `json:"timestamp,omitempty"`
}

// InternalData holds identifiers for the calling application.
type InternalData struct {
	UniqueUserId string `json:"uniqueUserId"`
}

// UploadResponse is the body of successful secure upload responses.
type UploadResponse struct {
	Message      string              `json:"message"`
	Result       MatchResult         `json:"result"`
	InternalData InternalData        `json:"internalData"`
	Permission   permission.Decision `json:"permission"`
}
