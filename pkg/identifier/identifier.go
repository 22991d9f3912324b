// Package identifier derives stable pseudonymous identifiers from biometric samples.
//
// The identifier of a sample is derived from its SHA-256 digest and recorded
// the first time the digest is seen. Later analyses of the same sample return
// the recorded identifier.
package identifier

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"strconv"
	"time"

	"code.savanna.org/golang/internal/observability"
)

const (
	UidPrefix    = "uid-"
	UidHashChars = 6
)

// IdentityStore records the feature hash to uid mapping.
type IdentityStore interface {
	// FindOrCreate atomically returns the uid recorded for hash, recording
	// uid if hash is new. The bool flag is true if uid was recorded.
	FindOrCreate(ctx context.Context, hash string, uid string) (string, bool, error)
}

// Result is the outcome of a sample analysis.
type Result struct {
	Matched       bool      `json:"matched"`
	MatchedUserId string    `json:"matchedUserId"`
	Uid           string    `json:"uid"`
	Hash          string    `json:"hash"`
	QRPayload     string    `json:"qrPayload"`
	Score         float64   `json:"score"`
	IsNew         bool      `json:"isNew"`
	Timestamp     time.Time `json:"timestamp"`
}

// QRPayload is the summary embedded in enrollment QR codes.
type QRPayload struct {
	Uid  string `json:"uid"`
	Hash string `json:"hash"`
	Sig  string `json:"sig,omitempty"`
}

// Service analyzes samples.
type Service struct {
	store      IdentityStore
	signingKey []byte
	now        func() time.Time
}

// ServiceConfig holds Service dependencies.
type ServiceConfig struct {
	Store IdentityStore

	// SigningKey enables the QRPayload "sig" field when not empty.
	SigningKey []byte

	Now func() time.Time
}

// NewService returns a Service. It errors if cfg.Store is nil.
func NewService(cfg ServiceConfig) (*Service, error) {
	if nil == cfg.Store {
		return nil, newError("nil Store")
	}
	if nil == cfg.Now {
		cfg.Now = time.Now
	}
	return &Service{store: cfg.Store, signingKey: cfg.SigningKey, now: cfg.Now}, nil
}

// Analyze returns the identifier of sample.
// It errors with ErrInvalidPayload if sample is empty.
func (self *Service) Analyze(ctx context.Context, sample []byte) (Result, error) {
	var rv Result
	if 0 == len(sample) {
		return rv, wrapError(ErrInvalidPayload, "empty sample")
	}

	digest := sha256.Sum256(sample)
	hash := hex.EncodeToString(digest[:])

	uid, created, err := self.store.FindOrCreate(ctx, hash, DeriveUid(hash))
	if nil != err {
		return rv, wrapError(err, "failed recording identity")
	}

	qrPayload, err := self.qrPayload(uid, hash)
	if nil != err {
		return rv, err
	}

	obs := observability.GetObservability(ctx)
	obs.Meter().AnalyzeResult(created)
	obs.Log().Debug("analyzed sample", "uid", uid, "isNew", created)

	rv.Matched = true
	rv.MatchedUserId = uid
	rv.Uid = uid
	rv.Hash = hash
	rv.QRPayload = qrPayload
	rv.Score = Score(hash)
	rv.IsNew = created
	rv.Timestamp = self.now().UTC()

	return rv, nil
}

func (self *Service) qrPayload(uid string, hash string) (string, error) {
	qr := QRPayload{Uid: uid, Hash: hash}
	if len(self.signingKey) > 0 {
		qr.Sig = SignQRPayload(self.signingKey, uid, hash)
	}
	srz, err := json.Marshal(qr)
	if nil != err {
		return "", wrapError(err, "failed marshalling qrPayload")
	}
	return string(srz), nil
}

// DeriveUid returns the uid assigned to a new feature hash.
func DeriveUid(hash string) string {
	return UidPrefix + hash[:min(UidHashChars, len(hash))]
}

// Score returns the match confidence reported for hash.
//
// It is a placeholder computed from the first 4 hex chars of hash, normalized
// to [0, 1] and rounded to 3 decimals.
func Score(hash string) float64 {
	if len(hash) < 4 {
		return 0
	}
	v, err := strconv.ParseUint(hash[:4], 16, 16)
	if nil != err {
		return 0
	}
	return math.Round(float64(v)/0xffff*1000) / 1000
}

// SignQRPayload returns the hex HMAC-SHA256 of uid and hash under key.
func SignQRPayload(key []byte, uid string, hash string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(uid))
	mac.Write([]byte{0})
	mac.Write([]byte(hash))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyQRPayload parses payload and checks its signature under key.
func VerifyQRPayload(key []byte, payload string) (QRPayload, error) {
	var qr QRPayload
	if err := json.Unmarshal([]byte(payload), &qr); nil != err {
		return qr, wrapError(err, "invalid qrPayload")
	}
	expected := SignQRPayload(key, qr.Uid, qr.Hash)
	if !hmac.Equal([]byte(expected), []byte(qr.Sig)) {
		return qr, newError("invalid qrPayload signature")
	}
	return qr, nil
}
