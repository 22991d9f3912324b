// Package upload orchestrates secure biometric uploads: handshake issue,
// payload decryption, identification and permission check.
package upload

import (
	"context"
	"encoding/base64"
	"errors"
	"time"

	"code.savanna.org/golang/internal/algos"
	"code.savanna.org/golang/pkg/forwarder"
	"code.savanna.org/golang/pkg/handshake"
	"code.savanna.org/golang/pkg/keys"
	"code.savanna.org/golang/pkg/permission"
	"code.savanna.org/golang/pkg/secchan"
)

// UploadedMessage is the message of successful UploadResponse.
const UploadedMessage = "Uploaded and analyzed (secure)"

// Matcher submits a decrypted sample for identification.
type Matcher interface {
	Forward(ctx context.Context, sample []byte, userId string) (forwarder.MatchResult, error)
}

var _ Matcher = &forwarder.Forwarder{}

// ServiceConfig holds Service dependencies.
type ServiceConfig struct {
	Keys     keys.KeyStore
	Registry *handshake.Registry
	Matcher  Matcher
	Gate     *permission.Gate

	// Codec defaults to secchan.V1
	Codec *secchan.Codec
}

// Service implements the application endpoints.
type Service struct {
	keys     keys.KeyStore
	registry *handshake.Registry
	matcher  Matcher
	gate     *permission.Gate
	codec    secchan.Codec
}

// NewService returns a Service. It errors if a dependency is missing.
func NewService(cfg ServiceConfig) (*Service, error) {
	if nil == cfg.Keys {
		return nil, newError("nil KeyStore")
	}
	if nil == cfg.Registry {
		return nil, newError("nil Registry")
	}
	if nil == cfg.Matcher {
		return nil, newError("nil Matcher")
	}
	if nil == cfg.Gate {
		return nil, newError("nil Gate")
	}
	codec := secchan.V1
	if nil != cfg.Codec {
		codec = *cfg.Codec
	}

	return &Service{
		keys:     cfg.Keys,
		registry: cfg.Registry,
		matcher:  cfg.Matcher,
		gate:     cfg.Gate,
		codec:    codec,
	}, nil
}

// Handshake issues a new handshake for client.
func (self *Service) Handshake(ctx context.Context, client handshake.ClientInfo) (HandshakeResponse, error) {
	issued, err := self.registry.Issue(ctx, client)
	if nil != err {
		return HandshakeResponse{}, wrapError(err, "failed issuing handshake")
	}

	return HandshakeResponse{
		Curve:     issued.Curve,
		PublicKey: base64.StdEncoding.EncodeToString(issued.ServerPublicKey),
		Salt:      base64.StdEncoding.EncodeToString(issued.Salt),
		KeyId:     issued.KeyId,
		Expires:   issued.ExpiresAt.UnixMilli(),
	}, nil
}

// PublicKey returns the active server public key.
func (self *Service) PublicKey(ctx context.Context) (PublicKeyResponse, error) {
	pub, err := self.keys.CurrentPublicKey(ctx)
	if nil != err {
		return PublicKeyResponse{}, wrapError(err, "failed loading server public key")
	}

	return PublicKeyResponse{
		Curve:     algos.P256().DisplayName(),
		PublicKey: base64.StdEncoding.EncodeToString(pub),
	}, nil
}

// RotateKey makes a new server key pair active and returns its public key.
// Handshakes issued under the previous pair remain consumable.
func (self *Service) RotateKey(ctx context.Context) (PublicKeyResponse, error) {
	kp, err := self.keys.Rotate(ctx)
	if nil != err {
		return PublicKeyResponse{}, wrapError(err, "failed rotating server key")
	}

	return PublicKeyResponse{
		Curve:     algos.P256().DisplayName(),
		PublicKey: base64.StdEncoding.EncodeToString(kp.PublicKey()),
	}, nil
}

// sealed holds a decoded SecureUploadRequest.
type sealed struct {
	iv         []byte
	ciphertext []byte
	clientPub  []byte
}

// decode validates req and decodes its base64 fields.
func decode(req SecureUploadRequest) (sealed, error) {
	var rv sealed

	if nil == req.Payload || "" == req.Payload.IV || "" == req.Payload.Ciphertext || "" == req.ClientPub {
		return rv, wrapError(ErrMissingFields, "payload.iv, payload.ciphertext and clientPub are required")
	}
	if "" == req.KeyId {
		return rv, wrapError(ErrMissingKeyId, "empty keyId")
	}

	var err error
	if rv.iv, err = base64.StdEncoding.DecodeString(req.Payload.IV); nil != err {
		return rv, wrapError(ErrInvalidEncoding, "iv, %v", err)
	}
	if rv.ciphertext, err = base64.StdEncoding.DecodeString(req.Payload.Ciphertext); nil != err {
		return rv, wrapError(ErrInvalidEncoding, "ciphertext, %v", err)
	}
	if rv.clientPub, err = base64.StdEncoding.DecodeString(req.ClientPub); nil != err {
		return rv, wrapError(ErrInvalidEncoding, "clientPub, %v", err)
	}

	if secchan.IVSize != len(rv.iv) {
		return rv, wrapError(secchan.ErrInvalidIV, "iv has %d bytes", len(rv.iv))
	}
	if len(rv.ciphertext) < secchan.TagSize {
		return rv, wrapError(secchan.ErrCiphertextTooShort, "ciphertext has %d bytes", len(rv.ciphertext))
	}
	if _, err = algos.P256().ParsePublicKey(rv.clientPub); nil != err {
		return rv, wrapError(ErrInvalidClientKey, "%v", err)
	}

	return rv, nil
}

// SecureUpload decrypts the sample posted by client, has it identified and
// checks the permission of the identified user.
//
// req is fully validated before its handshake is consumed, so that malformed
// requests do not burn the handshake. Any failure after that point leaves the
// handshake consumed.
func (self *Service) SecureUpload(ctx context.Context, req SecureUploadRequest, client handshake.ClientInfo) (UploadResponse, error) {
	var rv UploadResponse

	msg, err := decode(req)
	if nil != err {
		return rv, err
	}

	client.UserId = req.UserId
	hs, err := self.registry.Consume(ctx, req.KeyId, client)
	if nil != err {
		return rv, err
	}

	kp, err := self.keys.Load(ctx, hs.ServerKeyRef)
	if nil != err {
		return rv, wrapError(err, "failed loading server key %s", hs.ServerKeyRef)
	}

	key, err := self.codec.DeriveKey(kp.PrivateKey, msg.clientPub, hs.Salt)
	if nil != err {
		return rv, err
	}
	sample, err := self.codec.Decrypt(key, msg.iv, msg.ciphertext)
	if nil != err {
		return rv, err
	}

	match, err := self.matcher.Forward(ctx, sample, req.UserId)
	if nil != err {
		return rv, err
	}

	decision, err := self.gate.Check(ctx, match.MatchedUserId)
	if nil != err {
		return rv, wrapError(err, "failed checking permission of %s", match.MatchedUserId)
	}

	rv.Message = UploadedMessage
	rv.Result = MatchResult{
		MatchedUserId: match.MatchedUserId,
		Hash:          match.Hash,
		Score:         match.Score,
		QRPayload:     match.QRPayload,
		IsNew:         match.IsNew,
		Timestamp:     match.Timestamp,
	}
	if "" == rv.Result.Timestamp {
		rv.Result.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	rv.InternalData.UniqueUserId = match.MatchedUserId
	rv.Permission = decision

	return rv, nil
}

// Outcome classifies SecureUpload errors.
type Outcome string

const (
	OutcomeOK               Outcome = "ok"
	OutcomeInvalidRequest   Outcome = "invalid_request"
	OutcomeUnknownKeyId     Outcome = "unknown_key_id"
	OutcomeExpired          Outcome = "expired"
	OutcomeDecryptionFailed Outcome = "decryption_failed"
	OutcomeUpstreamError    Outcome = "upstream_error"
	OutcomeUpstreamTimeout  Outcome = "upstream_timeout"
	OutcomeInternalError    Outcome = "internal_error"
)

// Classify returns the Outcome of a SecureUpload error.
func Classify(err error) Outcome {
	switch {
	case nil == err:
		return OutcomeOK
	case errors.Is(err, ErrMissingFields),
		errors.Is(err, ErrMissingKeyId),
		errors.Is(err, ErrInvalidEncoding),
		errors.Is(err, ErrInvalidClientKey),
		errors.Is(err, secchan.ErrInvalidIV),
		errors.Is(err, secchan.ErrCiphertextTooShort),
		errors.Is(err, secchan.ErrInvalidPublicKey):
		return OutcomeInvalidRequest
	case errors.Is(err, handshake.ErrNotFound):
		return OutcomeUnknownKeyId
	case errors.Is(err, handshake.ErrExpired):
		return OutcomeExpired
	case errors.Is(err, secchan.ErrDecryptionFailed):
		return OutcomeDecryptionFailed
	case errors.Is(err, forwarder.ErrUpstreamTimeout):
		return OutcomeUpstreamTimeout
	case errors.Is(err, forwarder.ErrUpstream),
		errors.Is(err, forwarder.ErrUpstreamUnavailable),
		errors.Is(err, forwarder.ErrMalformedUpstreamResponse):
		return OutcomeUpstreamError
	default:
		return OutcomeInternalError
	}
}
