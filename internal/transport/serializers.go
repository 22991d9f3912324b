// Package transport converts messages and records to bytes.
package transport

import (
	"encoding/json"

	"github.com/fxamacker/cbor/v2"
)

// Serializer is an interface that provides methods to Marshal/Unmarshal messages.
type Serializer interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Checker is implemented by messages that can validate themselves.
type Checker interface {
	Check() error
}

// JSONSerializer provides a Serializer that uses json Marshal/Unmarshal
type JSONSerializer struct{}

// Marshal wraps json.Marshal
func (self JSONSerializer) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal wraps json.Unmarshal
func (self JSONSerializer) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

var _ Serializer = JSONSerializer{}

// CBORSerializer provides a Serializer that uses deterministic cbor encoding.
// It is used for records persisted in key value stores.
type CBORSerializer struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCBORSerializer returns a CBORSerializer using core deterministic encoding.
func NewCBORSerializer() CBORSerializer {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if nil != err {
		panic(err)
	}
	dec, err := cbor.DecOptions{DupMapKey: cbor.DupMapKeyEnforcedAPF}.DecMode()
	if nil != err {
		panic(err)
	}
	return CBORSerializer{enc: enc, dec: dec}
}

// Marshal encodes v using the deterministic encoding mode.
func (self CBORSerializer) Marshal(v any) ([]byte, error) {
	if nil == self.enc {
		return cbor.Marshal(v)
	}
	return self.enc.Marshal(v)
}

// Unmarshal decodes data in v, rejecting duplicated map keys.
func (self CBORSerializer) Unmarshal(data []byte, v any) error {
	if nil == self.dec {
		return cbor.Unmarshal(data, v)
	}
	return self.dec.Unmarshal(data, v)
}

var _ Serializer = CBORSerializer{}

// SafeSerializer wraps a Serializer and validates Checker messages
// before marshaling and after unmarshaling.
type SafeSerializer struct {
	Serializer
}

// WrapInSafeSerializer returns a SafeSerializer wrapping s.
func WrapInSafeSerializer(s Serializer) SafeSerializer {
	if c, isSafeSerializer := s.(SafeSerializer); isSafeSerializer {
		return c
	}

	return SafeSerializer{Serializer: s}
}

// Marshal validates v if it is a Checker, then serializes it.
func (self SafeSerializer) Marshal(v any) ([]byte, error) {
	if c, validate := v.(Checker); validate {
		if err := c.Check(); nil != err {
			return nil, wrapError(ErrValidation, "invalid message, %v", err)
		}
	}

	srzmsg, err := self.Serializer.Marshal(v)
	if nil != err {
		return nil, wrapError(ErrSerialization, "failed marshalling message, %v", err)
	}

	return srzmsg, nil
}

// Unmarshal deserializes data in v, then validates v if it is a Checker.
func (self SafeSerializer) Unmarshal(data []byte, v any) error {
	if err := self.Serializer.Unmarshal(data, v); nil != err {
		return wrapError(ErrSerialization, "failed unmarshaling message, %v", err)
	}

	if c, checkable := v.(Checker); checkable {
		if err := c.Check(); nil != err {
			return wrapError(ErrValidation, "invalid message, %v", err)
		}
	}

	return nil
}

var _ Serializer = SafeSerializer{}
