package secchan

import (
	"code.savanna.org/golang/internal/utils"
)

// errorFlag is a private error type that allows declaring error constants.
type errorFlag string

const (
	// All package errors are wrapping Error
	Error                 = errorFlag("secchan: error")
	ErrInvalidIV          = errorFlag("secchan: invalid iv")
	ErrCiphertextTooShort = errorFlag("secchan: ciphertext too short")
	ErrDecryptionFailed   = errorFlag("secchan: decryption failed")
	ErrInvalidPublicKey   = errorFlag("secchan: invalid public key")
	ErrInvalidKey         = errorFlag("secchan: invalid key")
	noError               = errorFlag("")
)

// Error implements the error interface.
func (self errorFlag) Error() string {
	return string(self)
}

func (self errorFlag) Unwrap() error {
	if Error == self || noError == self {
		return nil
	}
	return Error
}

func newError(msg string, args ...any) error {
	return utils.NewError(1, Error, msg, args...)
}

func wrapError(cause error, msg string, args ...any) error {
	return utils.WrapError(cause, 1, Error, msg, args...)
}

// flagError wraps cause with a specific flag instead of the package Error.
func flagError(flag errorFlag, cause error, msg string, args ...any) error {
	return utils.WrapError(cause, 1, flag, msg, args...)
}
