package upload

import (
	"code.savanna.org/golang/internal/utils"
)

// errorFlag is a private error type that allows declaring error constants.
type errorFlag string

const (
	// All package errors are wrapping Error
	Error               = errorFlag("upload: error")
	ErrMissingFields    = errorFlag("upload: missing required fields")
	ErrMissingKeyId     = errorFlag("upload: missing keyId")
	ErrInvalidEncoding  = errorFlag("upload: invalid base64 encoding")
	ErrInvalidClientKey = errorFlag("upload: invalid client public key")
	noError             = errorFlag("")
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
