package transport

import (
	"code.savanna.org/golang/internal/utils"
)

// errorFlag is a private error type that allows declaring error constants.
type errorFlag string

const (
	// All package errors are wrapping Error
	Error            = errorFlag("transport: error")
	ErrValidation    = errorFlag("transport: validation error")
	ErrSerialization = errorFlag("transport: serialization error")
	noError          = errorFlag("")
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

// wrapError wraps flag so that errors.Is matches it; the details go in msg.
func wrapError(flag error, msg string, args ...any) error {
	return utils.WrapError(flag, 1, Error, msg, args...)
}
