package forwarder

import (
	"fmt"

	"code.savanna.org/golang/internal/utils"
)

// errorFlag is a private error type that allows declaring error constants.
type errorFlag string

const (
	// All package errors are wrapping Error
	Error                        = errorFlag("forwarder: error")
	ErrUpstream                  = errorFlag("forwarder: upstream error")
	ErrUpstreamTimeout           = errorFlag("forwarder: upstream timeout")
	ErrUpstreamUnavailable       = errorFlag("forwarder: upstream unavailable")
	ErrMalformedUpstreamResponse = errorFlag("forwarder: malformed upstream response")
	noError                      = errorFlag("")
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

// UpstreamError reports a non success response of the identifier service.
type UpstreamError struct {
	Status int
	Body   string
}

func (self *UpstreamError) Error() string {
	return fmt.Sprintf("%s: status %d", ErrUpstream, self.Status)
}

// Unwrap allows errors.Is(err, ErrUpstream).
func (self *UpstreamError) Unwrap() error {
	return ErrUpstream
}
