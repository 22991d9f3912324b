package utils

import (
	"fmt"
	"path"
	"runtime"
	"strings"
)

// RaisedErr is the error type returned by savanna packages.
// It records where it was raised and keeps both a classification Flag and
// the underlying Cause reachable through errors.Is / errors.As.
//
// Packages declare a private flag type with a set of constant flags, and
// use NewError/WrapError through small newError/wrapError helpers.
type RaisedErr struct {
	// Flag classifies the error (eg handshake.ErrExpired).
	Flag error

	// Cause is the lower level error, if any.
	Cause error

	// Msg describes what failed.
	Msg string

	// Filename is "<pkgdir>/<file>.go" of the raising code.
	Filename string

	// Line is the line number of the raising code.
	Line int
}

// Error implements the error interface.
func (self RaisedErr) Error() string {
	var sb strings.Builder
	if nil != self.Flag {
		sb.WriteString(self.Flag.Error())
		sb.WriteString(": ")
	}
	sb.WriteString(self.Msg)
	if "" != self.Filename {
		fmt.Fprintf(&sb, " [%s:%d]", self.Filename, self.Line)
	}
	if nil != self.Cause {
		sb.WriteString("\n  caused by: ")
		sb.WriteString(self.Cause.Error())
	}
	return sb.String()
}

// Unwrap returns Flag and Cause, skipping nil values.
func (self RaisedErr) Unwrap() []error {
	rv := make([]error, 0, 2)
	if nil != self.Flag {
		rv = append(rv, self.Flag)
	}
	if nil != self.Cause {
		rv = append(rv, self.Cause)
	}
	return rv
}

// NewError returns a RaisedErr located at its caller.
//
// skip is the number of intermediary frames between the code raising the error
// and NewError; package newError helpers pass 1.
func NewError(skip int, flag error, msg string, args ...any) error {
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	err := RaisedErr{Flag: flag, Msg: msg}
	locate(skip, &err)
	return err
}

// WrapError returns a RaisedErr located at its caller that wraps cause.
// It returns nil if cause is nil, which allows "return wrapError(err, ...)".
func WrapError(cause error, skip int, flag error, msg string, args ...any) error {
	if nil == cause {
		return nil
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	err := RaisedErr{Flag: flag, Cause: cause, Msg: msg}
	locate(skip, &err)
	return err
}

func locate(skip int, err *RaisedErr) {
	_, filename, line, ok := runtime.Caller(2 + skip)
	if !ok {
		return
	}
	dirname, basename := path.Split(filename)
	err.Filename = path.Join(path.Base(dirname), basename)
	err.Line = line
}
