package utils

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func TestNewErrorIsFlagged(t *testing.T) {
	err := failStore()
	t.Logf("err -> %v", err)
	if !errors.Is(err, ErrTestStore) {
		t.Error("err is not ErrTestStore")
	}
	if !errors.Is(err, errTestRoot) {
		t.Error("err is not errTestRoot")
	}
	var re RaisedErr
	if !errors.As(err, &re) {
		t.Fatal("can not cast err to RaisedErr")
	}
	if !strings.HasSuffix(re.Filename, "errors_test.go") {
		t.Errorf("unexpected Filename %q", re.Filename)
	}
	if 0 == re.Line {
		t.Error("Line was not recorded")
	}
}

func TestWrapErrorKeepsCause(t *testing.T) {
	err := wrapTestError(io.EOF, "reading %s", "handshake.log")
	if !errors.Is(err, io.EOF) {
		t.Error("err is not an io.EOF")
	}
	if !errors.Is(err, errTestRoot) {
		t.Error("err is not errTestRoot")
	}
	if !strings.Contains(err.Error(), "reading handshake.log") {
		t.Errorf("formatted message missing in %q", err.Error())
	}
}

func TestWrapErrorNil(t *testing.T) {
	err := wrapTestError(nil, "never raised")
	if nil != err {
		t.Errorf("WrapError(nil) returned %v", err)
	}
}

// ---
// package style flag errors, as declared by savanna packages.

type testFlag string

const (
	errTestRoot  = testFlag("utils: error")
	ErrTestStore = testFlag("utils: store failure")
	noTestError  = testFlag("")
)

func (self testFlag) Error() string {
	return string(self)
}

func (self testFlag) Unwrap() error {
	if errTestRoot == self || noTestError == self {
		return nil
	}
	return errTestRoot
}

func failStore() error {
	return NewError(0, ErrTestStore, "store %s is read only", "identity")
}

func wrapTestError(cause error, msg string, args ...any) error {
	return WrapError(cause, 1, errTestRoot, msg, args...)
}
