package remote

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("remote: not found")
	ErrConflict        = errors.New("remote: object already exists")
	ErrOffsetMismatch  = errors.New("remote: session offset mismatch")
	ErrSessionNotFound = errors.New("remote: upload session not found")
	ErrPathMismatch    = errors.New("remote: commit path differs from session path")
)

// Error carries the store operation and path that failed.
type Error struct {
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("remote.%s %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("remote.%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(op, p string, err error) *Error {
	return &Error{Op: op, Path: p, Err: err}
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
