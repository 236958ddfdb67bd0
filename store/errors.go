package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by RPCs issued while disconnected.
	ErrNotConnected = errors.New("store: not connected")
	// ErrClosed is returned once the client has been closed.
	ErrClosed = errors.New("store: client closed")
)

// Error codes used by the implementations in this repository. They follow
// the HTTP-like numbering DDP servers use for method and subscription errors.
const (
	CodeBadRequest = "400"
	CodeForbidden  = "403"
	CodeNotFound   = "404"
	CodeConflict   = "409"
	CodeInternal   = "500"
)

// Error is a store-side rejection of a subscribe, insert or update.
type Error struct {
	Code    string
	Reason  string
	Details string
}

func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("store error %s: %s (%s)", e.Code, e.Reason, e.Details)
	}
	return fmt.Sprintf("store error %s: %s", e.Code, e.Reason)
}

// Is matches another *Error with the same code, so callers can write
// errors.Is(err, &store.Error{Code: store.CodeNotFound}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// IsRejection reports whether err is a store-side rejection as opposed to a
// connectivity or context failure.
func IsRejection(err error) bool {
	var se *Error
	return errors.As(err, &se)
}
