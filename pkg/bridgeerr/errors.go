// Package bridgeerr defines the stable error kinds shared across the
// bridge's components, so callers can branch on failure category instead
// of parsing message strings.
package bridgeerr

import (
	"errors"
	"fmt"
)

// Kind is a stable, comparable error category.
type Kind string

const (
	KindConfigInvalid  Kind = "config-invalid"
	KindForbidden      Kind = "forbidden"
	KindNotFound       Kind = "not-found"
	KindTooLarge       Kind = "too-large"
	KindIOError        Kind = "io-error"
	KindParseError     Kind = "parse-error"
	KindWatchLost      Kind = "watch-lost"
	KindSubscriberSlow Kind = "subscriber-slow"
	KindSubscriberDead Kind = "subscriber-dead"
	KindShutdown       Kind = "shutdown"
	KindNoData         Kind = "no-data"
	KindBindError      Kind = "bind-error"
)

// Error wraps an operation, the resource it acted on, and a stable Kind.
type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s (%s): %v", e.Op, e.Path, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds an *Error, wrapping a plain message as its cause.
func New(kind Kind, op, path, msg string) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: fmt.Errorf("%s", msg)}
}

// Wrap attaches a Kind and operation to an existing error.
func Wrap(kind Kind, op, path string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// KindOf extracts the Kind from err if it (or something it wraps) is an *Error.
func KindOf(err error) (Kind, bool) {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind, true
	}
	return "", false
}
