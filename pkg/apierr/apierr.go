// Package apierr defines the failure categories surfaced by the repository so
// that callers can tell a missing API key from a network outage, a server
// rejection or a broken local store without parsing error text.
package apierr

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the category of a failure.
type Kind int

const (
	KindUnknown Kind = iota
	// KindPrecondition means the caller or configuration is missing something
	// (API key, selector, valid period). Never worth retrying.
	KindPrecondition
	// KindTransport means the request never got a response (DNS, connect,
	// timeout).
	KindTransport
	// KindServer means the remote answered with a non-2xx status or a body we
	// couldn't understand.
	KindServer
	// KindStorage means the local persistent store failed.
	KindStorage
)

func (k Kind) String() string {
	switch k {
	case KindPrecondition:
		return "precondition"
	case KindTransport:
		return "transport"
	case KindServer:
		return "server"
	case KindStorage:
		return "storage"
	default:
		return "unknown"
	}
}

// Error is a categorized failure. StatusCode is only set for KindServer
// failures where the remote returned one.
type Error struct {
	Kind       Kind
	Op         string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		if msg == "" {
			return e.Err.Error()
		}
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Precondition returns a KindPrecondition error.
func Precondition(op, msg string) error {
	return &Error{Kind: KindPrecondition, Op: op, Err: errors.New(msg)}
}

// Invalid wraps err as a KindPrecondition error.
func Invalid(op string, err error) error {
	return &Error{Kind: KindPrecondition, Op: op, Err: err}
}

// Transport wraps err as a KindTransport error. Context errors are returned
// untouched since a cancellation is not a failure.
func Transport(op string, err error) error {
	if isContextErr(err) {
		return err
	}
	return &Error{Kind: KindTransport, Op: op, Err: err}
}

// Server returns a KindServer error. statusCode may be 0 when the response was
// malformed rather than rejected.
func Server(op string, statusCode int, err error) error {
	return &Error{Kind: KindServer, Op: op, StatusCode: statusCode, Err: err}
}

// Storage wraps err as a KindStorage error. Context errors are returned
// untouched.
func Storage(op string, err error) error {
	if isContextErr(err) {
		return err
	}
	return &Error{Kind: KindStorage, Op: op, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// StatusCode returns the remote status code carried by err, or 0.
func StatusCode(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode
	}
	return 0
}

// IsCanceled returns true if err is the result of the caller's context being
// canceled or timing out.
func IsCanceled(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return false
	}
	return isContextErr(err)
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
