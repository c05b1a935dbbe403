// Package api
// Author: momentics <momentics@gmail.com>
//
// Error taxonomy shared by the codec, the connection state machine and the reactor.

package api

import (
	"errors"
	"fmt"
)

// Common errors used across the library.
var (
	ErrConnectionClosed = errors.New("connection is closed")
	ErrReactorClosed    = errors.New("reactor is shut down")
	ErrNotSupported     = errors.New("operation not supported")
)

// Kind classifies an Error. The kind decides which close code a failing
// connection sends.
type Kind int

const (
	// KindInternal marks an engine bug. Always surfaced.
	KindInternal Kind = iota
	// KindIo marks a socket level fault.
	KindIo
	// KindProtocol marks a malformed frame or handshake.
	KindProtocol
	// KindCapacity marks an oversized frame, message or buffer.
	KindCapacity
	// KindHandshake marks a handshake that never reached Open.
	KindHandshake
	// KindEncoding marks a text payload that is not valid UTF-8.
	KindEncoding
	// KindQueue marks a full mailbox or output queue.
	KindQueue
	// KindCustom is reserved for handler defined errors.
	KindCustom
)

func (k Kind) String() string {
	switch k {
	case KindInternal:
		return "internal"
	case KindIo:
		return "io"
	case KindProtocol:
		return "protocol"
	case KindCapacity:
		return "capacity"
	case KindHandshake:
		return "handshake"
	case KindEncoding:
		return "encoding"
	case KindQueue:
		return "queue"
	case KindCustom:
		return "custom"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error represents a structured error with kind and context.
type Error struct {
	Kind    Kind
	Message string
	Err     error
	Context map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Kind.String() + ": " + e.Message
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if len(e.Context) == 0 {
		return msg
	}
	return fmt.Sprintf("%s (context: %+v)", msg, e.Context)
}

// Unwrap exposes the underlying cause, so errors.Is sees syscall errnos.
func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality against another *Error target with an empty message,
// allowing errors.Is(err, &api.Error{Kind: api.KindProtocol}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Err == nil
}

// NewError creates a new structured error.
func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Errorf creates a structured error with a formatted message.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error. An *Error passes through unchanged.
func Wrap(kind Kind, message string, err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithContext adds context information to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// KindOf returns the kind of err. Errors that are not *Error are Custom,
// since they can only originate from handler code.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindCustom
}
