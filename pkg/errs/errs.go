// Package errs defines the error taxonomy shared by the supervisor and its
// workers.
//
// Every failure surfaced at a call site is an *Error carrying a Kind. Callers
// branch on the kind with errors.Is against the package sentinels:
//
//	if errors.Is(err, errs.ErrTimeout) { ... }
//
// Errors raised inside a worker cross the connection as a Wire value and are
// rebuilt on the supervisor side with the same kind.
package errs

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindConnection
	KindHandshake
	KindPoolSpawn
	KindSerialization
	KindDeserialization
	KindCall
	KindCallback
	KindTimeout
	KindStreamProtocol
)

// String returns the kind name used in logs and error text.
func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection error"
	case KindHandshake:
		return "handshake error"
	case KindPoolSpawn:
		return "pool spawn error"
	case KindSerialization:
		return "serialization error"
	case KindDeserialization:
		return "deserialization error"
	case KindCall:
		return "call error"
	case KindCallback:
		return "callback error"
	case KindTimeout:
		return "timeout"
	case KindStreamProtocol:
		return "stream protocol error"
	default:
		return "unknown error"
	}
}

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrConnection      = &Error{Kind: KindConnection}
	ErrHandshake       = &Error{Kind: KindHandshake}
	ErrPoolSpawn       = &Error{Kind: KindPoolSpawn}
	ErrSerialization   = &Error{Kind: KindSerialization}
	ErrDeserialization = &Error{Kind: KindDeserialization}
	ErrCall            = &Error{Kind: KindCall}
	ErrCallback        = &Error{Kind: KindCallback}
	ErrTimeout         = &Error{Kind: KindTimeout}
	ErrStreamProtocol  = &Error{Kind: KindStreamProtocol}
)

// Error is the single error type returned from call sites.
type Error struct {
	Kind Kind
	// Op names the operation that failed, e.g. "ask double".
	Op  string
	Msg string
	Err error
}

func (e *Error) Error() string {
	s := e.Kind.String()
	if e.Op != "" {
		s += ": " + e.Op
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a kind sentinel matching e.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

// New creates an error of the given kind.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Errorf creates an error of the given kind with a formatted message.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap wraps err with the given kind. Returns nil if err is nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// FromContext converts a context error into the taxonomy.
// context.DeadlineExceeded becomes a timeout; cancellation is returned as is.
func FromContext(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Op: op, Err: err}
	}
	return err
}
