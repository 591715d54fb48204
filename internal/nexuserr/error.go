// Package nexuserr implements the error taxonomy of the Nexus runtime: a
// single typed error carrying a semantic Kind tag, plus the wire-level
// SerializedError shape used to carry a remote throw back across a
// connection.
package nexuserr

import "fmt"

// Kind tags the semantic category of an Error. These are the taxonomy
// entries of the runtime's error handling design: usage errors never touch
// the wire, protocol/resource/targeting errors may, remote errors always
// originated on the wire.
type Kind string

const (
	KindUsage         Kind = "usage"
	KindConfiguration Kind = "configuration"
	KindTargeting     Kind = "targeting"
	KindDisconnected  Kind = "disconnected"
	KindTimeout       Kind = "timeout"
	KindProtocol      Kind = "protocol"
	KindRemote        Kind = "remote"
	KindResource      Kind = "resource"
)

// Error is the single error type used across Nexus. It is never wrapped in
// a second, parallel result-union representation (see SPEC_FULL.md §C.1);
// Result-returning call sites adapt this type instead of reimplementing it.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.Cause.Error())
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, nexuserr.KindX) work by comparing Kind values
// wrapped as sentinel errors produced by Sentinel(kind).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Message == "" && t.Cause == nil {
		return e.Kind == t.Kind
	}
	return e.Kind == t.Kind && e.Message == t.Message
}

// New creates an Error of the given kind.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind around a causal error.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Sentinel returns a bare Error usable only as an errors.Is/As comparison
// target, e.g. errors.Is(err, nexuserr.Sentinel(nexuserr.KindDisconnected)).
func Sentinel(kind Kind) *Error { return &Error{Kind: kind} }

// OfKind reports whether err is a Nexus Error of the given Kind.
func OfKind(err error, kind Kind) bool {
	var e *Error
	if As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// As is a thin re-export so callers don't need a second import for the
// common case of unwrapping to *Error.
func As(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
