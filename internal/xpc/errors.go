package xpc

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound reports a key absent from an otherwise successful reply.
	ErrNotFound = errors.New("not found")

	// ErrEmptyReply reports a pipe routine that succeeded without a reply object.
	ErrEmptyReply = errors.New("xpc: empty reply")

	// ErrReleased reports use of an object after its owner closed it.
	ErrReleased = errors.New("xpc: object already released")

	// ErrNullObject reports an attempt to wrap the null handle.
	ErrNullObject = errors.New("xpc: null object")
)

// TypeMismatchError is returned when a conversion is attempted against an
// object whose resolved type tag differs from the requested one.
type TypeMismatchError struct {
	Found    Type
	Expected Type
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("xpc: type mismatch: found %s, expected %s", e.Found, e.Expected)
}

// UnsupportedValueError is returned when a Go value has no native representation.
type UnsupportedValueError struct {
	Value any
}

func (e *UnsupportedValueError) Error() string {
	return fmt.Sprintf("xpc: unsupported value of type %T", e.Value)
}

// TransportError is a failed pipe round trip.
type TransportError struct {
	Code   int
	Reason string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error %d: %s", e.Code, e.Reason)
}

// TargetError is the error code reported for one target of a multi-target request.
type TargetError struct {
	Target string
	Code   int
	Reason string
}

// ProtocolError is a request the daemon answered but flagged as failed.
// Targets is set when the reply used the keyed "errors" convention.
type ProtocolError struct {
	Code    int
	Reason  string
	Targets []TargetError
}

func (e *ProtocolError) Error() string {
	if len(e.Targets) == 0 {
		return fmt.Sprintf("%d: %s", e.Code, e.Reason)
	}
	parts := make([]string, 0, len(e.Targets))
	for _, t := range e.Targets {
		parts = append(parts, fmt.Sprintf("%s: %d: %s", t.Target, t.Code, t.Reason))
	}
	return strings.Join(parts, "; ")
}

// IOError is a shared-memory allocation failure.
type IOError struct {
	Op     string
	Code   int
	Reason string
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s failed: %d: %s", e.Op, e.Code, e.Reason)
}
