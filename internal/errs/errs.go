// Package errs defines the error taxonomy shared by the graph runtime.
//
// Every failure surfaced by rnnflow carries one Kind. Callers match kinds with
// errors.Is against the sentinel values:
//
//	if errors.Is(err, errs.ErrCapacity) {
//	    // construction-time sizing bug
//	}
//
// ErrExhausted is the only recoverable kind: it marks the end of a validation
// pass and the generator that returned it is already reset.
package errs

import (
	"errors"
	"fmt"
)

// Kind categorizes a failure.
type Kind int

// Error kinds.
const (
	Allocation Kind = iota + 1 // device memory exhausted
	Capacity                   // logical shape beyond pre-allocated capacity
	Shape                      // mismatched dimensions or dtypes
	Bounds                     // view range outside the allocation
	Kernel                     // backend numeric call returned non-success
	Exhausted                  // data iterator reached its end
	Device                     // invalid or uninitialized device ordinal
	Protocol                   // connector protocol order violated (debug mode)
)

// String returns a human-readable kind name.
func (k Kind) String() string {
	switch k {
	case Allocation:
		return "allocation"
	case Capacity:
		return "capacity"
	case Shape:
		return "shape"
	case Bounds:
		return "bounds"
	case Kernel:
		return "kernel"
	case Exhausted:
		return "exhausted"
	case Device:
		return "device"
	case Protocol:
		return "protocol"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is matching.
var (
	ErrAllocation = &Error{Kind: Allocation, Message: "device memory exhausted"}
	ErrCapacity   = &Error{Kind: Capacity, Message: "capacity exceeded"}
	ErrShape      = &Error{Kind: Shape, Message: "shape mismatch"}
	ErrBounds     = &Error{Kind: Bounds, Message: "out of bounds"}
	ErrKernel     = &Error{Kind: Kernel, Message: "kernel failed"}
	ErrExhausted  = &Error{Kind: Exhausted, Message: "iterator exhausted"}
	ErrDevice     = &Error{Kind: Device, Message: "invalid device"}
	ErrProtocol   = &Error{Kind: Protocol, Message: "protocol violation"}
)

// Error is a failure with its kind and the operation that produced it.
type Error struct {
	Kind    Kind
	Op      string // operation that failed, e.g. "matrix.SetNcols"
	Message string
	Err     error // underlying cause, if any
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s error: %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, msg)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New creates an error of the given kind.
func New(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error of the given kind around a cause.
func Wrap(kind Kind, op string, err error, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
