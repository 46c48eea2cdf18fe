// Package xkrterr implements the runtime's error taxonomy (spec.md §7):
// configuration, resource-exhaustion, driver, dependency-graph and fatal
// errors, classified by Kind rather than by Go type so callers can branch
// on errors.As(&xkrterr.Error{}) and switch on Kind.
package xkrterr

import (
	"fmt"
	"syscall"

	"github.com/pkg/errors"
)

// Kind classifies an Error by the taxonomy of spec.md §7.
type Kind string

const (
	KindConfiguration     Kind = "configuration"
	KindResourceExhausted Kind = "resource_exhausted"
	KindDriver            Kind = "driver"
	KindDependencyGraph   Kind = "dependency_graph"
	KindFatal             Kind = "fatal"
)

// Error is a structured runtime error: the operation that failed, its
// classification, the device involved (0 if none), an optional kernel
// errno, a human message and an optional wrapped cause.
type Error struct {
	Op      string
	Kind    Kind
	Device  uint32
	Errno   syscall.Errno
	Msg     string
	Inner   error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}
	switch {
	case e.Device != 0 && e.Errno != 0:
		return fmt.Sprintf("xkrt: %s: %s (op=%s device=%d errno=%d)", e.Kind, msg, e.Op, e.Device, e.Errno)
	case e.Device != 0:
		return fmt.Sprintf("xkrt: %s: %s (op=%s device=%d)", e.Kind, msg, e.Op, e.Device)
	case e.Errno != 0:
		return fmt.Sprintf("xkrt: %s: %s (op=%s errno=%d)", e.Kind, msg, e.Op, e.Errno)
	default:
		return fmt.Sprintf("xkrt: %s: %s (op=%s)", e.Kind, msg, e.Op)
	}
}

// Unwrap gives errors.Is/errors.As access to the wrapped cause.
func (e *Error) Unwrap() error { return e.Inner }

// Is supports errors.Is against another *Error by Kind, the way callers
// check "is this a resource-exhaustion error" without caring about Op.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == te.Kind
}

// New builds a structured error of the given kind.
func New(op string, kind Kind, msg string) *Error {
	return &Error{Op: op, Kind: kind, Msg: msg}
}

// NewDevice builds a structured error scoped to a device.
func NewDevice(op string, device uint32, kind Kind, msg string) *Error {
	return &Error{Op: op, Device: device, Kind: kind, Msg: msg}
}

// Wrap attaches op/kind context to an existing error, mapping a bare
// syscall.Errno the way the driver layer surfaces kernel failures, and
// preserving already-structured errors' classification unless overridden.
func Wrap(op string, kind Kind, inner error) *Error {
	if inner == nil {
		return nil
	}
	if xe, ok := inner.(*Error); ok {
		return &Error{Op: op, Kind: kind, Device: xe.Device, Errno: xe.Errno, Msg: xe.Msg, Inner: xe}
	}
	if errno, ok := inner.(syscall.Errno); ok {
		return &Error{Op: op, Kind: kind, Errno: errno, Msg: errno.Error(), Inner: inner}
	}
	return &Error{Op: op, Kind: kind, Msg: inner.Error(), Inner: errors.WithStack(inner)}
}

// Is reports whether err is a structured Error of the given kind.
func Is(err error, kind Kind) bool {
	var xe *Error
	if errors.As(err, &xe) {
		return xe.Kind == kind
	}
	return false
}

// ErrUnimplemented is returned by moldable split policies the original
// source only declares, never contracts (spec.md §9 Open Questions).
var ErrUnimplemented = New("split", KindFatal, "split policy not implemented")
