// Package fwerrors defines the error kinds of the control-plane and
// writing-engine contracts and wraps github.com/pkg/errors for stack
// context, the way the teacher's internal/errors package wraps it.
package fwerrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind identifies one of the error kinds of the error handling design.
type Kind string

const (
	ConfigRejected Kind = "ConfigRejected"
	MissingField   Kind = "MissingField"
	UnknownDataset Kind = "UnknownDataset"
	UnknownLabel   Kind = "UnknownLabel"
	OutOfOrder     Kind = "OutOfOrder"
	WrongRank      Kind = "WrongRank"
	StorageError   Kind = "StorageError"
	AlreadyLoaded  Kind = "AlreadyLoaded"
	NotLoaded      Kind = "NotLoaded"
	TransportError Kind = "TransportError"
)

// Error is a kinded error. StorageError instances carry the adapter
// diagnostic text that caused them.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is reports whether target is an *Error of the same Kind, so that
// errors.Is(err, fwerrors.New(OutOfOrder, "")) works as a kind test.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New builds an *Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error of the given kind that carries cause as its
// underlying error (unwrappable via errors.Unwrap / errors.As).
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: errors.WithStack(cause)}
}

// Fatal marks an error that should terminate the process with a non-zero
// exit code, mirroring the teacher's errors.Fatal convention used for
// initialization failures of the control-reactor task (spec §6 exit codes).
type Fatal string

func (f Fatal) Error() string { return string(f) }

// IsKind reports whether err is an *Error of kind k, walking the Unwrap chain.
func IsKind(err error, k Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind == k
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
