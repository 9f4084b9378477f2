// Package status defines the closed set of status codes that cross the
// storage-core boundary. Callers switch exhaustively on Code; new variants
// are never added without a major version bump.
package status

import (
	"errors"
	"fmt"
)

type Code uint8

const (
	OK Code = iota
	InvalidArgument
	NotFound
	PermissionDenied
	AlreadyExists
	ConstraintViolation
	TypeMismatch
	OutOfMemory
	IOError
	Corruption
	Conflict
	Internal
)

func (c Code) String() string {
	switch c {
	case OK:
		return "ok"
	case InvalidArgument:
		return "invalid-argument"
	case NotFound:
		return "not-found"
	case PermissionDenied:
		return "permission-denied"
	case AlreadyExists:
		return "already-exists"
	case ConstraintViolation:
		return "constraint-violation"
	case TypeMismatch:
		return "type-mismatch"
	case OutOfMemory:
		return "out-of-memory"
	case IOError:
		return "io-error"
	case Corruption:
		return "corruption"
	case Conflict:
		return "conflict"
	case Internal:
		return "internal-error"
	}
	return fmt.Sprintf("unknown-status(%d)", uint8(c))
}

// Error is a status code with an optional diagnostic string. The diagnostic
// is informational only; internal detail such as raw byte offsets never
// crosses the boundary outside of it.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code.String()
	}
	return e.Code.String() + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// Errorf builds a status error with a formatted diagnostic.
func Errorf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a status code to an underlying error. A nil err yields nil.
func Wrap(code Code, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{Code: code, Message: err.Error(), cause: err}
}

// CodeOf extracts the status code from err, defaulting to Internal for
// errors that carry none and OK for nil.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return Internal
}

// Is reports whether err carries the given status code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
