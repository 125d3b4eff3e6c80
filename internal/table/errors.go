package table

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested table, row, or column does not exist.
var ErrNotFound = errors.New("not found")

// ErrLocked is returned when a table's exclusive mutation window is open.
var ErrLocked = errors.New("table is locked by another operation")

// ErrorKind classifies engine errors so callers can map them to transport
// codes without string matching.
type ErrorKind string

const (
	KindValidation  ErrorKind = "validation"
	KindRetrieval   ErrorKind = "retrieval"
	KindGeneration  ErrorKind = "generation"
	KindConcurrency ErrorKind = "concurrency"
)

// Error carries a machine-readable kind alongside a human-readable message.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Validationf builds a validation error from a format string.
func Validationf(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// Retrievalf builds a retrieval error, optionally wrapping a cause.
func Retrievalf(cause error, format string, args ...any) *Error {
	return &Error{Kind: KindRetrieval, Message: fmt.Sprintf(format, args...), Err: cause}
}

// Generationf builds a generation error, optionally wrapping a cause.
func Generationf(cause error, format string, args ...any) *Error {
	return &Error{Kind: KindGeneration, Message: fmt.Sprintf(format, args...), Err: cause}
}

// Concurrencyf builds a concurrency error. These are retryable by the caller.
func Concurrencyf(format string, args ...any) *Error {
	return &Error{Kind: KindConcurrency, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the ErrorKind of err, or "" if err carries no kind.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
