package errors

import "fmt"

// Kind represents the type of error
type Kind int

const (
	ErrInternal Kind = iota
	ErrWrongState
	ErrUnknownEntity
	ErrRejected
	ErrInvalidArgument
	ErrForbidden
)

// Error is an application-level error with a kind for classification
type Error struct {
	Kind    Kind
	Message string
	Err     error // underlying error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Constructor functions for common error types

func WrongState(msg string) *Error {
	return &Error{Kind: ErrWrongState, Message: msg}
}

func WrongStatef(format string, args ...interface{}) *Error {
	return &Error{Kind: ErrWrongState, Message: fmt.Sprintf(format, args...)}
}

func UnknownEntity(msg string) *Error {
	return &Error{Kind: ErrUnknownEntity, Message: msg}
}

func UnknownEntityf(format string, args ...interface{}) *Error {
	return &Error{Kind: ErrUnknownEntity, Message: fmt.Sprintf(format, args...)}
}

// Rejected signals that a submission filter refused a submission. The
// message carries the filter's reason and is surfaced to the caller.
func Rejected(reason string) *Error {
	return &Error{Kind: ErrRejected, Message: reason}
}

func Rejectedf(format string, args ...interface{}) *Error {
	return &Error{Kind: ErrRejected, Message: fmt.Sprintf(format, args...)}
}

func InvalidArgument(msg string) *Error {
	return &Error{Kind: ErrInvalidArgument, Message: msg}
}

func InvalidArgumentf(format string, args ...interface{}) *Error {
	return &Error{Kind: ErrInvalidArgument, Message: fmt.Sprintf(format, args...)}
}

func Forbidden(msg string) *Error {
	return &Error{Kind: ErrForbidden, Message: msg}
}

func Forbiddenf(format string, args ...interface{}) *Error {
	return &Error{Kind: ErrForbidden, Message: fmt.Sprintf(format, args...)}
}

func Internal(err error) *Error {
	return &Error{Kind: ErrInternal, Message: "internal error", Err: err}
}

func Internalf(format string, args ...interface{}) *Error {
	return &Error{Kind: ErrInternal, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an error with additional context
func Wrap(err error, kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf extracts the Kind from an error, defaulting to ErrInternal
// for errors not produced by this package.
func KindOf(err error) Kind {
	if e, ok := err.(*Error); ok {
		return e.Kind
	}
	return ErrInternal
}
