// Package errors provides a structured error type with wrapping and metadata
package errors

// Always import the project errors package as perr (internal/errors)

import (
	stderrs "errors"
	"fmt"
)

// ErrorCode classifies failures raised by the analysis core
// Values are stable because they are persisted in the results database
type ErrorCode uint16

const (
	// ErrorCodeUnknown is for unclassified errors
	ErrorCodeUnknown ErrorCode = iota

	// ErrorCodeValidation is for malformed threshold ranges, region definitions or configuration
	ErrorCodeValidation

	// ErrorCodeInput is for missing or unreadable case data
	ErrorCodeInput

	// ErrorCodeGeometryMismatch is for a segmentation grid that does not match its volume
	ErrorCodeGeometryMismatch

	// ErrorCodeEmptyInput marks a segmentation without lung voxels, only ever used as a warning
	ErrorCodeEmptyInput

	// ErrorCodeCancelled is for work that was not started because of a cancellation request
	ErrorCodeCancelled

	// ErrorCodeStorage is for results database and artifact write failures
	ErrorCodeStorage
)

// String returns the stable name of the code
func (c ErrorCode) String() string {
	switch c {
	case ErrorCodeValidation:
		return "validation"
	case ErrorCodeInput:
		return "input"
	case ErrorCodeGeometryMismatch:
		return "geometry_mismatch"
	case ErrorCodeEmptyInput:
		return "empty_input"
	case ErrorCodeCancelled:
		return "cancelled"
	case ErrorCodeStorage:
		return "storage"
	default:
		return "unknown"
	}
}

// Error is the structured error type with wrapping and metadata
// msg is human/developer facing; code is machine facing
// field is optional (for validation); op is optional operation tag
// orig is the wrapped cause
type Error struct {
	orig  error
	msg   string
	code  ErrorCode
	field string
	op    string
}

// Error implements the error interface
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.msg
	if e.field != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.field)
	}
	if e.orig != nil {
		return fmt.Sprintf("%s: %v", msg, e.orig)
	}
	return msg
}

// Unwrap returns the wrapped error, if any
func (e *Error) Unwrap() error { return e.orig }

// Code returns the error code
func (e *Error) Code() ErrorCode { return e.code }

// Field returns the offending field, if any
func (e *Error) Field() string { return e.field }

// Op returns the operation label, if set
func (e *Error) Op() string { return e.op }

// Root returns the deepest wrapped cause
func Root(err error) error {
	for err != nil {
		u := stderrs.Unwrap(err)
		if u == nil {
			return err
		}
		err = u
	}
	return nil
}

// CodeOf extracts an ErrorCode from any error, defaulting to Unknown
func CodeOf(err error) ErrorCode {
	if e, ok := As(err); ok {
		return e.code
	}
	return ErrorCodeUnknown
}

// IsCode reports whether err has the given code
func IsCode(err error, code ErrorCode) bool { return CodeOf(err) == code }

// As unwraps and returns (*Error, true) if err is one of ours
func As(err error) (*Error, bool) {
	var e *Error
	if stderrs.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Mutators (copy-on-write)

// WithField attaches a field to an *Error (copy-on-write). If err isn't *Error, returns err unchanged
func WithField(err error, field string) error {
	if e, ok := As(err); ok {
		c := *e
		c.field = field
		return &c
	}
	return err
}

// WithOp attaches an operation label to an *Error (copy-on-write). If err isn't *Error, returns err unchanged
func WithOp(err error, op string) error {
	if e, ok := As(err); ok {
		c := *e
		c.op = op
		return &c
	}
	return err
}

// Constructors

// New returns a new *Error with the given code and message
func New(code ErrorCode, msg string) error { return &Error{code: code, msg: msg} }

// Newf returns a new *Error with code and formatted message
func Newf(code ErrorCode, format string, a ...any) error {
	return &Error{code: code, msg: fmt.Sprintf(format, a...)}
}

// Wrap returns a new *Error that wraps orig with code and message
func Wrap(orig error, code ErrorCode, msg string) error {
	return &Error{code: code, msg: msg, orig: orig}
}

// Wrapf returns a new *Error that wraps orig with code and formatted message
func Wrapf(orig error, code ErrorCode, format string, a ...any) error {
	return &Error{code: code, msg: fmt.Sprintf(format, a...), orig: orig}
}

// Sugar

// Validationf returns a validation error
func Validationf(format string, a ...any) error { return Newf(ErrorCodeValidation, format, a...) }

// Inputf returns an input error
func Inputf(format string, a ...any) error { return Newf(ErrorCodeInput, format, a...) }

// GeometryMismatchf returns a geometry mismatch error
func GeometryMismatchf(format string, a ...any) error {
	return Newf(ErrorCodeGeometryMismatch, format, a...)
}

// EmptyInputf returns an empty input warning
func EmptyInputf(format string, a ...any) error { return Newf(ErrorCodeEmptyInput, format, a...) }
