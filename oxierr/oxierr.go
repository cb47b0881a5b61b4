// Package oxierr defines the error taxonomy used across the OxiBase
// storage engine. Every failure the engine produces maps to exactly one
// of these codes, so callers can dispatch with errors.As instead of
// string-matching.
package oxierr

import "fmt"

// Code identifies which taxonomy bucket an error belongs to.
type Code string

const (
	CodeSchemaError          Code = "SchemaError"
	CodeTypeError            Code = "TypeError"
	CodeConstraintViolation  Code = "ConstraintViolation"
	CodeUniqueViolation      Code = "UniqueViolation"
	CodeSerializationFailure Code = "SerializationFailure"
	CodeNotFound             Code = "NotFound"
	CodeIOError              Code = "IOError"
	CodeCorruptionError      Code = "CorruptionError"
	CodeCancelled            Code = "Cancelled"
	CodeInternalError        Code = "InternalError"
)

// Error is the concrete type behind every error the engine returns.
// Message carries the human-readable detail; Cause, when present, is
// wrapped and reachable via errors.Unwrap.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, oxierr.SchemaError) match any Error sharing the
// same Code, regardless of message or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

func newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func wrapf(code Code, cause error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Sentinel values usable with errors.Is to test the bucket of an error
// without caring about its message.
var (
	SchemaError          = &Error{Code: CodeSchemaError}
	TypeError            = &Error{Code: CodeTypeError}
	ConstraintViolation  = &Error{Code: CodeConstraintViolation}
	UniqueViolation      = &Error{Code: CodeUniqueViolation}
	SerializationFailure = &Error{Code: CodeSerializationFailure}
	NotFound             = &Error{Code: CodeNotFound}
	IOError              = &Error{Code: CodeIOError}
	CorruptionError      = &Error{Code: CodeCorruptionError}
	Cancelled            = &Error{Code: CodeCancelled}
	InternalError        = &Error{Code: CodeInternalError}
)

func NewSchemaError(format string, args ...interface{}) error {
	return newf(CodeSchemaError, format, args...)
}

func NewTypeError(format string, args ...interface{}) error {
	return newf(CodeTypeError, format, args...)
}

func NewConstraintViolation(format string, args ...interface{}) error {
	return newf(CodeConstraintViolation, format, args...)
}

func NewUniqueViolation(index string, key interface{}) error {
	return newf(CodeUniqueViolation, "duplicate key %v for index %s", key, index)
}

func NewSerializationFailure(table string, rowID int64) error {
	return newf(CodeSerializationFailure, "write-write conflict on %s row %d", table, rowID)
}

func NewNotFound(format string, args ...interface{}) error {
	return newf(CodeNotFound, format, args...)
}

func NewIOError(cause error, format string, args ...interface{}) error {
	return wrapf(CodeIOError, cause, format, args...)
}

func NewCorruptionError(format string, args ...interface{}) error {
	return newf(CodeCorruptionError, format, args...)
}

func NewCancelled(format string, args ...interface{}) error {
	return newf(CodeCancelled, format, args...)
}

func NewInternalError(format string, args ...interface{}) error {
	return newf(CodeInternalError, format, args...)
}

// As extracts the *Error behind err, if any.
func As(err error) (*Error, bool) {
	e, ok := err.(*Error)
	return e, ok
}
