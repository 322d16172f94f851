// Package errors defines structured error types for the storage engine.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Code classifies storage engine failures.
type Code string

const (
	// CodePath is returned when a target path escapes the allowed root or is a directory.
	CodePath Code = "PATH"
	// CodeEncoding is returned when a file does not contain valid UTF-8.
	CodeEncoding Code = "ENCODING"
	// CodeDecode is returned when a file does not parse as JSON.
	CodeDecode Code = "DECODE"
	// CodeSchema is returned when parsed JSON has the wrong shape.
	CodeSchema Code = "SCHEMA"
	// CodeDuplicateID is returned when two records share an id.
	CodeDuplicateID Code = "DUPLICATE_ID"
	// CodeLockTimeout is returned when a lock could not be acquired in time.
	CodeLockTimeout Code = "LOCK_TIMEOUT"
	// CodeLockRange is returned when a computed lock byte range is invalid.
	CodeLockRange Code = "LOCK_RANGE"
	// CodeNoContext is returned on context-aware acquisition without a context.
	CodeNoContext Code = "NO_CONTEXT"
	// CodeNotFound is returned when a record id does not exist.
	CodeNotFound Code = "NOT_FOUND"
	// CodeIO is returned when an OS-level operation fails.
	CodeIO Code = "IO"
)

// StoreError is a concrete error type carrying a code and the offending path.
type StoreError struct {
	code       Code
	path       string
	message    string
	wrappedErr error
}

// New creates a new StoreError with the given code and message.
func New(code Code, message string) *StoreError {
	return &StoreError{code: code, message: message}
}

// WithPath records the offending file path.
func (e *StoreError) WithPath(path string) *StoreError {
	e.path = path
	return e
}

// Wrap wraps an underlying error.
func (e *StoreError) Wrap(err error) *StoreError {
	e.wrappedErr = err
	return e
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	msg := e.message
	if e.path != "" {
		msg = fmt.Sprintf("%s: %s", e.path, msg)
	}
	if e.wrappedErr != nil {
		return fmt.Sprintf("%s: %v", msg, e.wrappedErr)
	}
	return msg
}

// Code returns the error code.
func (e *StoreError) Code() Code {
	return e.code
}

// Path returns the offending path, if recorded.
func (e *StoreError) Path() string {
	return e.path
}

// Unwrap returns the wrapped error if any.
func (e *StoreError) Unwrap() error {
	return e.wrappedErr
}

// Is matches two StoreErrors by code so sentinels work with errors.Is.
func (e *StoreError) Is(target error) bool {
	var se *StoreError
	if !errors.As(target, &se) {
		return false
	}
	return e.code == se.code
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code Code) bool {
	var se *StoreError
	if !errors.As(err, &se) {
		return false
	}
	return se.code == code
}

// ErrNoContext is returned when a context-aware acquisition is attempted with a nil context.
var ErrNoContext = New(CodeNoContext, "no active context: pass a non-nil context or use the blocking entry point")

// Predefined error constructors for common cases

// Path creates an error for a target outside the allowed root or pointing at a directory.
func Path(path, reason string) *StoreError {
	return New(CodePath, reason).WithPath(path)
}

// Encoding creates an error for invalid UTF-8 content.
func Encoding(path string) *StoreError {
	return New(CodeEncoding, "file is not valid UTF-8").WithPath(path)
}

// Decode creates an error for content that does not parse as JSON.
func Decode(path string, err error) *StoreError {
	return New(CodeDecode, "invalid JSON").WithPath(path).Wrap(err)
}

// Schema creates an error for a structural contract violation.
func Schema(message string) *StoreError {
	return New(CodeSchema, message)
}

// SchemaAt creates an error for a malformed element at the given index.
func SchemaAt(index int, reason string) *StoreError {
	return New(CodeSchema, fmt.Sprintf("record at index %d %s", index, reason))
}

// DuplicateID creates an error for a repeated record id.
func DuplicateID(id int64) *StoreError {
	return New(CodeDuplicateID, fmt.Sprintf("duplicate record id %d", id))
}

// LockTimeout creates an error for a lock that stayed busy past the deadline.
func LockTimeout(path string, timeout time.Duration) *StoreError {
	return New(CodeLockTimeout, fmt.Sprintf("could not acquire lock within %s", timeout)).WithPath(path)
}

// LockRange creates an error for an invalid computed lock byte range.
func LockRange(n int64) *StoreError {
	return New(CodeLockRange, fmt.Sprintf("invalid lock range %d computed from file length; refusing partial-range fallback", n))
}

// NotFound creates an error for an unknown record id.
func NotFound(id int64) *StoreError {
	return New(CodeNotFound, fmt.Sprintf("record %d not found", id))
}

// IO creates an error wrapping an OS-level failure.
func IO(message string, err error) *StoreError {
	return New(CodeIO, message).Wrap(err)
}
