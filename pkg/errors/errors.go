// Package errors provides structured error types for the imgtier pipeline.
//
// This package defines error codes and types that enable:
//   - A fixed failure taxonomy shared by the resolver, sequencer and controller
//   - Machine-readable error codes for programmatic handling
//   - User-friendly error messages
//   - Error wrapping with context preservation
//
// # Error Codes
//
// The pipeline surfaces four kinds of outcome to consumers:
//   - TRANSFORM_UNAVAILABLE: no variant URL can be built for the source
//   - NETWORK_FAILURE: a probe errored, returned non-success, or timed out
//   - EXHAUSTED: the terminal stage failed after every stage was attempted
//   - CANCELLED: the session was cancelled or superseded (not an error for consumers)
//
// Only TRANSFORM_UNAVAILABLE and EXHAUSTED normally reach a consumer's error
// callback; NETWORK_FAILURE is absorbed by degrading to the next stage.
//
// # Usage
//
//	err := errors.New(errors.ErrCodeTransformUnavailable, "source %q has no scheme", src)
//	if errors.Is(err, errors.ErrCodeTransformUnavailable) {
//	    // Handle malformed descriptor
//	}
//
//	// Wrap existing errors
//	err := errors.Wrap(errors.ErrCodeNetworkFailure, origErr, "probe %s", url)
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Code represents a machine-readable error code.
type Code string

// Error codes for different error categories.
const (
	// Pipeline outcomes
	ErrCodeTransformUnavailable Code = "TRANSFORM_UNAVAILABLE"
	ErrCodeNetworkFailure       Code = "NETWORK_FAILURE"
	ErrCodeTimeout              Code = "TIMEOUT"
	ErrCodeExhausted            Code = "EXHAUSTED"
	ErrCodeCancelled            Code = "CANCELLED"

	// Input validation errors
	ErrCodeInvalidInput  Code = "INVALID_INPUT"
	ErrCodeInvalidConfig Code = "INVALID_CONFIG"

	// Internal errors
	ErrCodeInternal Code = "INTERNAL_ERROR"
)

// Error is a structured error with a code and optional cause.
type Error struct {
	Code    Code   // Machine-readable error code
	Message string // Human-readable message
	Cause   error  // Underlying error (optional)
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// MarshalJSON encodes the code and message. The cause is flattened to text.
func (e *Error) MarshalJSON() ([]byte, error) {
	out := struct {
		Code    Code   `json:"code"`
		Message string `json:"message"`
		Cause   string `json:"cause,omitempty"`
	}{Code: e.Code, Message: e.Message}
	if e.Cause != nil {
		out.Cause = e.Cause.Error()
	}
	return json.Marshal(out)
}

// New creates a new Error with the given code and formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap creates a new Error wrapping an existing error.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   cause,
	}
}

// Is reports whether err has the given error code.
// It unwraps the error chain looking for an *Error with a matching code.
func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// GetCode extracts the error code from an error, if available.
// Returns empty string if the error is not an *Error.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// As returns the first *Error in err's chain, or nil.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// UserMessage returns a user-friendly message for the error.
// For *Error types, returns the message without the code prefix.
// For other errors, returns the error string as-is.
func UserMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}

// Exhausted builds the terminal-stage failure for a session.
//
// lastStage names the best stage that stayed on screen ("" or "idle" when no
// stage ever rendered). Partial reports whether that is a usable image, which
// lets consumers tell a total failure from a degraded one.
func Exhausted(cause error, lastStage string, partial bool) *Error {
	msg := "all stages attempted, terminal stage failed"
	if partial {
		msg = fmt.Sprintf("terminal stage failed, keeping %s", lastStage)
	}
	return &Error{
		Code:    ErrCodeExhausted,
		Message: msg,
		Cause:   &ExhaustedError{LastStage: lastStage, Partial: partial, Err: cause},
	}
}

// ExhaustedError carries the detail of an EXHAUSTED outcome.
type ExhaustedError struct {
	LastStage string // Best stage still displayed
	Partial   bool   // True if an earlier stage rendered successfully
	Err       error  // Failure of the terminal stage
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	if e.Err == nil {
		return "exhausted"
	}
	return e.Err.Error()
}

// Unwrap returns the terminal stage failure.
func (e *ExhaustedError) Unwrap() error { return e.Err }

// ExhaustedDetail extracts the detail of an EXHAUSTED error, if present.
func ExhaustedDetail(err error) (*ExhaustedError, bool) {
	var e *ExhaustedError
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
