// Package status defines the sum type of error kinds returned across the
// daemon's API boundaries (IPC replies, bus method errors, internal plumbing).
// The ipc package recovers handler panics at its dispatch boundary and
// replies with a HANDLER_ERROR frame; the bus endpoints do not recover
// panics. Everything else uses result values, not panics.
package status

import (
	"errors"
	"fmt"
)

// Code enumerates the error kinds a client-visible operation can fail with.
type Code uint8

const (
	// CodeOK indicates success; Status values with CodeOK are never constructed
	// by NewError, only returned implicitly when an operation does not fail.
	CodeOK Code = iota
	CodeConfigError
	CodeZoneOperationError
	CodePolicyDenied
	CodeUnknownTarget
	CodeTargetStopped
	CodeTimeout
	CodePeerGone
	CodeForwarded
	CodeIoError
	CodeFraming
	CodeFatal
)

// String returns the human-readable name of the code.
func (c Code) String() string {
	switch c {
	case CodeOK:
		return "OK"
	case CodeConfigError:
		return "ConfigError"
	case CodeZoneOperationError:
		return "ZoneOperationError"
	case CodePolicyDenied:
		return "PolicyDenied"
	case CodeUnknownTarget:
		return "UnknownTarget"
	case CodeTargetStopped:
		return "TargetStopped"
	case CodeTimeout:
		return "Timeout"
	case CodePeerGone:
		return "PeerGone"
	case CodeForwarded:
		return "Forwarded"
	case CodeIoError:
		return "IoError"
	case CodeFraming:
		return "Framing"
	case CodeFatal:
		return "Fatal"
	default:
		return "Unknown"
	}
}

// Error is the status sum type carried across API boundaries. It wraps an
// optional underlying cause so callers can still use errors.Is/errors.As
// against sentinel errors while a single typed value crosses the wire.
type Error struct {
	Code Code
	Err  error
}

// NewError builds a Status error for the given code and cause.
func NewError(code Code, err error) *Error {
	return &Error{Code: code, Err: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Err)
}

// Unwrap allows errors.Is/errors.As to see through to the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a *Error with the same Code, so callers can
// write errors.Is(err, status.NewError(status.CodeTimeout, nil)).
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Code == other.Code
}

// Message returns the human-readable last-error string for a client handle,
// matching the get_status_message contract of spec section 7.
func Message(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// CodeOf extracts the Code from err, defaulting to CodeFatal for errors that
// were never classified (an invariant violation elsewhere in the codebase).
func CodeOf(err error) Code {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return CodeFatal
}
