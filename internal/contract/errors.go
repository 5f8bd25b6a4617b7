// Package contract provides transport-agnostic lifecycle primitives shared by
// all platform adapters: sessions, event streams, callbacks, token resolution,
// and reconnect backoff. Nothing in this package knows about a specific chat
// platform.
package contract

import "errors"

// Error is a domain error with a machine-readable code. Security and contract
// failures carry codes such as "auth_missing", "replay_detected",
// "scope_denied", or "invalid_transition" so callers can branch without
// string matching on messages.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// NewError creates an Error with the given code and message.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// CodeOf returns the machine-readable code of err, or empty string if err is
// not a contract Error.
func CodeOf(err error) string {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}
