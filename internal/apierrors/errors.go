// Package apierrors provides the structured error taxonomy for outbound
// requests and the session lifecycle, with user-presentable messages.
package apierrors

import (
	"errors"
	"fmt"
)

// ErrorType represents the category of error for retry policy, metrics and
// user-facing message selection.
type ErrorType string

const (
	// TypeAuthExpired indicates an expired or invalid credential after one
	// refresh was already attempted for the call.
	TypeAuthExpired ErrorType = "auth_expired"
	// TypeAuthUnrecoverable indicates the refresh itself failed; the only
	// error class allowed to force a process-wide sign-out.
	TypeAuthUnrecoverable ErrorType = "auth_unrecoverable"
	// TypePermissionDenied indicates HTTP 403; never retried.
	TypePermissionDenied ErrorType = "permission_denied"
	// TypeClient indicates any other 4xx; surfaced untouched, never retried.
	TypeClient ErrorType = "client"
	// TypeServer indicates 5xx; transient, retried with bounded backoff.
	TypeServer ErrorType = "server"
	// TypeNetwork indicates a transport failure or timeout; transient.
	TypeNetwork ErrorType = "network"
	// TypeParse indicates a malformed response body.
	TypeParse ErrorType = "parse"
	// TypeSubscription indicates a transport-level channel failure; never
	// fatal, only reflected as a channel status flip.
	TypeSubscription ErrorType = "subscription"
)

// Error is a structured error with type, server-provided message and status.
type Error struct {
	Type       ErrorType
	Message    string
	StatusCode int
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Retryable reports whether this error class is subject to bounded retries.
func (e *Error) Retryable() bool {
	return e.Type == TypeServer || e.Type == TypeNetwork
}

// UserMessage returns the message to present to the user. Authentication and
// permission failures get a single consistent wording each; everything else
// surfaces the server-provided message, generically worded if absent.
func (e *Error) UserMessage() string {
	switch e.Type {
	case TypeAuthExpired, TypeAuthUnrecoverable:
		return "Your session has expired, please sign in again."
	case TypePermissionDenied:
		return "You do not have permission to perform this action."
	default:
		if e.Message != "" {
			return e.Message
		}
		return "Something went wrong, please try again."
	}
}

// AuthExpired creates an expired-credential error.
func AuthExpired(message string) *Error {
	return &Error{Type: TypeAuthExpired, Message: message, StatusCode: 401}
}

// AuthUnrecoverable creates a failed-refresh error.
func AuthUnrecoverable(message string, cause error) *Error {
	return &Error{Type: TypeAuthUnrecoverable, Message: message, Cause: cause}
}

// PermissionDenied creates a 403 error.
func PermissionDenied(message string) *Error {
	return &Error{Type: TypePermissionDenied, Message: message, StatusCode: 403}
}

// Client creates a non-retryable 4xx error carrying the server message.
func Client(statusCode int, message string) *Error {
	return &Error{Type: TypeClient, Message: message, StatusCode: statusCode}
}

// Server creates a retryable 5xx error.
func Server(statusCode int, message string) *Error {
	return &Error{Type: TypeServer, Message: message, StatusCode: statusCode}
}

// Network creates a retryable transport error.
func Network(cause error) *Error {
	return &Error{Type: TypeNetwork, Message: "network error", Cause: cause}
}

// Parse creates a malformed-response error.
func Parse(cause error) *Error {
	return &Error{Type: TypeParse, Message: "malformed response", Cause: cause}
}

// Subscription creates a non-fatal channel error.
func Subscription(cause error) *Error {
	return &Error{Type: TypeSubscription, Message: "subscription error", Cause: cause}
}

// IsType reports whether err carries the given error type anywhere in its
// chain.
func IsType(err error, t ErrorType) bool {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Type == t
	}
	return false
}

// As converts any error into a structured *Error. If err is already an
// *Error it is returned unchanged; otherwise it is wrapped as a network
// error, the conservative retryable default for transport-level failures.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return Network(err)
}
