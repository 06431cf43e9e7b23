package transport

import (
	"errors"
	"fmt"
)

// ErrorCode classifies transport failures for callers that must decide
// between retry, reconnect and surfacing.
type ErrorCode string

const (
	CodeConnectionTimeout ErrorCode = "CONNECTION_TIMEOUT"
	CodeConnectionFailed  ErrorCode = "CONNECTION_FAILED"
	CodeNotConnected      ErrorCode = "NOT_CONNECTED"
	CodeReceiveTimeout    ErrorCode = "RECEIVE_TIMEOUT"
	CodeIO                ErrorCode = "IO_ERROR"
	CodeTransport         ErrorCode = "TRANSPORT_ERROR"
)

// Error is a typed transport failure. Recoverable errors on an established
// link feed the auto-reconnect policy.
type Error struct {
	Code        ErrorCode
	Recoverable bool
	Message     string
	Cause       error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("transport: %s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("transport: %s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError builds a typed transport error.
func NewError(code ErrorCode, recoverable bool, msg string, cause error) *Error {
	return &Error{Code: code, Recoverable: recoverable, Message: msg, Cause: cause}
}

// CodeOf extracts the ErrorCode from err, or CodeTransport if err is not a
// transport error.
func CodeOf(err error) ErrorCode {
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return CodeTransport
}

// IsTimeout reports whether err is a receive or connect timeout.
func IsTimeout(err error) bool {
	c := CodeOf(err)
	return c == CodeReceiveTimeout || c == CodeConnectionTimeout
}
