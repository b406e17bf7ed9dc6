// Package xerr implements the fixed connector error taxonomy and the
// HTTP-status/message classification rules that map transport and remote
// failures onto it.
package xerr

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

// Code is one of the fixed taxonomy members.
type Code string

const (
	CodeAuthenticationFailed Code = "authentication_failed"
	CodeAuthorizationFailed  Code = "authorization_failed"
	CodeNotFound             Code = "not_found"
	CodeRateLimited          Code = "rate_limited"
	CodeNetworkError         Code = "network_error"
	CodeTimeout              Code = "timeout"
	CodeBadRequest           Code = "bad_request"
	CodeSchemaValidation     Code = "schema_validation"
	CodeRemoteError          Code = "remote_error"
	CodeUnknown              Code = "unknown"

	// CodeRehydrationFailed and CodeStartupSchemaMismatch extend the
	// taxonomy for the boot-time subsystems.
	CodeRehydrationFailed    Code = "rehydration_failed"
	CodeStartupSchemaMismatch Code = "startup_schema_mismatch"
	CodeRateLimitExceeded    Code = "rate_limit_exceeded"
)

// Error carries the taxonomy code, the original cause, a human-readable
// message, and the original HTTP status (if any) so that callers such as the
// local REST route adapter can classify it further.
type Error struct {
	Code       Code
	Message    string
	Cause      error
	HTTPStatus int // 0 when not derived from an HTTP response
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a taxonomy error with no underlying cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a taxonomy code to an existing error.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// MapHTTPStatus applies the fixed status->code mapping rules, in order.
func MapHTTPStatus(status int) Code {
	switch {
	case status == http.StatusBadRequest:
		return CodeBadRequest
	case status == http.StatusUnauthorized:
		return CodeAuthenticationFailed
	case status == http.StatusForbidden:
		return CodeAuthorizationFailed
	case status == http.StatusNotFound:
		return CodeNotFound
	case status == http.StatusTooManyRequests:
		return CodeRateLimited
	case status >= 500:
		return CodeRemoteError
	default:
		return CodeUnknown
	}
}

// MapError classifies a transport-layer error that did not carry an HTTP
// status: timeouts, socket/OS errors, and substring heuristics over the
// error message, checked in order.
func MapError(err error) Code {
	if err == nil {
		return CodeUnknown
	}

	var timeoutErr interface{ Timeout() bool }
	if errors.As(err, &timeoutErr) && timeoutErr.Timeout() {
		return CodeTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"):
		return CodeTimeout
	case strings.Contains(msg, "connection"), strings.Contains(msg, "network"):
		return CodeNetworkError
	}

	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return CodeSchemaValidation
	}

	return CodeUnknown
}

// FromHTTP builds a taxonomy error from a completed HTTP response whose
// status indicates failure. body is the raw response body, used as the
// message when non-empty.
func FromHTTP(status int, body string) *Error {
	code := MapHTTPStatus(status)
	msg := body
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &Error{Code: code, Message: msg, HTTPStatus: status}
}

// IsRetryable reports whether the HTTP client should retry a request that
// failed with this taxonomy code.
func IsRetryable(code Code) bool {
	switch code {
	case CodeNetworkError, CodeTimeout, CodeRateLimited:
		return true
	default:
		return false
	}
}
