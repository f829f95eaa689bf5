package oauth

import (
	"errors"
	"fmt"
	"net/http"
)

// OAuth error codes (RFC 6749 Section 5.2, RFC 6750 Section 3.1).
const (
	CodeInvalidRequest       = "invalid_request"
	CodeInvalidClient        = "invalid_client"
	CodeInvalidGrant         = "invalid_grant"
	CodeUnauthorizedClient   = "unauthorized_client"
	CodeUnsupportedGrantType = "unsupported_grant_type"
	CodeInvalidScope         = "invalid_scope"
	CodeAccessDenied         = "access_denied"
	CodeInvalidToken         = "invalid_token"
	CodeServerError          = "server_error"
)

var (
	// ErrCorruptToken marks a stored token record that violates the
	// store's integrity rules (for example a missing access token expiry).
	ErrCorruptToken = errors.New("corrupt token record")

	// ErrTokenNotFound is returned when no live token matches.
	ErrTokenNotFound = errors.New("token not found")

	// ErrCodeNotFound is returned when an authorization code is unknown.
	ErrCodeNotFound = errors.New("authorization code not found")
)

// Error is a protocol-level OAuth error carrying the HTTP status it maps to.
type Error struct {
	Code        string
	Description string
	Status      int
	Err         error
}

func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return e.Code + ": " + e.Description
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ErrorResponse is the RFC 6749 error body.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// Response returns the JSON body for the error.
func (e *Error) Response() ErrorResponse {
	return ErrorResponse{Error: e.Code, ErrorDescription: e.Description}
}

func newError(code string, status int, format string, args ...any) *Error {
	return &Error{Code: code, Status: status, Description: fmt.Sprintf(format, args...)}
}

// ErrInvalidRequest reports a malformed or incomplete request.
func ErrInvalidRequest(format string, args ...any) *Error {
	return newError(CodeInvalidRequest, http.StatusBadRequest, format, args...)
}

// ErrInvalidClient reports an unknown client or a secret mismatch.
func ErrInvalidClient(format string, args ...any) *Error {
	return newError(CodeInvalidClient, http.StatusUnauthorized, format, args...)
}

// ErrInvalidGrant reports an unusable code or refresh token.
func ErrInvalidGrant(format string, args ...any) *Error {
	return newError(CodeInvalidGrant, http.StatusBadRequest, format, args...)
}

// ErrUnauthorizedClient reports a grant type the client may not use.
func ErrUnauthorizedClient(format string, args ...any) *Error {
	return newError(CodeUnauthorizedClient, http.StatusBadRequest, format, args...)
}

// ErrUnsupportedGrantType reports a grant type the server does not implement.
func ErrUnsupportedGrantType(format string, args ...any) *Error {
	return newError(CodeUnsupportedGrantType, http.StatusBadRequest, format, args...)
}

// ErrInvalidScope reports a scope outside what the client or token allows.
func ErrInvalidScope(format string, args ...any) *Error {
	return newError(CodeInvalidScope, http.StatusBadRequest, format, args...)
}

// ErrServer wraps an unexpected failure.
func ErrServer(err error) *Error {
	return &Error{
		Code:        CodeServerError,
		Status:      http.StatusInternalServerError,
		Description: "internal server error",
		Err:         err,
	}
}

// AsError converts any error into an *Error, mapping unknown errors to
// server_error.
func AsError(err error) *Error {
	var oe *Error
	if errors.As(err, &oe) {
		return oe
	}
	return ErrServer(err)
}
