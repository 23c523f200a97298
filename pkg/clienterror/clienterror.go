// Package clienterror defines the errors surfaced to callers of the
// authenticated HTTP client.
package clienterror

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeInvalidUser          Code = "invalid_user"
	CodeNetworkingError      Code = "networking_error"
	CodeUserRefreshFailed    Code = "user_refresh_failed"
	CodeRefreshRetryExceeded Code = "refresh_retry_exceeded"
	CodeCancelled            Code = "cancelled"
	CodeUnexpected           Code = "unexpected"
)

var (
	// ErrInvalidUser is returned when a request has no live, logged-in session.
	ErrInvalidUser = &Error{Code: CodeInvalidUser, Message: "user invalid"}

	// ErrCancelled is returned when the caller cancelled the request.
	ErrCancelled = &Error{Code: CodeCancelled, Message: "request cancelled"}

	// ErrRefreshRetryExceeded is the cause of a refresh failure when a request
	// kept failing authorization after its retry budget was used up.
	ErrRefreshRetryExceeded = &Error{Code: CodeRefreshRetryExceeded, Message: "refresh retry count exceeded"}
)

type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}

	switch {
	case e.Message != "" && e.Err != nil:
		return e.Message + ": " + e.Err.Error()
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	}

	return string(e.Code)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches errors by code so that wrapped copies of the sentinels compare
// equal to them.
func (e *Error) Is(target error) bool {
	var typed *Error
	if !errors.As(target, &typed) || e == nil || typed == nil {
		return false
	}
	return e.Code == typed.Code && typed.Err == nil
}

func Wrap(code Code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NetworkingError wraps a transport failure unrelated to authorization.
func NetworkingError(err error) *Error {
	return Wrap(CodeNetworkingError, "networking error", err)
}

// UserRefreshFailed wraps the reason a token refresh did not succeed.
func UserRefreshFailed(err error) *Error {
	return Wrap(CodeUserRefreshFailed, "failed to refresh", err)
}

// Unexpected wraps an error no other code describes.
func Unexpected(err error) *Error {
	return Wrap(CodeUnexpected, "unexpected error", err)
}

// Cancelled wraps the context error that ended a request.
func Cancelled(err error) *Error {
	return Wrap(CodeCancelled, "request cancelled", err)
}

func IsCode(err error, code Code) bool {
	var typed *Error
	for err != nil {
		if !errors.As(err, &typed) {
			return false
		}
		if typed.Code == code {
			return true
		}
		err = typed.Err
	}
	return false
}

// StatusError describes an unexpected HTTP status from the identity backend.
type StatusError struct {
	StatusCode int
	// ErrorCode is the OAuth2 "error" field of the response body, if any.
	ErrorCode string
	Body      []byte
}

func (e *StatusError) Error() string {
	if e.ErrorCode != "" {
		return fmt.Sprintf("unexpected status %d (%s)", e.StatusCode, e.ErrorCode)
	}
	return fmt.Sprintf("unexpected status %d", e.StatusCode)
}
