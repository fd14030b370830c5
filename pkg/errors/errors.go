package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unique error code
type ErrorCode int

// AppError represents an application error
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Common error codes
const (
	ErrNotFound ErrorCode = iota + 1000
	ErrBadRequest
	ErrUnauthorized
	ErrInternal
	ErrTransient
	ErrDeclined
	ErrIneligible
	ErrParse
)

func NotFound(resource string, err error) *AppError {
	return &AppError{
		Code:    ErrNotFound,
		Message: fmt.Sprintf("%s not found", resource),
		Err:     err,
	}
}

func BadRequest(message string, err error) *AppError {
	return &AppError{
		Code:    ErrBadRequest,
		Message: message,
		Err:     err,
	}
}

func Internal(err error) *AppError {
	return &AppError{
		Code:    ErrInternal,
		Message: "internal error",
		Err:     err,
	}
}

func Unauthorized(err error) *AppError {
	return &AppError{
		Code:    ErrUnauthorized,
		Message: "unauthorized",
		Err:     err,
	}
}

// Transient marks a failure worth retrying on a later run: gateway timeouts,
// rate limiting, 5xx responses.
func Transient(message string, err error) *AppError {
	return &AppError{Code: ErrTransient, Message: message, Err: err}
}

// Declined marks a permanent gateway refusal such as a declined card.
func Declined(message string, err error) *AppError {
	return &AppError{Code: ErrDeclined, Message: message, Err: err}
}

// Ineligible marks an entity that should be skipped rather than failed.
func Ineligible(reason string) *AppError {
	return &AppError{Code: ErrIneligible, Message: reason}
}

func Parse(message string, err error) *AppError {
	return &AppError{Code: ErrParse, Message: message, Err: err}
}

// CodeOf returns the code of the first AppError in err's chain, or 0.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return 0
}

func IsRetryable(err error) bool {
	return CodeOf(err) == ErrTransient
}

func IsIneligible(err error) bool {
	return CodeOf(err) == ErrIneligible
}

func IsNotFound(err error) bool {
	return CodeOf(err) == ErrNotFound
}
