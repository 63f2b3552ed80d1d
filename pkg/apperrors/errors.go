// Package apperrors defines the error taxonomy shared by the coordination
// engine and its transport layers.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType groups error codes by how a caller should react to them.
type ErrorType string

const (
	// ErrorTypeNotFound indicates a referenced id does not resolve.
	ErrorTypeNotFound ErrorType = "NOT_FOUND"

	// ErrorTypeValidation indicates malformed or rule-violating input.
	ErrorTypeValidation ErrorType = "VALIDATION"

	// ErrorTypeConflict indicates an optimistic concurrency collision.
	ErrorTypeConflict ErrorType = "CONFLICT"

	// ErrorTypeState indicates the operation is not valid for the current entity state.
	ErrorTypeState ErrorType = "STATE"

	// ErrorTypeInternal indicates a store or infrastructure failure.
	ErrorTypeInternal ErrorType = "INTERNAL"
)

// Code is the stable, caller-visible error identifier.
type Code string

const (
	CodeNotFound          Code = "NotFound"
	CodeValidation        Code = "Validation"
	CodeDuplicateCode     Code = "DuplicateCode"
	CodeInvalidParent     Code = "InvalidParent"
	CodeSameLocation      Code = "SameLocation"
	CodeLocationInactive  Code = "LocationInactive"
	CodeCapacityLocked    Code = "CapacityLocked"
	CodeLocationInUse     Code = "LocationInUse"
	CodeConflict          Code = "Conflict"
	CodeInvalidTransition Code = "InvalidTransition"
	CodeCapacityExceeded  Code = "CapacityExceeded"
	CodeInternal          Code = "Internal"
)

// AppError represents an application error
type AppError struct {
	Type    ErrorType
	Code    Code
	Message string
	Err     error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap implements the unwrap interface
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is matches another *AppError by code, so errors.Is(err, ErrConflict) works
// on wrapped values.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is comparisons.
var (
	ErrNotFound          = &AppError{Type: ErrorTypeNotFound, Code: CodeNotFound}
	ErrConflict          = &AppError{Type: ErrorTypeConflict, Code: CodeConflict}
	ErrInvalidTransition = &AppError{Type: ErrorTypeState, Code: CodeInvalidTransition}
	ErrCapacityExceeded  = &AppError{Type: ErrorTypeState, Code: CodeCapacityExceeded}
)

func newError(t ErrorType, code Code, format string, args ...any) *AppError {
	return &AppError{Type: t, Code: code, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) *AppError {
	return newError(ErrorTypeNotFound, CodeNotFound, format, args...)
}

func Validation(format string, args ...any) *AppError {
	return newError(ErrorTypeValidation, CodeValidation, format, args...)
}

func DuplicateCode(code string) *AppError {
	return newError(ErrorTypeValidation, CodeDuplicateCode, "location code %q already exists", code)
}

func InvalidParent(format string, args ...any) *AppError {
	return newError(ErrorTypeValidation, CodeInvalidParent, format, args...)
}

func SameLocation() *AppError {
	return newError(ErrorTypeValidation, CodeSameLocation, "source and destination must differ")
}

func LocationInactive(id fmt.Stringer) *AppError {
	return newError(ErrorTypeValidation, CodeLocationInactive, "location %s is not active", id)
}

func CapacityLocked(format string, args ...any) *AppError {
	return newError(ErrorTypeValidation, CodeCapacityLocked, format, args...)
}

func LocationInUse(format string, args ...any) *AppError {
	return newError(ErrorTypeValidation, CodeLocationInUse, format, args...)
}

func Conflict(format string, args ...any) *AppError {
	return newError(ErrorTypeConflict, CodeConflict, format, args...)
}

func InvalidTransition(from, action string) *AppError {
	return newError(ErrorTypeState, CodeInvalidTransition, "cannot %s a transfer in status %s", action, from)
}

func CapacityExceeded(format string, args ...any) *AppError {
	return newError(ErrorTypeState, CodeCapacityExceeded, format, args...)
}

// Internal wraps an infrastructure failure.
func Internal(message string, err error) *AppError {
	return &AppError{Type: ErrorTypeInternal, Code: CodeInternal, Message: message, Err: err}
}

// As returns the first *AppError in err's chain.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// CodeOf returns the code of err, or CodeInternal for foreign errors.
func CodeOf(err error) Code {
	if appErr, ok := As(err); ok {
		return appErr.Code
	}
	return CodeInternal
}

func IsNotFound(err error) bool { return CodeOf(err) == CodeNotFound }

func IsConflict(err error) bool { return CodeOf(err) == CodeConflict }

// HTTPStatus maps an error to the response status used by the API layer.
func HTTPStatus(err error) int {
	appErr, ok := As(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch appErr.Type {
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeValidation:
		return http.StatusUnprocessableEntity
	case ErrorTypeConflict, ErrorTypeState:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
