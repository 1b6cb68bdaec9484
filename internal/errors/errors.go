// Package errors provides error codes shared by the sync core, its API and CLI.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode is a stable, machine-readable error identifier.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Database errors
	ErrDatabase   ErrorCode = "DATABASE_ERROR"
	ErrMigration  ErrorCode = "MIGRATION_FAILED"
	ErrConstraint ErrorCode = "CONSTRAINT_VIOLATION"

	// Sync errors
	ErrSyncFailed             ErrorCode = "SYNC_FAILED"
	ErrSyncOffline            ErrorCode = "SYNC_OFFLINE"
	ErrSyncConflict           ErrorCode = "SYNC_CONFLICT"
	ErrSyncUnresolvedConflict ErrorCode = "SYNC_UNRESOLVED_CONFLICT"
	ErrSyncRetriesExhausted   ErrorCode = "SYNC_RETRIES_EXHAUSTED"
	ErrSyncDeadLetter         ErrorCode = "SYNC_DEAD_LETTER"
	ErrCircuitOpen            ErrorCode = "CIRCUIT_OPEN"

	// Reference data
	ErrNotCached ErrorCode = "NOT_CACHED"
)

// Terminal reports whether an error carrying this code can never succeed on retry.
func (c ErrorCode) Terminal() bool {
	switch c {
	case ErrInvalid, ErrNotFound, ErrValidation, ErrConstraint,
		ErrSyncConflict, ErrSyncUnresolvedConflict, ErrSyncDeadLetter, ErrCircuitOpen:
		return true
	}
	return false
}

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is reports whether any error in err's chain is an AppError with the given code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	for err != nil {
		if !stderrors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Err
	}
	return false
}

// CodeOf returns the code of the outermost AppError in err's chain, or ErrInternal.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// IsTerminal reports whether err carries a terminal code anywhere in its chain.
func IsTerminal(err error) bool {
	var appErr *AppError
	for err != nil {
		if !stderrors.As(err, &appErr) {
			return false
		}
		if appErr.Code.Terminal() {
			return true
		}
		err = appErr.Err
	}
	return false
}
