package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/vovakirdan/relaychat-server/internal/store"
)

// Error codes for domain errors.
const (
	ErrCodePermissionDenied  = "permission_denied"
	ErrCodeValidationFailed  = "validation_failed"
	ErrCodePersistenceFailed = "persistence_failed"
	ErrCodeNotFound          = "not_found"
	ErrCodeTransportClosed   = "transport_closed"
	ErrCodeUnauthorized      = "unauthorized"
	ErrCodeInternal          = "internal"
)

var (
	ErrPermissionDenied  = coreError(ErrCodePermissionDenied, "permission denied")
	ErrValidationFailed  = coreError(ErrCodeValidationFailed, "validation failed")
	ErrPersistenceFailed = coreError(ErrCodePersistenceFailed, "persistence failed")
	ErrNotFound          = coreError(ErrCodeNotFound, "not found")
	ErrTransportClosed   = coreError(ErrCodeTransportClosed, "connection closed")
	ErrUnauthorized      = coreError(ErrCodeUnauthorized, "unauthorized")
)

// CoreError wraps a code and human-readable message.
// Two CoreErrors match under errors.Is when their codes are equal.
type CoreError struct {
	Code    string
	Message string
	Err     error
}

func (e *CoreError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *CoreError) Unwrap() error {
	return e.Err
}

func (e *CoreError) Is(target error) bool {
	t, ok := target.(*CoreError)
	return ok && t.Code == e.Code
}

func coreError(code, msg string) *CoreError {
	return &CoreError{Code: code, Message: msg}
}

func validationFailed(format string, args ...any) error {
	return coreError(ErrCodeValidationFailed, fmt.Sprintf(format, args...))
}

// storageError maps a storage collaborator error onto the taxonomy.
func storageError(op string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return &CoreError{Code: ErrCodeNotFound, Message: op + ": not found", Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &CoreError{Code: ErrCodePersistenceFailed, Message: op + ": storage timeout", Err: err}
	}
	return &CoreError{Code: ErrCodePersistenceFailed, Message: op, Err: err}
}

// FromStorage maps an error returned by a store onto the taxonomy for callers
// outside the engine that query storage directly.
func FromStorage(op string, err error) error {
	return storageError(op, err)
}

// CodeOf extracts the error code, or ErrCodeInternal for foreign errors.
func CodeOf(err error) string {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ErrCodeInternal
}
