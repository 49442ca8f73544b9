// Package apperror defines the error taxonomy of the sync engine.
//
// Callers classify failures with errors.Is against the sentinel values; the
// AppError wrapper carries the human-readable message (and HTTP status where
// one exists). The classification drives recovery policy:
//
//   - ErrTransient - no connectivity, timeout, 5xx. Reads fall back to the
//     local cache; writes are queued for retry. Never surfaced as a hard
//     error from a background operation.
//   - ErrValidation / ErrConflict / ErrNotFound - the server rejected the
//     request itself (4xx). Retrying the same payload cannot succeed, so
//     queued replays drop the job instead of looping.
//   - ErrStorage - the durable local store failed. Reads degrade to empty;
//     writes propagate, because an optimistic write that did not persist is a
//     lie to the caller.
package apperror

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("validation error")
	ErrConflict   = errors.New("conflict")
	ErrTransient  = errors.New("transient failure")
	ErrStorage    = errors.New("local store failure")
)

type AppError struct {
	Err     error  // sentinel cause
	Message string // human-readable error message
	Field   string // optional: field causing a validation error
	Status  int    // optional: HTTP status that produced the error
}

func (e *AppError) Error() string {
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func NotFound(resource, id string) *AppError {
	return &AppError{
		Err:     ErrNotFound,
		Message: fmt.Sprintf("%s not found with id %s", resource, id),
	}
}

func ValidationFailed(field, message string) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Message: message,
		Field:   field,
	}
}

func Conflict(resource, message string) *AppError {
	return &AppError{
		Err:     ErrConflict,
		Message: fmt.Sprintf("%s: %s", resource, message),
	}
}

// Transient wraps a network-class failure (timeout, connection refused, 5xx).
func Transient(op string, cause error) *AppError {
	return &AppError{
		Err:     ErrTransient,
		Message: fmt.Sprintf("%s: %v", op, cause),
	}
}

// Storage wraps a local-store failure.
func Storage(op string, cause error) *AppError {
	return &AppError{
		Err:     ErrStorage,
		Message: fmt.Sprintf("%s: %v", op, cause),
	}
}

// HTTPStatus builds an AppError from a remote response status. 4xx statuses
// map to the request-class sentinels (they will not succeed on retry); 5xx
// and anything unexpected is transient.
func HTTPStatus(op string, status int, body string) *AppError {
	e := &AppError{
		Status:  status,
		Message: fmt.Sprintf("%s: server returned %d: %s", op, status, body),
	}
	switch {
	case status == 404:
		e.Err = ErrNotFound
	case status == 409:
		e.Err = ErrConflict
	case status >= 400 && status < 500:
		e.Err = ErrValidation
	default:
		e.Err = ErrTransient
	}
	return e
}

// Retryable reports whether err is worth replaying against the server.
// Validation-class failures are not: the same payload would fail again.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransient)
}
