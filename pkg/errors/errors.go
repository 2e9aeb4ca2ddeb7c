// Package errors defines the error taxonomy shared by every layer of the
// reactive document store. Every error that crosses a component boundary is
// (or wraps) an *AppError so callers can branch on Kind without parsing
// strings.
package errors

import "fmt"

// Kind enumerates the error categories from the error-handling design.
type Kind string

const (
	// KindPermissionDenied means a security rule rejected the operation.
	KindPermissionDenied Kind = "PERMISSION_DENIED"
	// KindNotFound means a read or reference target doesn't exist.
	KindNotFound Kind = "NOT_FOUND"
	// KindTransactionConflict means an optimistic CAS failed; retryable.
	KindTransactionConflict Kind = "TRANSACTION_CONFLICT"
	// KindBackendUnavailable means the backing store faulted; retryable
	// with backoff.
	KindBackendUnavailable Kind = "BACKEND_UNAVAILABLE"
	// KindInvalidArgument means the caller's request is malformed.
	KindInvalidArgument Kind = "INVALID_ARGUMENT"
	// KindInternal means an invariant was violated or encode/decode failed.
	KindInternal Kind = "INTERNAL"
)

// AppError is the concrete error type used across the module.
type AppError struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap allows errors.Is/errors.As to reach the wrapped cause.
func (e *AppError) Unwrap() error {
	return e.Err
}

func newErr(kind Kind, message string, err error) error {
	return &AppError{Kind: kind, Message: message, Err: err}
}

func NewPermissionDenied(message string) error { return newErr(KindPermissionDenied, message, nil) }
func NewNotFound(message string) error         { return newErr(KindNotFound, message, nil) }
func NewTransactionConflict(message string) error {
	return newErr(KindTransactionConflict, message, nil)
}
func NewBackendUnavailable(message string, err error) error {
	return newErr(KindBackendUnavailable, message, err)
}
func NewInvalidArgument(message string) error     { return newErr(KindInvalidArgument, message, nil) }
func NewInternal(message string, err error) error { return newErr(KindInternal, message, err) }

// Wrap attaches additional context to err, preserving its Kind if it is
// already an *AppError, or classifying it as Internal otherwise.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	if appErr, ok := err.(*AppError); ok {
		return &AppError{
			Kind:    appErr.Kind,
			Message: fmt.Sprintf("%s: %s", message, appErr.Message),
			Err:     appErr.Err,
		}
	}
	return &AppError{Kind: KindInternal, Message: message, Err: err}
}

func kindOf(err error) (Kind, bool) {
	appErr, ok := err.(*AppError)
	if !ok {
		return "", false
	}
	return appErr.Kind, true
}

func IsPermissionDenied(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindPermissionDenied
}

func IsNotFound(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindNotFound
}

func IsTransactionConflict(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindTransactionConflict
}

func IsBackendUnavailable(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindBackendUnavailable
}

func IsInvalidArgument(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindInvalidArgument
}

func IsInternal(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindInternal
}
