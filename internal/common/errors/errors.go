// Package errors defines the error taxonomy shared by every storage backend.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors used as error kinds.
var (
	// Caller supplied a bad name, folder, content type or size.
	ErrValidation = errors.New("validation failed")
	// Traversal, null byte, symlink escape. Always reported with "invalid" wording.
	ErrSecurity = errors.New("invalid path")
	// Operation target is absent.
	ErrNotFound = errors.New("resource not found")
	// Caller exceeded its request window.
	ErrRateLimited = errors.New("rate limit exceeded")
	// I/O or SDK failure; eligible for retry.
	ErrBackend = errors.New("backend failure")
	// validateAndConfirmUpload expectation not met.
	ErrMismatch = errors.New("upload mismatch")
	// Backend does not implement the requested capability.
	ErrUnsupported = errors.New("operation not supported")
	// Programmer error: wrong argument shape.
	ErrInvalidInput = errors.New("invalid input")
	// Backend configuration is incomplete.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// StorageError is an error with operation and kind context.
type StorageError struct {
	Op      string // Operation that failed
	Kind    error  // Category of error
	Err     error  // Underlying error
	Details string // Additional details
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	if e.Details != "" && e.Err != nil {
		return fmt.Sprintf("%s: %s: %s (%s)", e.Op, e.Kind, e.Err, e.Details)
	}
	if e.Details != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Details)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

// Unwrap returns the underlying error.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// Is reports whether target matches this error.
func (e *StorageError) Is(target error) bool {
	return (e.Kind != nil && errors.Is(e.Kind, target)) || (e.Err != nil && errors.Is(e.Err, target))
}

// E creates a new StorageError.
func E(op string, kind error, err error, details ...string) error {
	e := &StorageError{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
	if len(details) > 0 {
		e.Details = details[0]
	}
	return e
}

// Wrap wraps an error with operation context.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{
		Op:   op,
		Kind: ErrBackend,
		Err:  err,
	}
}

// Invalid returns a validation error with a human-readable reason.
func Invalid(op, reason string) error {
	return E(op, ErrValidation, nil, reason)
}

// Rejected returns a security rejection. The reason is logged by callers,
// never placed in the error text.
func Rejected(op, publicMessage string) error {
	return E(op, ErrSecurity, nil, publicMessage)
}

// RateLimitError is returned when a caller exceeds its request window.
type RateLimitError struct {
	Key        string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %s", e.Key, e.RetryAfter.Round(time.Millisecond))
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// MismatchError reports an expectation that an uploaded file did not meet.
type MismatchError struct {
	Field    string `json:"field"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("%s mismatch: expected %s, got %s", e.Field, e.Expected, e.Actual)
}

func (e *MismatchError) Is(target error) bool {
	return target == ErrMismatch
}

// IsValidation checks if the error is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsSecurity checks if the error is a security rejection.
func IsSecurity(err error) bool {
	return errors.Is(err, ErrSecurity)
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsRateLimited checks if the error is a rate limit error.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

// IsRetryable reports whether err is a backend failure worth retrying.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsValidation(err) || IsSecurity(err) || IsNotFound(err) || IsRateLimited(err) ||
		errors.Is(err, ErrMismatch) || errors.Is(err, ErrUnsupported) || errors.Is(err, ErrInvalidInput) {
		return false
	}
	return errors.Is(err, ErrBackend)
}

// Reason returns the text shown to callers for err.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	if IsSecurity(err) {
		var se *StorageError
		if errors.As(err, &se) && se.Details != "" {
			return se.Details
		}
		return ErrSecurity.Error()
	}
	var se *StorageError
	if errors.As(err, &se) && se.Details != "" {
		return se.Details
	}
	return err.Error()
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}
