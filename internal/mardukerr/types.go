package mardukerr

import (
	"errors"
	"fmt"
)

// ValidationError reports a malformed item, query, or request. It is raised at
// component boundaries and never retried.
type ValidationError struct {
	Subject string // what failed validation ("memory item", "query", ...)
	Reason  string
}

func (e *ValidationError) Error() string {
	if e.Subject == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("invalid %s: %s", e.Subject, e.Reason)
}

// NewValidationError constructs a ValidationError.
func NewValidationError(subject, format string, args ...any) *ValidationError {
	return &ValidationError{Subject: subject, Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// PersistenceError wraps filesystem failures in the memory and context
// persistence layers. The read path degrades to an empty store plus a warning;
// the write path surfaces this error.
type PersistenceError struct {
	Op   string // "save", "load", "snapshot", ...
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("persistence %s failed for %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("persistence %s failed: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// NewPersistenceError wraps err as a PersistenceError.
func NewPersistenceError(op, path string, err error) *PersistenceError {
	return &PersistenceError{Op: op, Path: path, Err: err}
}

// IsPersistence reports whether err is (or wraps) a PersistenceError.
func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

// IntegrityError reports a checksum mismatch on persisted data. Loads that hit
// it fall back to the newest backup before giving up.
type IntegrityError struct {
	Path     string
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("data integrity check failed for %s: expected %s, got %s",
		e.Path, e.Expected, e.Actual)
}

// IsIntegrity reports whether err is (or wraps) an IntegrityError.
func IsIntegrity(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}

// APIError reports an LLM request failure (or failure to store the resulting
// interaction). Retried up to the configured attempt budget with linear backoff.
type APIError struct {
	Message    string
	StatusCode int
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("AI API error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("AI API error: %s", e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

// NewAPIError constructs an APIError wrapping err.
func NewAPIError(message string, statusCode int, err error) *APIError {
	return &APIError{Message: message, StatusCode: statusCode, Err: err}
}

// IsAPI reports whether err is (or wraps) an APIError.
func IsAPI(err error) bool {
	var ae *APIError
	return errors.As(err, &ae)
}

// ContextError reports that context retrieval failed across all sources. The
// coordinator falls back to the legacy direct memory fan-out when it sees one.
type ContextError struct {
	Message string
	Err     error
}

func (e *ContextError) Error() string {
	return fmt.Sprintf("context retrieval error: %s", e.Message)
}

func (e *ContextError) Unwrap() error { return e.Err }

// NewContextError constructs a ContextError.
func NewContextError(message string, err error) *ContextError {
	return &ContextError{Message: message, Err: err}
}

// IsContext reports whether err is (or wraps) a ContextError.
func IsContext(err error) bool {
	var ce *ContextError
	return errors.As(err, &ce)
}

// Error codes for CoreError.
const (
	CodeProcessQuery = "PROCESS_QUERY_ERROR"
	CodeDeliberation = "DELIBERATION_ERROR"
	CodeScheduler    = "SCHEDULER_ERROR"
)

// CoreError is the catch-all typed wrapper for coordinator-level failures.
// Already-typed errors propagate unchanged instead of being re-wrapped.
type CoreError struct {
	Code string
	Err  error
}

func (e *CoreError) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *CoreError) Unwrap() error { return e.Err }

// WrapCore wraps err in a CoreError unless it is already one of the typed
// errors of this package, in which case it is returned unchanged.
func WrapCore(code string, err error) error {
	if err == nil {
		return nil
	}
	if IsValidation(err) || IsAPI(err) || IsContext(err) || IsPersistence(err) || IsIntegrity(err) {
		return err
	}
	var ce *CoreError
	if errors.As(err, &ce) {
		return err
	}
	return &CoreError{Code: code, Err: err}
}
