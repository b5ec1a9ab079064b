package engine

import (
	"errors"
	"fmt"
)

// ErrorClass classifies an engine error by how the caller should react to it.
type ErrorClass string

const (
	// ErrorClassLockConflict means another holder owns a live lock for the
	// scope. Nothing was done; retry later or inspect the lock.
	ErrorClassLockConflict ErrorClass = "lock_conflict"

	// ErrorClassParse means the declarative text could not be decomposed into
	// resources. Nothing was done.
	ErrorClassParse ErrorClass = "parse"

	// ErrorClassConflict means abort-mode resolution found unresolved
	// conflicts. Nothing was done; the conflicts travel with the error.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassResourceApply is a single resource's create or update
	// failure. It never ends an apply; it is collected into the result.
	ErrorClassResourceApply ErrorClass = "resource_apply"

	// ErrorClassNotFound means a requested state row, lock or history entry
	// does not exist.
	ErrorClassNotFound ErrorClass = "not_found"

	// ErrorClassInvalid means the request itself is malformed.
	ErrorClassInvalid ErrorClass = "invalid"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the "type.name" address of the resource involved, if any.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`

	// Conflicts is the full conflict list of an abort-mode ConflictError.
	Conflicts []ConflictItem `json:"conflicts,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	switch {
	case e.Resource != "" && e.Operation != "":
		msg += fmt.Sprintf(" (resource=%s, operation=%s)", e.Resource, e.Operation)
	case e.Resource != "":
		msg += fmt.Sprintf(" (resource=%s)", e.Resource)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewLockConflictError creates a lock conflict error.
func NewLockConflictError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassLockConflict,
		Message: message,
		Code:    ErrCodeLocked,
		Err:     err,
	}
}

// NewParseError creates a parse error.
func NewParseError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassParse,
		Message: message,
		Code:    ErrCodeParse,
		Err:     err,
	}
}

// NewConflictError creates an abort-mode conflict error carrying conflicts.
func NewConflictError(message string, conflicts []ConflictItem) *EngineError {
	return &EngineError{
		Class:     ErrorClassConflict,
		Message:   message,
		Code:      ErrCodeConflict,
		Conflicts: conflicts,
	}
}

// NewResourceApplyError creates a per-resource apply error.
func NewResourceApplyError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassResourceApply,
		Message: message,
		Err:     err,
	}
}

// NewNotFoundError creates a not-found error.
func NewNotFoundError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassNotFound,
		Message: message,
		Code:    ErrCodeNotFound,
		Err:     err,
	}
}

// NewInvalidError creates an invalid-request error.
func NewInvalidError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassInvalid,
		Message: message,
		Code:    ErrCodeValidation,
		Err:     err,
	}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(address string) *EngineError {
	e.Resource = address
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func isClass(err error, class ErrorClass) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == class
	}
	return false
}

// IsLockConflict returns true if the error is a lock conflict.
func IsLockConflict(err error) bool {
	return isClass(err, ErrorClassLockConflict)
}

// IsParseError returns true if the error is a parse error.
func IsParseError(err error) bool {
	return isClass(err, ErrorClassParse)
}

// IsConflict returns true if the error is an abort-mode conflict error.
func IsConflict(err error) bool {
	return isClass(err, ErrorClassConflict)
}

// IsResourceApplyError returns true if the error is a per-resource apply error.
func IsResourceApplyError(err error) bool {
	return isClass(err, ErrorClassResourceApply)
}

// IsNotFound returns true if the error is a not-found error.
func IsNotFound(err error) bool {
	return isClass(err, ErrorClassNotFound)
}

// IsInvalid returns true if the error is an invalid-request error.
func IsInvalid(err error) bool {
	return isClass(err, ErrorClassInvalid)
}

// ConflictsOf returns the conflict list carried by a ConflictError, or nil.
func ConflictsOf(err error) []ConflictItem {
	var e *EngineError
	if errors.As(err, &e) && e.Class == ErrorClassConflict {
		return e.Conflicts
	}
	return nil
}

// outcomeOf maps an apply error to the outcome label used by metrics and
// events.
func outcomeOf(err error) string {
	var e *EngineError
	if !errors.As(err, &e) {
		return "error"
	}
	switch e.Class {
	case ErrorClassLockConflict:
		return "lock_conflict"
	case ErrorClassParse:
		return "parse_error"
	case ErrorClassConflict:
		return "conflict"
	case ErrorClassInvalid:
		return "invalid"
	default:
		return "error"
	}
}

// Common error codes.
const (
	ErrCodeValidation    = "VALIDATION_ERROR"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeAlreadyExists = "ALREADY_EXISTS"
	ErrCodeLocked        = "LOCKED"
	ErrCodeParse         = "PARSE_ERROR"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeUnknownType   = "UNKNOWN_TYPE"
	ErrCodeInternal      = "INTERNAL_ERROR"
	ErrCodeStoreFailed   = "STORE_FAILED"
	ErrCodePolicyDenied  = "POLICY_DENIED"
)
