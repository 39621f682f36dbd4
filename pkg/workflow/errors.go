package workflow

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: network timeouts, temporary service unavailability.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a resource state conflict.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid graph configuration, permission denied.
	ErrorClassPermanent ErrorClass = "permanent"
)

// WorkflowError represents a classified error with context.
// nolint:revive // WorkflowError is intentionally named to distinguish from standard errors
type WorkflowError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Node is the name of the node that caused the error, if applicable.
	Node string `json:"node,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *WorkflowError) Error() string {
	msg := e.Message
	if e.Node != "" {
		msg = fmt.Sprintf("%s (node=%s)", msg, e.Node)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s", e.Class, msg, e.Err.Error())
	}
	return fmt.Sprintf("[%s] %s", e.Class, msg)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *WorkflowError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *WorkflowError) Is(target error) bool {
	t, ok := target.(*WorkflowError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *WorkflowError {
	return &WorkflowError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *WorkflowError {
	return &WorkflowError{
		Class:   ErrorClassThrottled,
		Message: message,
		Err:     err,
	}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *WorkflowError {
	return &WorkflowError{
		Class:   ErrorClassConflict,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *WorkflowError {
	return &WorkflowError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// WithNode adds node context to an error.
func (e *WorkflowError) WithNode(name string) *WorkflowError {
	e.Node = name
	return e
}

// WithCode adds an error code to an error.
func (e *WorkflowError) WithCode(code string) *WorkflowError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *WorkflowError) WithDetail(key string, value interface{}) *WorkflowError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *WorkflowError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	var e *WorkflowError
	if errors.As(err, &e) {
		return e.Class == ErrorClassThrottled
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *WorkflowError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *WorkflowError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsRetryable returns true if the error can be retried.
// Transient, throttled, and conflict errors are retryable.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err) || IsConflict(err)
}

// CodeOf returns the error code carried by err, or "" when err is not a WorkflowError.
func CodeOf(err error) string {
	var e *WorkflowError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Common error codes.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodePermissionDenied  = "PERMISSION_DENIED"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeNetwork           = "NETWORK_ERROR"
	ErrCodeRateLimited       = "RATE_LIMITED"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInternal          = "INTERNAL_ERROR"
	ErrCodeHandlerFailed     = "HANDLER_ERROR"
	ErrCodeDependencyBlocked = "DEPENDENCY_BLOCKED"
	ErrCodeCancelled         = "CANCELLED"
)

// ErrorKind is the per-node failure taxonomy surfaced by the executor.
type ErrorKind string

const (
	// KindHandler means the handler returned an error or an "error" result key.
	KindHandler ErrorKind = "HandlerError"

	// KindTimeout means the node deadline expired before the handler returned.
	KindTimeout ErrorKind = "TimeoutError"

	// KindDependencyBlocked means a required, non-optional predecessor failed.
	KindDependencyBlocked ErrorKind = "DependencyBlocked"

	// KindCancelled means the run was cancelled before the node could finish.
	KindCancelled ErrorKind = "Cancelled"
)

// NodeError is the recorded failure of a single node within a run.
type NodeError struct {
	// Node is the name of the failed node.
	Node string `json:"node"`

	// Kind is the failure kind.
	Kind ErrorKind `json:"kind"`

	// Message is the final error text.
	Message string `json:"message"`

	// Attempts is the number of handler invocations made, including the first.
	Attempts int `json:"attempts"`

	// Optional mirrors the node flag so callers can tell fatal from non-fatal failures.
	Optional bool `json:"optional,omitempty"`

	// Err is the last underlying error, if any.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *NodeError) Error() string {
	return fmt.Sprintf("%s: node %s: %s", e.Kind, e.Node, e.Message)
}

// Unwrap returns the underlying error.
func (e *NodeError) Unwrap() error {
	return e.Err
}

// IsTimeout reports whether the node failed because its deadline expired.
func (e *NodeError) IsTimeout() bool {
	return e.Kind == KindTimeout
}

// Code maps the node error kind onto the common error codes.
func (e *NodeError) Code() string {
	switch e.Kind {
	case KindTimeout:
		return ErrCodeTimeout
	case KindDependencyBlocked:
		return ErrCodeDependencyBlocked
	case KindCancelled:
		return ErrCodeCancelled
	default:
		return ErrCodeHandlerFailed
	}
}
