package engine

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an error for callers that map failures to responses.
type ErrorKind string

const (
	// KindNotFound indicates a project, environment, server, resource or container is missing.
	KindNotFound ErrorKind = "not_found"

	// KindForbidden indicates the caller does not own the project.
	KindForbidden ErrorKind = "forbidden"

	// KindInvalidConfig indicates missing kind-specific fields or an unknown kind.
	KindInvalidConfig ErrorKind = "invalid_config"

	// KindDeployment indicates the container engine rejected create or start.
	KindDeployment ErrorKind = "deployment"

	// KindConnection indicates a connectivity check against a server failed.
	KindConnection ErrorKind = "connection"

	// KindOperation indicates stop, remove or logs failed against a live engine.
	KindOperation ErrorKind = "operation"

	// KindConflict indicates the request collides with the current state.
	KindConflict ErrorKind = "conflict"
)

// Error is a classified error with lifecycle context.
type Error struct {
	// Kind is the error classification.
	Kind ErrorKind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the entity ID that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Op is the operation being performed when the error occurred.
	Op string `json:"op,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	if e.Resource != "" && e.Op != "" {
		msg = fmt.Sprintf("%s (resource=%s, op=%s)", msg, e.Resource, e.Op)
	} else if e.Resource != "" {
		msg = fmt.Sprintf("%s (resource=%s)", msg, e.Resource)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same kind and code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && (t.Code == "" || e.Code == t.Code)
}

func newError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// NewNotFoundError creates a new not-found error.
func NewNotFoundError(message string, err error) *Error {
	return newError(KindNotFound, message, err).WithCode(ErrCodeNotFound)
}

// NewForbiddenError creates a new forbidden error.
func NewForbiddenError(message string, err error) *Error {
	return newError(KindForbidden, message, err).WithCode(ErrCodePermissionDenied)
}

// NewInvalidConfigError creates a new invalid-configuration error.
func NewInvalidConfigError(message string, err error) *Error {
	return newError(KindInvalidConfig, message, err).WithCode(ErrCodeValidation)
}

// NewDeploymentError creates a new deployment error.
func NewDeploymentError(message string, err error) *Error {
	return newError(KindDeployment, message, err).WithCode(ErrCodeEngineRejected)
}

// NewConnectionError creates a new connection error.
func NewConnectionError(message string, err error) *Error {
	return newError(KindConnection, message, err).WithCode(ErrCodeUnreachable)
}

// NewOperationError creates a new operation error.
func NewOperationError(message string, err error) *Error {
	return newError(KindOperation, message, err).WithCode(ErrCodeEngineRejected)
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *Error {
	return newError(KindConflict, message, err).WithCode(ErrCodeConflict)
}

// WithResource adds resource context to an error.
func (e *Error) WithResource(resourceID string) *Error {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *Error) WithOperation(op string) *Error {
	e.Op = op
	return e
}

// WithCode adds an error code to an error.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// KindOf returns the classification of err, or "" when err is not an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsNotFound returns true if the error is classified as not found.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsForbidden returns true if the error is classified as forbidden.
func IsForbidden(err error) bool { return KindOf(err) == KindForbidden }

// IsInvalidConfig returns true if the error is classified as an invalid configuration.
func IsInvalidConfig(err error) bool { return KindOf(err) == KindInvalidConfig }

// IsDeployment returns true if the error is classified as a deployment failure.
func IsDeployment(err error) bool { return KindOf(err) == KindDeployment }

// IsConnection returns true if the error is classified as a connection failure.
func IsConnection(err error) bool { return KindOf(err) == KindConnection }

// IsOperation returns true if the error is classified as an operation failure.
func IsOperation(err error) bool { return KindOf(err) == KindOperation }

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool { return KindOf(err) == KindConflict }

// Common error codes.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeAlreadyExists    = "ALREADY_EXISTS"
	ErrCodePermissionDenied = "PERMISSION_DENIED"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeBusy             = "OPERATION_IN_PROGRESS"
	ErrCodeInUse            = "IN_USE"
	ErrCodeUnreachable      = "UNREACHABLE"
	ErrCodeEngineRejected   = "ENGINE_REJECTED"
	ErrCodePolicyDenied     = "POLICY_DENIED"
)

// ErrNotFound is the sentinel stores return when a row does not exist.
// Stores wrap it so callers can test with errors.Is.
var ErrNotFound = errors.New("entity not found")

// ErrDuplicate is the sentinel stores return on a uniqueness violation.
var ErrDuplicate = errors.New("entity already exists")

// ErrStaleTransition is returned by a conditional status transition that matched no row.
var ErrStaleTransition = errors.New("status changed concurrently")
