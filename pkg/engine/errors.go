package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of an engine error.
type ErrorClass string

const (
	// ErrorClassPermanent indicates a failure that will repeat on every
	// attempt with the same registrations. Examples: a dependency cycle,
	// a missing registration.
	ErrorClassPermanent ErrorClass = "permanent"

	// ErrorClassConflict indicates two steps tried to hold the same
	// instance at once. Conflicts are fatal and never retried.
	ErrorClassConflict ErrorClass = "conflict"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the display name of the component that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Resource != "" {
		msg = fmt.Sprintf("%s (component=%s)", msg, e.Resource)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %s", msg, e.Err.Error())
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

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConflict,
		Message: message,
		Err:     err,
	}
}

// WithResource adds component context to an error.
func (e *EngineError) WithResource(name string) *EngineError {
	e.Resource = name
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

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// Common error codes.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeAlreadyExists     = "ALREADY_EXISTS"
	ErrCodeAlreadyResolved   = "ALREADY_RESOLVED"
	ErrCodeDependencyTooDeep = "DEPENDENCY_TOO_DEEP"
	ErrCodeUnresolved        = "UNRESOLVED_DEPENDENCIES"
	ErrCodeBorrowConflict    = "BORROW_CONFLICT"
	ErrCodePolicyDenied      = "POLICY_DENIED"
)

// Sentinels for errors.Is. They match any EngineError with the same class and code.
var (
	ErrDependencyTooDeep      = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeDependencyTooDeep}
	ErrUnresolvedDependencies = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeUnresolved}
	ErrBorrowConflict         = &EngineError{Class: ErrorClassConflict, Code: ErrCodeBorrowConflict}
	ErrAlreadyResolved        = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeAlreadyResolved}
	ErrNotFound               = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeNotFound}
	ErrValidation             = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeValidation}
	ErrPolicyDenied           = &EngineError{Class: ErrorClassPermanent, Code: ErrCodePolicyDenied}
)

// chainPreview caps how many names a too-deep message prints. The full chain
// stays available in Details["chain"].
const chainPreview = 12

func newTooDeepError(chain []string, limit int) *EngineError {
	full := append([]string(nil), chain...)
	shown := full
	suffix := ""
	if len(shown) > chainPreview {
		shown = shown[:chainPreview]
		suffix = fmt.Sprintf(" ... (%d more)", len(full)-chainPreview)
	}
	return NewPermanentError(
		fmt.Sprintf("dependency tree too deep (limit %d), this is usually due to a circular dependency. Current tree: [%s%s]",
			limit, strings.Join(shown, ", "), suffix),
		nil,
	).WithCode(ErrCodeDependencyTooDeep).
		WithDetail("chain", full).
		WithDetail("limit", limit)
}

func newUnresolvedError(stuck []string) *EngineError {
	return NewPermanentError(
		fmt.Sprintf("unable to resolve initialization tree. Locked on [%s]", strings.Join(stuck, ", ")),
		nil,
	).WithCode(ErrCodeUnresolved).
		WithDetail("stuck", append([]string(nil), stuck...))
}

func newBorrowConflictError(component, dependency, holder string) *EngineError {
	return NewConflictError(
		fmt.Sprintf("instance %s is already checked out by %s", dependency, holder),
		nil,
	).WithCode(ErrCodeBorrowConflict).
		WithResource(component).
		WithDetail("component", component).
		WithDetail("dependency", dependency)
}

// StuckComponents returns the display names reported by an
// UnresolvedDependencies error, or nil for any other error.
func StuckComponents(err error) []string {
	var e *EngineError
	if !errors.As(err, &e) || e.Code != ErrCodeUnresolved {
		return nil
	}
	stuck, _ := e.Details["stuck"].([]string)
	return stuck
}

// DependencyChain returns the chain of display names reported by a
// DependencyTooDeep error, or nil for any other error.
func DependencyChain(err error) []string {
	var e *EngineError
	if !errors.As(err, &e) || e.Code != ErrCodeDependencyTooDeep {
		return nil
	}
	chain, _ := e.Details["chain"].([]string)
	return chain
}
