package engine

import (
	"errors"
	"fmt"
)

// ErrorClass classifies orchestration failures by how the operator and the
// orchestrator must react to them.
type ErrorClass string

const (
	// ErrorClassConfiguration covers unknown execution modes, invalid
	// predicates and missing required options. Aborts the single resource.
	ErrorClassConfiguration ErrorClass = "configuration"

	// ErrorClassContention is a busy coordination lock. The lock is retried
	// once inside the script; exhaustion is fatal for the batch.
	ErrorClassContention ErrorClass = "contention"

	// ErrorClassExecution is a non-zero exit or a transport failure while
	// running a statement. Reported per resource.
	ErrorClassExecution ErrorClass = "execution"

	// ErrorClassLedger signals data corruption in persisted state.
	ErrorClassLedger ErrorClass = "ledger"

	// ErrorClassValidation is a domain validation failure detected before
	// anything is applied or persisted.
	ErrorClassValidation ErrorClass = "validation"
)

// Common error codes.
const (
	ErrCodeConfiguration   = "CONFIGURATION_ERROR"
	ErrCodeInvalidRoute    = "INVALID_ROUTE"
	ErrCodeUnknownBackend  = "UNKNOWN_BACKEND"
	ErrCodeCoordination    = "COORDINATION_LOCK"
	ErrCodeExecution       = "EXECUTION_FAILED"
	ErrCodeTransport       = "TRANSPORT_FAILED"
	ErrCodeLedger          = "LEDGER_INCONSISTENT"
	ErrCodeValidation      = "VALIDATION_ERROR"
	ErrCodePolicyViolation = "POLICY_VIOLATION"
	ErrCodeNotFound        = "NOT_FOUND"
)

// Error is a classified orchestration error.
type Error struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the key of the resource the error belongs to.
	Resource string `json:"resource,omitempty"`

	// Backend is the backend that produced the error.
	Backend string `json:"backend,omitempty"`

	// Host is the target host, if any.
	Host string `json:"host,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Resource != "" {
		msg += fmt.Sprintf(" (resource=%s)", e.Resource)
	}
	if e.Backend != "" {
		msg += fmt.Sprintf(" (backend=%s)", e.Backend)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches errors of the same class and code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class && (t.Code == "" || e.Code == t.Code)
}

// NewConfigurationError creates a configuration error.
func NewConfigurationError(message string, err error) *Error {
	return &Error{Class: ErrorClassConfiguration, Code: ErrCodeConfiguration, Message: message, Err: err}
}

// NewContentionError creates a coordination contention error.
func NewContentionError(message string, err error) *Error {
	return &Error{Class: ErrorClassContention, Code: ErrCodeCoordination, Message: message, Err: err}
}

// NewExecutionError creates a remote execution error.
func NewExecutionError(message string, err error) *Error {
	return &Error{Class: ErrorClassExecution, Code: ErrCodeExecution, Message: message, Err: err}
}

// NewLedgerError creates a ledger inconsistency error.
func NewLedgerError(message string, err error) *Error {
	return &Error{Class: ErrorClassLedger, Code: ErrCodeLedger, Message: message, Err: err}
}

// NewValidationError creates a validation error.
func NewValidationError(message string, err error) *Error {
	return &Error{Class: ErrorClassValidation, Code: ErrCodeValidation, Message: message, Err: err}
}

// WithResource sets the resource key.
func (e *Error) WithResource(key string) *Error {
	e.Resource = key
	return e
}

// WithBackend sets the backend name.
func (e *Error) WithBackend(name string) *Error {
	e.Backend = name
	return e
}

// WithHost sets the target host.
func (e *Error) WithHost(host string) *Error {
	e.Host = host
	return e
}

// WithCode sets the error code.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// WithDetail adds a detail key-value pair.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ClassOf returns the class of err, or "" if err carries none.
func ClassOf(err error) ErrorClass {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// IsConfiguration reports whether err is a configuration error.
func IsConfiguration(err error) bool {
	return ClassOf(err) == ErrorClassConfiguration
}

// IsContention reports whether err is a coordination contention error.
func IsContention(err error) bool {
	return ClassOf(err) == ErrorClassContention
}

// IsExecution reports whether err is a remote execution error.
func IsExecution(err error) bool {
	return ClassOf(err) == ErrorClassExecution
}

// IsLedger reports whether err is a ledger inconsistency.
func IsLedger(err error) bool {
	return ClassOf(err) == ErrorClassLedger
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool {
	return ClassOf(err) == ErrorClassValidation
}

// IsRetryable reports whether the operation may be retried automatically.
// Only lock contention qualifies; everything else needs an operator.
func IsRetryable(err error) bool {
	return IsContention(err)
}
