package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorClass says whether repeating the failed step could succeed.
type ErrorClass string

const (
	ErrorClassTransient ErrorClass = "transient"
	ErrorClassThrottled ErrorClass = "throttled"
	ErrorClassConflict  ErrorClass = "conflict"
	ErrorClassPermanent ErrorClass = "permanent"
)

// Codes carried by EngineError. Schedule, Step and the execution loop only
// ever produce these.
const (
	ErrCodeValidation    = "VALIDATION_ERROR"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeAlreadyExists = "ALREADY_EXISTS"
	ErrCodeTimeout       = "TIMEOUT"
	ErrCodeCancelled     = "CANCELLED"
	ErrCodeActionFailed  = "ACTION_FAILED"
	ErrCodePolicyDenied  = "POLICY_DENIED"
)

// EngineError is the error type returned by the engine and stored as a
// CommandExecutionResult's Exception. Host and Operation locate the failure;
// Details carries extra data such as the policies behind a denial.
//
//nolint:revive // engine.EngineError reads better than engine.Error at call sites in other packages.
type EngineError struct {
	Class     ErrorClass     `json:"class"`
	Code      string         `json:"code,omitempty"`
	Message   string         `json:"message"`
	Host      string         `json:"host,omitempty"`
	Operation string         `json:"operation,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Err       error          `json:"-"`
}

func newEngineError(class ErrorClass, message string, err error) *EngineError {
	return &EngineError{Class: class, Message: message, Err: err}
}

// NewTransientError is for failures a retry may clear.
func NewTransientError(message string, err error) *EngineError {
	return newEngineError(ErrorClassTransient, message, err)
}

// NewConflictError is for requests that clash with existing engine state.
func NewConflictError(message string, err error) *EngineError {
	return newEngineError(ErrorClassConflict, message, err)
}

// NewPermanentError is for failures no retry will clear.
func NewPermanentError(message string, err error) *EngineError {
	return newEngineError(ErrorClassPermanent, message, err)
}

// Error renders "[class] message (host=h, operation=o): cause", leaving out
// the parts that are empty.
func (e *EngineError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Class, e.Message)

	var where []string
	if e.Host != "" {
		where = append(where, "host="+e.Host)
	}
	if e.Operation != "" && e.Host != "" {
		where = append(where, "operation="+e.Operation)
	}
	if len(where) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(where, ", "))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *EngineError) Unwrap() error { return e.Err }

// Is matches another EngineError with the same class and code, so a bare
// &EngineError{Class: c, Code: k} works as an errors.Is target.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	return ok && e.Class == t.Class && e.Code == t.Code
}

func (e *EngineError) WithHost(host string) *EngineError {
	e.Host = host
	return e
}

func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

func (e *EngineError) WithDetail(key string, value any) *EngineError {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

func classOf(err error) (ErrorClass, bool) {
	var e *EngineError
	if !errors.As(err, &e) {
		return "", false
	}
	return e.Class, true
}

// IsTransient reports whether err is an EngineError of the transient class.
func IsTransient(err error) bool {
	class, ok := classOf(err)
	return ok && class == ErrorClassTransient
}

// IsRetryable reports whether err is transient or throttled.
func IsRetryable(err error) bool {
	class, ok := classOf(err)
	return ok && (class == ErrorClassTransient || class == ErrorClassThrottled)
}

// HasCode reports whether err wraps an EngineError with the given code.
func HasCode(err error, code string) bool {
	var e *EngineError
	return errors.As(err, &e) && e.Code == code
}

// IsCancelled reports whether err comes from a cancelled playbook or context.
func IsCancelled(err error) bool {
	return HasCode(err, ErrCodeCancelled) || errors.Is(err, context.Canceled)
}

// classifyActionError maps the error returned by Command.Action to an
// EngineError. A deadline means the per-attempt timeout fired.
func classifyActionError(err error, host string) *EngineError {
	var already *EngineError
	if errors.As(err, &already) {
		return already
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewTransientError("command attempt timed out", err).WithCode(ErrCodeTimeout).WithHost(host)
	case errors.Is(err, context.Canceled):
		return NewPermanentError("command attempt cancelled", err).WithCode(ErrCodeCancelled).WithHost(host)
	default:
		return NewTransientError("command action failed", err).WithCode(ErrCodeActionFailed).WithHost(host)
	}
}
