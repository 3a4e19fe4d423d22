package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorKind classifies failures across the pipeline.
type ErrorKind string

const (
	KindValidation       ErrorKind = "validation"
	KindAuth             ErrorKind = "auth"
	KindRateLimit        ErrorKind = "rate_limit"
	KindDispatch         ErrorKind = "dispatch"
	KindExecutionTimeout ErrorKind = "execution_timeout"
	KindExecutionFailure ErrorKind = "execution_failure"
	KindConfiguration    ErrorKind = "configuration"
	KindNotFound         ErrorKind = "not_found"
)

// Sentinels matched by errors.Is against any *Error of the same kind.
var (
	ErrValidation       = errors.New("validation error")
	ErrAuth             = errors.New("authentication error")
	ErrRateLimit        = errors.New("rate limit exceeded")
	ErrDispatch         = errors.New("dispatch error")
	ErrExecutionTimeout = errors.New("execution timeout")
	ErrExecutionFailure = errors.New("execution failure")
	ErrConfiguration    = errors.New("invalid configuration")
	ErrNotFound         = errors.New("not found")
)

var kindSentinels = map[ErrorKind]error{
	KindValidation:       ErrValidation,
	KindAuth:             ErrAuth,
	KindRateLimit:        ErrRateLimit,
	KindDispatch:         ErrDispatch,
	KindExecutionTimeout: ErrExecutionTimeout,
	KindExecutionFailure: ErrExecutionFailure,
	KindConfiguration:    ErrConfiguration,
	KindNotFound:         ErrNotFound,
}

// Error is a classified pipeline error with optional context.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
	Context map[string]any
}

func (e *Error) Error() string {
	parts := []string{fmt.Sprintf("[%s]", e.Kind), e.Message}

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ctxParts := make([]string, 0, len(keys))
		for _, k := range keys {
			ctxParts = append(ctxParts, fmt.Sprintf("%s=%v", k, e.Context[k]))
		}
		parts = append(parts, "context: "+strings.Join(ctxParts, ", "))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause: %v", e.Cause))
	}

	return strings.Join(parts, " | ")
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	sentinel, ok := kindSentinels[e.Kind]
	return ok && target == sentinel
}

// WithContext adds a key/value pair to the error context.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// Retryable reports whether the caller may retry the same operation later.
func (e *Error) Retryable() bool {
	return e.Kind == KindRateLimit
}

// NewError creates an error of the given kind.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// NewErrorWithCause creates an error of the given kind wrapping cause.
func NewErrorWithCause(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

// ErrorResponse defines the standard JSON error model returned by the HTTP API.
// TraceID carries the current OpenTelemetry trace identifier when available.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	TraceID string `json:"trace_id,omitempty"`
}

// DiagnosticsKey is the context key carrying captured engine output.
const DiagnosticsKey = "diagnostics"

// JobErrorFrom converts err into the error recorded on a failed job.
// Errors without a kind are reported as execution failures.
func JobErrorFrom(err error) *JobError {
	if err == nil {
		return nil
	}
	var de *Error
	if !errors.As(err, &de) {
		return &JobError{Kind: KindExecutionFailure, Message: err.Error()}
	}
	je := &JobError{Kind: de.Kind, Message: de.Message}
	if diag, ok := de.Context[DiagnosticsKey].(string); ok {
		je.Diagnostics = diag
	}
	return je
}
