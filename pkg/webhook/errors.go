package webhook

import (
	"errors"
	"net/http"
)

var (
	ErrTokenMissing     = errors.New("missing bearer token")
	ErrTokenInvalid     = errors.New("invalid identity token")
	ErrAudienceMismatch = errors.New("token audience does not match")
	ErrIssuerMismatch   = errors.New("token issuer is not trusted")
	ErrIdentityMismatch = errors.New("token identity is not authorized")
	ErrRateLimited      = errors.New("webhook rate limit exceeded")
)

// Rejection reasons, used as the metrics label and in audit logs.
const (
	ReasonMissingToken     = "missing_token"
	ReasonInvalidToken     = "invalid_token"
	ReasonAudienceMismatch = "audience_mismatch"
	ReasonIssuerMismatch   = "issuer_mismatch"
	ReasonIdentityMismatch = "identity_mismatch"
	ReasonRateLimited      = "rate_limited"
)

// AdmissionError is a rejected webhook delivery.
type AdmissionError struct {
	Code   int    // HTTP status code
	Reason string // metrics label
	Err    error
}

func (e *AdmissionError) Error() string {
	return e.Err.Error()
}

func (e *AdmissionError) Unwrap() error {
	return e.Err
}

// NewUnauthorizedError creates a 401 rejection.
func NewUnauthorizedError(reason string, err error) *AdmissionError {
	return &AdmissionError{Code: http.StatusUnauthorized, Reason: reason, Err: err}
}

// NewForbiddenError creates a 403 rejection.
func NewForbiddenError(reason string, err error) *AdmissionError {
	return &AdmissionError{Code: http.StatusForbidden, Reason: reason, Err: err}
}

// NewRateLimitedError creates a 429 rejection.
func NewRateLimitedError() *AdmissionError {
	return &AdmissionError{Code: http.StatusTooManyRequests, Reason: ReasonRateLimited, Err: ErrRateLimited}
}
