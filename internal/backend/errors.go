package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Reason categorizes why a driver request failed. The turn processor maps
// every reason to a failed turn; retries are the caller's decision.
type Reason string

const (
	// ReasonUnavailable indicates the backend could not be reached.
	ReasonUnavailable Reason = "unavailable"

	// ReasonModelNotFound indicates the requested model does not exist.
	ReasonModelNotFound Reason = "model_not_found"

	// ReasonTimeout indicates the request exceeded the driver timeout.
	ReasonTimeout Reason = "timeout"

	// ReasonRateLimited indicates throttling (HTTP 429).
	ReasonRateLimited Reason = "rate_limited"

	// ReasonProtocol indicates a malformed request or response.
	ReasonProtocol Reason = "protocol"

	// ReasonContextOverflow indicates the prompt exceeded the model's
	// context window. Never retryable.
	ReasonContextOverflow Reason = "context_overflow"

	// ReasonAuth indicates authentication failure (HTTP 401, 403).
	ReasonAuth Reason = "auth"

	// ReasonUnknown indicates an unclassified error.
	ReasonUnknown Reason = "unknown"
)

// Retryable reports whether a fresh attempt could plausibly succeed.
func (r Reason) Retryable() bool {
	switch r {
	case ReasonUnavailable, ReasonTimeout, ReasonRateLimited:
		return true
	default:
		return false
	}
}

// Error is a structured error from an LLM backend. It captures the context
// needed for turn failure reporting and debugging.
type Error struct {
	// Reason categorizes the error.
	Reason Reason

	// Backend is the driver key (e.g. "anthropic", "ollama").
	Backend string

	// Model is the model that was requested.
	Model string

	// Status is the HTTP status code, if applicable.
	Status int

	// Code is the provider-specific error code.
	Code string

	// Message is the human-readable error message.
	Message string

	// RequestID is the provider's request ID for debugging.
	RequestID string

	// Cause is the underlying error.
	Cause error
}

func (e *Error) Error() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("[%s]", e.Reason))

	if e.Backend != "" {
		parts = append(parts, e.Backend)
	}
	if e.Model != "" {
		parts = append(parts, fmt.Sprintf("model=%s", e.Model))
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("code=%s", e.Code))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, " ")
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates an Error classified from its cause.
func NewError(backendName, model string, cause error) *Error {
	err := &Error{
		Backend: backendName,
		Model:   model,
		Cause:   cause,
		Reason:  ReasonUnknown,
	}

	if cause != nil {
		err.Message = cause.Error()
		err.Reason = Classify(cause)
	}

	return err
}

// WithStatus adds an HTTP status and reclassifies.
func (e *Error) WithStatus(status int) *Error {
	e.Status = status
	e.Reason = classifyStatusCode(status)
	return e
}

// WithCode adds a provider-specific error code and reclassifies when the
// code is recognized.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	if reason := classifyErrorCode(code); reason != ReasonUnknown {
		e.Reason = reason
	}
	return e
}

// WithRequestID adds the provider's request ID.
func (e *Error) WithRequestID(id string) *Error {
	e.RequestID = id
	return e
}

// WithMessage sets the error message.
func (e *Error) WithMessage(msg string) *Error {
	e.Message = msg
	return e
}

// Classify inspects an error and returns the matching Reason.
func Classify(err error) Reason {
	if err == nil {
		return ReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}

	errStr := strings.ToLower(err.Error())

	if strings.Contains(errStr, "context length") ||
		strings.Contains(errStr, "context window") ||
		strings.Contains(errStr, "maximum context") ||
		strings.Contains(errStr, "prompt is too long") ||
		strings.Contains(errStr, "context_length_exceeded") {
		return ReasonContextOverflow
	}

	if strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "context deadline") {
		return ReasonTimeout
	}

	if strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "rate_limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "429") {
		return ReasonRateLimited
	}

	if strings.Contains(errStr, "unauthorized") ||
		strings.Contains(errStr, "invalid api key") ||
		strings.Contains(errStr, "invalid_api_key") ||
		strings.Contains(errStr, "authentication") ||
		strings.Contains(errStr, "401") ||
		strings.Contains(errStr, "403") {
		return ReasonAuth
	}

	if strings.Contains(errStr, "model not found") ||
		strings.Contains(errStr, "model_not_found") ||
		strings.Contains(errStr, "does not exist") {
		return ReasonModelNotFound
	}

	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "unavailable") {
		return ReasonUnavailable
	}

	if strings.Contains(errStr, "internal server") ||
		strings.Contains(errStr, "server error") ||
		strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "504") {
		return ReasonUnavailable
	}

	if strings.Contains(errStr, "decode") ||
		strings.Contains(errStr, "unmarshal") ||
		strings.Contains(errStr, "invalid json") ||
		strings.Contains(errStr, "malformed") {
		return ReasonProtocol
	}

	return ReasonUnknown
}

func classifyStatusCode(status int) Reason {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ReasonAuth
	case status == http.StatusTooManyRequests:
		return ReasonRateLimited
	case status == http.StatusNotFound:
		return ReasonModelNotFound
	case status == http.StatusRequestEntityTooLarge:
		return ReasonContextOverflow
	case status == http.StatusBadRequest:
		return ReasonProtocol
	case status >= 500:
		return ReasonUnavailable
	default:
		return ReasonUnknown
	}
}

func classifyErrorCode(code string) Reason {
	code = strings.ToLower(code)

	switch code {
	case "rate_limit_error", "rate_limit_exceeded":
		return ReasonRateLimited
	case "authentication_error", "invalid_api_key", "permission_error":
		return ReasonAuth
	case "model_not_found", "not_found_error":
		return ReasonModelNotFound
	case "context_length_exceeded":
		return ReasonContextOverflow
	case "invalid_request_error":
		return ReasonProtocol
	case "overloaded_error", "api_error", "server_error", "internal_error":
		return ReasonUnavailable
	case "timeout_error":
		return ReasonTimeout
	default:
		return ReasonUnknown
	}
}

// AsError extracts a backend Error from an error chain.
func AsError(err error) (*Error, bool) {
	var backendErr *Error
	if errors.As(err, &backendErr) {
		return backendErr, true
	}
	return nil, false
}

// ReasonOf returns the Reason for any error, classifying raw errors.
func ReasonOf(err error) Reason {
	if backendErr, ok := AsError(err); ok {
		return backendErr.Reason
	}
	return Classify(err)
}

// IsContextOverflow reports whether the error is a context window overflow.
func IsContextOverflow(err error) bool {
	return ReasonOf(err) == ReasonContextOverflow
}
