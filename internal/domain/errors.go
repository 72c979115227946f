package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Sentinel errors forming the error taxonomy. Infrastructure retries the
// transient ones; everything else is reported to the caller unchanged.
var (
	ErrNotFound                   = errors.New("not found")
	ErrInvalidInput               = errors.New("invalid input")
	ErrConfig                     = errors.New("invalid configuration")
	ErrBackendUnavailable         = errors.New("backend unavailable")
	ErrSchemaMismatch             = errors.New("schema version mismatch")
	ErrTimeout                    = errors.New("operation timed out")
	ErrConnection                 = errors.New("connection error")
	ErrDimensionMismatch          = errors.New("embedding dimension mismatch")
	ErrUnknownSource              = errors.New("unknown event source kind")
	ErrIntegrityViolation         = errors.New("integrity violation")
	ErrCapacityExceeded           = errors.New("working memory capacity exceeded")
	ErrInvalidLifecycleTransition = errors.New("invalid lifecycle transition")
	ErrDuplicateInBatch           = errors.New("duplicate content hash in batch")
	ErrVerificationFailed         = errors.New("verification failed")
)

// LLMErrorKind discriminates LLM client failures.
type LLMErrorKind string

const (
	LLMTimeout         LLMErrorKind = "timeout"
	LLMProviderError   LLMErrorKind = "provider_error"
	LLMInvalidResponse LLMErrorKind = "invalid_response"
)

// LLMError is the structured error returned by LLM clients.
type LLMError struct {
	Kind     LLMErrorKind
	Provider string
	Err      error
}

func (e *LLMError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("llm %s: %s: %v", e.Provider, e.Kind, e.Err)
	}
	return fmt.Sprintf("llm %s: %s", e.Provider, e.Kind)
}

func (e *LLMError) Unwrap() error { return e.Err }

// IsTransient reports whether an error is worth retrying: timeouts,
// connection failures, and provider-side errors. Validation and integrity
// errors are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrConnection) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var llmErr *LLMError
	if errors.As(err, &llmErr) {
		return llmErr.Kind == LLMTimeout || llmErr.Kind == LLMProviderError
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// Code maps an error to a stable, user-visible error code.
func Code(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrConfig):
		return "config_error"
	case errors.Is(err, ErrBackendUnavailable):
		return "backend_unavailable"
	case errors.Is(err, ErrSchemaMismatch):
		return "schema_mismatch"
	case errors.Is(err, ErrDimensionMismatch):
		return "dimension_mismatch"
	case errors.Is(err, ErrUnknownSource):
		return "unknown_source"
	case errors.Is(err, ErrIntegrityViolation):
		return "integrity_violation"
	case errors.Is(err, ErrCapacityExceeded):
		return "capacity_exceeded"
	case errors.Is(err, ErrInvalidLifecycleTransition):
		return "invalid_lifecycle_transition"
	case errors.Is(err, ErrVerificationFailed):
		return "verification_failed"
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrConnection):
		return "connection_error"
	default:
		return "internal"
	}
}

// Remediation returns a single-line hint for user-visible failures.
func Remediation(err error) string {
	switch {
	case errors.Is(err, ErrIntegrityViolation):
		return "archive the item instead of deleting it"
	case errors.Is(err, ErrBackendUnavailable):
		return "check database connectivity and retry"
	case errors.Is(err, ErrSchemaMismatch):
		return "run pending migrations before starting the server"
	case errors.Is(err, ErrDimensionMismatch):
		return "re-embed the content with the configured embedding dimension"
	case errors.Is(err, ErrUnknownSource):
		return "register the source kind before creating the source"
	case errors.Is(err, ErrCapacityExceeded):
		return "evict or let decay reclaim working memory slots"
	case errors.Is(err, ErrInvalidInput):
		return "correct the request payload and retry"
	default:
		return ""
	}
}
