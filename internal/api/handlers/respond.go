package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/shawkridge/athena/internal/domain"
)

const (
	defaultPageLimit = 10
	maxPageLimit     = 100
)

// Metadata is the envelope's operation context.
type Metadata struct {
	Operation  string      `json:"operation"`
	Pagination *Pagination `json:"pagination,omitempty"`
	Degraded   bool        `json:"degraded,omitempty"`
}

// Pagination describes one page of a list result.
type Pagination struct {
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	Total   int  `json:"total"`
	HasMore bool `json:"has_more"`
}

// Envelope is the uniform response shape for every operation.
type Envelope struct {
	Status   string   `json:"status"`
	Data     any      `json:"data,omitempty"`
	Metadata Metadata `json:"metadata"`
}

// ErrorBody is the failure payload: a stable code, the message, and a
// one-line remediation hint when one exists.
type ErrorBody struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Remediation string `json:"remediation,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, operation string, data any) {
	writeEnvelope(w, status, Envelope{
		Status:   "ok",
		Data:     data,
		Metadata: Metadata{Operation: operation},
	})
}

func writeDegraded(w http.ResponseWriter, status int, operation string, data any, degraded bool) {
	writeEnvelope(w, status, Envelope{
		Status:   "ok",
		Data:     data,
		Metadata: Metadata{Operation: operation, Degraded: degraded},
	})
}

func writePage(w http.ResponseWriter, operation string, items any, limit, offset, total int) {
	writeEnvelope(w, http.StatusOK, Envelope{
		Status: "ok",
		Data:   map[string]any{"items": items, "total": total},
		Metadata: Metadata{
			Operation: operation,
			Pagination: &Pagination{
				Limit:   limit,
				Offset:  offset,
				Total:   total,
				HasMore: offset+limit < total,
			},
		},
	})
}

func writeError(w http.ResponseWriter, operation string, err error) {
	writeEnvelope(w, statusFor(err), Envelope{
		Status: "error",
		Data: ErrorBody{
			Code:        domain.Code(err),
			Message:     err.Error(),
			Remediation: domain.Remediation(err),
		},
		Metadata: Metadata{Operation: operation},
	})
}

func writeBadRequest(w http.ResponseWriter, operation, msg string) {
	writeEnvelope(w, http.StatusBadRequest, Envelope{
		Status: "error",
		Data: ErrorBody{
			Code:        "invalid_input",
			Message:     msg,
			Remediation: "correct the request payload and retry",
		},
		Metadata: Metadata{Operation: operation},
	})
}

func writeEnvelope(w http.ResponseWriter, status int, env Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidInput),
		errors.Is(err, domain.ErrDimensionMismatch),
		errors.Is(err, domain.ErrUnknownSource),
		errors.Is(err, domain.ErrInvalidLifecycleTransition):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrIntegrityViolation),
		errors.Is(err, domain.ErrCapacityExceeded):
		return http.StatusConflict
	case errors.Is(err, domain.ErrVerificationFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrBackendUnavailable),
		errors.Is(err, domain.ErrConnection):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// pageParams reads limit/offset query parameters with the documented
// defaults and hard cap.
func pageParams(r *http.Request) (limit, offset int) {
	limit = defaultPageLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			limit = v
		}
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v >= 0 {
			offset = v
		}
	}
	return limit, offset
}
