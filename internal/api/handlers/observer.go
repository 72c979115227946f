package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/shawkridge/athena/internal/buildconfig"
	"github.com/shawkridge/athena/internal/domain"
	"github.com/shawkridge/athena/internal/service"
)

// ObserverHandler exposes the decision log, health and calibration views.
type ObserverHandler struct {
	manager  *service.Manager
	observer *service.Observer
}

func NewObserverHandler(manager *service.Manager, observer *service.Observer) *ObserverHandler {
	return &ObserverHandler{manager: manager, observer: observer}
}

// Health is the cheap liveness probe.
func (h *ObserverHandler) Health(w http.ResponseWriter, r *http.Request) {
	sh := h.manager.Health(r.Context())
	status := http.StatusOK
	if !sh.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, "health", map[string]any{
		"healthy": sh.Healthy,
		"build":   buildconfig.VersionInfo(),
	})
}

// HealthDetailed includes per-component probes and the behavioral report.
func (h *ObserverHandler) HealthDetailed(w http.ResponseWriter, r *http.Request) {
	sh := h.manager.Health(r.Context())
	status := http.StatusOK
	if !sh.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, "health_detailed", sh)
}

type verifyRequest struct {
	Operation    string    `json:"operation"`
	Items        int       `json:"items"`
	PayloadBytes int       `json:"payload_bytes"`
	Embedding    []float32 `json:"embedding,omitempty"`
}

// Verify dry-runs the write gates against a candidate payload. A hard gate
// failure comes back as 422 with the full verdict rather than an error body.
func (h *ObserverHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "verify", "invalid request body")
		return
	}
	result, err := h.manager.Verify(req.Operation, req.Items, req.PayloadBytes, req.Embedding)
	if err != nil && !errors.Is(err, domain.ErrVerificationFailed) {
		writeError(w, "verify", err)
		return
	}
	status := http.StatusOK
	if err != nil {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, "verify", result)
}

func (h *ObserverHandler) Decisions(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	records, total := h.observer.Decisions(limit, offset)
	writePage(w, "decisions", records, limit, offset, total)
}

func (h *ObserverHandler) Violations(w http.ResponseWriter, r *http.Request) {
	window := time.Hour
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			writeBadRequest(w, "violations", "window must be a duration like 30m")
			return
		}
		window = d
	}
	violations := h.observer.Violations(window)
	writeJSON(w, http.StatusOK, "violations", map[string]any{
		"window":  window.String(),
		"records": violations,
	})
}

func (h *ObserverHandler) OperationHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, "operation_health", h.observer.OperationHealth())
}

func (h *ObserverHandler) Recommendations(w http.ResponseWriter, r *http.Request) {
	recs := h.observer.Recommendations()
	writeJSON(w, http.StatusOK, "recommendations", map[string]any{
		"proposals": recs,
		"hint":      "proposals are advisory, apply via configuration",
	})
}

func (h *ObserverHandler) Calibration(w http.ResponseWriter, r *http.Request) {
	report := h.observer.Calibration()
	writeJSON(w, http.StatusOK, "calibration", report)
}

func (h *ObserverHandler) Anomalies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, "anomalies", h.observer.Anomalies())
}
