package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/shawkridge/athena/internal/service"
)

// ConsolidationHandler exposes synchronous runs, scheduling, and run status.
type ConsolidationHandler struct {
	manager *service.Manager
	consol  *service.ConsolidationService
}

func NewConsolidationHandler(manager *service.Manager, consol *service.ConsolidationService) *ConsolidationHandler {
	return &ConsolidationHandler{manager: manager, consol: consol}
}

func (h *ConsolidationHandler) Consolidate(w http.ResponseWriter, r *http.Request) {
	var params service.ConsolidationParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeBadRequest(w, "consolidate", "invalid request body")
		return
	}
	run, err := h.manager.Consolidate(r.Context(), params)
	if err != nil {
		writeError(w, "consolidate", err)
		return
	}
	writeDegraded(w, http.StatusOK, "consolidate", run, run.Degraded)
}

func (h *ConsolidationHandler) Schedule(w http.ResponseWriter, r *http.Request) {
	var params service.ConsolidationParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeBadRequest(w, "schedule_consolidation", "invalid request body")
		return
	}
	if params.ProjectID == "" {
		writeBadRequest(w, "schedule_consolidation", "project_id is required")
		return
	}
	h.consol.Enqueue(params)
	writeJSON(w, http.StatusAccepted, "schedule_consolidation", map[string]any{
		"project_id": params.ProjectID,
		"hint":       "poll consolidation_status for the run summary",
	})
}

func (h *ConsolidationHandler) Status(w http.ResponseWriter, r *http.Request) {
	run := h.consol.LastRun()
	if run == nil {
		writeJSON(w, http.StatusOK, "consolidation_status", map[string]any{"state": "never_run"})
		return
	}
	writeJSON(w, http.StatusOK, "consolidation_status", run)
}
