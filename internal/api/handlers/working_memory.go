package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/shawkridge/athena/internal/domain"
	"github.com/shawkridge/athena/internal/service"
)

// WorkingMemoryHandler exposes the per-project workspace directly.
type WorkingMemoryHandler struct {
	svc *service.WorkingMemoryService
}

func NewWorkingMemoryHandler(svc *service.WorkingMemoryService) *WorkingMemoryHandler {
	return &WorkingMemoryHandler{svc: svc}
}

func (h *WorkingMemoryHandler) Insert(w http.ResponseWriter, r *http.Request) {
	var item domain.WorkingMemoryItem
	if err := json.NewDecoder(r.Body).Decode(&item); err != nil {
		writeBadRequest(w, "wm_insert", "invalid request body")
		return
	}
	if err := h.svc.Insert(r.Context(), &item); err != nil {
		writeError(w, "wm_insert", err)
		return
	}
	writeJSON(w, http.StatusCreated, "wm_insert", item)
}

func (h *WorkingMemoryHandler) Touch(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeBadRequest(w, "wm_touch", "invalid item id")
		return
	}
	projectID := r.URL.Query().Get("project_id")
	if projectID == "" {
		writeBadRequest(w, "wm_touch", "project_id is required")
		return
	}
	if err := h.svc.Touch(r.Context(), projectID, id); err != nil {
		writeError(w, "wm_touch", err)
		return
	}
	writeJSON(w, http.StatusOK, "wm_touch", map[string]any{"id": id})
}

func (h *WorkingMemoryHandler) GetCurrent(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("project_id")
	if projectID == "" {
		writeBadRequest(w, "wm_current", "project_id is required")
		return
	}
	k := domain.WorkingMemoryTarget
	if raw := r.URL.Query().Get("k"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			k = v
		}
	}
	snapshot, err := h.svc.GetCurrent(r.Context(), projectID, k)
	if err != nil {
		writeError(w, "wm_current", err)
		return
	}
	writeJSON(w, http.StatusOK, "wm_current", snapshot)
}

func (h *WorkingMemoryHandler) EvictWeakest(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("project_id")
	if projectID == "" {
		writeBadRequest(w, "wm_evict", "project_id is required")
		return
	}
	evicted, err := h.svc.EvictWeakest(r.Context(), projectID)
	if err != nil {
		writeError(w, "wm_evict", err)
		return
	}
	writeJSON(w, http.StatusOK, "wm_evict", evicted)
}

func (h *WorkingMemoryHandler) ApplyDecay(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("project_id")
	if projectID == "" {
		writeBadRequest(w, "wm_decay", "project_id is required")
		return
	}
	pruned, err := h.svc.ApplyDecay(r.Context(), projectID, time.Now())
	if err != nil {
		writeError(w, "wm_decay", err)
		return
	}
	writeJSON(w, http.StatusOK, "wm_decay", map[string]any{"pruned": pruned})
}

func (h *WorkingMemoryHandler) Clear(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("project_id")
	if projectID == "" {
		writeBadRequest(w, "wm_clear", "project_id is required")
		return
	}
	removed, err := h.svc.Clear(r.Context(), projectID)
	if err != nil {
		writeError(w, "wm_clear", err)
		return
	}
	writeJSON(w, http.StatusOK, "wm_clear", map[string]any{"removed": removed})
}
