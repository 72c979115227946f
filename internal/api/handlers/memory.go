package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/shawkridge/athena/internal/domain"
	"github.com/shawkridge/athena/internal/service"
)

// MemoryHandler exposes the manager facade: remember, recall, forget, list,
// and the cross-layer stats rollup.
type MemoryHandler struct {
	manager  *service.Manager
	semantic domain.SemanticStore
}

func NewMemoryHandler(manager *service.Manager, semantic domain.SemanticStore) *MemoryHandler {
	return &MemoryHandler{manager: manager, semantic: semantic}
}

func (h *MemoryHandler) Remember(w http.ResponseWriter, r *http.Request) {
	var req service.RememberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "remember", "invalid request body")
		return
	}
	id, err := h.manager.Remember(r.Context(), req)
	if err != nil {
		writeError(w, "remember", err)
		return
	}
	writeJSON(w, http.StatusCreated, "remember", map[string]any{
		"id":   id,
		"kind": req.Kind,
		"hint": "use recall to retrieve, forget to remove",
	})
}

type recallRequest struct {
	ProjectID string               `json:"project_id"`
	Query     string               `json:"query"`
	Options   domain.RecallOptions `json:"options"`
}

func (h *MemoryHandler) Recall(w http.ResponseWriter, r *http.Request) {
	var req recallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "recall", "invalid request body")
		return
	}
	result, err := h.manager.Recall(r.Context(), req.ProjectID, req.Query, req.Options)
	if err != nil {
		writeError(w, "recall", err)
		return
	}
	writeDegraded(w, http.StatusOK, "recall", result, result.Degraded)
}

func (h *MemoryHandler) Forget(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeBadRequest(w, "forget", "invalid id")
		return
	}
	kind := domain.RecallLayer(r.URL.Query().Get("kind"))
	if kind == "" {
		kind = domain.LayerEpisodic
	}
	if err := h.manager.Forget(r.Context(), kind, id); err != nil {
		writeError(w, "forget", err)
		return
	}
	writeJSON(w, http.StatusOK, "forget", map[string]any{"id": id, "kind": kind})
}

func (h *MemoryHandler) ListMemories(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("project_id")
	if projectID == "" {
		writeBadRequest(w, "list_memories", "project_id is required")
		return
	}
	limit, offset := pageParams(r)

	filter := domain.SemanticFilter{
		MemoryType: domain.SemanticType(r.URL.Query().Get("memory_type")),
		State:      domain.ConsolidationState(r.URL.Query().Get("state")),
	}
	items, err := h.semantic.List(r.Context(), projectID, filter, limit, offset)
	if err != nil {
		writeError(w, "list_memories", err)
		return
	}
	total, err := h.semantic.Count(r.Context(), projectID, filter)
	if err != nil {
		writeError(w, "list_memories", err)
		return
	}
	writePage(w, "list_memories", items, limit, offset, total)
}

func (h *MemoryHandler) Optimize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProjectID string `json:"project_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "optimize", "invalid request body")
		return
	}
	res, err := h.manager.Optimize(r.Context(), req.ProjectID)
	if err != nil {
		writeError(w, "optimize", err)
		return
	}
	writeJSON(w, http.StatusOK, "optimize", res)
}

func (h *MemoryHandler) Stats(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("project_id")
	stats, err := h.manager.Stats(r.Context(), projectID)
	if err != nil {
		writeError(w, "stats", err)
		return
	}
	writeJSON(w, http.StatusOK, "stats", stats)
}

type outcomeRequest struct {
	DecisionID string `json:"decision_id"`
	Outcome    string `json:"outcome"`
	Correct    *bool  `json:"correct,omitempty"`
}

func (h *MemoryHandler) RecordOutcome(w http.ResponseWriter, r *http.Request) {
	var req outcomeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "record_outcome", "invalid request body")
		return
	}
	decisionID, err := uuid.Parse(req.DecisionID)
	if err != nil {
		writeBadRequest(w, "record_outcome", "invalid decision_id")
		return
	}
	if err := h.manager.RecordOutcome(decisionID, domain.RecallOutcome(req.Outcome), req.Correct); err != nil {
		writeError(w, "record_outcome", err)
		return
	}
	writeJSON(w, http.StatusOK, "record_outcome", map[string]any{"decision_id": decisionID})
}
