package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/shawkridge/athena/internal/domain"
	"github.com/shawkridge/athena/internal/service"
)

// SessionHandler exposes session lifecycle and per-session event recording.
type SessionHandler struct {
	svc *service.SessionService
}

func NewSessionHandler(svc *service.SessionService) *SessionHandler {
	return &SessionHandler{svc: svc}
}

type startSessionRequest struct {
	ProjectID string `json:"project_id"`
	Task      string `json:"task,omitempty"`
	Phase     string `json:"phase,omitempty"`
}

func (h *SessionHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "start_session", "invalid request body")
		return
	}
	sess, err := h.svc.StartSession(r.Context(), req.ProjectID, req.Task, req.Phase)
	if err != nil {
		writeError(w, "start_session", err)
		return
	}
	writeJSON(w, http.StatusCreated, "start_session", sess)
}

func (h *SessionHandler) End(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeBadRequest(w, "end_session", "invalid session id")
		return
	}
	sess, err := h.svc.EndSession(r.Context(), id)
	if err != nil {
		writeError(w, "end_session", err)
		return
	}
	writeJSON(w, http.StatusOK, "end_session", sess)
}

func (h *SessionHandler) RecordEvent(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeBadRequest(w, "record_session_event", "invalid session id")
		return
	}
	var e domain.EpisodicEvent
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		writeBadRequest(w, "record_session_event", "invalid request body")
		return
	}
	duplicate, err := h.svc.RecordSessionEvent(r.Context(), id, &e)
	if err != nil {
		writeError(w, "record_session_event", err)
		return
	}
	status := http.StatusCreated
	if duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, "record_session_event", map[string]any{
		"id":        e.ID,
		"duplicate": duplicate,
	})
}

type updateContextRequest struct {
	Task  string `json:"task,omitempty"`
	Phase string `json:"phase,omitempty"`
}

func (h *SessionHandler) UpdateContext(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeBadRequest(w, "update_context", "invalid session id")
		return
	}
	var req updateContextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "update_context", "invalid request body")
		return
	}
	if err := h.svc.UpdateContext(r.Context(), id, req.Task, req.Phase); err != nil {
		writeError(w, "update_context", err)
		return
	}
	sess, err := h.svc.Get(r.Context(), id)
	if err != nil {
		writeError(w, "update_context", err)
		return
	}
	writeJSON(w, http.StatusOK, "update_context", sess)
}

func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeBadRequest(w, "get_session", "invalid session id")
		return
	}
	sess, err := h.svc.Get(r.Context(), id)
	if err != nil {
		writeError(w, "get_session", err)
		return
	}
	writeJSON(w, http.StatusOK, "get_session", sess)
}

func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("project_id")
	if projectID == "" {
		writeBadRequest(w, "list_sessions", "project_id is required")
		return
	}
	limit, offset := pageParams(r)
	sessions, err := h.svc.ListRecent(r.Context(), projectID, limit, offset)
	if err != nil {
		writeError(w, "list_sessions", err)
		return
	}
	writeJSON(w, http.StatusOK, "list_sessions", map[string]any{"items": sessions})
}

func (h *SessionHandler) WorkingMemory(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeBadRequest(w, "get_working_memory", "invalid session id")
		return
	}
	k := domain.WorkingMemoryTarget
	if raw := r.URL.Query().Get("k"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			k = v
		}
	}
	snapshot, err := h.svc.GetWorkingMemory(r.Context(), id, k)
	if err != nil {
		writeError(w, "get_working_memory", err)
		return
	}
	writeJSON(w, http.StatusOK, "get_working_memory", snapshot)
}
