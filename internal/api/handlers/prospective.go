package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/shawkridge/athena/internal/domain"
	"github.com/shawkridge/athena/internal/service"
)

// ProspectiveHandler exposes tasks, goals, dependencies, and trigger firing.
type ProspectiveHandler struct {
	svc *service.ProspectiveService
}

func NewProspectiveHandler(svc *service.ProspectiveService) *ProspectiveHandler {
	return &ProspectiveHandler{svc: svc}
}

func (h *ProspectiveHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var t domain.Task
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		writeBadRequest(w, "create_task", "invalid request body")
		return
	}
	if err := h.svc.CreateTask(r.Context(), &t); err != nil {
		writeError(w, "create_task", err)
		return
	}
	writeJSON(w, http.StatusCreated, "create_task", t)
}

type setGoalRequest struct {
	ProjectID   string `json:"project_id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Priority    int    `json:"priority,omitempty"`
}

func (h *ProspectiveHandler) SetGoal(w http.ResponseWriter, r *http.Request) {
	var req setGoalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "set_goal", "invalid request body")
		return
	}
	goal, err := h.svc.SetGoal(r.Context(), req.ProjectID, req.Title, req.Description, req.Priority)
	if err != nil {
		writeError(w, "set_goal", err)
		return
	}
	writeJSON(w, http.StatusCreated, "set_goal", goal)
}

type updateTaskRequest struct {
	Status   string   `json:"status,omitempty"`
	Phase    string   `json:"phase,omitempty"`
	Progress *float32 `json:"progress,omitempty"`
}

func (h *ProspectiveHandler) UpdateTask(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeBadRequest(w, "update_task", "invalid task id")
		return
	}
	var req updateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "update_task", "invalid request body")
		return
	}
	if req.Status != "" {
		if err := h.svc.UpdateStatus(r.Context(), id, domain.TaskStatus(req.Status)); err != nil {
			writeError(w, "update_task", err)
			return
		}
	}
	if req.Phase != "" {
		if err := h.svc.SetPhase(r.Context(), id, domain.TaskPhase(req.Phase)); err != nil {
			writeError(w, "update_task", err)
			return
		}
	}
	if req.Progress != nil {
		if err := h.svc.UpdateProgress(r.Context(), id, *req.Progress); err != nil {
			writeError(w, "update_task", err)
			return
		}
	}
	task, err := h.svc.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, "update_task", err)
		return
	}
	writeJSON(w, http.StatusOK, "update_task", task)
}

func (h *ProspectiveHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("project_id")
	if projectID == "" {
		writeBadRequest(w, "list_tasks", "project_id is required")
		return
	}
	limit, offset := pageParams(r)

	filter := domain.TaskFilter{
		Status: domain.TaskStatus(r.URL.Query().Get("status")),
		Phase:  domain.TaskPhase(r.URL.Query().Get("phase")),
	}
	items, total, err := h.svc.List(r.Context(), projectID, filter, limit, offset)
	if err != nil {
		writeError(w, "list_tasks", err)
		return
	}
	writePage(w, "list_tasks", items, limit, offset, total)
}

func (h *ProspectiveHandler) ActiveGoals(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("project_id")
	if projectID == "" {
		writeBadRequest(w, "active_goals", "project_id is required")
		return
	}
	limit, offset := pageParams(r)
	items, total, err := h.svc.ListActive(r.Context(), projectID, limit, offset)
	if err != nil {
		writeError(w, "active_goals", err)
		return
	}
	writePage(w, "active_goals", items, limit, offset, total)
}

type dependencyRequest struct {
	DependsOn string `json:"depends_on"`
}

func (h *ProspectiveHandler) AddDependency(w http.ResponseWriter, r *http.Request) {
	taskID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeBadRequest(w, "add_dependency", "invalid task id")
		return
	}
	var req dependencyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "add_dependency", "invalid request body")
		return
	}
	dependsOn, err := uuid.Parse(req.DependsOn)
	if err != nil {
		writeBadRequest(w, "add_dependency", "invalid depends_on id")
		return
	}
	if err := h.svc.AddDependency(r.Context(), taskID, dependsOn); err != nil {
		writeError(w, "add_dependency", err)
		return
	}
	writeJSON(w, http.StatusOK, "add_dependency", map[string]any{
		"task_id":    taskID,
		"depends_on": dependsOn,
	})
}

func (h *ProspectiveHandler) FireTriggers(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("project_id")
	if projectID == "" {
		writeBadRequest(w, "fire_triggers", "project_id is required")
		return
	}
	var tc domain.TriggerContext
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&tc); err != nil {
			writeBadRequest(w, "fire_triggers", "invalid request body")
			return
		}
	}
	firings, err := h.svc.FireTriggers(r.Context(), projectID, tc)
	if err != nil {
		writeError(w, "fire_triggers", err)
		return
	}
	writeJSON(w, http.StatusOK, "fire_triggers", map[string]any{
		"fired":   len(firings),
		"firings": firings,
	})
}

func (h *ProspectiveHandler) DueBefore(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("project_id")
	if projectID == "" {
		writeBadRequest(w, "due_before", "project_id is required")
		return
	}
	deadline := time.Now().Add(24 * time.Hour)
	if raw := r.URL.Query().Get("before"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeBadRequest(w, "due_before", "before must be RFC3339")
			return
		}
		deadline = t
	}
	limit, _ := pageParams(r)
	items, err := h.svc.DueBefore(r.Context(), projectID, deadline, limit)
	if err != nil {
		writeError(w, "due_before", err)
		return
	}
	writeJSON(w, http.StatusOK, "due_before", map[string]any{
		"before": deadline.Format(time.RFC3339),
		"tasks":  items,
	})
}
