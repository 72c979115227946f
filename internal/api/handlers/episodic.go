package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/shawkridge/athena/internal/domain"
)

// EpisodicHandler exposes the raw event log: direct recording, filtered
// listing, and the timeline view.
type EpisodicHandler struct {
	store    domain.EpisodicStore
	embedder domain.EmbeddingClient
}

func NewEpisodicHandler(store domain.EpisodicStore, embedder domain.EmbeddingClient) *EpisodicHandler {
	return &EpisodicHandler{store: store, embedder: embedder}
}

func (h *EpisodicHandler) RecordEvent(w http.ResponseWriter, r *http.Request) {
	var e domain.EpisodicEvent
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		writeBadRequest(w, "record_event", "invalid request body")
		return
	}
	if len(e.Embedding) == 0 && e.Content != "" {
		if vec, err := h.embedder.Embed(r.Context(), e.Content); err == nil {
			e.Embedding = vec
		}
	}
	duplicate, err := h.store.Append(r.Context(), &e)
	if err != nil {
		writeError(w, "record_event", err)
		return
	}
	status := http.StatusCreated
	if duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, "record_event", map[string]any{
		"id":        e.ID,
		"duplicate": duplicate,
	})
}

func (h *EpisodicHandler) RecallEvents(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("project_id")
	if projectID == "" {
		writeBadRequest(w, "recall_events", "project_id is required")
		return
	}
	limit, offset := pageParams(r)

	filter := domain.EventFilter{
		SourceID:  r.URL.Query().Get("source_id"),
		Lifecycle: domain.Lifecycle(r.URL.Query().Get("lifecycle")),
	}
	if t := r.URL.Query().Get("event_type"); t != "" {
		filter.EventTypes = []domain.EventType{domain.EventType(t)}
	}

	events, err := h.store.List(r.Context(), projectID, filter, limit, offset)
	if err != nil {
		writeError(w, "recall_events", err)
		return
	}
	total, err := h.store.Count(r.Context(), projectID, filter)
	if err != nil {
		writeError(w, "recall_events", err)
		return
	}
	writePage(w, "recall_events", events, limit, offset, total)
}

func (h *EpisodicHandler) Timeline(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("project_id")
	if projectID == "" {
		writeBadRequest(w, "timeline", "project_id is required")
		return
	}

	end := time.Now()
	start := end.Add(-24 * time.Hour)
	if raw := r.URL.Query().Get("start"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeBadRequest(w, "timeline", "start must be RFC3339")
			return
		}
		start = t
	}
	if raw := r.URL.Query().Get("end"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeBadRequest(w, "timeline", "end must be RFC3339")
			return
		}
		end = t
	}
	limit, _ := pageParams(r)

	events, err := h.store.GetByTimeRange(r.Context(), projectID,
		domain.TimeWindow{Start: start, End: end}, limit)
	if err != nil {
		writeError(w, "timeline", err)
		return
	}
	writeJSON(w, http.StatusOK, "timeline", map[string]any{
		"window": map[string]string{
			"start": start.Format(time.RFC3339),
			"end":   end.Format(time.RFC3339),
		},
		"events": events,
	})
}
