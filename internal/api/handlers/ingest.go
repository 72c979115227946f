package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/shawkridge/athena/internal/ingest"
)

// IngestHandler registers event sources and reports pipeline throughput.
type IngestHandler struct {
	pipeline *ingest.Pipeline
}

func NewIngestHandler(pipeline *ingest.Pipeline) *IngestHandler {
	return &IngestHandler{pipeline: pipeline}
}

func (h *IngestHandler) AddSource(w http.ResponseWriter, r *http.Request) {
	var spec ingest.SourceSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeBadRequest(w, "add_source", "invalid request body")
		return
	}
	if err := h.pipeline.AddSpec(r.Context(), spec); err != nil {
		writeError(w, "add_source", err)
		return
	}
	writeJSON(w, http.StatusCreated, "add_source", map[string]any{
		"id":   spec.ID,
		"kind": spec.Kind,
		"hint": "poll ingest_stats for throughput",
	})
}

func (h *IngestHandler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, "ingest_stats", h.pipeline.Stats())
}

func (h *IngestHandler) Kinds(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, "source_kinds", h.pipeline.Registry().Kinds())
}
