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

// GraphHandler exposes the entity-relation graph and community queries.
type GraphHandler struct {
	svc *service.GraphService
}

func NewGraphHandler(svc *service.GraphService) *GraphHandler {
	return &GraphHandler{svc: svc}
}

func (h *GraphHandler) CreateEntity(w http.ResponseWriter, r *http.Request) {
	var e domain.Entity
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		writeBadRequest(w, "create_entity", "invalid request body")
		return
	}
	if err := h.svc.UpsertEntity(r.Context(), &e); err != nil {
		writeError(w, "create_entity", err)
		return
	}
	writeJSON(w, http.StatusCreated, "create_entity", e)
}

func (h *GraphHandler) CreateRelation(w http.ResponseWriter, r *http.Request) {
	var rel domain.Relation
	if err := json.NewDecoder(r.Body).Decode(&rel); err != nil {
		writeBadRequest(w, "create_relation", "invalid request body")
		return
	}
	if err := h.svc.UpsertRelation(r.Context(), &rel); err != nil {
		writeError(w, "create_relation", err)
		return
	}
	writeJSON(w, http.StatusCreated, "create_relation", rel)
}

func (h *GraphHandler) SearchGraph(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("project_id")
	query := r.URL.Query().Get("q")
	if projectID == "" || query == "" {
		writeBadRequest(w, "search_graph", "project_id and q are required")
		return
	}
	limit, _ := pageParams(r)
	hits, err := h.svc.SearchEntities(r.Context(), projectID, query, limit)
	if err != nil {
		writeError(w, "search_graph", err)
		return
	}
	writeJSON(w, http.StatusOK, "search_graph", map[string]any{
		"entities": hits,
		"hint":     "use neighborhood for the surrounding subgraph",
	})
}

func (h *GraphHandler) Neighborhood(w http.ResponseWriter, r *http.Request) {
	entityID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeBadRequest(w, "neighborhood", "invalid entity id")
		return
	}
	depth := 1
	if raw := r.URL.Query().Get("depth"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			depth = v
		}
	}
	var types []domain.RelationType
	if raw := r.URL.Query().Get("relation_type"); raw != "" {
		types = append(types, domain.RelationType(raw))
	}
	nb, err := h.svc.Neighborhood(r.Context(), entityID, depth, types)
	if err != nil {
		writeError(w, "neighborhood", err)
		return
	}
	writeJSON(w, http.StatusOK, "neighborhood", nb)
}

func (h *GraphHandler) ShortestPath(w http.ResponseWriter, r *http.Request) {
	from, err := uuid.Parse(r.URL.Query().Get("from"))
	if err != nil {
		writeBadRequest(w, "shortest_path", "invalid from id")
		return
	}
	to, err := uuid.Parse(r.URL.Query().Get("to"))
	if err != nil {
		writeBadRequest(w, "shortest_path", "invalid to id")
		return
	}
	maxDepth := domain.MaxPathDepth
	if raw := r.URL.Query().Get("max_depth"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			maxDepth = v
		}
	}
	path, err := h.svc.ShortestPath(r.Context(), from, to, maxDepth)
	if err != nil {
		writeError(w, "shortest_path", err)
		return
	}
	writeJSON(w, http.StatusOK, "shortest_path", path)
}

func (h *GraphHandler) Communities(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("project_id")
	if projectID == "" {
		writeBadRequest(w, "communities", "project_id is required")
		return
	}
	level := 0
	if raw := r.URL.Query().Get("level"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			level = v
		}
	}
	communities, err := h.svc.Communities(r.Context(), projectID, level)
	if err != nil {
		writeError(w, "communities", err)
		return
	}
	writeJSON(w, http.StatusOK, "communities", map[string]any{
		"level":       level,
		"communities": communities,
	})
}

type computeCommunitiesRequest struct {
	ProjectID  string  `json:"project_id"`
	Algorithm  string  `json:"algorithm,omitempty"`
	Resolution float64 `json:"resolution,omitempty"`
}

func (h *GraphHandler) ComputeCommunities(w http.ResponseWriter, r *http.Request) {
	var req computeCommunitiesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "compute_communities", "invalid request body")
		return
	}
	if req.ProjectID == "" {
		writeBadRequest(w, "compute_communities", "project_id is required")
		return
	}
	n, err := h.svc.ComputeCommunities(r.Context(), req.ProjectID, req.Algorithm, req.Resolution)
	if err != nil {
		writeError(w, "compute_communities", err)
		return
	}
	writeJSON(w, http.StatusOK, "compute_communities", map[string]any{
		"communities": n,
		"hint":        "query communities to inspect the new partition",
	})
}

func (h *GraphHandler) CommunityOf(w http.ResponseWriter, r *http.Request) {
	entityID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeBadRequest(w, "community_of", "invalid entity id")
		return
	}
	community, err := h.svc.CommunityOf(r.Context(), entityID)
	if err != nil {
		writeError(w, "community_of", err)
		return
	}
	writeJSON(w, http.StatusOK, "community_of", community)
}
