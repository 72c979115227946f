package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shawkridge/athena/internal/db"
	"github.com/shawkridge/athena/internal/domain"
)

// Manager is the facade every external caller goes through. Writes and reads
// both pass the verification gateway; a remember followed by a recall on the
// same manager sees the write.
type Manager struct {
	pool       *db.Pool
	episodic   domain.EpisodicStore
	semantic   domain.SemanticStore
	procedures domain.ProcedureStore
	tasks      domain.TaskStore
	graphStore domain.GraphStore
	wm         *WorkingMemoryService
	recall     *RecallService
	consol     *ConsolidationService
	verifier   *VerifyService
	observer   *Observer
	embedder   domain.EmbeddingClient
	llm        domain.LLMClient
	logger     *zap.Logger
}

func NewManager(
	pool *db.Pool,
	episodic domain.EpisodicStore,
	semantic domain.SemanticStore,
	procedures domain.ProcedureStore,
	tasks domain.TaskStore,
	graphStore domain.GraphStore,
	wm *WorkingMemoryService,
	recall *RecallService,
	consol *ConsolidationService,
	verifier *VerifyService,
	observer *Observer,
	embedder domain.EmbeddingClient,
	llm domain.LLMClient,
	logger *zap.Logger,
) *Manager {
	return &Manager{
		pool:       pool,
		episodic:   episodic,
		semantic:   semantic,
		procedures: procedures,
		tasks:      tasks,
		graphStore: graphStore,
		wm:         wm,
		recall:     recall,
		consol:     consol,
		verifier:   verifier,
		observer:   observer,
		embedder:   embedder,
		llm:        llm,
		logger:     logger,
	}
}

// RememberRequest is one facade write.
type RememberRequest struct {
	ProjectID string             `json:"project_id"`
	Content   string             `json:"content"`
	Kind      domain.RecallLayer `json:"kind"`
	Metadata  map[string]any     `json:"metadata,omitempty"`
	SessionID *uuid.UUID         `json:"session_id,omitempty"`
}

// Remember routes the content to the layer named by Kind, computing an
// embedding and passing the write through verification.
func (m *Manager) Remember(ctx context.Context, req RememberRequest) (uuid.UUID, error) {
	start := time.Now()
	if req.ProjectID == "" || strings.TrimSpace(req.Content) == "" {
		return uuid.Nil, fmt.Errorf("%w: project_id and content are required", domain.ErrInvalidInput)
	}
	if req.Kind == "" {
		req.Kind = domain.LayerEpisodic
	}
	if !domain.ValidRecallLayer(string(req.Kind)) {
		return uuid.Nil, fmt.Errorf("%w: kind %q", domain.ErrInvalidInput, req.Kind)
	}

	embedding, err := m.embedder.Embed(ctx, req.Content)
	if err != nil {
		m.logger.Warn("embedding failed on remember", zap.Error(err))
		embedding = nil
	}

	payload, _ := json.Marshal(req)
	vr, err := m.verifier.VerifyWrite("remember", 1, len(payload), embedding)
	m.observer.Record(req.ProjectID, "remember", vr, time.Since(start))
	if err != nil {
		return uuid.Nil, err
	}

	id, err := m.routeWrite(ctx, req, embedding)
	if err != nil {
		return uuid.Nil, err
	}
	if req.Kind == domain.LayerSemantic {
		m.recall.InvalidateCache()
	}
	return id, nil
}

func (m *Manager) routeWrite(ctx context.Context, req RememberRequest, embedding []float32) (uuid.UUID, error) {
	switch req.Kind {
	case domain.LayerEpisodic:
		e := &domain.EpisodicEvent{
			ProjectID:         req.ProjectID,
			SessionID:         req.SessionID,
			Content:           req.Content,
			EventType:         eventTypeFromMetadata(req.Metadata),
			StructuredContext: req.Metadata,
			Embedding:         embedding,
			Timestamp:         time.Now(),
		}
		if _, err := m.episodic.Append(ctx, e); err != nil {
			return uuid.Nil, err
		}
		return e.ID, nil

	case domain.LayerSemantic:
		mem := &domain.SemanticMemory{
			ProjectID:  req.ProjectID,
			Content:    req.Content,
			MemoryType: semanticTypeFromMetadata(req.Metadata),
			Embedding:  embedding,
		}
		if c, ok := metadataFloat(req.Metadata, "confidence"); ok {
			mem.Confidence = c
		}
		if err := m.semantic.Upsert(ctx, mem); err != nil {
			return uuid.Nil, err
		}
		return mem.ID, nil

	case domain.LayerWorking:
		item := &domain.WorkingMemoryItem{
			ProjectID: req.ProjectID,
			Content:   req.Content,
			Embedding: embedding,
		}
		if imp, ok := metadataFloat(req.Metadata, "importance"); ok {
			item.Importance = imp
		}
		if err := m.wm.Insert(ctx, item); err != nil {
			return uuid.Nil, err
		}
		return item.ID, nil

	case domain.LayerProspective:
		t := &domain.Task{
			ProjectID: req.ProjectID,
			Title:     req.Content,
			Status:    domain.TaskPending,
		}
		if err := m.tasks.Create(ctx, t); err != nil {
			return uuid.Nil, err
		}
		return t.ID, nil

	case domain.LayerGraph:
		e := &domain.Entity{
			ProjectID: req.ProjectID,
			Name:      req.Content,
			Embedding: embedding,
		}
		if s, ok := req.Metadata["entity_type"].(string); ok && domain.ValidEntityType(s) {
			e.EntityType = domain.EntityType(s)
		} else {
			e.EntityType = domain.EntityOther
		}
		if err := m.graphStore.UpsertEntity(ctx, e); err != nil {
			return uuid.Nil, err
		}
		return e.ID, nil
	}
	return uuid.Nil, fmt.Errorf("%w: kind %q is not writable through remember", domain.ErrInvalidInput, req.Kind)
}

// Recall delegates to the retrieval planner; verification runs inside it.
func (m *Manager) Recall(ctx context.Context, projectID, query string, opts domain.RecallOptions) (*domain.RecallResult, error) {
	return m.recall.Recall(ctx, projectID, query, opts)
}

// RecordOutcome feeds retrieval feedback to the observer's calibration loop.
func (m *Manager) RecordOutcome(decisionID uuid.UUID, outcome domain.RecallOutcome, correct *bool) error {
	if !domain.ValidRecallOutcome(string(outcome)) {
		return fmt.Errorf("%w: outcome %q", domain.ErrInvalidInput, outcome)
	}
	return m.observer.RecordOutcome(decisionID, string(outcome), correct)
}

// Forget archives episodic events and deletes semantic memories. A semantic
// memory still referenced as provenance by consolidated knowledge cannot be
// deleted.
func (m *Manager) Forget(ctx context.Context, kind domain.RecallLayer, id uuid.UUID) error {
	switch kind {
	case domain.LayerEpisodic:
		return m.episodic.Archive(ctx, id)
	case domain.LayerSemantic:
		refs, err := m.semantic.ReferencedBy(ctx, id)
		if err != nil {
			return err
		}
		if len(refs) > 0 {
			return fmt.Errorf("%w: %d consolidated memories cite this as provenance, archive them first",
				domain.ErrIntegrityViolation, len(refs))
		}
		if err := m.semantic.Delete(ctx, id); err != nil {
			return err
		}
		m.recall.InvalidateCache()
		return nil
	case domain.LayerWorking:
		return m.wm.Delete(ctx, id)
	}
	return fmt.Errorf("%w: kind %q is not forgettable", domain.ErrInvalidInput, kind)
}

// Consolidate runs one consolidation pass synchronously.
func (m *Manager) Consolidate(ctx context.Context, params ConsolidationParams) (*ConsolidationRun, error) {
	run, err := m.consol.Run(ctx, params)
	if err != nil {
		return nil, err
	}
	if run.SemanticCreated > 0 {
		m.recall.InvalidateCache()
	}
	return run, nil
}

// Verify dry-runs the write gates against a candidate payload without
// applying anything.
func (m *Manager) Verify(op string, items, payloadBytes int, embedding []float32) (domain.VerificationResult, error) {
	if op == "" {
		op = "verify"
	}
	if items <= 0 {
		items = 1
	}
	return m.verifier.VerifyWrite(op, items, payloadBytes, embedding)
}

// OptimizeResult summarizes one maintenance pass.
type OptimizeResult struct {
	ProjectID     string            `json:"project_id"`
	Consolidation *ConsolidationRun `json:"consolidation,omitempty"`
	WorkingPruned int               `json:"working_pruned"`
	StartedAt     time.Time         `json:"started_at"`
	DurationMS    int64             `json:"duration_ms"`
}

// Optimize runs a maintenance pass for one project: a bounded consolidation
// of the active backlog followed by a working-memory decay sweep. A failure
// in one phase does not stop the other.
func (m *Manager) Optimize(ctx context.Context, projectID string) (*OptimizeResult, error) {
	if projectID == "" {
		return nil, fmt.Errorf("%w: project_id is required", domain.ErrInvalidInput)
	}
	start := time.Now()
	res := &OptimizeResult{ProjectID: projectID, StartedAt: start}

	run, err := m.Consolidate(ctx, ConsolidationParams{ProjectID: projectID})
	if err != nil {
		m.logger.Warn("optimize consolidation failed",
			zap.String("project_id", projectID), zap.Error(err))
	} else {
		res.Consolidation = run
	}

	pruned, err := m.wm.ApplyDecay(ctx, projectID, time.Now())
	if err != nil {
		m.logger.Warn("optimize decay sweep failed",
			zap.String("project_id", projectID), zap.Error(err))
	} else {
		res.WorkingPruned = pruned
	}

	res.DurationMS = time.Since(start).Milliseconds()
	return res, nil
}

// ComponentHealth is one dependency's health probe result.
type ComponentHealth struct {
	Component string `json:"component"`
	Healthy   bool   `json:"healthy"`
	Error     string `json:"error,omitempty"`
}

// SystemHealth aggregates dependency probes with the observer's behavioral
// health report.
type SystemHealth struct {
	Healthy    bool                `json:"healthy"`
	Components []ComponentHealth   `json:"components"`
	Report     domain.HealthReport `json:"report"`
	CheckedAt  time.Time           `json:"checked_at"`
}

func (m *Manager) Health(ctx context.Context) SystemHealth {
	probes := []struct {
		name  string
		check func(context.Context) error
	}{
		{"database", m.pool.Health},
		{"embedding", m.embedder.Health},
		{"llm", m.llm.Health},
	}

	out := SystemHealth{Healthy: true, CheckedAt: time.Now()}
	for _, p := range probes {
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := p.check(probeCtx)
		cancel()
		ch := ComponentHealth{Component: p.name, Healthy: err == nil}
		if err != nil {
			ch.Error = err.Error()
			out.Healthy = false
		}
		out.Components = append(out.Components, ch)
	}
	out.Report = m.observer.Health()
	return out
}

// Stats assembles the cross-layer rollup for one project. Individual layer
// failures zero that layer rather than failing the whole report.
func (m *Manager) Stats(ctx context.Context, projectID string) (*domain.MemoryStats, error) {
	if projectID == "" {
		return nil, fmt.Errorf("%w: project_id is required", domain.ErrInvalidInput)
	}
	stats := &domain.MemoryStats{ProjectID: projectID, GeneratedAt: time.Now()}

	if byLifecycle, err := m.episodic.CountByLifecycle(ctx, projectID); err == nil {
		stats.Episodic.ByLifecycle = byLifecycle
		for _, c := range byLifecycle {
			stats.Episodic.Total += c
		}
		stats.Episodic.Backlog = byLifecycle[domain.LifecycleActive]
	} else {
		m.logger.Warn("episodic stats failed", zap.Error(err))
	}

	if total, err := m.semantic.Count(ctx, projectID, domain.SemanticFilter{}); err == nil {
		stats.Semantic.Total = total
	}
	if consolidated, err := m.semantic.Count(ctx, projectID, domain.SemanticFilter{State: domain.StateConsolidated}); err == nil {
		stats.Semantic.Consolidated = consolidated
	}
	if total, err := m.procedures.Count(ctx, projectID, ""); err == nil {
		stats.Procedural.Total = total
	}
	if pending, err := m.tasks.Count(ctx, projectID, domain.TaskFilter{Status: domain.TaskPending}); err == nil {
		stats.Prospective.Pending = pending
	}
	if active, err := m.tasks.Count(ctx, projectID, domain.TaskFilter{Status: domain.TaskActive}); err == nil {
		stats.Prospective.Active = active
	}
	if entities, err := m.graphStore.EntityCount(ctx, projectID); err == nil {
		stats.Graph.Entities = entities
	}
	if relations, err := m.graphStore.RelationCount(ctx, projectID); err == nil {
		stats.Graph.Relations = relations
	}
	if snapshot, err := m.wm.GetCurrent(ctx, projectID, domain.WorkingMemoryHardCap); err == nil {
		stats.Working.Occupied = snapshot.Occupied
		stats.Working.HardCap = snapshot.HardCap
	}

	report := m.observer.Health()
	stats.Health = &report
	return stats, nil
}

func eventTypeFromMetadata(md map[string]any) domain.EventType {
	if s, ok := md["event_type"].(string); ok && domain.ValidEventType(s) {
		return domain.EventType(s)
	}
	return domain.EventAgentOutput
}

func semanticTypeFromMetadata(md map[string]any) domain.SemanticType {
	if s, ok := md["memory_type"].(string); ok && domain.ValidSemanticType(s) {
		return domain.SemanticType(s)
	}
	return domain.SemanticFact
}

func metadataFloat(md map[string]any, key string) (float32, bool) {
	switch v := md[key].(type) {
	case float64:
		return float32(v), true
	case float32:
		return v, true
	case int:
		return float32(v), true
	}
	return 0, false
}
