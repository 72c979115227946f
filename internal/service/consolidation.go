package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shawkridge/athena/internal/config"
	"github.com/shawkridge/athena/internal/domain"
)

// ConsolidationStrategy trades run time for extraction quality.
type ConsolidationStrategy string

const (
	StrategySpeed   ConsolidationStrategy = "speed"
	StrategyBalanced ConsolidationStrategy = "balanced"
	StrategyQuality ConsolidationStrategy = "quality"
)

func ValidConsolidationStrategy(s string) bool {
	switch ConsolidationStrategy(s) {
	case StrategySpeed, StrategyBalanced, StrategyQuality:
		return true
	}
	return false
}

const (
	// clusterFallbackSize disables embedding-based clustering above this
	// event count; session grouping alone stays linear.
	clusterFallbackSize = 10000

	// procedureMinExecutions and procedureMinSuccess gate procedure
	// learning from a cluster's repeated action sequences.
	procedureMinExecutions = 3
	procedureMinSuccess    = 0.6
)

// ConsolidationParams parameterizes one run. Zero values use config defaults.
type ConsolidationParams struct {
	ProjectID string                `json:"project_id"`
	MaxEvents int                   `json:"max_events,omitempty"`
	Window    time.Duration         `json:"window,omitempty"`
	Strategy  ConsolidationStrategy `json:"strategy,omitempty"`
}

// ConsolidationRun summarizes one completed run.
type ConsolidationRun struct {
	ProjectID         string        `json:"project_id"`
	Strategy          ConsolidationStrategy `json:"strategy"`
	EventsProcessed   int           `json:"events_processed"`
	ClustersFormed    int           `json:"clusters_formed"`
	SemanticCreated   int           `json:"semantic_created"`
	EntitiesUpserted  int           `json:"entities_upserted"`
	RelationsUpserted int           `json:"relations_upserted"`
	ProceduresLearned int           `json:"procedures_learned"`
	EventsReverted    int           `json:"events_reverted"`
	Degraded          bool          `json:"degraded"`
	Violations        []string      `json:"violations,omitempty"`
	Elapsed           time.Duration `json:"elapsed"`
	StartedAt         time.Time     `json:"started_at"`
}

// eventCluster is one group of related events moving through the pipeline.
type eventCluster struct {
	events   []domain.EpisodicEvent
	centroid []float32

	frequency   int
	novelty     float32
	successRate float32
	confidence  float32 // System 1 heuristic confidence

	validated   bool // System 2 accepted
	degraded    bool
	description string
	extracted   []domain.ExtractedSemantic
}

// ConsolidationService is the dual-process engine that promotes episodic
// events into semantic, procedural, and graph knowledge. System 1 clusters
// and scores heuristically; System 2 asks the LLM to validate the clusters
// System 1 was unsure about.
type ConsolidationService struct {
	episodic   domain.EpisodicStore
	semantic   domain.SemanticStore
	graph      domain.GraphStore
	procedures domain.ProcedureStore
	meta       domain.MetaStore
	embedder   domain.EmbeddingClient
	llm        domain.LLMClient
	observer   *Observer
	cfg        config.ConsolConfig
	logger     *zap.Logger

	runMu sync.Mutex // one run at a time

	interval time.Duration
	queue    chan ConsolidationParams
	stopCh   chan struct{}
	wg       sync.WaitGroup

	mu       sync.Mutex
	lastRun  *ConsolidationRun
	projects map[string]struct{} // projects seen, for scheduled runs
}

func NewConsolidationService(
	episodic domain.EpisodicStore,
	semantic domain.SemanticStore,
	graph domain.GraphStore,
	procedures domain.ProcedureStore,
	meta domain.MetaStore,
	embedder domain.EmbeddingClient,
	llm domain.LLMClient,
	observer *Observer,
	cfg config.ConsolConfig,
	logger *zap.Logger,
) *ConsolidationService {
	return &ConsolidationService{
		episodic:   episodic,
		semantic:   semantic,
		graph:      graph,
		procedures: procedures,
		meta:       meta,
		embedder:   embedder,
		llm:        llm,
		observer:   observer,
		cfg:        cfg,
		logger:     logger,
		interval:   time.Duration(cfg.IntervalS) * time.Second,
		queue:      make(chan ConsolidationParams, 64),
		stopCh:     make(chan struct{}),
		projects:   make(map[string]struct{}),
	}
}

// TrackProject registers a project for scheduled runs.
func (s *ConsolidationService) TrackProject(projectID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[projectID] = struct{}{}
}

// Enqueue requests an asynchronous run, as at session end. A full queue
// drops the request: the scheduler will get to the project anyway.
func (s *ConsolidationService) Enqueue(params ConsolidationParams) {
	select {
	case s.queue <- params:
	default:
		s.logger.Warn("consolidation queue full, dropping request",
			zap.String("project_id", params.ProjectID))
	}
}

// LastRun returns the most recent run summary, if any.
func (s *ConsolidationService) LastRun() *ConsolidationRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}

func (s *ConsolidationService) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.logger.Info("consolidation worker started", zap.Duration("interval", s.interval))
		for {
			select {
			case <-ticker.C:
				s.runScheduled()
			case params := <-s.queue:
				s.runOne(params)
			case <-s.stopCh:
				s.logger.Info("consolidation worker stopped")
				return
			}
		}
	}()
}

func (s *ConsolidationService) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *ConsolidationService) runScheduled() {
	s.mu.Lock()
	projects := make([]string, 0, len(s.projects))
	for p := range s.projects {
		projects = append(projects, p)
	}
	s.mu.Unlock()

	for _, p := range projects {
		s.runOne(ConsolidationParams{ProjectID: p})
	}
}

func (s *ConsolidationService) runOne(params ConsolidationParams) {
	ctx, cancel := context.WithTimeout(context.Background(),
		time.Duration(s.cfg.RunCapS)*time.Second)
	defer cancel()

	if _, err := s.Run(ctx, params); err != nil {
		s.logger.Error("consolidation run failed",
			zap.String("project_id", params.ProjectID),
			zap.Error(err))
	}
}

// Run executes one consolidation pass. The wall clock cap comes from the
// caller's context; on timeout mid-run, unclaimed work is released.
func (s *ConsolidationService) Run(ctx context.Context, params ConsolidationParams) (*ConsolidationRun, error) {
	if params.ProjectID == "" {
		return nil, fmt.Errorf("%w: project_id is required", domain.ErrInvalidInput)
	}
	if params.MaxEvents <= 0 {
		params.MaxEvents = s.cfg.MaxEvents
	}
	if params.Window <= 0 {
		params.Window = time.Duration(s.cfg.WindowS) * time.Second
	}
	if params.Strategy == "" {
		params.Strategy = ConsolidationStrategy(s.cfg.Strategy)
	}
	if !ValidConsolidationStrategy(string(params.Strategy)) {
		return nil, fmt.Errorf("%w: strategy %q", domain.ErrInvalidInput, params.Strategy)
	}

	s.runMu.Lock()
	defer s.runMu.Unlock()

	s.TrackProject(params.ProjectID)

	run := &ConsolidationRun{
		ProjectID: params.ProjectID,
		Strategy:  params.Strategy,
		StartedAt: time.Now(),
	}

	// Stage 1: claim a consistent snapshot.
	events, err := s.episodic.ClaimForConsolidation(ctx, params.ProjectID, time.Now(), params.MaxEvents)
	if err != nil {
		return nil, fmt.Errorf("claim events: %w", err)
	}
	windowStart := run.StartedAt.Add(-params.Window)
	events, released, err := s.releaseOutOfWindow(ctx, events, windowStart)
	if err != nil {
		return nil, err
	}
	run.EventsReverted += released
	run.EventsProcessed = len(events)
	if len(events) == 0 {
		s.finishRun(run)
		return run, nil
	}

	// Stage 2: System 1 clustering.
	clusters := s.cluster(events)
	run.ClustersFormed = len(clusters)

	// Stage 3+4: features, then System 2 validation where System 1 is
	// unsure (always under the quality strategy).
	for _, c := range clusters {
		s.scoreCluster(ctx, params.ProjectID, c)
		if c.confidence < s.cfg.Sys2Threshold || params.Strategy == StrategyQuality {
			s.validateCluster(ctx, c, run)
		} else {
			c.validated = true
			s.heuristicExtract(c)
		}
	}

	// Stage 5: compression only when external validation participated.
	if params.Strategy == StrategyQuality {
		s.compress(ctx, clusters, run)
	}

	// Stage 6+7: promote accepted clusters and finalize their lifecycle.
	// Failures revert that cluster's events; other clusters proceed.
	for _, c := range clusters {
		if !c.validated || len(c.extracted) == 0 {
			if n, err := s.episodic.ReleaseClaim(ctx, eventIDs(c.events)); err == nil {
				run.EventsReverted += int(n)
			}
			continue
		}
		if err := s.promote(ctx, params.ProjectID, c, run); err != nil {
			run.Violations = append(run.Violations, "promotion_failed")
			if n, rerr := s.episodic.ReleaseClaim(ctx, eventIDs(c.events)); rerr == nil {
				run.EventsReverted += int(n)
			}
			s.logger.Warn("cluster promotion failed, events released",
				zap.String("project_id", params.ProjectID),
				zap.Int("cluster_size", len(c.events)),
				zap.Error(err))
			continue
		}
		s.linkCausality(ctx, c.events)
	}

	s.updateMeta(ctx, params.ProjectID, run)
	s.finishRun(run)
	s.recordDecision(run)

	s.logger.Info("consolidation run complete",
		zap.String("project_id", run.ProjectID),
		zap.String("strategy", string(run.Strategy)),
		zap.Int("events", run.EventsProcessed),
		zap.Int("clusters", run.ClustersFormed),
		zap.Int("semantic_created", run.SemanticCreated),
		zap.Int("procedures_learned", run.ProceduresLearned),
		zap.Bool("degraded", run.Degraded),
		zap.Duration("elapsed", run.Elapsed))
	return run, nil
}

func (s *ConsolidationService) finishRun(run *ConsolidationRun) {
	run.Elapsed = time.Since(run.StartedAt)
	s.mu.Lock()
	s.lastRun = run
	s.mu.Unlock()
}

func (s *ConsolidationService) recordDecision(run *ConsolidationRun) {
	if s.observer == nil {
		return
	}
	vr := domain.VerificationResult{
		Passed:     len(run.Violations) == 0,
		Confidence: 1.0,
		Degraded:   run.Degraded,
	}
	for _, v := range run.Violations {
		vr.Violations = append(vr.Violations, domain.GateViolation{
			Gate:   domain.GateConsistency,
			Detail: v,
		})
		vr.Confidence *= 0.8
	}
	s.observer.Record(run.ProjectID, "consolidate", vr, run.Elapsed)
}

// releaseOutOfWindow returns the in-window events and releases the claim on
// the rest.
func (s *ConsolidationService) releaseOutOfWindow(ctx context.Context, events []domain.EpisodicEvent, windowStart time.Time) ([]domain.EpisodicEvent, int, error) {
	var keep []domain.EpisodicEvent
	var release []uuid.UUID
	for _, e := range events {
		if e.Timestamp.Before(windowStart) {
			release = append(release, e.ID)
		} else {
			keep = append(keep, e)
		}
	}
	if len(release) == 0 {
		return keep, 0, nil
	}
	n, err := s.episodic.ReleaseClaim(ctx, release)
	if err != nil {
		return nil, 0, fmt.Errorf("release out-of-window events: %w", err)
	}
	return keep, int(n), nil
}

// cluster groups events by (session, source), splits on temporal gaps, then
// refines by embedding cosine. Above the fallback size only the first two
// stages run.
func (s *ConsolidationService) cluster(events []domain.EpisodicEvent) []*eventCluster {
	groups := make(map[string][]domain.EpisodicEvent)
	var order []string
	for _, e := range events {
		key := e.SourceID
		if e.SessionID != nil {
			key = e.SessionID.String() + "/" + e.SourceID
		}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], e)
	}

	gap := time.Duration(s.cfg.ClusterGapS) * time.Second
	useEmbeddings := len(events) <= clusterFallbackSize

	var clusters []*eventCluster
	for _, key := range order {
		group := groups[key]
		sort.Slice(group, func(i, j int) bool { return group[i].Timestamp.Before(group[j].Timestamp) })

		var current []domain.EpisodicEvent
		flushTemporal := func() {
			if len(current) == 0 {
				return
			}
			if useEmbeddings {
				clusters = append(clusters, s.splitBySimilarity(current)...)
			} else {
				clusters = append(clusters, newCluster(current))
			}
			current = nil
		}

		for i, e := range group {
			if i > 0 && e.Timestamp.Sub(group[i-1].Timestamp) > gap {
				flushTemporal()
			}
			current = append(current, e)
		}
		flushTemporal()
	}
	return clusters
}

// splitBySimilarity starts a new sub-cluster whenever an event's embedding
// drifts below the similarity threshold from the running centroid. Events
// without embeddings stay with their temporal neighbors.
func (s *ConsolidationService) splitBySimilarity(events []domain.EpisodicEvent) []*eventCluster {
	var out []*eventCluster
	var current []domain.EpisodicEvent
	var centroid []float32
	var n int

	flush := func() {
		if len(current) > 0 {
			out = append(out, newCluster(current))
		}
		current, centroid, n = nil, nil, 0
	}

	for _, e := range events {
		if len(e.Embedding) == 0 || centroid == nil {
			current = append(current, e)
			if len(e.Embedding) > 0 {
				centroid = append([]float32(nil), e.Embedding...)
				n = 1
			}
			continue
		}
		if cosineSimilarity(e.Embedding, centroid) < s.cfg.ClusterSimilarity {
			flush()
			current = []domain.EpisodicEvent{e}
			centroid = append([]float32(nil), e.Embedding...)
			n = 1
			continue
		}
		current = append(current, e)
		// Running mean keeps the centroid cheap to maintain.
		for i := range centroid {
			centroid[i] = (centroid[i]*float32(n) + e.Embedding[i]) / float32(n+1)
		}
		n++
	}
	flush()
	return out
}

func newCluster(events []domain.EpisodicEvent) *eventCluster {
	c := &eventCluster{events: events}
	var centroid []float32
	n := 0
	for _, e := range events {
		if len(e.Embedding) == 0 {
			continue
		}
		if centroid == nil {
			centroid = append([]float32(nil), e.Embedding...)
			n = 1
			continue
		}
		for i := range centroid {
			centroid[i] = (centroid[i]*float32(n) + e.Embedding[i]) / float32(n+1)
		}
		n++
	}
	c.centroid = centroid
	return c
}

// scoreCluster computes the System 1 features: frequency, novelty against
// the existing semantic store, and outcome success rate.
func (s *ConsolidationService) scoreCluster(ctx context.Context, projectID string, c *eventCluster) {
	c.frequency = len(c.events)

	c.novelty = 1.0
	if len(c.centroid) > 0 {
		similar, err := s.semantic.FindSimilar(ctx, projectID, c.centroid, 0.5, 1)
		if err == nil && len(similar) > 0 {
			c.novelty = 1 - similar[0].Score
		}
	}

	success, outcomes := 0, 0
	for _, e := range c.events {
		switch e.EventType {
		case domain.EventError:
			outcomes++
		case domain.EventToolExecution, domain.EventDecision:
			outcomes++
			if ok, found := eventSucceeded(e); !found || ok {
				success++
			}
		}
	}
	c.successRate = 1.0
	if outcomes > 0 {
		c.successRate = float32(success) / float32(outcomes)
	}

	freqSignal := float32(math.Min(float64(c.frequency)/5.0, 1.0))
	c.confidence = 0.2 + 0.3*freqSignal + 0.3*c.novelty + 0.2*c.successRate
	if c.confidence > 1 {
		c.confidence = 1
	}
}

func eventSucceeded(e domain.EpisodicEvent) (ok, found bool) {
	if e.StructuredContext == nil {
		return false, false
	}
	if v, exists := e.StructuredContext["success"]; exists {
		b, isBool := v.(bool)
		return b && isBool, true
	}
	return false, false
}

// validateCluster is System 2: the LLM either refines the cluster into
// knowledge records or rejects it. LLM failure keeps the System 1 output and
// flags the run degraded.
func (s *ConsolidationService) validateCluster(ctx context.Context, c *eventCluster, run *ConsolidationRun) {
	extracted, err := s.llm.ExtractSemantic(ctx, c.events)
	if err != nil {
		c.degraded = true
		run.Degraded = true
		run.Violations = append(run.Violations, llmViolation(err))
		c.validated = true
		s.heuristicExtract(c)
		return
	}
	if len(extracted) == 0 {
		c.validated = false
		return
	}
	c.validated = true
	c.extracted = extracted
	// Blend: System 2 refines but System 1 still anchors.
	for i := range c.extracted {
		c.extracted[i].Confidence = 0.6*c.extracted[i].Confidence + 0.4*c.confidence
	}
}

func llmViolation(err error) string {
	var llmErr *domain.LLMError
	if errors.As(err, &llmErr) {
		switch llmErr.Kind {
		case domain.LLMTimeout:
			return "llm_timeout"
		case domain.LLMInvalidResponse:
			return "llm_invalid_response"
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "llm_timeout"
	}
	return "llm_error"
}

// heuristicExtract is the System 1 fallback: one pattern record per cluster
// built from the most representative event.
func (s *ConsolidationService) heuristicExtract(c *eventCluster) {
	rep := c.events[0]
	for _, e := range c.events {
		if len(e.Content) > len(rep.Content) {
			rep = e
		}
	}
	content := rep.Content
	if c.frequency > 1 {
		content = fmt.Sprintf("Recurring (%d occurrences): %s", c.frequency, content)
	}
	indices := make([]int, len(c.events))
	for i := range indices {
		indices[i] = i
	}
	c.extracted = []domain.ExtractedSemantic{{
		Content:       content,
		MemoryType:    domain.SemanticPattern,
		Confidence:    c.confidence,
		SourceIndices: indices,
	}}
}

// compress shortens refined descriptions toward the configured target ratio.
// Summaries that lose too much content are discarded in favor of the
// original.
func (s *ConsolidationService) compress(ctx context.Context, clusters []*eventCluster, run *ConsolidationRun) {
	for _, c := range clusters {
		for i, rec := range c.extracted {
			if len(rec.Content) < 200 {
				continue
			}
			summary, err := s.llm.Summarize(ctx, []string{rec.Content})
			if err != nil {
				run.Degraded = true
				run.Violations = append(run.Violations, llmViolation(err))
				return
			}
			ratio := float32(len(summary)) / float32(len(rec.Content))
			// A summary longer than the original or suspiciously short
			// fails the preservation floor.
			if summary == "" || ratio > 1 || ratio < s.cfg.CompressionTarget*(1-s.cfg.SemanticPreserve) {
				continue
			}
			c.extracted[i].Content = summary
		}
	}
}

// promote writes one cluster's accepted knowledge: semantic memories with
// provenance, graph entities/relations, and procedures for repeated action
// sequences.
func (s *ConsolidationService) promote(ctx context.Context, projectID string, c *eventCluster, run *ConsolidationRun) error {
	ids := eventIDs(c.events)

	for _, rec := range c.extracted {
		provenance := ids
		if len(rec.SourceIndices) > 0 {
			provenance = make([]uuid.UUID, 0, len(rec.SourceIndices))
			for _, idx := range rec.SourceIndices {
				if idx >= 0 && idx < len(c.events) {
					provenance = append(provenance, c.events[idx].ID)
				}
			}
			if len(provenance) == 0 {
				provenance = ids
			}
		}

		mem := &domain.SemanticMemory{
			ProjectID:          projectID,
			Content:            rec.Content,
			MemoryType:         rec.MemoryType,
			Provenance:         provenance,
			Confidence:         rec.Confidence,
			ConsolidationState: domain.StateConsolidated,
		}
		if vec, err := s.embedder.Embed(ctx, rec.Content); err == nil {
			mem.Embedding = vec
		}
		if err := s.semantic.Upsert(ctx, mem); err != nil {
			return fmt.Errorf("upsert semantic: %w", err)
		}
		run.SemanticCreated++
	}

	s.extractGraph(ctx, projectID, c, run)
	s.learnProcedures(ctx, projectID, c, run)

	if _, err := s.episodic.UpdateLifecycle(ctx, ids, domain.LifecycleConsolidating, domain.LifecycleConsolidated); err != nil {
		return fmt.Errorf("finalize lifecycle: %w", err)
	}
	return nil
}

// extractGraph mines entities and relations from the cluster. Graph
// extraction is enrichment: failures degrade, never abort.
func (s *ConsolidationService) extractGraph(ctx context.Context, projectID string, c *eventCluster, run *ConsolidationRun) {
	var sb strings.Builder
	for _, rec := range c.extracted {
		sb.WriteString(rec.Content)
		sb.WriteString("\n")
	}

	extraction, err := s.llm.ExtractGraph(ctx, sb.String())
	if err != nil {
		if !c.degraded {
			run.Degraded = true
			run.Violations = append(run.Violations, llmViolation(err))
		}
		return
	}

	byName := make(map[string]uuid.UUID, len(extraction.Entities))
	for _, ent := range extraction.Entities {
		if ent.Name == "" {
			continue
		}
		entity := &domain.Entity{
			ProjectID:  projectID,
			Name:       ent.Name,
			EntityType: ent.EntityType,
			Summary:    ent.Summary,
		}
		if !domain.ValidEntityType(string(entity.EntityType)) {
			entity.EntityType = domain.EntityOther
		}
		if vec, err := s.embedder.Embed(ctx, ent.Name); err == nil {
			entity.Embedding = vec
		}
		if err := s.graph.UpsertEntity(ctx, entity); err != nil {
			s.logger.Warn("entity upsert failed", zap.String("name", ent.Name), zap.Error(err))
			continue
		}
		byName[ent.Name] = entity.ID
		run.EntitiesUpserted++
	}

	for _, rel := range extraction.Relations {
		from, okFrom := byName[rel.From]
		to, okTo := byName[rel.To]
		if !okFrom || !okTo {
			continue
		}
		if from == to && !domain.SymmetricRelations[rel.RelationType] {
			continue
		}
		r := &domain.Relation{
			ProjectID:    projectID,
			FromEntity:   from,
			ToEntity:     to,
			RelationType: rel.RelationType,
			Weight:       rel.Weight,
		}
		if err := s.graph.UpsertRelation(ctx, r); err != nil {
			s.logger.Warn("relation upsert failed", zap.Error(err))
			continue
		}
		run.RelationsUpserted++
	}
}

// learnProcedures turns a repeated successful action sequence into a
// versioned procedure.
func (s *ConsolidationService) learnProcedures(ctx context.Context, projectID string, c *eventCluster, run *ConsolidationRun) {
	type toolRun struct {
		executions int
		successes  int
		steps      []domain.ProcedureStep
	}
	byTool := make(map[string]*toolRun)

	for _, e := range c.events {
		if e.EventType != domain.EventToolExecution {
			continue
		}
		tool, _ := e.StructuredContext["tool"].(string)
		if tool == "" {
			continue
		}
		tr := byTool[tool]
		if tr == nil {
			tr = &toolRun{}
			byTool[tool] = tr
		}
		tr.executions++
		if ok, found := eventSucceeded(e); !found || ok {
			tr.successes++
		}
		if len(tr.steps) < 10 {
			tr.steps = append(tr.steps, domain.ProcedureStep{
				Action: e.Content,
				Tool:   tool,
			})
		}
	}

	for tool, tr := range byTool {
		if tr.executions < procedureMinExecutions {
			continue
		}
		rate := float32(tr.successes) / float32(tr.executions)
		if rate < procedureMinSuccess {
			continue
		}

		name := "learned:" + tool
		proc := &domain.Procedure{
			ProjectID:       projectID,
			Name:            name,
			Description:     fmt.Sprintf("Learned from %d executions of %s (%.0f%% success)", tr.executions, tool, rate*100),
			Category:        "learned",
			TriggerPattern:  tool,
			TriggerKeywords: []string{tool},
			Steps:           tr.steps,
			ExecutionCount:  tr.executions,
			SuccessCount:    tr.successes,
		}
		if vec, err := s.embedder.Embed(ctx, tool+" "+proc.Description); err == nil {
			proc.TriggerEmbedding = vec
		}

		existing, err := s.procedures.GetLatest(ctx, projectID, name)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			if err := s.procedures.Create(ctx, proc); err != nil {
				s.logger.Warn("procedure create failed", zap.String("name", name), zap.Error(err))
				continue
			}
			run.ProceduresLearned++
		case err != nil:
			s.logger.Warn("procedure lookup failed", zap.String("name", name), zap.Error(err))
		default:
			// Reinforce the known procedure with the new observations.
			for i := 0; i < tr.executions; i++ {
				success := i < tr.successes
				if err := s.procedures.RecordExecution(ctx, existing.ID, success); err != nil {
					break
				}
			}
		}
	}
}

// linkCausality chains events in timestamp order within the cluster when
// they are close enough to plausibly be cause and effect.
func (s *ConsolidationService) linkCausality(ctx context.Context, events []domain.EpisodicEvent) {
	gap := time.Duration(s.cfg.ClusterGapS) * time.Second
	sorted := make([]domain.EpisodicEvent, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	for i := 1; i < len(sorted); i++ {
		if sorted[i].CausalityParent != nil {
			continue
		}
		if sorted[i].Timestamp.Sub(sorted[i-1].Timestamp) > gap {
			continue
		}
		if err := s.episodic.LinkCausality(ctx, sorted[i].ID, sorted[i-1].ID); err != nil {
			return
		}
	}
}

// updateMeta records run quality: how much the episodic volume compressed
// into semantic knowledge, and how cleanly the run went.
func (s *ConsolidationService) updateMeta(ctx context.Context, projectID string, run *ConsolidationRun) {
	if run.EventsProcessed == 0 {
		return
	}
	compression := 1 - float32(run.SemanticCreated)/float32(run.EventsProcessed)
	if compression < 0 {
		compression = 0
	}
	consistency := float32(1.0)
	if len(run.Violations) > 0 {
		consistency = 1 / float32(1+len(run.Violations))
	}
	sample := domain.QualityMetrics{
		Compression: compression,
		Recall:      0.5, // unknown until retrieval feedback arrives
		Consistency: consistency,
	}
	if _, err := s.meta.RecordSample(ctx, projectID, domain.SubjectLayer, string(domain.LayerSemantic), sample); err != nil {
		s.logger.Warn("meta quality update failed", zap.Error(err))
	}
}

func eventIDs(events []domain.EpisodicEvent) []uuid.UUID {
	ids := make([]uuid.UUID, len(events))
	for i := range events {
		ids[i] = events[i].ID
	}
	return ids
}

// cosineSimilarity over float32 vectors; zero when either is empty or
// lengths differ.
func cosineSimilarity(a, b []float32) float32 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
