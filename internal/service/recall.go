package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shawkridge/athena/internal/config"
	"github.com/shawkridge/athena/internal/domain"
)

const (
	maxQueryExpansions = 4
	expansionCacheSize = 1000
	expansionCacheTTL  = time.Hour

	// tier2Floor and tier3Floor decide when the cascade deepens.
	tier2Floor float32 = 0.65
	tier3Floor float32 = 0.60

	// rerankWindow bounds how many candidates tier 3 hands to the LLM.
	rerankWindow = 50

	// attentionThreshold down-weights layers whose tracked quality fell
	// below it.
	attentionThreshold float32 = 0.4
)

// cachedRecall is one semantic-query cache entry.
type cachedRecall struct {
	results []domain.ScoredResult
	tier    int
	stored  time.Time
}

// RecallService is the tiered retrieval planner. Tier 1 fans out across the
// memory layers in parallel under a tight budget; tier 2 re-ranks with meta
// attention weights and folds in working memory; tier 3 asks the LLM to
// rerank the shortlist.
type RecallService struct {
	episodic   domain.EpisodicStore
	semantic   domain.SemanticStore
	procedures domain.ProcedureStore
	tasks      domain.TaskStore
	graph      domain.GraphStore
	meta       domain.MetaStore
	wm         *WorkingMemoryService
	sessions   domain.SessionStore
	embedder   domain.EmbeddingClient
	llm        domain.LLMClient
	verifier   *VerifyService
	observer   *Observer
	cfg        config.RecallConfig
	degraded   bool
	logger     *zap.Logger

	expansions *expirable.LRU[string, []string]
	cache      *lru.Cache[string, cachedRecall]
	cacheTTL   time.Duration
}

func NewRecallService(
	episodic domain.EpisodicStore,
	semantic domain.SemanticStore,
	procedures domain.ProcedureStore,
	tasks domain.TaskStore,
	graph domain.GraphStore,
	meta domain.MetaStore,
	wm *WorkingMemoryService,
	sessions domain.SessionStore,
	embedder domain.EmbeddingClient,
	llm domain.LLMClient,
	verifier *VerifyService,
	observer *Observer,
	cfg config.RecallConfig,
	degraded bool,
	logger *zap.Logger,
) *RecallService {
	cache, _ := lru.New[string, cachedRecall](cfg.CacheSize)
	return &RecallService{
		episodic:   episodic,
		semantic:   semantic,
		procedures: procedures,
		tasks:      tasks,
		graph:      graph,
		meta:       meta,
		wm:         wm,
		sessions:   sessions,
		embedder:   embedder,
		llm:        llm,
		verifier:   verifier,
		observer:   observer,
		cfg:        cfg,
		degraded:   degraded,
		logger:     logger,
		expansions: expirable.NewLRU[string, []string](expansionCacheSize, nil, expansionCacheTTL),
		cache:      cache,
		cacheTTL:   time.Duration(cfg.CacheTTLS) * time.Second,
	}
}

// InvalidateCache drops all cached query results. Called after semantic
// writes so reads never serve stale knowledge.
func (s *RecallService) InvalidateCache() {
	s.cache.Purge()
}

// Recall runs the cascade and verifies the result before returning it.
func (s *RecallService) Recall(ctx context.Context, projectID, query string, opts domain.RecallOptions) (*domain.RecallResult, error) {
	if projectID == "" || strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: project_id and query are required", domain.ErrInvalidInput)
	}
	s.applyDefaults(&opts)

	start := time.Now()
	result := &domain.RecallResult{Degraded: s.degraded}

	biased := s.hydrateContext(ctx, query, opts)

	cacheKey := s.cacheKey(projectID, biased, opts)
	if entry, ok := s.cache.Get(cacheKey); ok && time.Since(entry.stored) < s.cacheTTL {
		// Copy out of the cache: verification compacts the slice in place
		// and concurrent hits must not share a backing array.
		result.Results = append([]domain.ScoredResult(nil), entry.results...)
		result.Tier = entry.tier
		result.CacheHit = true
		return s.finish(ctx, projectID, result, nil, opts.K, start)
	}

	queries := []string{biased}
	if !opts.DisableExpansion && s.cfg.ExpandQueries {
		queries = append(queries, s.expand(ctx, biased, result)...)
	}
	result.Expanded = queries[1:]

	embedding, err := s.embedder.Embed(ctx, biased)
	if err != nil {
		// Lexical-only retrieval still works; flag the degradation.
		result.Degraded = true
		s.logger.Warn("query embedding failed, lexical-only recall", zap.Error(err))
	}

	candidates := s.tier1(ctx, projectID, queries, embedding, opts)
	result.Tier = 1

	if needsTier(candidates, opts.K, tier2Floor) && opts.CascadeDepth >= 2 {
		candidates = s.tier2(ctx, projectID, biased, embedding, candidates, opts)
		result.Tier = 2
	}
	if opts.CascadeDepth >= 3 || (result.Tier == 2 && needsTier(candidates, opts.K, tier3Floor) && opts.Rerank) {
		if reranked, ok := s.tier3(ctx, biased, candidates); ok {
			candidates = reranked
			result.Tier = 3
		} else {
			result.Degraded = true
		}
	}

	sortResults(candidates)
	result.Results = candidates

	out, err := s.finish(ctx, projectID, result, embedding, opts.K, start)
	if err == nil && !out.Degraded {
		s.cache.Add(cacheKey, cachedRecall{results: out.Results, tier: out.Tier, stored: time.Now()})
	}
	return out, err
}

func (s *RecallService) finish(ctx context.Context, projectID string, result *domain.RecallResult, embedding []float32, k int, start time.Time) (*domain.RecallResult, error) {
	vr, err := s.verifier.VerifyRecall(result, embedding, k)
	result.Verification = vr
	result.Elapsed = time.Since(start)
	s.observer.Record(projectID, "recall", vr, result.Elapsed)
	if err != nil {
		return nil, err
	}

	// Reinforce what was actually served.
	var semanticIDs []domain.ScoredResult
	for _, r := range result.Results {
		if r.Layer == domain.LayerSemantic {
			semanticIDs = append(semanticIDs, r)
		}
	}
	if len(semanticIDs) > 0 {
		ids := make([]uuid.UUID, len(semanticIDs))
		for i, r := range semanticIDs {
			ids[i] = r.ID
		}
		if terr := s.semantic.TouchAccessed(ctx, ids); terr != nil {
			s.logger.Warn("touch accessed failed", zap.Error(terr))
		}
	}
	return result, nil
}

func (s *RecallService) applyDefaults(opts *domain.RecallOptions) {
	if opts.K <= 0 {
		opts.K = s.cfg.KDefault
	}
	if opts.MinSimilarity <= 0 {
		opts.MinSimilarity = s.cfg.MinSimilarity
	}
	if opts.CascadeDepth < 1 || opts.CascadeDepth > 3 {
		opts.CascadeDepth = 2
	}
	if len(opts.Layers) == 0 {
		opts.Layers = domain.AllRecallLayers
	}
	if opts.Strategy == "" {
		opts.Strategy = domain.StrategyBalanced
	}
	if opts.Strategy == domain.StrategyQuality {
		opts.Rerank = true
	}
	if opts.Strategy == domain.StrategyFast {
		opts.CascadeDepth = 1
	}
}

// hydrateContext prepends the session's active task and phase so retrieval
// is biased toward what the agent is doing right now.
func (s *RecallService) hydrateContext(ctx context.Context, query string, opts domain.RecallOptions) string {
	if opts.SessionID == nil {
		return query
	}
	sess, err := s.sessions.GetByID(ctx, *opts.SessionID)
	if err != nil || (sess.Task == "" && sess.Phase == "") {
		return query
	}
	var sb strings.Builder
	if sess.Task != "" {
		sb.WriteString("[task: ")
		sb.WriteString(sess.Task)
		sb.WriteString("] ")
	}
	if sess.Phase != "" {
		sb.WriteString("[phase: ")
		sb.WriteString(sess.Phase)
		sb.WriteString("] ")
	}
	sb.WriteString(query)
	return sb.String()
}

// expand produces LLM paraphrases of the query, cached by query hash.
// Failure falls back to the original query alone.
func (s *RecallService) expand(ctx context.Context, query string, result *domain.RecallResult) []string {
	sum := sha256.Sum256([]byte(query))
	key := hex.EncodeToString(sum[:])
	if cached, ok := s.expansions.Get(key); ok {
		return cached
	}
	paraphrases, err := s.llm.ExpandQuery(ctx, query, maxQueryExpansions)
	if err != nil {
		result.Degraded = true
		s.logger.Debug("query expansion failed", zap.Error(err))
		return nil
	}
	if len(paraphrases) > maxQueryExpansions {
		paraphrases = paraphrases[:maxQueryExpansions]
	}
	s.expansions.Add(key, paraphrases)
	return paraphrases
}

// tier1 fans out to the selected layers in parallel under the first tier's
// budget. Each layer is capped to k*3 candidates.
func (s *RecallService) tier1(ctx context.Context, projectID string, queries []string, embedding []float32, opts domain.RecallOptions) []domain.ScoredResult {
	budget := time.Duration(s.cfg.TierTimeoutsMS[0]) * time.Millisecond
	tierCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	layerCap := opts.K * 3
	layers := make(map[domain.RecallLayer]bool, len(opts.Layers))
	for _, l := range opts.Layers {
		layers[l] = true
	}

	var mu sync.Mutex
	var all []domain.ScoredResult
	collect := func(rs []domain.ScoredResult) {
		mu.Lock()
		all = append(all, rs...)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(tierCtx)

	if layers[domain.LayerSemantic] {
		g.Go(func() error {
			collect(s.querySemantic(gctx, projectID, queries, embedding, layerCap, opts.MinSimilarity))
			return nil
		})
	}
	if layers[domain.LayerEpisodic] {
		g.Go(func() error {
			collect(s.queryEpisodic(gctx, projectID, embedding, layerCap, opts))
			return nil
		})
	}
	if layers[domain.LayerProcedural] {
		g.Go(func() error {
			collect(s.queryProcedural(gctx, projectID, queries[0], embedding, layerCap))
			return nil
		})
	}
	if layers[domain.LayerProspective] {
		g.Go(func() error {
			collect(s.queryProspective(gctx, projectID, layerCap))
			return nil
		})
	}
	if layers[domain.LayerGraph] {
		g.Go(func() error {
			collect(s.queryGraph(gctx, projectID, queries[0], embedding, layerCap))
			return nil
		})
	}

	// Layer errors already degraded into empty slices; a blown budget just
	// means we return whatever arrived.
	_ = g.Wait()
	return dedupResults(all, nil)
}

func (s *RecallService) querySemantic(ctx context.Context, projectID string, queries []string, embedding []float32, limit int, minSim float32) []domain.ScoredResult {
	params := domain.SearchParams{
		K:             limit,
		MinSimilarity: minSim,
		VectorWeight:  s.cfg.VectorWeight,
		LexicalWeight: s.cfg.LexicalWeight,
		BoostWeight:   s.cfg.BoostWeight,
	}
	var out []domain.ScoredResult
	for _, q := range queries {
		hits, err := s.semantic.Search(ctx, projectID, q, embedding, params)
		if err != nil {
			s.logger.Debug("semantic layer query failed", zap.Error(err))
			continue
		}
		for _, h := range hits {
			out = append(out, domain.ScoredResult{
				ID:         h.ID,
				Layer:      domain.LayerSemantic,
				Content:    h.Content,
				Score:      h.Score,
				Confidence: h.Confidence,
				Provenance: h.Provenance,
				CreatedAt:  h.CreatedAt,
				Detail: map[string]any{
					"memory_type":         string(h.MemoryType),
					"consolidation_state": string(h.ConsolidationState),
				},
			})
		}
	}
	return out
}

func (s *RecallService) queryEpisodic(ctx context.Context, projectID string, embedding []float32, limit int, opts domain.RecallOptions) []domain.ScoredResult {
	var out []domain.ScoredResult
	if len(embedding) > 0 {
		hits, err := s.episodic.FindSimilar(ctx, projectID, embedding, opts.MinSimilarity, limit)
		if err != nil {
			s.logger.Debug("episodic layer query failed", zap.Error(err))
		}
		for _, h := range hits {
			out = append(out, domain.ScoredResult{
				ID:        h.ID,
				Layer:     domain.LayerEpisodic,
				Content:   h.Content,
				Score:     h.Score,
				CreatedAt: h.Timestamp,
				Detail:    map[string]any{"event_type": string(h.EventType)},
			})
		}
		return out
	}
	// No embedding: fall back to session recency.
	filter := domain.EventFilter{SessionID: opts.SessionID}
	events, err := s.episodic.List(ctx, projectID, filter, limit, 0)
	if err != nil {
		s.logger.Debug("episodic recency query failed", zap.Error(err))
		return nil
	}
	for i, e := range events {
		out = append(out, domain.ScoredResult{
			ID:        e.ID,
			Layer:     domain.LayerEpisodic,
			Content:   e.Content,
			Score:     0.5 * float32(len(events)-i) / float32(len(events)),
			CreatedAt: e.Timestamp,
			Detail:    map[string]any{"event_type": string(e.EventType)},
		})
	}
	return out
}

func (s *RecallService) queryProcedural(ctx context.Context, projectID, query string, embedding []float32, limit int) []domain.ScoredResult {
	keywords := strings.Fields(strings.ToLower(query))
	hits, err := s.procedures.FindByTrigger(ctx, projectID, embedding, keywords, limit)
	if err != nil {
		s.logger.Debug("procedural layer query failed", zap.Error(err))
		return nil
	}
	out := make([]domain.ScoredResult, 0, len(hits))
	for _, h := range hits {
		out = append(out, domain.ScoredResult{
			ID:         h.ID,
			Layer:      domain.LayerProcedural,
			Content:    h.Name + ": " + h.Description,
			Score:      h.Score,
			Confidence: h.Effectiveness(),
			CreatedAt:  h.CreatedAt,
			Detail:     map[string]any{"category": h.Category, "version": h.Version},
		})
	}
	return out
}

func (s *RecallService) queryProspective(ctx context.Context, projectID string, limit int) []domain.ScoredResult {
	var tasks []domain.Task
	for _, status := range []domain.TaskStatus{domain.TaskActive, domain.TaskPending} {
		batch, err := s.tasks.List(ctx, projectID, domain.TaskFilter{Status: status}, limit, 0)
		if err != nil {
			s.logger.Debug("prospective layer query failed", zap.Error(err))
			continue
		}
		tasks = append(tasks, batch...)
	}
	if len(tasks) > limit {
		tasks = tasks[:limit]
	}
	out := make([]domain.ScoredResult, 0, len(tasks))
	for _, t := range tasks {
		score := float32(0.4)
		if t.Status == domain.TaskActive {
			score = 0.6
		}
		score += float32(t.Priority) * 0.02
		if score > 1 {
			score = 1
		}
		detail := map[string]any{"status": string(t.Status), "priority": t.Priority}
		if t.Deadline != nil {
			detail["deadline"] = t.Deadline.Format(time.RFC3339)
		}
		out = append(out, domain.ScoredResult{
			ID:        t.ID,
			Layer:     domain.LayerProspective,
			Content:   t.Title,
			Score:     score,
			CreatedAt: t.CreatedAt,
			Detail:    detail,
		})
	}
	return out
}

func (s *RecallService) queryGraph(ctx context.Context, projectID, query string, embedding []float32, limit int) []domain.ScoredResult {
	hits, err := s.graph.SearchEntities(ctx, projectID, embedding, query, limit)
	if err != nil {
		s.logger.Debug("graph layer query failed", zap.Error(err))
		return nil
	}
	out := make([]domain.ScoredResult, 0, len(hits))
	for _, h := range hits {
		content := h.Name
		if h.Summary != "" {
			content += ": " + h.Summary
		}
		out = append(out, domain.ScoredResult{
			ID:        h.ID,
			Layer:     domain.LayerGraph,
			Content:   content,
			Score:     h.Score,
			CreatedAt: h.CreatedAt,
			Detail:    map[string]any{"entity_type": string(h.EntityType)},
		})
	}
	return out
}

// tier2 re-weights tier 1 candidates by meta attention and folds in working
// memory under the second tier's budget.
func (s *RecallService) tier2(ctx context.Context, projectID, query string, embedding []float32, candidates []domain.ScoredResult, opts domain.RecallOptions) []domain.ScoredResult {
	budget := time.Duration(s.cfg.TierTimeoutsMS[1]) * time.Millisecond
	tierCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	weights, err := s.meta.LayerWeights(tierCtx, projectID)
	if err != nil {
		s.logger.Debug("layer weights unavailable", zap.Error(err))
		weights = nil
	}
	for i := range candidates {
		w := float32(1.0)
		if lw, ok := weights[candidates[i].Layer]; ok && lw < attentionThreshold {
			w = 0.5 + lw
		}
		candidates[i].Score *= w
	}

	for _, l := range opts.Layers {
		if l != domain.LayerWorking {
			continue
		}
		snapshot, err := s.wm.GetCurrent(tierCtx, projectID, domain.WorkingMemoryHardCap)
		if err != nil {
			s.logger.Debug("working memory query failed", zap.Error(err))
			break
		}
		for _, item := range snapshot.Items {
			score := item.CurrentActivation(snapshot.TakenAt)
			if len(embedding) > 0 && len(item.Embedding) > 0 {
				score = 0.5*score + 0.5*cosineSimilarity(embedding, item.Embedding)
			}
			candidates = append(candidates, domain.ScoredResult{
				ID:        item.ID,
				Layer:     domain.LayerWorking,
				Content:   item.Content,
				Score:     score,
				CreatedAt: item.CreatedAt,
				Detail:    map[string]any{"component": string(item.Component)},
			})
		}
		break
	}

	return dedupResults(candidates, weights)
}

// tier3 asks the LLM to reorder the shortlist. The response is a ranked
// index list; anything unparsable keeps the existing order.
func (s *RecallService) tier3(ctx context.Context, query string, candidates []domain.ScoredResult) ([]domain.ScoredResult, bool) {
	budget := time.Duration(s.cfg.TierTimeoutsMS[2]) * time.Millisecond
	tierCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	sortResults(candidates)
	window := candidates
	if len(window) > rerankWindow {
		window = window[:rerankWindow]
	}
	if len(window) < 2 {
		return candidates, true
	}

	var sb strings.Builder
	sb.WriteString("Rank the following memory snippets by relevance to the query.\n")
	sb.WriteString("Query: ")
	sb.WriteString(query)
	sb.WriteString("\nRespond with the snippet numbers in ranked order, comma separated, best first.\n\n")
	for i, c := range window {
		content := c.Content
		if len(content) > 300 {
			content = content[:300]
		}
		fmt.Fprintf(&sb, "%d. [%s] %s\n", i+1, c.Layer, content)
	}

	resp, err := s.llm.Generate(tierCtx, sb.String(), 256)
	if err != nil {
		s.logger.Debug("rerank failed", zap.Error(err))
		return candidates, false
	}

	order := parseRankList(resp, len(window))
	if len(order) == 0 {
		return candidates, false
	}

	reranked := make([]domain.ScoredResult, 0, len(candidates))
	seen := make(map[int]bool, len(order))
	n := float32(len(order))
	for rank, idx := range order {
		c := window[idx]
		// Blend the LLM's ordering into the score so downstream sorting
		// preserves it.
		c.Score = 0.5*c.Score + 0.5*(n-float32(rank))/n
		reranked = append(reranked, c)
		seen[idx] = true
	}
	for i, c := range window {
		if !seen[i] {
			reranked = append(reranked, c)
		}
	}
	reranked = append(reranked, candidates[len(window):]...)
	return reranked, true
}

// parseRankList extracts 1-based indices from an LLM ranking response,
// dropping out-of-range and duplicate entries.
func parseRankList(resp string, n int) []int {
	fields := strings.FieldsFunc(resp, func(r rune) bool {
		return r < '0' || r > '9'
	})
	var order []int
	seen := make(map[int]bool, n)
	for _, f := range fields {
		v, err := strconv.Atoi(f)
		if err != nil || v < 1 || v > n || seen[v] {
			continue
		}
		seen[v] = true
		order = append(order, v-1)
	}
	return order
}

func needsTier(candidates []domain.ScoredResult, k int, floor float32) bool {
	if len(candidates) < k {
		return true
	}
	top := float32(0)
	for _, c := range candidates {
		if c.Score > top {
			top = c.Score
		}
	}
	return top < floor
}

// dedupResults collapses duplicates by id, keeping the occurrence with the
// highest layer-weighted score.
func dedupResults(results []domain.ScoredResult, weights map[domain.RecallLayer]float32) []domain.ScoredResult {
	weighted := func(r domain.ScoredResult) float32 {
		if w, ok := weights[r.Layer]; ok {
			return r.Score * w
		}
		return r.Score
	}
	best := make(map[string]domain.ScoredResult, len(results))
	var order []string
	for _, r := range results {
		id := r.ID.String()
		prev, ok := best[id]
		if !ok {
			best[id] = r
			order = append(order, id)
			continue
		}
		if weighted(r) > weighted(prev) {
			best[id] = r
		}
	}
	out := make([]domain.ScoredResult, 0, len(best))
	for _, id := range order {
		out = append(out, best[id])
	}
	return out
}

// sortResults orders by score descending, recency as the tie break.
func sortResults(results []domain.ScoredResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].CreatedAt.After(results[j].CreatedAt)
	})
}

func (s *RecallService) cacheKey(projectID, query string, opts domain.RecallOptions) string {
	var sb strings.Builder
	sb.WriteString(projectID)
	sb.WriteByte('|')
	sb.WriteString(query)
	sb.WriteByte('|')
	sb.WriteString(strconv.Itoa(opts.K))
	sb.WriteByte('|')
	sb.WriteString(strconv.Itoa(opts.CascadeDepth))
	sb.WriteByte('|')
	for _, l := range opts.Layers {
		sb.WriteString(string(l))
		sb.WriteByte(',')
	}
	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}
