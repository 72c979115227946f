package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/shawkridge/athena/internal/db"
	"github.com/shawkridge/athena/internal/domain"
)

const semanticColumns = `id, project_id, content, content_hash, memory_type,
	provenance, confidence, consolidation_state, last_accessed, created_at, updated_at`

type SemanticStore struct {
	db *db.Pool
}

func NewSemanticStore(pool *db.Pool) *SemanticStore {
	return &SemanticStore{db: pool}
}

// Upsert inserts a memory or, when the same knowledge already exists, merges
// into it: provenance unions, confidence keeps the max, and consolidation
// state only ever upgrades to consolidated.
func (s *SemanticStore) Upsert(ctx context.Context, m *domain.SemanticMemory) error {
	if m.Confidence == 0 {
		m.Confidence = 0.5
	}
	if m.ConsolidationState == "" {
		m.ConsolidationState = domain.StateUnconsolidated
	}
	if m.Hash == "" {
		h, err := m.ContentHash()
		if err != nil {
			return err
		}
		m.Hash = h
	}

	var embedding *pgvector.Vector
	if len(m.Embedding) > 0 {
		v := pgvector.NewVector(m.Embedding)
		embedding = &v
	}

	provenance := m.Provenance
	if provenance == nil {
		provenance = []uuid.UUID{}
	}

	return s.db.QueryRow(ctx,
		`INSERT INTO semantic_memories (
			project_id, content, content_hash, memory_type, provenance,
			confidence, consolidation_state, embedding
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (project_id, content_hash) DO UPDATE SET
			confidence = GREATEST(semantic_memories.confidence, EXCLUDED.confidence),
			provenance = (
				SELECT COALESCE(array_agg(DISTINCT p), '{}'::uuid[])
				FROM unnest(semantic_memories.provenance || EXCLUDED.provenance) AS p
			),
			consolidation_state = CASE
				WHEN EXCLUDED.consolidation_state = 'consolidated' THEN 'consolidated'
				ELSE semantic_memories.consolidation_state
			END,
			updated_at = now()
		RETURNING id, provenance, confidence, consolidation_state, last_accessed, created_at, updated_at`,
		m.ProjectID, m.Content, m.Hash, m.MemoryType, provenance,
		m.Confidence, m.ConsolidationState, embedding,
	).Scan(&m.ID, &m.Provenance, &m.Confidence, &m.ConsolidationState,
		&m.LastAccessed, &m.CreatedAt, &m.UpdatedAt)
}

func (s *SemanticStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.SemanticMemory, error) {
	m := &domain.SemanticMemory{}
	err := s.db.QueryRow(ctx,
		`SELECT `+semanticColumns+` FROM semantic_memories WHERE id = $1`, id,
	).Scan(
		&m.ID, &m.ProjectID, &m.Content, &m.Hash, &m.MemoryType,
		&m.Provenance, &m.Confidence, &m.ConsolidationState,
		&m.LastAccessed, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return m, nil
}

// FetchByIDs loads the given memories. Missing ids are silently skipped; the
// caller decides whether a shorter result is an error.
func (s *SemanticStore) FetchByIDs(ctx context.Context, ids []uuid.UUID) ([]domain.SemanticMemory, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.Query(ctx,
		`SELECT `+semanticColumns+` FROM semantic_memories WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("fetch by ids query: %w", err)
	}
	defer rows.Close()

	return s.scanMemories(rows)
}

func (s *SemanticStore) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM semantic_memories WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Search runs hybrid retrieval: a cosine vector leg and a full-text lexical
// leg fetched in one query, each min-max normalized over the candidate set,
// then blended with the configured weights plus a recency boost. With no
// embedding (provider down) it degrades to lexical-only.
func (s *SemanticStore) Search(ctx context.Context, projectID string, query string, embedding []float32, p domain.SearchParams) ([]domain.SemanticWithScore, error) {
	if len(embedding) == 0 && strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: query or embedding is required", domain.ErrInvalidInput)
	}
	if p.K <= 0 {
		p.K = 10
	}
	if p.VectorWeight == 0 && p.LexicalWeight == 0 && p.BoostWeight == 0 {
		p.VectorWeight, p.LexicalWeight, p.BoostWeight = 0.6, 0.3, 0.1
	}
	if p.MinSimilarity == 0 {
		p.MinSimilarity = 0.3
	}

	// Over-fetch so normalization sees a real distribution, not just k rows.
	candidates := p.K * 4
	if candidates < 50 {
		candidates = 50
	}

	var (
		rows pgx.Rows
		err  error
	)
	switch {
	case len(embedding) > 0 && query != "":
		vec := pgvector.NewVector(embedding)
		rows, err = s.db.Query(ctx,
			`SELECT `+semanticColumns+`,
			        1 - (embedding <=> $2) AS vector_score,
			        ts_rank(content_tsv, plainto_tsquery('english', $3)) AS lexical_score
			 FROM semantic_memories
			 WHERE project_id = $1 AND embedding IS NOT NULL
			   AND ($4 = '' OR memory_type = $4)
			   AND (1 - (embedding <=> $2) >= $5 OR content_tsv @@ plainto_tsquery('english', $3))
			 ORDER BY vector_score DESC
			 LIMIT $6`,
			projectID, vec, query, string(p.MemoryType), p.MinSimilarity, candidates)
	case len(embedding) > 0:
		vec := pgvector.NewVector(embedding)
		rows, err = s.db.Query(ctx,
			`SELECT `+semanticColumns+`,
			        1 - (embedding <=> $2) AS vector_score,
			        0::real AS lexical_score
			 FROM semantic_memories
			 WHERE project_id = $1 AND embedding IS NOT NULL
			   AND ($3 = '' OR memory_type = $3)
			   AND 1 - (embedding <=> $2) >= $4
			 ORDER BY vector_score DESC
			 LIMIT $5`,
			projectID, vec, string(p.MemoryType), p.MinSimilarity, candidates)
	default:
		rows, err = s.db.Query(ctx,
			`SELECT `+semanticColumns+`,
			        0::real AS vector_score,
			        ts_rank(content_tsv, plainto_tsquery('english', $2)) AS lexical_score
			 FROM semantic_memories
			 WHERE project_id = $1
			   AND ($3 = '' OR memory_type = $3)
			   AND content_tsv @@ plainto_tsquery('english', $2)
			 ORDER BY lexical_score DESC
			 LIMIT $4`,
			projectID, query, string(p.MemoryType), candidates)
	}
	if err != nil {
		return nil, fmt.Errorf("semantic search query: %w", err)
	}
	defer rows.Close()

	var results []domain.SemanticWithScore
	for rows.Next() {
		var ws domain.SemanticWithScore
		err := rows.Scan(
			&ws.ID, &ws.ProjectID, &ws.Content, &ws.Hash, &ws.MemoryType,
			&ws.Provenance, &ws.Confidence, &ws.ConsolidationState,
			&ws.LastAccessed, &ws.CreatedAt, &ws.UpdatedAt,
			&ws.VectorScore, &ws.LexicalScore,
		)
		if err != nil {
			return nil, fmt.Errorf("scan search row: %w", err)
		}
		results = append(results, ws)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("semantic search rows: %w", err)
	}
	if len(results) == 0 {
		return nil, nil
	}

	blendScores(results, p)

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].Confidence != results[j].Confidence {
			return results[i].Confidence > results[j].Confidence
		}
		return results[i].LastAccessed.After(results[j].LastAccessed)
	})

	if len(results) > p.K {
		results = results[:p.K]
	}
	return results, nil
}

// blendScores normalizes each signal over the candidate set and combines them
// into the final score. Raw per-signal values are kept on the result for
// callers that rerank.
func blendScores(results []domain.SemanticWithScore, p domain.SearchParams) {
	now := time.Now()

	vector := make([]float32, len(results))
	lexical := make([]float32, len(results))
	boost := make([]float32, len(results))
	for i := range results {
		vector[i] = results[i].VectorScore
		lexical[i] = results[i].LexicalScore
		// Recency: negated age normalizes so the freshest candidate gets 1.
		boost[i] = float32(-now.Sub(results[i].LastAccessed).Seconds())
	}

	vectorN := minMaxNormalize(vector)
	lexicalN := minMaxNormalize(lexical)
	boostN := minMaxNormalize(boost)

	for i := range results {
		results[i].BoostScore = boostN[i]
		results[i].Score = p.VectorWeight*vectorN[i] +
			p.LexicalWeight*lexicalN[i] +
			p.BoostWeight*boostN[i]
	}
}

// minMaxNormalize scales values to [0,1]. A degenerate spread maps to 1 when
// the shared value is positive, 0 otherwise.
func minMaxNormalize(values []float32) []float32 {
	if len(values) == 0 {
		return values
	}
	lo, hi := values[0], values[0]
	for _, v := range values[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	out := make([]float32, len(values))
	if hi-lo < 1e-9 {
		for i := range values {
			if hi > 0 {
				out[i] = 1
			}
		}
		return out
	}
	for i, v := range values {
		out[i] = (v - lo) / (hi - lo)
	}
	return out
}

func (s *SemanticStore) FindSimilar(ctx context.Context, projectID string, embedding []float32, threshold float32, limit int) ([]domain.SemanticWithScore, error) {
	if limit <= 0 {
		limit = 10
	}

	vec := pgvector.NewVector(embedding)

	score := db.CosineExpr("embedding", 1)
	rows, err := s.db.Query(ctx,
		`SELECT `+semanticColumns+`, `+score+` AS score
		 FROM semantic_memories
		 WHERE project_id = $2 AND embedding IS NOT NULL AND `+score+` >= $3
		 ORDER BY score DESC
		 LIMIT $4`,
		vec, projectID, threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("find similar memories query: %w", err)
	}
	defer rows.Close()

	var results []domain.SemanticWithScore
	for rows.Next() {
		var ws domain.SemanticWithScore
		err := rows.Scan(
			&ws.ID, &ws.ProjectID, &ws.Content, &ws.Hash, &ws.MemoryType,
			&ws.Provenance, &ws.Confidence, &ws.ConsolidationState,
			&ws.LastAccessed, &ws.CreatedAt, &ws.UpdatedAt,
			&ws.Score,
		)
		if err != nil {
			return nil, fmt.Errorf("scan similar memory row: %w", err)
		}
		ws.VectorScore = ws.Score
		results = append(results, ws)
	}

	return results, rows.Err()
}

func (s *SemanticStore) List(ctx context.Context, projectID string, f domain.SemanticFilter, limit, offset int) ([]domain.SemanticMemory, error) {
	if limit <= 0 {
		limit = 10
	}

	conditions, args := semanticConditions(projectID, f)
	args = append(args, limit, offset)
	query := fmt.Sprintf(
		`SELECT %s FROM semantic_memories WHERE %s
		 ORDER BY confidence DESC, updated_at DESC
		 LIMIT $%d OFFSET $%d`,
		semanticColumns, strings.Join(conditions, " AND "), len(args)-1, len(args))

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list memories query: %w", err)
	}
	defer rows.Close()

	return s.scanMemories(rows)
}

func (s *SemanticStore) Count(ctx context.Context, projectID string, f domain.SemanticFilter) (int, error) {
	conditions, args := semanticConditions(projectID, f)
	var count int
	err := s.db.QueryRow(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM semantic_memories WHERE %s`, strings.Join(conditions, " AND ")),
		args...,
	).Scan(&count)
	return count, err
}

func (s *SemanticStore) ReferencedBy(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id FROM semantic_memories
		 WHERE provenance @> ARRAY[$1]::uuid[] AND consolidation_state = 'consolidated'`,
		id)
	if err != nil {
		return nil, fmt.Errorf("referenced by query: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var rid uuid.UUID
		if err := rows.Scan(&rid); err != nil {
			return nil, err
		}
		ids = append(ids, rid)
	}
	return ids, rows.Err()
}

func (s *SemanticStore) TouchAccessed(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.Exec(ctx,
		`UPDATE semantic_memories SET last_accessed = now() WHERE id = ANY($1)`, ids)
	return err
}

func (s *SemanticStore) UpdateConfidence(ctx context.Context, id uuid.UUID, confidence float32) error {
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE semantic_memories SET confidence = $1, updated_at = now() WHERE id = $2`,
		confidence, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func semanticConditions(projectID string, f domain.SemanticFilter) ([]string, []any) {
	conditions := []string{"project_id = $1"}
	args := []any{projectID}

	if f.MemoryType != "" {
		args = append(args, string(f.MemoryType))
		conditions = append(conditions, fmt.Sprintf("memory_type = $%d", len(args)))
	}
	if f.State != "" {
		args = append(args, string(f.State))
		conditions = append(conditions, fmt.Sprintf("consolidation_state = $%d", len(args)))
	}
	if f.MinConfidence > 0 {
		args = append(args, f.MinConfidence)
		conditions = append(conditions, fmt.Sprintf("confidence >= $%d", len(args)))
	}
	if f.Since != nil {
		args = append(args, *f.Since)
		conditions = append(conditions, fmt.Sprintf("updated_at >= $%d", len(args)))
	}
	return conditions, args
}

// scanMemories is a helper to scan multiple semantic memory rows.
func (s *SemanticStore) scanMemories(rows pgx.Rows) ([]domain.SemanticMemory, error) {
	var memories []domain.SemanticMemory
	for rows.Next() {
		var m domain.SemanticMemory
		err := rows.Scan(
			&m.ID, &m.ProjectID, &m.Content, &m.Hash, &m.MemoryType,
			&m.Provenance, &m.Confidence, &m.ConsolidationState,
			&m.LastAccessed, &m.CreatedAt, &m.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		memories = append(memories, m)
	}
	return memories, rows.Err()
}

var _ domain.SemanticStore = (*SemanticStore)(nil)
