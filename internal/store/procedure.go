package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/shawkridge/athena/internal/db"
	"github.com/shawkridge/athena/internal/domain"
)

const procedureColumns = `id, project_id, name, description, category,
	trigger_pattern, trigger_keywords, steps,
	execution_count, success_count, last_executed,
	version, previous_version_id, created_at, updated_at`

type ProcedureStore struct {
	db *db.Pool
}

func NewProcedureStore(pool *db.Pool) *ProcedureStore {
	return &ProcedureStore{db: pool}
}

func (s *ProcedureStore) Create(ctx context.Context, p *domain.Procedure) error {
	if p.Version == 0 {
		p.Version = 1
	}
	if p.Steps == nil {
		p.Steps = []domain.ProcedureStep{}
	}
	normalizeKeywords(p.TriggerKeywords)

	var triggerEmbedding *pgvector.Vector
	if len(p.TriggerEmbedding) > 0 {
		v := pgvector.NewVector(p.TriggerEmbedding)
		triggerEmbedding = &v
	}

	stepsJSON, err := json.Marshal(p.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}

	keywords := p.TriggerKeywords
	if keywords == nil {
		keywords = []string{}
	}

	err = s.db.QueryRow(ctx,
		`INSERT INTO procedures (
			project_id, name, description, category, trigger_pattern,
			trigger_keywords, trigger_embedding, steps,
			execution_count, success_count, last_executed, version, previous_version_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id, created_at, updated_at`,
		p.ProjectID, p.Name, p.Description, p.Category, p.TriggerPattern,
		keywords, triggerEmbedding, stepsJSON,
		p.ExecutionCount, p.SuccessCount, p.LastExecuted, p.Version, p.PreviousVersionID,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: procedure %q version %d already exists",
				domain.ErrInvalidInput, p.Name, p.Version)
		}
		return err
	}
	return nil
}

func (s *ProcedureStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Procedure, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+procedureColumns+` FROM procedures WHERE id = $1`, id)
	p, err := scanProcedureRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

func (s *ProcedureStore) GetLatest(ctx context.Context, projectID, name string) (*domain.Procedure, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+procedureColumns+`
		 FROM procedures WHERE project_id = $1 AND name = $2
		 ORDER BY version DESC
		 LIMIT 1`,
		projectID, name)
	p, err := scanProcedureRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

func (s *ProcedureStore) Versions(ctx context.Context, projectID, name string) ([]domain.Procedure, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+procedureColumns+`
		 FROM procedures WHERE project_id = $1 AND name = $2
		 ORDER BY version DESC`,
		projectID, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return s.scanProcedures(rows)
}

// CreateNewVersion inserts a revision of an existing procedure: same name,
// version bumped past the current latest, previous_version_id linking back.
func (s *ProcedureStore) CreateNewVersion(ctx context.Context, p *domain.Procedure) error {
	var latestID uuid.UUID
	var latestVersion int
	err := s.db.QueryRow(ctx,
		`SELECT id, version FROM procedures WHERE project_id = $1 AND name = $2
		 ORDER BY version DESC LIMIT 1`,
		p.ProjectID, p.Name,
	).Scan(&latestID, &latestVersion)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: procedure %q", domain.ErrNotFound, p.Name)
	}
	if err != nil {
		return err
	}

	p.ID = uuid.Nil
	p.Version = latestVersion + 1
	p.PreviousVersionID = &latestID
	p.ExecutionCount = 0
	p.SuccessCount = 0
	p.LastExecuted = nil

	return s.Create(ctx, p)
}

// FindByTrigger matches the latest version of each procedure against the
// current situation: 0.7 embedding similarity + 0.3 keyword overlap, scaled by
// the procedure's effectiveness. Works keyword-only when no embedding is
// available.
func (s *ProcedureStore) FindByTrigger(ctx context.Context, projectID string, embedding []float32, keywords []string, limit int) ([]domain.ProcedureWithScore, error) {
	if limit <= 0 {
		limit = 10
	}

	var vec *pgvector.Vector
	if len(embedding) > 0 {
		v := pgvector.NewVector(embedding)
		vec = &v
	}

	normalizeKeywords(keywords)
	if keywords == nil {
		keywords = []string{}
	}

	rows, err := s.db.Query(ctx,
		`SELECT `+procedureColumns+`,
		        COALESCE(1 - (trigger_embedding <=> $2), 0) AS similarity,
		        (SELECT COUNT(*) FROM unnest(trigger_keywords) AS kw WHERE kw = ANY($3::text[])) AS keyword_hits
		 FROM (
		     SELECT DISTINCT ON (name) * FROM procedures
		     WHERE project_id = $1
		     ORDER BY name, version DESC
		 ) latest
		 ORDER BY similarity DESC`,
		projectID, vec, keywords)
	if err != nil {
		return nil, fmt.Errorf("find by trigger query: %w", err)
	}
	defer rows.Close()

	var results []domain.ProcedureWithScore
	for rows.Next() {
		var ws domain.ProcedureWithScore
		var keywordHits int
		var stepsJSON []byte
		var similarity float32

		err := rows.Scan(
			&ws.ID, &ws.ProjectID, &ws.Name, &ws.Description, &ws.Category,
			&ws.TriggerPattern, &ws.TriggerKeywords, &stepsJSON,
			&ws.ExecutionCount, &ws.SuccessCount, &ws.LastExecuted,
			&ws.Version, &ws.PreviousVersionID, &ws.CreatedAt, &ws.UpdatedAt,
			&similarity, &keywordHits,
		)
		if err != nil {
			return nil, fmt.Errorf("scan trigger match row: %w", err)
		}
		if len(stepsJSON) > 0 {
			_ = json.Unmarshal(stepsJSON, &ws.Steps)
		}

		var overlap float32
		if len(keywords) > 0 {
			overlap = float32(keywordHits) / float32(len(keywords))
		}
		match := 0.7*similarity + 0.3*overlap
		if match <= 0 {
			continue
		}
		ws.Score = match * ws.Effectiveness()
		results = append(results, ws)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (s *ProcedureStore) RecordExecution(ctx context.Context, id uuid.UUID, success bool) error {
	var query string
	if success {
		query = `UPDATE procedures
			SET execution_count = execution_count + 1,
				success_count = success_count + 1,
				last_executed = NOW(),
				updated_at = NOW()
			WHERE id = $1`
	} else {
		query = `UPDATE procedures
			SET execution_count = execution_count + 1,
				last_executed = NOW(),
				updated_at = NOW()
			WHERE id = $1`
	}

	tag, err := s.db.Exec(ctx, query, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// List returns the latest version of each procedure, optionally narrowed to a
// category.
func (s *ProcedureStore) List(ctx context.Context, projectID, category string, limit, offset int) ([]domain.Procedure, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.db.Query(ctx,
		`SELECT `+procedureColumns+`
		 FROM (
		     SELECT DISTINCT ON (name) * FROM procedures
		     WHERE project_id = $1
		     ORDER BY name, version DESC
		 ) latest
		 WHERE ($2 = '' OR category = $2)
		 ORDER BY name
		 LIMIT $3 OFFSET $4`,
		projectID, category, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list procedures query: %w", err)
	}
	defer rows.Close()

	return s.scanProcedures(rows)
}

func (s *ProcedureStore) Count(ctx context.Context, projectID, category string) (int, error) {
	var count int
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(DISTINCT name) FROM procedures
		 WHERE project_id = $1 AND ($2 = '' OR category = $2)`,
		projectID, category,
	).Scan(&count)
	return count, err
}

// normalizeKeywords lowercases and trims keywords in place so trigger matching
// is case-insensitive.
func normalizeKeywords(keywords []string) {
	for i, kw := range keywords {
		keywords[i] = strings.ToLower(strings.TrimSpace(kw))
	}
}

func scanProcedureRow(row pgx.Row) (*domain.Procedure, error) {
	p := &domain.Procedure{}
	var stepsJSON []byte
	err := row.Scan(
		&p.ID, &p.ProjectID, &p.Name, &p.Description, &p.Category,
		&p.TriggerPattern, &p.TriggerKeywords, &stepsJSON,
		&p.ExecutionCount, &p.SuccessCount, &p.LastExecuted,
		&p.Version, &p.PreviousVersionID, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(stepsJSON) > 0 {
		if err := json.Unmarshal(stepsJSON, &p.Steps); err != nil {
			return nil, fmt.Errorf("unmarshal steps: %w", err)
		}
	}
	return p, nil
}

func (s *ProcedureStore) scanProcedures(rows pgx.Rows) ([]domain.Procedure, error) {
	var procedures []domain.Procedure
	for rows.Next() {
		var p domain.Procedure
		var stepsJSON []byte
		err := rows.Scan(
			&p.ID, &p.ProjectID, &p.Name, &p.Description, &p.Category,
			&p.TriggerPattern, &p.TriggerKeywords, &stepsJSON,
			&p.ExecutionCount, &p.SuccessCount, &p.LastExecuted,
			&p.Version, &p.PreviousVersionID, &p.CreatedAt, &p.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		if len(stepsJSON) > 0 {
			_ = json.Unmarshal(stepsJSON, &p.Steps)
		}
		procedures = append(procedures, p)
	}

	return procedures, rows.Err()
}

// Verify interface compliance at compile time
var _ domain.ProcedureStore = (*ProcedureStore)(nil)
