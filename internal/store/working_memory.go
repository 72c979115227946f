package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/shawkridge/athena/internal/db"
	"github.com/shawkridge/athena/internal/domain"
)

const workingMemoryColumns = `id, project_id, content, component, activation,
	decay_rate, importance, last_accessed, created_at, updated_at`

// WorkingMemoryStore persists workspace slots. Capacity limits and decay
// pruning live in the working memory service; this layer is plain CRUD.
type WorkingMemoryStore struct {
	db *db.Pool
}

func NewWorkingMemoryStore(pool *db.Pool) *WorkingMemoryStore {
	return &WorkingMemoryStore{db: pool}
}

func (s *WorkingMemoryStore) Insert(ctx context.Context, item *domain.WorkingMemoryItem) error {
	if item.Component == "" {
		item.Component = domain.WMEpisodicBuffer
	}
	if item.Activation == 0 {
		item.Activation = 1.0
	}
	if item.DecayRate == 0 {
		item.DecayRate = 0.05
	}
	if item.Importance == 0 {
		item.Importance = 0.5
	}
	if item.LastAccessed.IsZero() {
		item.LastAccessed = time.Now()
	}

	var embedding *pgvector.Vector
	if len(item.Embedding) > 0 {
		v := pgvector.NewVector(item.Embedding)
		embedding = &v
	}

	return s.db.QueryRow(ctx,
		`INSERT INTO working_memory (
			project_id, content, component, activation, decay_rate,
			importance, last_accessed, embedding
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at`,
		item.ProjectID, item.Content, item.Component, item.Activation, item.DecayRate,
		item.Importance, item.LastAccessed, embedding,
	).Scan(&item.ID, &item.CreatedAt, &item.UpdatedAt)
}

func (s *WorkingMemoryStore) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM working_memory WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *WorkingMemoryStore) DeleteAll(ctx context.Context, projectID string) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM working_memory WHERE project_id = $1`, projectID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *WorkingMemoryStore) ListByProject(ctx context.Context, projectID string) ([]domain.WorkingMemoryItem, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+workingMemoryColumns+`
		 FROM working_memory WHERE project_id = $1
		 ORDER BY activation DESC, last_accessed DESC`,
		projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.WorkingMemoryItem
	for rows.Next() {
		var item domain.WorkingMemoryItem
		err := rows.Scan(
			&item.ID, &item.ProjectID, &item.Content, &item.Component, &item.Activation,
			&item.DecayRate, &item.Importance, &item.LastAccessed,
			&item.CreatedAt, &item.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// Touch rehearses an item: stores the refreshed activation and resets the
// decay clock.
func (s *WorkingMemoryStore) Touch(ctx context.Context, id uuid.UUID, activation float32, at time.Time) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE working_memory
		 SET activation = $1, last_accessed = $2, updated_at = NOW()
		 WHERE id = $3`,
		activation, at, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Projects lists every project that currently holds workspace items, for the
// decay sweep.
func (s *WorkingMemoryStore) Projects(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT DISTINCT project_id FROM working_memory`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

func (s *WorkingMemoryStore) Count(ctx context.Context, projectID string) (int, error) {
	var count int
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM working_memory WHERE project_id = $1`, projectID).Scan(&count)
	return count, err
}

// Verify interface compliance at compile time
var _ domain.WorkingMemoryStore = (*WorkingMemoryStore)(nil)
