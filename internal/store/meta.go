package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/shawkridge/athena/internal/db"
	"github.com/shawkridge/athena/internal/domain"
)

const metaColumns = `project_id, subject_kind, subject_id, compression, recall,
	consistency, attention_weight, sample_count, last_evaluated, created_at, updated_at`

// MetaStore persists memory-about-memory quality records. Quality merges via
// EMA inside a transaction so concurrent samplers cannot lose each other's
// updates.
type MetaStore struct {
	db *db.Pool
}

func NewMetaStore(pool *db.Pool) *MetaStore {
	return &MetaStore{db: pool}
}

func (s *MetaStore) RecordSample(ctx context.Context, projectID string, kind domain.SubjectKind, subjectID string, sample domain.QualityMetrics) (*domain.MetaRecord, error) {
	if !domain.ValidSubjectKind(string(kind)) {
		return nil, fmt.Errorf("%w: subject kind %q", domain.ErrInvalidInput, kind)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rec := &domain.MetaRecord{ProjectID: projectID, SubjectKind: kind, SubjectID: subjectID, AttentionWeight: 1.0}
	err = tx.QueryRow(ctx,
		`SELECT compression, recall, consistency, attention_weight, sample_count
		 FROM meta_records
		 WHERE project_id = $1 AND subject_kind = $2 AND subject_id = $3
		 FOR UPDATE`,
		projectID, kind, subjectID,
	).Scan(&rec.Quality.Compression, &rec.Quality.Recall, &rec.Quality.Consistency,
		&rec.AttentionWeight, &rec.SampleCount)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("load meta record: %w", err)
	}

	rec.MergeQuality(sample)

	err = tx.QueryRow(ctx,
		`INSERT INTO meta_records (
			project_id, subject_kind, subject_id, compression, recall,
			consistency, attention_weight, sample_count, last_evaluated
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		ON CONFLICT (project_id, subject_kind, subject_id) DO UPDATE SET
			compression = EXCLUDED.compression,
			recall = EXCLUDED.recall,
			consistency = EXCLUDED.consistency,
			sample_count = EXCLUDED.sample_count,
			last_evaluated = now(),
			updated_at = now()
		RETURNING last_evaluated, created_at, updated_at`,
		projectID, kind, subjectID,
		rec.Quality.Compression, rec.Quality.Recall, rec.Quality.Consistency,
		rec.AttentionWeight, rec.SampleCount,
	).Scan(&rec.LastEvaluated, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("store meta record: %w", err)
	}

	return rec, tx.Commit(ctx)
}

func (s *MetaStore) Get(ctx context.Context, projectID string, kind domain.SubjectKind, subjectID string) (*domain.MetaRecord, error) {
	rec := &domain.MetaRecord{}
	err := s.db.QueryRow(ctx,
		`SELECT `+metaColumns+` FROM meta_records
		 WHERE project_id = $1 AND subject_kind = $2 AND subject_id = $3`,
		projectID, kind, subjectID,
	).Scan(
		&rec.ProjectID, &rec.SubjectKind, &rec.SubjectID,
		&rec.Quality.Compression, &rec.Quality.Recall, &rec.Quality.Consistency,
		&rec.AttentionWeight, &rec.SampleCount, &rec.LastEvaluated,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return rec, nil
}

func (s *MetaStore) ListByKind(ctx context.Context, projectID string, kind domain.SubjectKind, limit int) ([]domain.MetaRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(ctx,
		`SELECT `+metaColumns+` FROM meta_records
		 WHERE project_id = $1 AND subject_kind = $2
		 ORDER BY last_evaluated DESC
		 LIMIT $3`,
		projectID, kind, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.MetaRecord
	for rows.Next() {
		var rec domain.MetaRecord
		err := rows.Scan(
			&rec.ProjectID, &rec.SubjectKind, &rec.SubjectID,
			&rec.Quality.Compression, &rec.Quality.Recall, &rec.Quality.Consistency,
			&rec.AttentionWeight, &rec.SampleCount, &rec.LastEvaluated,
			&rec.CreatedAt, &rec.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// UpdateAttention sets the attention weight, clamped into [0,1]. The row is
// created on first touch so budgets can be adjusted before any quality
// samples arrive.
func (s *MetaStore) UpdateAttention(ctx context.Context, projectID string, kind domain.SubjectKind, subjectID string, weight float32) error {
	if weight < 0 {
		weight = 0
	}
	if weight > 1 {
		weight = 1
	}

	_, err := s.db.Exec(ctx,
		`INSERT INTO meta_records (project_id, subject_kind, subject_id, attention_weight)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (project_id, subject_kind, subject_id) DO UPDATE SET
			attention_weight = EXCLUDED.attention_weight,
			updated_at = now()`,
		projectID, kind, subjectID, weight)
	return err
}

func (s *MetaStore) LayerWeights(ctx context.Context, projectID string) (map[domain.RecallLayer]float32, error) {
	weights := make(map[domain.RecallLayer]float32, len(domain.AllRecallLayers))
	for _, layer := range domain.AllRecallLayers {
		weights[layer] = 1.0
	}

	rows, err := s.db.Query(ctx,
		`SELECT subject_id, attention_weight FROM meta_records
		 WHERE project_id = $1 AND subject_kind = 'layer'`,
		projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var subject string
		var weight float32
		if err := rows.Scan(&subject, &weight); err != nil {
			return nil, err
		}
		if domain.ValidRecallLayer(subject) {
			weights[domain.RecallLayer(subject)] = weight
		}
	}
	return weights, rows.Err()
}

var _ domain.MetaStore = (*MetaStore)(nil)
