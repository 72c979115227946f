package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/shawkridge/athena/internal/db"
	"github.com/shawkridge/athena/internal/domain"
)

const eventColumns = `id, project_id, session_id, source_id, event_type, content,
	structured_context, content_hash, seq, occurred_at, lifecycle,
	importance, actionability, context_completeness,
	causality_parent, consolidated_at, created_at, updated_at`

type EpisodicStore struct {
	db *db.Pool
}

func NewEpisodicStore(pool *db.Pool) *EpisodicStore {
	return &EpisodicStore{db: pool}
}

// prepare fills assigned defaults and computes the content hash when the
// caller left it empty.
func (s *EpisodicStore) prepare(e *domain.EpisodicEvent) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.Lifecycle == "" {
		e.Lifecycle = domain.LifecycleActive
	}
	if e.Importance == 0 {
		e.Importance = 0.5
	}
	if e.Actionability == 0 {
		e.Actionability = 0.5
	}
	if e.ContextCompleteness == 0 {
		e.ContextCompleteness = 0.5
	}
	if e.Hash == "" {
		h, err := e.ContentHash()
		if err != nil {
			return err
		}
		e.Hash = h
	}
	return nil
}

func (s *EpisodicStore) Append(ctx context.Context, e *domain.EpisodicEvent) (bool, error) {
	if err := s.prepare(e); err != nil {
		return false, err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	duplicate, err := s.appendInTx(ctx, tx, e)
	if err != nil {
		return false, err
	}
	return duplicate, tx.Commit(ctx)
}

// appendInTx inserts one prepared event. On a hash conflict it loads the
// stored event into e and reports duplicate instead of failing.
func (s *EpisodicStore) appendInTx(ctx context.Context, tx pgx.Tx, e *domain.EpisodicEvent) (bool, error) {
	var embedding *pgvector.Vector
	if len(e.Embedding) > 0 {
		v := pgvector.NewVector(e.Embedding)
		embedding = &v
	}

	contextJSON, err := json.Marshal(e.StructuredContext)
	if err != nil {
		return false, fmt.Errorf("marshal structured_context: %w", err)
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO events (
			project_id, session_id, source_id, event_type, content,
			structured_context, content_hash, occurred_at, lifecycle,
			importance, actionability, context_completeness, embedding
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (project_id, content_hash) DO NOTHING
		RETURNING id, seq, created_at, updated_at`,
		e.ProjectID, e.SessionID, e.SourceID, e.EventType, e.Content,
		contextJSON, e.Hash, e.Timestamp, e.Lifecycle,
		e.Importance, e.Actionability, e.ContextCompleteness, embedding,
	).Scan(&e.ID, &e.Seq, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// Hash already stored: surface the existing event instead.
		err = tx.QueryRow(ctx,
			`SELECT id, seq, occurred_at, lifecycle, created_at, updated_at
			 FROM events WHERE project_id = $1 AND content_hash = $2`,
			e.ProjectID, e.Hash,
		).Scan(&e.ID, &e.Seq, &e.Timestamp, &e.Lifecycle, &e.CreatedAt, &e.UpdatedAt)
		if err != nil {
			return false, fmt.Errorf("load duplicate event: %w", err)
		}
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert event: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO event_hashes (project_id, content_hash, event_id)
		 VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
		e.ProjectID, e.Hash, e.ID,
	)
	if err != nil {
		return false, fmt.Errorf("record event hash: %w", err)
	}
	return false, nil
}

// AppendBatch inserts events in one transaction. Items that repeat a hash
// earlier in the batch are marked duplicate without touching the database;
// items whose hash is already stored are marked duplicate with the stored id.
// A database failure aborts the whole batch.
func (s *EpisodicStore) AppendBatch(ctx context.Context, events []*domain.EpisodicEvent) (*domain.BatchResult, error) {
	res := &domain.BatchResult{Statuses: make([]domain.BatchItemStatus, len(events))}
	if len(events) == 0 {
		return res, nil
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	firstIndex := make(map[string]int, len(events))
	for i, e := range events {
		res.Statuses[i].Index = i

		if err := s.prepare(e); err != nil {
			res.Statuses[i].Error = err.Error()
			res.Failed++
			continue
		}
		if j, ok := firstIndex[e.Hash]; ok {
			res.Statuses[i].ID = events[j].ID
			res.Statuses[i].Duplicate = true
			res.Statuses[i].Error = domain.ErrDuplicateInBatch.Error()
			res.Duplicate++
			continue
		}

		duplicate, err := s.appendInTx(ctx, tx, e)
		if err != nil {
			return nil, fmt.Errorf("batch item %d: %w", i, err)
		}
		firstIndex[e.Hash] = i
		res.Statuses[i].ID = e.ID
		res.Statuses[i].Duplicate = duplicate
		if duplicate {
			res.Duplicate++
		} else {
			res.Inserted++
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return res, nil
}

func (s *EpisodicStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.EpisodicEvent, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM events WHERE id = $1`, id)
	e, err := scanEventRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return e, nil
}

func (s *EpisodicStore) List(ctx context.Context, projectID string, f domain.EventFilter, limit, offset int) ([]domain.EpisodicEvent, error) {
	if limit <= 0 {
		limit = 10
	}

	conditions, args := eventConditions(projectID, f)
	args = append(args, limit, offset)
	query := fmt.Sprintf(
		`SELECT %s FROM events WHERE %s
		 ORDER BY occurred_at DESC, seq DESC
		 LIMIT $%d OFFSET $%d`,
		eventColumns, strings.Join(conditions, " AND "), len(args)-1, len(args))

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events query: %w", err)
	}
	defer rows.Close()

	return s.scanEvents(rows)
}

func (s *EpisodicStore) Count(ctx context.Context, projectID string, f domain.EventFilter) (int, error) {
	conditions, args := eventConditions(projectID, f)
	var count int
	err := s.db.QueryRow(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM events WHERE %s`, strings.Join(conditions, " AND ")),
		args...,
	).Scan(&count)
	return count, err
}

func (s *EpisodicStore) GetByTimeRange(ctx context.Context, projectID string, w domain.TimeWindow, limit int) ([]domain.EpisodicEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(ctx,
		`SELECT `+eventColumns+`
		 FROM events
		 WHERE project_id = $1 AND occurred_at >= $2 AND occurred_at < $3
		   AND lifecycle <> 'archived'
		 ORDER BY occurred_at ASC
		 LIMIT $4`,
		projectID, w.Start, w.End, limit)
	if err != nil {
		return nil, fmt.Errorf("time range query: %w", err)
	}
	defer rows.Close()

	return s.scanEvents(rows)
}

func (s *EpisodicStore) GetBySession(ctx context.Context, sessionID uuid.UUID, limit int) ([]domain.EpisodicEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(ctx,
		`SELECT `+eventColumns+`
		 FROM events
		 WHERE session_id = $1
		 ORDER BY seq ASC
		 LIMIT $2`,
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("session query: %w", err)
	}
	defer rows.Close()

	return s.scanEvents(rows)
}

func (s *EpisodicStore) FindSimilar(ctx context.Context, projectID string, embedding []float32, threshold float32, limit int) ([]domain.EventWithScore, error) {
	if limit <= 0 {
		limit = 10
	}

	vec := pgvector.NewVector(embedding)

	score := db.CosineExpr("embedding", 1)
	rows, err := s.db.Query(ctx,
		`SELECT `+eventColumns+`, `+score+` AS score
		 FROM events
		 WHERE project_id = $2 AND embedding IS NOT NULL
		   AND lifecycle <> 'archived'
		   AND `+score+` >= $3
		 ORDER BY score DESC
		 LIMIT $4`,
		vec, projectID, threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("find similar events query: %w", err)
	}
	defer rows.Close()

	var results []domain.EventWithScore
	for rows.Next() {
		var ws domain.EventWithScore
		var contextJSON []byte
		err := rows.Scan(
			&ws.ID, &ws.ProjectID, &ws.SessionID, &ws.SourceID, &ws.EventType, &ws.Content,
			&contextJSON, &ws.Hash, &ws.Seq, &ws.Timestamp, &ws.Lifecycle,
			&ws.Importance, &ws.Actionability, &ws.ContextCompleteness,
			&ws.CausalityParent, &ws.ConsolidatedAt, &ws.CreatedAt, &ws.UpdatedAt,
			&ws.Score,
		)
		if err != nil {
			return nil, fmt.Errorf("scan similar event row: %w", err)
		}
		if len(contextJSON) > 0 {
			_ = json.Unmarshal(contextJSON, &ws.StructuredContext)
		}
		results = append(results, ws)
	}

	return results, rows.Err()
}

func (s *EpisodicStore) LookupHashes(ctx context.Context, projectID string, hashes []string) (map[string]uuid.UUID, error) {
	out := make(map[string]uuid.UUID, len(hashes))
	if len(hashes) == 0 {
		return out, nil
	}

	rows, err := s.db.Query(ctx,
		`SELECT content_hash, event_id FROM event_hashes
		 WHERE project_id = $1 AND content_hash = ANY($2)`,
		projectID, hashes)
	if err != nil {
		return nil, fmt.Errorf("lookup hashes query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var hash string
		var id uuid.UUID
		if err := rows.Scan(&hash, &id); err != nil {
			return nil, err
		}
		out[hash] = id
	}
	return out, rows.Err()
}

// ClaimForConsolidation selects a batch of active events older than the
// cutoff and marks them consolidating in one transaction. SKIP LOCKED keeps
// concurrent consolidation runs from claiming the same rows.
func (s *EpisodicStore) ClaimForConsolidation(ctx context.Context, projectID string, olderThan time.Time, limit int) ([]domain.EpisodicEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx,
		`SELECT `+eventColumns+`
		 FROM events
		 WHERE project_id = $1 AND lifecycle = 'active' AND occurred_at < $2
		 ORDER BY occurred_at ASC
		 LIMIT $3
		 FOR UPDATE SKIP LOCKED`,
		projectID, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("claim query: %w", err)
	}
	events, err := s.scanEvents(rows)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, tx.Commit(ctx)
	}

	ids := make([]uuid.UUID, len(events))
	for i := range events {
		ids[i] = events[i].ID
	}
	_, err = tx.Exec(ctx,
		`UPDATE events SET lifecycle = 'consolidating', updated_at = now() WHERE id = ANY($1)`,
		ids)
	if err != nil {
		return nil, fmt.Errorf("mark consolidating: %w", err)
	}
	for i := range events {
		events[i].Lifecycle = domain.LifecycleConsolidating
	}

	return events, tx.Commit(ctx)
}

// UpdateLifecycle moves events from one lifecycle state to another and
// returns how many rows actually transitioned. Rows no longer in the expected
// source state are skipped, not failed.
func (s *EpisodicStore) UpdateLifecycle(ctx context.Context, ids []uuid.UUID, from, to domain.Lifecycle) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	if !domain.ValidLifecycleTransition(from, to) {
		return 0, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidLifecycleTransition, from, to)
	}

	tag, err := s.db.Exec(ctx,
		`UPDATE events
		 SET lifecycle = $1,
		     consolidated_at = CASE WHEN $1 = 'consolidated' THEN now() ELSE consolidated_at END,
		     updated_at = now()
		 WHERE id = ANY($2) AND lifecycle = $3`,
		to, ids, from)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ReleaseClaim undoes a consolidation claim after a failed run. This is the
// one sanctioned backward lifecycle move and deliberately bypasses
// ValidLifecycleTransition.
func (s *EpisodicStore) ReleaseClaim(ctx context.Context, ids []uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE events SET lifecycle = 'active', updated_at = now()
		 WHERE id = ANY($1) AND lifecycle = 'consolidating'`,
		ids)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *EpisodicStore) CountActiveBefore(ctx context.Context, projectID string, before time.Time) (int, error) {
	var count int
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM events
		 WHERE project_id = $1 AND lifecycle = 'active' AND occurred_at < $2`,
		projectID, before,
	).Scan(&count)
	return count, err
}

func (s *EpisodicStore) CountByLifecycle(ctx context.Context, projectID string) (map[domain.Lifecycle]int, error) {
	rows, err := s.db.Query(ctx,
		`SELECT lifecycle, COUNT(*) FROM events WHERE project_id = $1 GROUP BY lifecycle`,
		projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[domain.Lifecycle]int)
	for rows.Next() {
		var lc domain.Lifecycle
		var count int
		if err := rows.Scan(&lc, &count); err != nil {
			return nil, err
		}
		out[lc] = count
	}
	return out, rows.Err()
}

func (s *EpisodicStore) LinkCausality(ctx context.Context, childID, parentID uuid.UUID) error {
	if childID == parentID {
		return fmt.Errorf("%w: event cannot cause itself", domain.ErrInvalidInput)
	}

	tag, err := s.db.Exec(ctx,
		`UPDATE events SET causality_parent = $1, updated_at = now() WHERE id = $2`,
		parentID, childID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return fmt.Errorf("%w: parent event %s", domain.ErrNotFound, parentID)
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *EpisodicStore) Archive(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE events SET lifecycle = 'archived', updated_at = now() WHERE id = $1`,
		id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func eventConditions(projectID string, f domain.EventFilter) ([]string, []any) {
	conditions := []string{"project_id = $1"}
	args := []any{projectID}

	if len(f.EventTypes) > 0 {
		types := make([]string, len(f.EventTypes))
		for i, t := range f.EventTypes {
			types[i] = string(t)
		}
		args = append(args, types)
		conditions = append(conditions, fmt.Sprintf("event_type = ANY($%d)", len(args)))
	}
	if f.SessionID != nil {
		args = append(args, *f.SessionID)
		conditions = append(conditions, fmt.Sprintf("session_id = $%d", len(args)))
	}
	if f.SourceID != "" {
		args = append(args, f.SourceID)
		conditions = append(conditions, fmt.Sprintf("source_id = $%d", len(args)))
	}
	if f.Lifecycle != "" {
		args = append(args, string(f.Lifecycle))
		conditions = append(conditions, fmt.Sprintf("lifecycle = $%d", len(args)))
	}
	if f.Since != nil {
		args = append(args, *f.Since)
		conditions = append(conditions, fmt.Sprintf("occurred_at >= $%d", len(args)))
	}
	if f.Until != nil {
		args = append(args, *f.Until)
		conditions = append(conditions, fmt.Sprintf("occurred_at < $%d", len(args)))
	}
	return conditions, args
}

func scanEventRow(row pgx.Row) (*domain.EpisodicEvent, error) {
	e := &domain.EpisodicEvent{}
	var contextJSON []byte
	err := row.Scan(
		&e.ID, &e.ProjectID, &e.SessionID, &e.SourceID, &e.EventType, &e.Content,
		&contextJSON, &e.Hash, &e.Seq, &e.Timestamp, &e.Lifecycle,
		&e.Importance, &e.Actionability, &e.ContextCompleteness,
		&e.CausalityParent, &e.ConsolidatedAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(contextJSON) > 0 {
		_ = json.Unmarshal(contextJSON, &e.StructuredContext)
	}
	return e, nil
}

// scanEvents is a helper to scan multiple event rows.
func (s *EpisodicStore) scanEvents(rows pgx.Rows) ([]domain.EpisodicEvent, error) {
	defer rows.Close()

	var events []domain.EpisodicEvent
	for rows.Next() {
		var e domain.EpisodicEvent
		var contextJSON []byte
		err := rows.Scan(
			&e.ID, &e.ProjectID, &e.SessionID, &e.SourceID, &e.EventType, &e.Content,
			&contextJSON, &e.Hash, &e.Seq, &e.Timestamp, &e.Lifecycle,
			&e.Importance, &e.Actionability, &e.ContextCompleteness,
			&e.CausalityParent, &e.ConsolidatedAt, &e.CreatedAt, &e.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		if len(contextJSON) > 0 {
			_ = json.Unmarshal(contextJSON, &e.StructuredContext)
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

var _ domain.EpisodicStore = (*EpisodicStore)(nil)
