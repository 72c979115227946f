package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/shawkridge/athena/internal/db"
	"github.com/shawkridge/athena/internal/domain"
)

const sessionColumns = `session_id, project_id, task, phase, started_at, ended_at,
	event_count, created_at, updated_at`

type SessionStore struct {
	db *db.Pool
}

func NewSessionStore(pool *db.Pool) *SessionStore {
	return &SessionStore{db: pool}
}

func (s *SessionStore) Create(ctx context.Context, sc *domain.SessionContext) error {
	if sc.StartedAt.IsZero() {
		sc.StartedAt = time.Now()
	}
	return s.db.QueryRow(ctx,
		`INSERT INTO sessions (project_id, task, phase, started_at)
		 VALUES ($1, $2, $3, $4)
		 RETURNING session_id, created_at, updated_at`,
		sc.ProjectID, sc.Task, sc.Phase, sc.StartedAt,
	).Scan(&sc.SessionID, &sc.CreatedAt, &sc.UpdatedAt)
}

func (s *SessionStore) GetByID(ctx context.Context, sessionID uuid.UUID) (*domain.SessionContext, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE session_id = $1`, sessionID)
	sc, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return sc, nil
}

// UpdateContext overwrites only the fields the caller provided; empty strings
// leave the stored values alone.
func (s *SessionStore) UpdateContext(ctx context.Context, sessionID uuid.UUID, task, phase string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE sessions
		 SET task = COALESCE(NULLIF($1, ''), task),
		     phase = COALESCE(NULLIF($2, ''), phase),
		     updated_at = now()
		 WHERE session_id = $3 AND ended_at IS NULL`,
		task, phase, sessionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// End closes the session. Ending an already-ended session is a no-op so the
// operation stays idempotent under retries.
func (s *SessionStore) End(ctx context.Context, sessionID uuid.UUID, at time.Time) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE sessions SET ended_at = $1, updated_at = now()
		 WHERE session_id = $2 AND ended_at IS NULL`,
		at, sessionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		err := s.db.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM sessions WHERE session_id = $1)`, sessionID,
		).Scan(&exists)
		if err != nil {
			return err
		}
		if !exists {
			return domain.ErrNotFound
		}
	}
	return nil
}

func (s *SessionStore) IncrementEventCount(ctx context.Context, sessionID uuid.UUID, by int) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE sessions SET event_count = event_count + $1, updated_at = now()
		 WHERE session_id = $2`,
		by, sessionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *SessionStore) ListActive(ctx context.Context, projectID string, limit int) ([]domain.SessionContext, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.Query(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE project_id = $1 AND ended_at IS NULL
		 ORDER BY started_at DESC
		 LIMIT $2`,
		projectID, limit)
	if err != nil {
		return nil, err
	}
	return scanSessions(rows)
}

func (s *SessionStore) ListRecent(ctx context.Context, projectID string, limit, offset int) ([]domain.SessionContext, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.Query(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE project_id = $1
		 ORDER BY started_at DESC
		 LIMIT $2 OFFSET $3`,
		projectID, limit, offset)
	if err != nil {
		return nil, err
	}
	return scanSessions(rows)
}

func scanSession(row pgx.Row) (*domain.SessionContext, error) {
	sc := &domain.SessionContext{}
	err := row.Scan(
		&sc.SessionID, &sc.ProjectID, &sc.Task, &sc.Phase,
		&sc.StartedAt, &sc.EndedAt, &sc.EventCount,
		&sc.CreatedAt, &sc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return sc, nil
}

func scanSessions(rows pgx.Rows) ([]domain.SessionContext, error) {
	defer rows.Close()

	var sessions []domain.SessionContext
	for rows.Next() {
		var sc domain.SessionContext
		err := rows.Scan(
			&sc.SessionID, &sc.ProjectID, &sc.Task, &sc.Phase,
			&sc.StartedAt, &sc.EndedAt, &sc.EventCount,
			&sc.CreatedAt, &sc.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sc)
	}
	return sessions, rows.Err()
}

var _ domain.SessionStore = (*SessionStore)(nil)
