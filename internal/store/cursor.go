package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/shawkridge/athena/internal/db"
	"github.com/shawkridge/athena/internal/domain"
)

// CursorStore persists per-source resume points. The cursor blob is opaque:
// each source encodes whatever it needs to continue where it left off.
type CursorStore struct {
	db *db.Pool
}

func NewCursorStore(pool *db.Pool) *CursorStore {
	return &CursorStore{db: pool}
}

func (s *CursorStore) Get(ctx context.Context, sourceID string) (*domain.IngestionCursor, error) {
	c := &domain.IngestionCursor{}
	err := s.db.QueryRow(ctx,
		`SELECT source_id, cursor, updated_at FROM ingestion_cursors WHERE source_id = $1`,
		sourceID,
	).Scan(&c.SourceID, &c.Cursor, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return c, nil
}

func (s *CursorStore) Save(ctx context.Context, sourceID string, cursor []byte) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO ingestion_cursors (source_id, cursor)
		 VALUES ($1, $2)
		 ON CONFLICT (source_id) DO UPDATE SET
			cursor = EXCLUDED.cursor,
			updated_at = now()`,
		sourceID, cursor)
	return err
}

var _ domain.CursorStore = (*CursorStore)(nil)
