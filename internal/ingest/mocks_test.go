package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shawkridge/athena/internal/domain"
)

// fakeEpisodicStore implements the batch append path the pipeline exercises.
// Read and consolidation methods are stubs.
type fakeEpisodicStore struct {
	mu     sync.Mutex
	events []domain.EpisodicEvent
	hashes map[string]uuid.UUID // project:hash -> id

	failBatches int // fail the next N AppendBatch calls transiently
	batchCalls  int
}

func newFakeEpisodicStore() *fakeEpisodicStore {
	return &fakeEpisodicStore{hashes: make(map[string]uuid.UUID)}
}

func (s *fakeEpisodicStore) key(projectID, hash string) string { return projectID + ":" + hash }

func (s *fakeEpisodicStore) Append(ctx context.Context, e *domain.EpisodicEvent) (bool, error) {
	res, err := s.AppendBatch(ctx, []*domain.EpisodicEvent{e})
	if err != nil {
		return false, err
	}
	return res.Duplicate == 1, nil
}

func (s *fakeEpisodicStore) AppendBatch(ctx context.Context, events []*domain.EpisodicEvent) (*domain.BatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batchCalls++
	if s.failBatches > 0 {
		s.failBatches--
		return nil, domain.ErrConnection
	}

	res := &domain.BatchResult{}
	for _, e := range events {
		if e.Hash == "" {
			h, err := e.ContentHash()
			if err != nil {
				res.Failed++
				continue
			}
			e.Hash = h
		}
		if _, dup := s.hashes[s.key(e.ProjectID, e.Hash)]; dup {
			res.Duplicate++
			continue
		}
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		if e.Timestamp.IsZero() {
			e.Timestamp = time.Now()
		}
		e.Lifecycle = domain.LifecycleActive
		s.hashes[s.key(e.ProjectID, e.Hash)] = e.ID
		s.events = append(s.events, *e)
		res.Inserted++
	}
	return res, nil
}

func (s *fakeEpisodicStore) LookupHashes(ctx context.Context, projectID string, hashes []string) (map[string]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]uuid.UUID)
	for _, h := range hashes {
		if id, ok := s.hashes[s.key(projectID, h)]; ok {
			out[h] = id
		}
	}
	return out, nil
}

func (s *fakeEpisodicStore) all() []domain.EpisodicEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.EpisodicEvent, len(s.events))
	copy(out, s.events)
	return out
}

func (s *fakeEpisodicStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.EpisodicEvent, error) {
	return nil, domain.ErrNotFound
}

func (s *fakeEpisodicStore) List(ctx context.Context, projectID string, f domain.EventFilter, limit, offset int) ([]domain.EpisodicEvent, error) {
	return nil, nil
}

func (s *fakeEpisodicStore) Count(ctx context.Context, projectID string, f domain.EventFilter) (int, error) {
	return len(s.all()), nil
}

func (s *fakeEpisodicStore) GetByTimeRange(ctx context.Context, projectID string, w domain.TimeWindow, limit int) ([]domain.EpisodicEvent, error) {
	return nil, nil
}

func (s *fakeEpisodicStore) GetBySession(ctx context.Context, sessionID uuid.UUID, limit int) ([]domain.EpisodicEvent, error) {
	return nil, nil
}

func (s *fakeEpisodicStore) FindSimilar(ctx context.Context, projectID string, embedding []float32, threshold float32, limit int) ([]domain.EventWithScore, error) {
	return nil, nil
}

func (s *fakeEpisodicStore) ClaimForConsolidation(ctx context.Context, projectID string, olderThan time.Time, limit int) ([]domain.EpisodicEvent, error) {
	return nil, nil
}

func (s *fakeEpisodicStore) UpdateLifecycle(ctx context.Context, ids []uuid.UUID, from, to domain.Lifecycle) (int64, error) {
	return 0, nil
}

func (s *fakeEpisodicStore) ReleaseClaim(ctx context.Context, ids []uuid.UUID) (int64, error) {
	return 0, nil
}

func (s *fakeEpisodicStore) CountActiveBefore(ctx context.Context, projectID string, before time.Time) (int, error) {
	return 0, nil
}

func (s *fakeEpisodicStore) CountByLifecycle(ctx context.Context, projectID string) (map[domain.Lifecycle]int, error) {
	return nil, nil
}

func (s *fakeEpisodicStore) LinkCausality(ctx context.Context, childID, parentID uuid.UUID) error {
	return nil
}

func (s *fakeEpisodicStore) Archive(ctx context.Context, id uuid.UUID) error { return nil }

var _ domain.EpisodicStore = (*fakeEpisodicStore)(nil)

type fakeCursorStore struct {
	mu      sync.Mutex
	cursors map[string][]byte
	saves   int
}

func newFakeCursorStore() *fakeCursorStore {
	return &fakeCursorStore{cursors: make(map[string][]byte)}
}

func (s *fakeCursorStore) Get(ctx context.Context, sourceID string) (*domain.IngestionCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.cursors[sourceID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &domain.IngestionCursor{SourceID: sourceID, Cursor: cur, UpdatedAt: time.Now()}, nil
}

func (s *fakeCursorStore) Save(ctx context.Context, sourceID string, cursor []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[sourceID] = append([]byte(nil), cursor...)
	s.saves++
	return nil
}

var _ domain.CursorStore = (*fakeCursorStore)(nil)
