package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shawkridge/athena/internal/domain"
)

const (
	// hydrationWindow bounds how far back session start looks when refilling
	// working memory.
	hydrationWindow = 48 * time.Hour
	// hydrationK is how many items session start loads into the workspace.
	hydrationK = 5
)

// SessionService manages agent working sessions: lifecycle, task/phase
// context, and working memory hydration at session boundaries.
type SessionService struct {
	sessions domain.SessionStore
	episodic domain.EpisodicStore
	semantic domain.SemanticStore
	wm       *WorkingMemoryService
	consol   *ConsolidationService
	logger   *zap.Logger
}

func NewSessionService(
	sessions domain.SessionStore,
	episodic domain.EpisodicStore,
	semantic domain.SemanticStore,
	wm *WorkingMemoryService,
	consol *ConsolidationService,
	logger *zap.Logger,
) *SessionService {
	return &SessionService{
		sessions: sessions,
		episodic: episodic,
		semantic: semantic,
		wm:       wm,
		consol:   consol,
		logger:   logger,
	}
}

// StartSession opens a session and hydrates working memory with the most
// useful recent material from the episodic and semantic layers.
func (s *SessionService) StartSession(ctx context.Context, projectID, task, phase string) (*domain.SessionContext, error) {
	if projectID == "" {
		return nil, fmt.Errorf("%w: project_id is required", domain.ErrInvalidInput)
	}
	sess := &domain.SessionContext{
		ProjectID: projectID,
		Task:      task,
		Phase:     phase,
		StartedAt: time.Now(),
	}
	if err := s.sessions.Create(ctx, sess); err != nil {
		return nil, err
	}
	s.consol.TrackProject(projectID)

	if err := s.hydrate(ctx, projectID); err != nil {
		// Hydration is best effort; an empty workspace is a valid start.
		s.logger.Warn("working memory hydration failed",
			zap.String("project_id", projectID),
			zap.Error(err))
	}

	s.logger.Info("session started",
		zap.String("session_id", sess.SessionID.String()),
		zap.String("project_id", projectID),
		zap.String("task", task))
	return sess, nil
}

// hydrate fills empty workspace slots with top recent memories ranked by
// importance, context completeness, and actionability.
func (s *SessionService) hydrate(ctx context.Context, projectID string) error {
	snapshot, err := s.wm.GetCurrent(ctx, projectID, domain.WorkingMemoryHardCap)
	if err != nil {
		return err
	}
	free := domain.WorkingMemoryTarget - snapshot.Occupied
	if free <= 0 {
		return nil
	}
	if free > hydrationK {
		free = hydrationK
	}

	type candidate struct {
		content   string
		embedding []float32
		rank      float32
	}
	var candidates []candidate
	since := time.Now().Add(-hydrationWindow)

	memories, err := s.semantic.List(ctx, projectID, domain.SemanticFilter{Since: &since}, hydrationK*4, 0)
	if err != nil {
		return err
	}
	for _, m := range memories {
		candidates = append(candidates, candidate{
			content:   m.Content,
			embedding: m.Embedding,
			rank:      rankForHydration(m.Confidence, m.Content, string(m.MemoryType)),
		})
	}

	events, err := s.episodic.GetByTimeRange(ctx, projectID,
		domain.TimeWindow{Start: since, End: time.Now()}, hydrationK*4)
	if err != nil {
		return err
	}
	for _, e := range events {
		weight := float32(0.4)
		if e.EventType == domain.EventDecision || e.EventType == domain.EventError {
			weight = 0.7
		}
		candidates = append(candidates, candidate{
			content:   e.Content,
			embedding: e.Embedding,
			rank:      rankForHydration(weight, e.Content, string(e.EventType)),
		})
	}

	// Highest rank first; stop once the free slots are filled.
	for i := 0; i < len(candidates); i++ {
		for j := i + 1; j < len(candidates); j++ {
			if candidates[j].rank > candidates[i].rank {
				candidates[i], candidates[j] = candidates[j], candidates[i]
			}
		}
	}
	inserted := 0
	for _, c := range candidates {
		if inserted >= free {
			break
		}
		item := &domain.WorkingMemoryItem{
			ProjectID:  projectID,
			Content:    c.content,
			Component:  domain.WMEpisodicBuffer,
			Activation: 0.6,
			Importance: c.rank,
			Embedding:  c.embedding,
		}
		if err := s.wm.Insert(ctx, item); err != nil {
			return err
		}
		inserted++
	}
	return nil
}

// rankForHydration blends importance with cheap proxies for context
// completeness (content richness) and actionability (kind).
func rankForHydration(importance float32, content, kind string) float32 {
	completeness := float32(len(content)) / 500
	if completeness > 1 {
		completeness = 1
	}
	actionability := float32(0.5)
	switch kind {
	case string(domain.SemanticRule), string(domain.EventDecision):
		actionability = 0.9
	case string(domain.SemanticPattern), string(domain.EventError):
		actionability = 0.7
	}
	rank := importance * (0.3 + 0.7*completeness) * actionability
	if rank > 1 {
		rank = 1
	}
	return rank
}

// EndSession closes the session and enqueues a consolidation run bounded to
// roughly this session's event volume. Ending an already-ended session is a
// no-op.
func (s *SessionService) EndSession(ctx context.Context, sessionID uuid.UUID) (*domain.SessionContext, error) {
	sess, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.Active() {
		return sess, nil
	}
	now := time.Now()
	if err := s.sessions.End(ctx, sessionID, now); err != nil {
		return nil, err
	}
	sess.EndedAt = &now

	maxEvents := sess.EventCount
	if maxEvents <= 0 {
		maxEvents = 100
	}
	s.consol.Enqueue(ConsolidationParams{
		ProjectID: sess.ProjectID,
		MaxEvents: maxEvents,
	})

	s.logger.Info("session ended",
		zap.String("session_id", sessionID.String()),
		zap.Int("event_count", sess.EventCount),
		zap.Duration("duration", now.Sub(sess.StartedAt)))
	return sess, nil
}

// RecordSessionEvent appends an event tagged with the session and bumps the
// session's event counter.
func (s *SessionService) RecordSessionEvent(ctx context.Context, sessionID uuid.UUID, e *domain.EpisodicEvent) (bool, error) {
	sess, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if !sess.Active() {
		return false, fmt.Errorf("%w: session %s has ended", domain.ErrInvalidInput, sessionID)
	}
	e.SessionID = &sessionID
	if e.ProjectID == "" {
		e.ProjectID = sess.ProjectID
	}
	duplicate, err := s.episodic.Append(ctx, e)
	if err != nil {
		return false, err
	}
	if !duplicate {
		if err := s.sessions.IncrementEventCount(ctx, sessionID, 1); err != nil {
			s.logger.Warn("event count increment failed", zap.Error(err))
		}
	}
	return duplicate, nil
}

// UpdateContext revises the session's task and phase annotations. Empty
// arguments leave the current value untouched.
func (s *SessionService) UpdateContext(ctx context.Context, sessionID uuid.UUID, task, phase string) error {
	if strings.TrimSpace(task) == "" && strings.TrimSpace(phase) == "" {
		return fmt.Errorf("%w: task or phase is required", domain.ErrInvalidInput)
	}
	return s.sessions.UpdateContext(ctx, sessionID, task, phase)
}

func (s *SessionService) Get(ctx context.Context, sessionID uuid.UUID) (*domain.SessionContext, error) {
	return s.sessions.GetByID(ctx, sessionID)
}

func (s *SessionService) ListRecent(ctx context.Context, projectID string, limit, offset int) ([]domain.SessionContext, error) {
	return s.sessions.ListRecent(ctx, projectID, limit, offset)
}

// GetWorkingMemory returns the session project's current workspace.
func (s *SessionService) GetWorkingMemory(ctx context.Context, sessionID uuid.UUID, k int) (*domain.WorkingMemorySnapshot, error) {
	sess, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if k <= 0 {
		k = domain.WorkingMemoryTarget
	}
	return s.wm.GetCurrent(ctx, sess.ProjectID, k)
}
