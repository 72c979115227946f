package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shawkridge/athena/internal/config"
	"github.com/shawkridge/athena/internal/domain"
)

// WorkingMemoryService enforces the 7±2 capacity model over the workspace
// store: soft limit 7 with weakest-first eviction, hard limit 9. Decay is
// applied lazily on read and periodically by the decay sweep.
type WorkingMemoryService struct {
	store    domain.WorkingMemoryStore
	embedder domain.EmbeddingClient
	cfg      config.WorkConfig
	logger   *zap.Logger
}

func NewWorkingMemoryService(store domain.WorkingMemoryStore, embedder domain.EmbeddingClient, cfg config.WorkConfig, logger *zap.Logger) *WorkingMemoryService {
	return &WorkingMemoryService{store: store, embedder: embedder, cfg: cfg, logger: logger}
}

// Insert places an item into the workspace. At or above the soft target the
// weakest item is evicted first; a workspace already at the hard cap rejects
// the insert outright.
func (s *WorkingMemoryService) Insert(ctx context.Context, item *domain.WorkingMemoryItem) error {
	if item.Content == "" {
		return fmt.Errorf("%w: working memory content is required", domain.ErrInvalidInput)
	}
	if item.DecayRate == 0 {
		item.DecayRate = s.cfg.DecayRate
	}

	items, err := s.store.ListByProject(ctx, item.ProjectID)
	if err != nil {
		return err
	}

	now := time.Now()
	if len(items) >= domain.WorkingMemoryHardCap {
		return fmt.Errorf("%w: %d items at hard cap", domain.ErrCapacityExceeded, len(items))
	}
	if len(items) >= domain.WorkingMemoryTarget {
		weakest := weakestItem(items, now)
		if err := s.store.Delete(ctx, weakest.ID); err != nil {
			return fmt.Errorf("evict weakest: %w", err)
		}
		s.logger.Debug("evicted weakest working memory item",
			zap.String("project_id", item.ProjectID),
			zap.String("evicted", weakest.ID.String()))
	}

	if len(item.Embedding) == 0 && s.embedder != nil {
		if vec, err := s.embedder.Embed(ctx, item.Content); err == nil {
			item.Embedding = vec
		}
	}

	return s.store.Insert(ctx, item)
}

// Touch rehearses an item: its decayed activation is recomputed, boosted,
// and the decay clock reset.
func (s *WorkingMemoryService) Touch(ctx context.Context, projectID string, id uuid.UUID) error {
	items, err := s.store.ListByProject(ctx, projectID)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, item := range items {
		if item.ID != id {
			continue
		}
		activation := item.CurrentActivation(now) + 0.2
		if activation > 1 {
			activation = 1
		}
		return s.store.Touch(ctx, id, activation, now)
	}
	return domain.ErrNotFound
}

// GetCurrent snapshots the workspace with decay applied at read time,
// strongest first.
func (s *WorkingMemoryService) GetCurrent(ctx context.Context, projectID string, k int) (*domain.WorkingMemorySnapshot, error) {
	items, err := s.store.ListByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	for i := range items {
		items[i].Activation = items[i].CurrentActivation(now)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Activation > items[j].Activation })
	occupied := len(items)
	if k > 0 && len(items) > k {
		items = items[:k]
	}

	return &domain.WorkingMemorySnapshot{
		Items:    items,
		Occupied: occupied,
		Target:   domain.WorkingMemoryTarget,
		HardCap:  domain.WorkingMemoryHardCap,
		TakenAt:  now,
	}, nil
}

// EvictWeakest removes the item with the lowest current activation.
func (s *WorkingMemoryService) EvictWeakest(ctx context.Context, projectID string) (*domain.WorkingMemoryItem, error) {
	items, err := s.store.ListByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, domain.ErrNotFound
	}
	weakest := weakestItem(items, time.Now())
	if err := s.store.Delete(ctx, weakest.ID); err != nil {
		return nil, err
	}
	return weakest, nil
}

// ApplyDecay drops items whose current activation fell below the floor and
// persists the decayed activation of the survivors. Returns how many were
// pruned.
func (s *WorkingMemoryService) ApplyDecay(ctx context.Context, projectID string, now time.Time) (int, error) {
	items, err := s.store.ListByProject(ctx, projectID)
	if err != nil {
		return 0, err
	}

	pruned := 0
	for _, item := range items {
		current := item.CurrentActivation(now)
		if current < s.cfg.MinActivation {
			if err := s.store.Delete(ctx, item.ID); err != nil {
				return pruned, err
			}
			pruned++
			continue
		}
		if err := s.store.Touch(ctx, item.ID, current, now); err != nil {
			return pruned, err
		}
	}
	return pruned, nil
}

// Delete removes one item by id.
func (s *WorkingMemoryService) Delete(ctx context.Context, id uuid.UUID) error {
	return s.store.Delete(ctx, id)
}

// Clear empties the workspace, as on session teardown.
func (s *WorkingMemoryService) Clear(ctx context.Context, projectID string) (int64, error) {
	return s.store.DeleteAll(ctx, projectID)
}

func weakestItem(items []domain.WorkingMemoryItem, now time.Time) *domain.WorkingMemoryItem {
	weakest := &items[0]
	lowest := weakest.CurrentActivation(now)
	for i := 1; i < len(items); i++ {
		if a := items[i].CurrentActivation(now); a < lowest {
			lowest = a
			weakest = &items[i]
		}
	}
	return weakest
}
