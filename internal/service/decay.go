package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shawkridge/athena/internal/domain"
)

// DecaySweeper is the background counterpart to lazy decay: it walks every
// project with workspace items and prunes the ones whose activation expired,
// so the store does not fill with ghosts nobody reads.
type DecaySweeper struct {
	wm     *WorkingMemoryService
	store  domain.WorkingMemoryStore
	logger *zap.Logger

	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewDecaySweeper(wm *WorkingMemoryService, store domain.WorkingMemoryStore, interval time.Duration, logger *zap.Logger) *DecaySweeper {
	return &DecaySweeper{
		wm:       wm,
		store:    store,
		logger:   logger,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

func (s *DecaySweeper) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.logger.Info("decay sweeper started", zap.Duration("interval", s.interval))
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
				s.RunSweep(ctx)
				cancel()
			case <-s.stopCh:
				s.logger.Info("decay sweeper stopped")
				return
			}
		}
	}()
}

func (s *DecaySweeper) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// RunSweep applies decay across all projects. Per-project failures are
// logged and skipped so one bad project cannot starve the rest.
func (s *DecaySweeper) RunSweep(ctx context.Context) int {
	projects, err := s.store.Projects(ctx)
	if err != nil {
		s.logger.Error("decay sweep: listing projects", zap.Error(err))
		return 0
	}

	now := time.Now()
	total := 0
	for _, project := range projects {
		pruned, err := s.wm.ApplyDecay(ctx, project, now)
		if err != nil {
			s.logger.Error("decay sweep failed for project",
				zap.String("project_id", project),
				zap.Error(err))
			continue
		}
		total += pruned
		if pruned > 0 {
			s.logger.Debug("decay sweep pruned items",
				zap.String("project_id", project),
				zap.Int("pruned", pruned))
		}
	}
	return total
}
