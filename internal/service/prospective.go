package service

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shawkridge/athena/internal/domain"
)

// ProspectiveService manages future intentions: tasks, goals, and the
// triggers that bring them back into attention.
type ProspectiveService struct {
	tasks  domain.TaskStore
	logger *zap.Logger
}

func NewProspectiveService(tasks domain.TaskStore, logger *zap.Logger) *ProspectiveService {
	return &ProspectiveService{tasks: tasks, logger: logger}
}

func (s *ProspectiveService) CreateTask(ctx context.Context, t *domain.Task) error {
	if t.ProjectID == "" || strings.TrimSpace(t.Title) == "" {
		return fmt.Errorf("%w: project_id and title are required", domain.ErrInvalidInput)
	}
	if t.Status == "" {
		t.Status = domain.TaskPending
	}
	if !domain.ValidTaskStatus(string(t.Status)) {
		return fmt.Errorf("%w: status %q", domain.ErrInvalidInput, t.Status)
	}
	for _, tr := range t.Triggers {
		if !domain.ValidTriggerKind(string(tr.Kind)) {
			return fmt.Errorf("%w: trigger kind %q", domain.ErrInvalidInput, tr.Kind)
		}
	}
	return s.tasks.Create(ctx, t)
}

// SetGoal records a long-horizon intention as a top-level active task in the
// planning phase. Goals carry no deadline and surface through ListActive.
func (s *ProspectiveService) SetGoal(ctx context.Context, projectID, title, description string, priority int) (*domain.Task, error) {
	if projectID == "" || strings.TrimSpace(title) == "" {
		return nil, fmt.Errorf("%w: project_id and title are required", domain.ErrInvalidInput)
	}
	if priority <= 0 {
		priority = 1
	}
	t := &domain.Task{
		ProjectID:   projectID,
		Title:       title,
		Description: description,
		Status:      domain.TaskActive,
		Phase:       domain.PhasePlanning,
		Priority:    priority,
	}
	if err := s.tasks.Create(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *ProspectiveService) GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	return s.tasks.GetByID(ctx, id)
}

func (s *ProspectiveService) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.TaskStatus) error {
	if !domain.ValidTaskStatus(string(status)) {
		return fmt.Errorf("%w: status %q", domain.ErrInvalidInput, status)
	}
	return s.tasks.UpdateStatus(ctx, id, status)
}

func (s *ProspectiveService) SetPhase(ctx context.Context, id uuid.UUID, phase domain.TaskPhase) error {
	if !domain.ValidTaskPhase(string(phase)) {
		return fmt.Errorf("%w: phase %q", domain.ErrInvalidInput, phase)
	}
	return s.tasks.UpdatePhase(ctx, id, phase)
}

func (s *ProspectiveService) UpdateProgress(ctx context.Context, id uuid.UUID, progress float32) error {
	if progress < 0 || progress > 1 {
		return fmt.Errorf("%w: progress must be in [0,1]", domain.ErrInvalidInput)
	}
	return s.tasks.UpdateProgress(ctx, id, progress)
}

// AddDependency records that taskID depends on dependsOn. The store rejects
// edges that would close a cycle.
func (s *ProspectiveService) AddDependency(ctx context.Context, taskID, dependsOn uuid.UUID) error {
	if taskID == dependsOn {
		return fmt.Errorf("%w: task cannot depend on itself", domain.ErrInvalidInput)
	}
	return s.tasks.AddDependency(ctx, taskID, dependsOn)
}

func (s *ProspectiveService) List(ctx context.Context, projectID string, f domain.TaskFilter, limit, offset int) ([]domain.Task, int, error) {
	items, err := s.tasks.List(ctx, projectID, f, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.tasks.Count(ctx, projectID, f)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (s *ProspectiveService) ListActive(ctx context.Context, projectID string, limit, offset int) ([]domain.Task, int, error) {
	return s.List(ctx, projectID, domain.TaskFilter{Status: domain.TaskActive}, limit, offset)
}

func (s *ProspectiveService) DueBefore(ctx context.Context, projectID string, t time.Time, limit int) ([]domain.Task, error) {
	return s.tasks.DueBefore(ctx, projectID, t, limit)
}

func (s *ProspectiveService) Subtasks(ctx context.Context, parentID uuid.UUID) ([]domain.Task, error) {
	return s.tasks.Subtasks(ctx, parentID)
}

// FireTriggers matches every pending and active task's triggers against the
// given context. Matched pending tasks transition to active; matches on
// already-active tasks (and all predicate triggers) surface as advisory.
func (s *ProspectiveService) FireTriggers(ctx context.Context, projectID string, tc domain.TriggerContext) ([]domain.TriggerFiring, error) {
	if tc.Now.IsZero() {
		tc.Now = time.Now()
	}
	tasks, err := s.tasks.ListWithTriggers(ctx, projectID)
	if err != nil {
		return nil, err
	}

	var firings []domain.TriggerFiring
	for i := range tasks {
		t := &tasks[i]
		if t.Status != domain.TaskPending && t.Status != domain.TaskActive {
			continue
		}
		for _, trigger := range t.Triggers {
			matched, advisory := matchTrigger(trigger, tc)
			if !matched {
				continue
			}
			if t.Status == domain.TaskActive {
				advisory = true
			}
			firing := domain.TriggerFiring{
				TaskID:   t.ID,
				Task:     t,
				Trigger:  trigger,
				Advisory: advisory,
				FiredAt:  tc.Now,
			}
			if !advisory && t.Status == domain.TaskPending {
				if err := s.tasks.UpdateStatus(ctx, t.ID, domain.TaskActive); err != nil {
					s.logger.Warn("trigger activation failed",
						zap.String("task_id", t.ID.String()),
						zap.Error(err))
					continue
				}
				t.Status = domain.TaskActive
			}
			firings = append(firings, firing)
			break // one firing per task per pass
		}
	}

	if len(firings) > 0 {
		s.logger.Info("triggers fired",
			zap.String("project_id", projectID),
			zap.Int("count", len(firings)))
	}
	return firings, nil
}

// matchTrigger evaluates one trigger against the context. Predicate triggers
// always fire as advisory: the expression is for the caller to evaluate.
func matchTrigger(trigger domain.TriggerSpec, tc domain.TriggerContext) (matched, advisory bool) {
	switch trigger.Kind {
	case domain.TriggerTime:
		return matchTimeTrigger(trigger.Params, tc.Now), false
	case domain.TriggerEvent:
		return matchEventTrigger(trigger.Params, tc), false
	case domain.TriggerFile:
		return matchFileTrigger(trigger.Params, tc.ChangedPaths), false
	case domain.TriggerPredicate:
		return true, true
	}
	return false, false
}

func matchTimeTrigger(params map[string]any, now time.Time) bool {
	if raw, ok := params["at"].(string); ok {
		at, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return false
		}
		return !now.Before(at)
	}
	return false
}

func matchEventTrigger(params map[string]any, tc domain.TriggerContext) bool {
	if tc.EventType == "" {
		return false
	}
	if want, ok := params["event_type"].(string); ok && want != "" {
		if want != string(tc.EventType) {
			return false
		}
	}
	if substr, ok := params["contains"].(string); ok && substr != "" {
		if !strings.Contains(strings.ToLower(tc.EventContent), strings.ToLower(substr)) {
			return false
		}
	}
	return true
}

func matchFileTrigger(params map[string]any, changed []string) bool {
	glob, ok := params["path_glob"].(string)
	if !ok || glob == "" || len(changed) == 0 {
		return false
	}
	for _, p := range changed {
		if matched, err := path.Match(glob, p); err == nil && matched {
			return true
		}
		// Also match the basename so "*.go" hits nested paths.
		if matched, err := path.Match(glob, path.Base(p)); err == nil && matched {
			return true
		}
	}
	return false
}
