package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shawkridge/athena/internal/domain"
)

func newProspectiveFixture() (*ProspectiveService, *memTaskStore) {
	store := newMemTaskStore()
	return NewProspectiveService(store, zap.NewNop()), store
}

func TestProspective_CreateTaskValidation(t *testing.T) {
	svc, _ := newProspectiveFixture()
	ctx := context.Background()

	tests := []struct {
		name string
		task domain.Task
	}{
		{"missing project", domain.Task{Title: "t"}},
		{"blank title", domain.Task{ProjectID: "p1", Title: "   "}},
		{"bad status", domain.Task{ProjectID: "p1", Title: "t", Status: "paused"}},
		{"bad trigger kind", domain.Task{
			ProjectID: "p1", Title: "t",
			Triggers: []domain.TriggerSpec{{Kind: "webhook"}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := tt.task
			if err := svc.CreateTask(ctx, &task); !errors.Is(err, domain.ErrInvalidInput) {
				t.Errorf("CreateTask() = %v, want ErrInvalidInput", err)
			}
		})
	}
}

func TestProspective_SetGoal(t *testing.T) {
	svc, _ := newProspectiveFixture()
	ctx := context.Background()

	if _, err := svc.SetGoal(ctx, "", "ship the release", "", 0); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("SetGoal() without project = %v, want ErrInvalidInput", err)
	}
	if _, err := svc.SetGoal(ctx, "p1", "   ", "", 0); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("SetGoal() with blank title = %v, want ErrInvalidInput", err)
	}

	goal, err := svc.SetGoal(ctx, "p1", "ship the release", "cut 1.0 once tests are green", 0)
	if err != nil {
		t.Fatalf("SetGoal() error: %v", err)
	}
	if goal.Status != domain.TaskActive {
		t.Errorf("Status = %q, want active", goal.Status)
	}
	if goal.Phase != domain.PhasePlanning {
		t.Errorf("Phase = %q, want planning", goal.Phase)
	}
	if goal.Priority != 1 {
		t.Errorf("Priority = %d, want default 1", goal.Priority)
	}

	active, total, err := svc.ListActive(ctx, "p1", 10, 0)
	if err != nil {
		t.Fatalf("ListActive() error: %v", err)
	}
	if total != 1 || len(active) != 1 || active[0].ID != goal.ID {
		t.Errorf("ListActive() = %d items total %d, want the goal", len(active), total)
	}
}

func TestProspective_CreateTaskDefaultsToPending(t *testing.T) {
	svc, _ := newProspectiveFixture()
	task := &domain.Task{ProjectID: "p1", Title: "review the migration plan"}
	if err := svc.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("CreateTask() error: %v", err)
	}
	if task.Status != domain.TaskPending {
		t.Errorf("status = %s, want pending", task.Status)
	}
}

func TestProspective_ProgressBounds(t *testing.T) {
	svc, _ := newProspectiveFixture()
	ctx := context.Background()
	task := &domain.Task{ProjectID: "p1", Title: "t"}
	if err := svc.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}

	if err := svc.UpdateProgress(ctx, task.ID, 1.5); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("progress > 1 accepted: %v", err)
	}
	if err := svc.UpdateProgress(ctx, task.ID, 0.4); err != nil {
		t.Errorf("valid progress rejected: %v", err)
	}
}

func TestProspective_SelfDependencyRejected(t *testing.T) {
	svc, _ := newProspectiveFixture()
	id := uuid.New()
	if err := svc.AddDependency(context.Background(), id, id); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("self-dependency accepted: %v", err)
	}
}

func TestProspective_DependencyCycleRejected(t *testing.T) {
	svc, _ := newProspectiveFixture()
	ctx := context.Background()

	a := &domain.Task{ProjectID: "p1", Title: "a"}
	b := &domain.Task{ProjectID: "p1", Title: "b"}
	c := &domain.Task{ProjectID: "p1", Title: "c"}
	for _, task := range []*domain.Task{a, b, c} {
		if err := svc.CreateTask(ctx, task); err != nil {
			t.Fatal(err)
		}
	}

	if err := svc.AddDependency(ctx, a.ID, b.ID); err != nil {
		t.Fatalf("a->b: %v", err)
	}
	if err := svc.AddDependency(ctx, b.ID, c.ID); err != nil {
		t.Fatalf("b->c: %v", err)
	}
	if err := svc.AddDependency(ctx, c.ID, a.ID); !errors.Is(err, domain.ErrIntegrityViolation) {
		t.Errorf("cycle c->a accepted: %v", err)
	}
}

func TestProspective_TimeTriggerActivatesPendingTask(t *testing.T) {
	svc, store := newProspectiveFixture()
	ctx := context.Background()

	due := time.Now().Add(-time.Minute)
	task := &domain.Task{
		ProjectID: "p1",
		Title:     "rotate credentials",
		Triggers: []domain.TriggerSpec{{
			Kind:   domain.TriggerTime,
			Params: map[string]any{"at": due.Format(time.RFC3339)},
		}},
	}
	if err := svc.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}

	firings, err := svc.FireTriggers(ctx, "p1", domain.TriggerContext{})
	if err != nil {
		t.Fatalf("FireTriggers() error: %v", err)
	}
	if len(firings) != 1 {
		t.Fatalf("firings = %d, want 1", len(firings))
	}
	if firings[0].Advisory {
		t.Error("pending task firing should not be advisory")
	}
	got, _ := store.GetByID(ctx, task.ID)
	if got.Status != domain.TaskActive {
		t.Errorf("status = %s, want active after firing", got.Status)
	}
}

func TestProspective_FutureTimeTriggerDoesNotFire(t *testing.T) {
	svc, _ := newProspectiveFixture()
	ctx := context.Background()

	task := &domain.Task{
		ProjectID: "p1",
		Title:     "send the weekly report",
		Triggers: []domain.TriggerSpec{{
			Kind:   domain.TriggerTime,
			Params: map[string]any{"at": time.Now().Add(time.Hour).Format(time.RFC3339)},
		}},
	}
	if err := svc.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}

	firings, err := svc.FireTriggers(ctx, "p1", domain.TriggerContext{})
	if err != nil {
		t.Fatalf("FireTriggers() error: %v", err)
	}
	if len(firings) != 0 {
		t.Errorf("firings = %d, want 0 before the trigger time", len(firings))
	}
}

func TestProspective_EventTriggerMatchesTypeAndSubstring(t *testing.T) {
	svc, _ := newProspectiveFixture()
	ctx := context.Background()

	task := &domain.Task{
		ProjectID: "p1",
		Title:     "investigate refund errors",
		Triggers: []domain.TriggerSpec{{
			Kind: domain.TriggerEvent,
			Params: map[string]any{
				"event_type": "error",
				"contains":   "refund",
			},
		}},
	}
	if err := svc.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}

	miss, _ := svc.FireTriggers(ctx, "p1", domain.TriggerContext{
		EventType:    domain.EventError,
		EventContent: "timeout in checkout",
	})
	if len(miss) != 0 {
		t.Errorf("content mismatch fired %d triggers", len(miss))
	}

	hit, _ := svc.FireTriggers(ctx, "p1", domain.TriggerContext{
		EventType:    domain.EventError,
		EventContent: "nil pointer in Refund path",
	})
	if len(hit) != 1 {
		t.Errorf("case-insensitive substring match fired %d triggers, want 1", len(hit))
	}
}

func TestProspective_FileTriggerMatchesBasename(t *testing.T) {
	svc, _ := newProspectiveFixture()
	ctx := context.Background()

	task := &domain.Task{
		ProjectID: "p1",
		Title:     "regenerate mocks on schema change",
		Triggers: []domain.TriggerSpec{{
			Kind:   domain.TriggerFile,
			Params: map[string]any{"path_glob": "*.sql"},
		}},
	}
	if err := svc.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}

	firings, _ := svc.FireTriggers(ctx, "p1", domain.TriggerContext{
		ChangedPaths: []string{"migrations/0007_add_index.sql"},
	})
	if len(firings) != 1 {
		t.Errorf("basename glob should match nested path, fired %d", len(firings))
	}
}

func TestProspective_PredicateTriggerIsAdvisory(t *testing.T) {
	svc, store := newProspectiveFixture()
	ctx := context.Background()

	task := &domain.Task{
		ProjectID: "p1",
		Title:     "check error budget",
		Triggers: []domain.TriggerSpec{{
			Kind:   domain.TriggerPredicate,
			Params: map[string]any{"expr": "error_rate > 0.01"},
		}},
	}
	if err := svc.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}

	firings, err := svc.FireTriggers(ctx, "p1", domain.TriggerContext{})
	if err != nil {
		t.Fatalf("FireTriggers() error: %v", err)
	}
	if len(firings) != 1 || !firings[0].Advisory {
		t.Fatalf("predicate trigger should fire advisory, got %+v", firings)
	}
	got, _ := store.GetByID(ctx, task.ID)
	if got.Status != domain.TaskPending {
		t.Errorf("advisory firing must not change status, got %s", got.Status)
	}
}

func TestProspective_OneFiringPerTaskPerPass(t *testing.T) {
	svc, _ := newProspectiveFixture()
	ctx := context.Background()

	past := time.Now().Add(-time.Minute).Format(time.RFC3339)
	task := &domain.Task{
		ProjectID: "p1",
		Title:     "doubly triggered",
		Triggers: []domain.TriggerSpec{
			{Kind: domain.TriggerTime, Params: map[string]any{"at": past}},
			{Kind: domain.TriggerPredicate, Params: map[string]any{"expr": "x"}},
		},
	}
	if err := svc.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}

	firings, _ := svc.FireTriggers(ctx, "p1", domain.TriggerContext{})
	if len(firings) != 1 {
		t.Errorf("firings = %d, want one per task per pass", len(firings))
	}
}
