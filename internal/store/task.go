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

	"github.com/shawkridge/athena/internal/db"
	"github.com/shawkridge/athena/internal/domain"
)

const taskColumns = `id, project_id, parent_id, title, description,
	status, phase, priority, progress, triggers, deadline, created_at, updated_at`

// dependencyWalk follows depends_on edges transitively from a starting task.
const dependencyWalk = `
	WITH RECURSIVE walk AS (
		SELECT depends_on FROM task_dependencies WHERE task_id = $1
		UNION
		SELECT td.depends_on
		FROM task_dependencies td
		JOIN walk w ON td.task_id = w.depends_on
	)
	SELECT EXISTS (SELECT 1 FROM walk WHERE depends_on = $2)`

type TaskStore struct {
	db *db.Pool
}

func NewTaskStore(pool *db.Pool) *TaskStore {
	return &TaskStore{db: pool}
}

func (s *TaskStore) Create(ctx context.Context, t *domain.Task) error {
	if t.Status == "" {
		t.Status = domain.TaskPending
	}
	if t.Phase == "" {
		t.Phase = domain.PhasePlanning
	}
	if t.Triggers == nil {
		t.Triggers = []domain.TriggerSpec{}
	}

	triggersJSON, err := json.Marshal(t.Triggers)
	if err != nil {
		return fmt.Errorf("marshal triggers: %w", err)
	}

	err = s.db.QueryRow(ctx,
		`INSERT INTO tasks (
			project_id, parent_id, title, description,
			status, phase, priority, progress, triggers, deadline
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at`,
		t.ProjectID, t.ParentID, t.Title, t.Description,
		t.Status, t.Phase, t.Priority, t.Progress, triggersJSON, t.Deadline,
	).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return fmt.Errorf("%w: parent task", domain.ErrNotFound)
		}
		return err
	}
	return nil
}

// GetByID loads a task with its dependency edges.
func (s *TaskStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTaskRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}

	rows, err := s.db.Query(ctx,
		`SELECT depends_on FROM task_dependencies WHERE task_id = $1 ORDER BY created_at`,
		id)
	if err != nil {
		return nil, fmt.Errorf("load dependencies: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var dep uuid.UUID
		if err := rows.Scan(&dep); err != nil {
			return nil, err
		}
		t.Dependencies = append(t.Dependencies, dep)
	}
	return t, rows.Err()
}

func (s *TaskStore) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.TaskStatus) error {
	if !domain.ValidTaskStatus(string(status)) {
		return fmt.Errorf("%w: unknown task status %q", domain.ErrInvalidInput, status)
	}

	// Terminal tasks stay terminal.
	tag, err := s.db.Exec(ctx,
		`UPDATE tasks SET status = $1, updated_at = NOW()
		 WHERE id = $2 AND status NOT IN ('completed', 'cancelled')`,
		status, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var current domain.TaskStatus
		err := s.db.QueryRow(ctx, `SELECT status FROM tasks WHERE id = $1`, id).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: task is already %s", domain.ErrInvalidInput, current)
	}
	return nil
}

func (s *TaskStore) UpdatePhase(ctx context.Context, id uuid.UUID, phase domain.TaskPhase) error {
	if !domain.ValidTaskPhase(string(phase)) {
		return fmt.Errorf("%w: unknown task phase %q", domain.ErrInvalidInput, phase)
	}

	tag, err := s.db.Exec(ctx,
		`UPDATE tasks SET phase = $1, updated_at = NOW() WHERE id = $2`,
		phase, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *TaskStore) UpdateProgress(ctx context.Context, id uuid.UUID, progress float32) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}

	tag, err := s.db.Exec(ctx,
		`UPDATE tasks SET progress = $1, updated_at = NOW() WHERE id = $2`,
		progress, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// AddDependency records that taskID cannot proceed until dependsOn completes.
// An edge that would close a cycle is rejected, since a cyclic dependency
// graph can never schedule.
func (s *TaskStore) AddDependency(ctx context.Context, taskID, dependsOn uuid.UUID) error {
	if taskID == dependsOn {
		return fmt.Errorf("%w: task cannot depend on itself", domain.ErrInvalidInput)
	}

	return s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		var cycles bool
		if err := tx.QueryRow(ctx, dependencyWalk, dependsOn, taskID).Scan(&cycles); err != nil {
			return fmt.Errorf("cycle check: %w", err)
		}
		if cycles {
			return fmt.Errorf("%w: dependency %s -> %s would close a cycle",
				domain.ErrInvalidInput, taskID, dependsOn)
		}

		_, err := tx.Exec(ctx,
			`INSERT INTO task_dependencies (task_id, depends_on)
			 VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			taskID, dependsOn)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23503" {
				return domain.ErrNotFound
			}
			return err
		}
		return nil
	})
}

// DependencyPathExists reports whether `to` is reachable from `from` by
// following depends_on edges.
func (s *TaskStore) DependencyPathExists(ctx context.Context, from, to uuid.UUID) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, dependencyWalk, from, to).Scan(&exists)
	return exists, err
}

func (s *TaskStore) Subtasks(ctx context.Context, parentID uuid.UUID) ([]domain.Task, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+taskColumns+`
		 FROM tasks WHERE parent_id = $1
		 ORDER BY priority DESC, created_at ASC`,
		parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return s.scanTasks(rows)
}

// List returns tasks without their dependency edges; GetByID loads those.
func (s *TaskStore) List(ctx context.Context, projectID string, f domain.TaskFilter, limit, offset int) ([]domain.Task, error) {
	if limit <= 0 {
		limit = 10
	}

	conditions, args := taskConditions(projectID, f)
	args = append(args, limit, offset)
	query := fmt.Sprintf(
		`SELECT %s FROM tasks WHERE %s
		 ORDER BY priority DESC, deadline ASC NULLS LAST, created_at ASC
		 LIMIT $%d OFFSET $%d`,
		taskColumns, strings.Join(conditions, " AND "), len(args)-1, len(args))

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks query: %w", err)
	}
	defer rows.Close()

	return s.scanTasks(rows)
}

func (s *TaskStore) Count(ctx context.Context, projectID string, f domain.TaskFilter) (int, error) {
	conditions, args := taskConditions(projectID, f)
	var count int
	err := s.db.QueryRow(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM tasks WHERE %s`, strings.Join(conditions, " AND ")),
		args...,
	).Scan(&count)
	return count, err
}

// ListWithTriggers returns non-terminal tasks that declare at least one
// trigger, for the trigger engine to evaluate.
func (s *TaskStore) ListWithTriggers(ctx context.Context, projectID string) ([]domain.Task, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+taskColumns+`
		 FROM tasks
		 WHERE project_id = $1
		   AND status NOT IN ('completed', 'cancelled')
		   AND triggers <> '[]'::jsonb
		 ORDER BY priority DESC, created_at ASC`,
		projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return s.scanTasks(rows)
}

func (s *TaskStore) DueBefore(ctx context.Context, projectID string, t time.Time, limit int) ([]domain.Task, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(ctx,
		`SELECT `+taskColumns+`
		 FROM tasks
		 WHERE project_id = $1
		   AND deadline IS NOT NULL AND deadline <= $2
		   AND status NOT IN ('completed', 'cancelled')
		 ORDER BY deadline ASC
		 LIMIT $3`,
		projectID, t, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return s.scanTasks(rows)
}

func taskConditions(projectID string, f domain.TaskFilter) ([]string, []any) {
	conditions := []string{"project_id = $1"}
	args := []any{projectID}

	if f.Status != "" {
		args = append(args, string(f.Status))
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.Phase != "" {
		args = append(args, string(f.Phase))
		conditions = append(conditions, fmt.Sprintf("phase = $%d", len(args)))
	}
	if f.ParentID != nil {
		args = append(args, *f.ParentID)
		conditions = append(conditions, fmt.Sprintf("parent_id = $%d", len(args)))
	}
	if f.DueBy != nil {
		args = append(args, *f.DueBy)
		conditions = append(conditions, fmt.Sprintf("deadline IS NOT NULL AND deadline <= $%d", len(args)))
	}
	return conditions, args
}

func scanTaskRow(row pgx.Row) (*domain.Task, error) {
	t := &domain.Task{}
	var triggersJSON []byte
	err := row.Scan(
		&t.ID, &t.ProjectID, &t.ParentID, &t.Title, &t.Description,
		&t.Status, &t.Phase, &t.Priority, &t.Progress, &triggersJSON,
		&t.Deadline, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(triggersJSON) > 0 {
		if err := json.Unmarshal(triggersJSON, &t.Triggers); err != nil {
			return nil, fmt.Errorf("unmarshal triggers: %w", err)
		}
	}
	return t, nil
}

func (s *TaskStore) scanTasks(rows pgx.Rows) ([]domain.Task, error) {
	var tasks []domain.Task
	for rows.Next() {
		var t domain.Task
		var triggersJSON []byte
		err := rows.Scan(
			&t.ID, &t.ProjectID, &t.ParentID, &t.Title, &t.Description,
			&t.Status, &t.Phase, &t.Priority, &t.Progress, &triggersJSON,
			&t.Deadline, &t.CreatedAt, &t.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		if len(triggersJSON) > 0 {
			_ = json.Unmarshal(triggersJSON, &t.Triggers)
		}
		tasks = append(tasks, t)
	}

	return tasks, rows.Err()
}

var _ domain.TaskStore = (*TaskStore)(nil)
