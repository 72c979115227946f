package domain

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the scheduling state of a prospective task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskActive    TaskStatus = "active"
	TaskBlocked   TaskStatus = "blocked"
	TaskCompleted TaskStatus = "completed"
	TaskCancelled TaskStatus = "cancelled"
)

func ValidTaskStatus(s string) bool {
	switch TaskStatus(s) {
	case TaskPending, TaskActive, TaskBlocked, TaskCompleted, TaskCancelled:
		return true
	}
	return false
}

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskCancelled
}

// TaskPhase is the execution phase of an active task.
type TaskPhase string

const (
	PhasePlanning  TaskPhase = "planning"
	PhaseExecuting TaskPhase = "executing"
	PhaseVerifying TaskPhase = "verifying"
	PhaseDone      TaskPhase = "done"
)

func ValidTaskPhase(s string) bool {
	switch TaskPhase(s) {
	case PhasePlanning, PhaseExecuting, PhaseVerifying, PhaseDone:
		return true
	}
	return false
}

// TriggerKind discriminates prospective trigger specifications.
type TriggerKind string

const (
	TriggerTime      TriggerKind = "time"
	TriggerEvent     TriggerKind = "event"
	TriggerFile      TriggerKind = "file"
	TriggerPredicate TriggerKind = "predicate"
)

func ValidTriggerKind(s string) bool {
	switch TriggerKind(s) {
	case TriggerTime, TriggerEvent, TriggerFile, TriggerPredicate:
		return true
	}
	return false
}

// TriggerSpec describes one condition under which a task should surface.
// Params are kind-specific:
//
//	time:      {"at": RFC3339} or {"after_seconds": N}
//	event:     {"event_type": "...", "contains": "..."}
//	file:      {"path_glob": "..."}
//	predicate: {"expr": "..."}  (advisory; evaluated by the caller)
type TriggerSpec struct {
	Kind   TriggerKind    `json:"kind"`
	Params map[string]any `json:"params,omitempty"`
}

// Task is a prospective intention: something the agent should do later, with
// triggers describing when to bring it back into attention.
type Task struct {
	ID        uuid.UUID  `json:"id"`
	ProjectID string     `json:"project_id"`
	ParentID  *uuid.UUID `json:"parent_id,omitempty"`

	Title       string `json:"title"`
	Description string `json:"description,omitempty"`

	Status   TaskStatus `json:"status"`
	Phase    TaskPhase  `json:"phase"`
	Priority int        `json:"priority"`
	Progress float32    `json:"progress"`

	Triggers     []TriggerSpec `json:"triggers,omitempty"`
	Dependencies []uuid.UUID   `json:"dependencies,omitempty"`
	Deadline     *time.Time    `json:"deadline,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TriggerFiring reports one matched trigger. Predicate triggers fire as
// advisory: the engine surfaces them but does not evaluate the expression.
type TriggerFiring struct {
	TaskID   uuid.UUID   `json:"task_id"`
	Task     *Task       `json:"task,omitempty"`
	Trigger  TriggerSpec `json:"trigger"`
	Advisory bool        `json:"advisory"`
	FiredAt  time.Time   `json:"fired_at"`
}

// TriggerContext is the ambient state triggers are matched against.
type TriggerContext struct {
	Now          time.Time `json:"now"`
	EventType    EventType `json:"event_type,omitempty"`
	EventContent string    `json:"event_content,omitempty"`
	ChangedPaths []string  `json:"changed_paths,omitempty"`
}

// TaskFilter narrows task listings.
type TaskFilter struct {
	Status   TaskStatus `json:"status,omitempty"`
	Phase    TaskPhase  `json:"phase,omitempty"`
	ParentID *uuid.UUID `json:"parent_id,omitempty"`
	DueBy    *time.Time `json:"due_by,omitempty"`
}
