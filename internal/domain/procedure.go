package domain

import (
	"time"

	"github.com/google/uuid"
)

// ProcedureStep is one ordered action inside a procedure.
type ProcedureStep struct {
	Action   string         `json:"action"`
	Tool     string         `json:"tool,omitempty"`
	Args     map[string]any `json:"args,omitempty"`
	Expected string         `json:"expected,omitempty"`
}

// Procedure is a reusable how-to: an ordered list of steps plus a trigger
// pattern describing the situations it applies to. Procedures are versioned;
// revising one inserts a new row with the same (project, name) and a bumped
// version so old versions stay queryable.
type Procedure struct {
	ID        uuid.UUID `json:"id"`
	ProjectID string    `json:"project_id"`

	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Category    string `json:"category,omitempty"`

	// Trigger pattern (when to use this)
	TriggerPattern   string    `json:"trigger_pattern,omitempty"`
	TriggerKeywords  []string  `json:"trigger_keywords,omitempty"`
	TriggerEmbedding []float32 `json:"-"`

	Steps []ProcedureStep `json:"steps"`

	// Effectiveness tracking
	ExecutionCount int        `json:"execution_count"`
	SuccessCount   int        `json:"success_count"`
	LastExecuted   *time.Time `json:"last_executed,omitempty"`

	// Versioning
	Version           int        `json:"version"`
	PreviousVersionID *uuid.UUID `json:"previous_version_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Effectiveness is the Beta(1,1)-smoothed success rate: (successes+1) /
// (executions+2). A procedure that has never run scores 0.5 instead of an
// undefined 0/0.
func (p *Procedure) Effectiveness() float32 {
	return float32(p.SuccessCount+1) / float32(p.ExecutionCount+2)
}

// ProcedureWithScore is a Procedure with its trigger-match score.
type ProcedureWithScore struct {
	Procedure
	Score float32 `json:"score"`
}
