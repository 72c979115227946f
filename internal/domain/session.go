package domain

import (
	"time"

	"github.com/google/uuid"
)

// SessionContext groups the events of one agent working session and carries
// the lightweight task/phase annotations the agent reports as it works.
type SessionContext struct {
	SessionID uuid.UUID `json:"session_id"`
	ProjectID string    `json:"project_id"`

	Task  string `json:"task,omitempty"`
	Phase string `json:"phase,omitempty"`

	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	EventCount int `json:"event_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Active reports whether the session is still open.
func (s *SessionContext) Active() bool { return s.EndedAt == nil }

// SessionSummary is the consolidated wrap-up written when a session ends.
type SessionSummary struct {
	SessionID     uuid.UUID   `json:"session_id"`
	ProjectID     string      `json:"project_id"`
	Summary       string      `json:"summary"`
	EventCount    int         `json:"event_count"`
	SemanticIDs   []uuid.UUID `json:"semantic_ids,omitempty"`
	Duration      time.Duration `json:"duration"`
	GeneratedAt   time.Time   `json:"generated_at"`
}

// IngestionCursor is the durable resume point for a pull-based source.
type IngestionCursor struct {
	SourceID  string    `json:"source_id"`
	Cursor    []byte    `json:"cursor"`
	UpdatedAt time.Time `json:"updated_at"`
}
