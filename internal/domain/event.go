package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventType classifies what produced an episodic event.
type EventType string

const (
	EventToolExecution EventType = "tool_execution"
	EventUserInput     EventType = "user_input"
	EventAgentOutput   EventType = "agent_output"
	EventError         EventType = "error"
	EventDecision      EventType = "decision"
	EventFileChange    EventType = "file_change"
	EventExternal      EventType = "external"
)

func ValidEventType(s string) bool {
	switch EventType(s) {
	case EventToolExecution, EventUserInput, EventAgentOutput, EventError,
		EventDecision, EventFileChange, EventExternal:
		return true
	}
	return false
}

// Lifecycle is the consolidation state of an episodic event. Transitions are
// forward-only: active -> consolidating -> consolidated. Any state may move
// to archived.
type Lifecycle string

const (
	LifecycleActive        Lifecycle = "active"
	LifecycleConsolidating Lifecycle = "consolidating"
	LifecycleConsolidated  Lifecycle = "consolidated"
	LifecycleArchived      Lifecycle = "archived"
)

func ValidLifecycle(s string) bool {
	switch Lifecycle(s) {
	case LifecycleActive, LifecycleConsolidating, LifecycleConsolidated, LifecycleArchived:
		return true
	}
	return false
}

// ValidLifecycleTransition reports whether moving from one lifecycle state to
// another is permitted.
func ValidLifecycleTransition(from, to Lifecycle) bool {
	if to == LifecycleArchived {
		return true
	}
	switch from {
	case LifecycleActive:
		return to == LifecycleConsolidating
	case LifecycleConsolidating:
		return to == LifecycleConsolidated
	}
	return false
}

// EpisodicEvent is an append-only record of something that happened: a tool
// call, a user turn, an error, a decision. Events are never mutated after
// insert except for their lifecycle state and causality links.
type EpisodicEvent struct {
	ID        uuid.UUID  `json:"id"`
	ProjectID string     `json:"project_id"`
	SessionID *uuid.UUID `json:"session_id,omitempty"`
	SourceID  string     `json:"source_id,omitempty"`

	EventType         EventType      `json:"event_type"`
	Content           string         `json:"content"`
	StructuredContext map[string]any `json:"structured_context,omitempty"`
	Hash              string         `json:"content_hash"`

	// Assigned at ingest
	Timestamp time.Time `json:"timestamp"`
	Seq       int64     `json:"seq"`
	Lifecycle Lifecycle `json:"lifecycle"`

	// Salience scores in [0,1]
	Importance          float32 `json:"importance"`
	Actionability       float32 `json:"actionability"`
	ContextCompleteness float32 `json:"context_completeness"`

	CausalityParent *uuid.UUID `json:"causality_parent,omitempty"`
	ConsolidatedAt  *time.Time `json:"consolidated_at,omitempty"`

	Embedding []float32 `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Salience is the composite storage-worthiness of an event.
func (e *EpisodicEvent) Salience() float32 {
	return 0.5*e.Importance + 0.3*e.Actionability + 0.2*e.ContextCompleteness
}

// EventWithScore is an EpisodicEvent with a similarity score from recall.
type EventWithScore struct {
	EpisodicEvent
	Score float32 `json:"score"`
}

// EventFilter narrows episodic queries. Zero values mean "no constraint".
type EventFilter struct {
	EventTypes []EventType `json:"event_types,omitempty"`
	SessionID  *uuid.UUID  `json:"session_id,omitempty"`
	SourceID   string      `json:"source_id,omitempty"`
	Lifecycle  Lifecycle   `json:"lifecycle,omitempty"`
	Since      *time.Time  `json:"since,omitempty"`
	Until      *time.Time  `json:"until,omitempty"`
}

// TimeWindow is a half-open interval [Start, End).
type TimeWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (w TimeWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// BatchItemStatus reports the outcome of one event in a batch append.
type BatchItemStatus struct {
	Index     int       `json:"index"`
	ID        uuid.UUID `json:"id"`
	Duplicate bool      `json:"duplicate"`
	Error     string    `json:"error,omitempty"`
}

// BatchResult summarizes a batch append: per-item statuses plus counters.
type BatchResult struct {
	Statuses  []BatchItemStatus `json:"statuses"`
	Inserted  int               `json:"inserted"`
	Duplicate int               `json:"duplicate"`
	Failed    int               `json:"failed"`
}
