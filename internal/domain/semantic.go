package domain

import (
	"time"

	"github.com/google/uuid"
)

// SemanticType classifies distilled knowledge.
type SemanticType string

const (
	SemanticFact    SemanticType = "fact"
	SemanticPattern SemanticType = "pattern"
	SemanticInsight SemanticType = "insight"
	SemanticRule    SemanticType = "rule"
)

func ValidSemanticType(s string) bool {
	switch SemanticType(s) {
	case SemanticFact, SemanticPattern, SemanticInsight, SemanticRule:
		return true
	}
	return false
}

// ConsolidationState marks whether a semantic memory was distilled by the
// consolidation engine or written directly.
type ConsolidationState string

const (
	StateUnconsolidated ConsolidationState = "unconsolidated"
	StateConsolidated   ConsolidationState = "consolidated"
)

// SemanticMemory is a distilled piece of knowledge: a fact, pattern, insight,
// or rule. Consolidated memories must carry non-empty provenance pointing at
// the episodic events they were distilled from.
type SemanticMemory struct {
	ID        uuid.UUID `json:"id"`
	ProjectID string    `json:"project_id"`

	Content    string       `json:"content"`
	MemoryType SemanticType `json:"memory_type"`
	Hash       string       `json:"content_hash"`

	Provenance []uuid.UUID `json:"provenance,omitempty"`
	Confidence float32     `json:"confidence"`

	ConsolidationState ConsolidationState `json:"consolidation_state"`
	LastAccessed       time.Time          `json:"last_accessed"`

	Embedding []float32 `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SemanticWithScore carries the blended hybrid-search score plus the raw
// per-signal components for debugging and reranking.
type SemanticWithScore struct {
	SemanticMemory
	Score        float32 `json:"score"`
	VectorScore  float32 `json:"vector_score"`
	LexicalScore float32 `json:"lexical_score"`
	BoostScore   float32 `json:"boost_score"`
}

// SearchParams tunes hybrid semantic search. Zero values fall back to the
// configured defaults.
type SearchParams struct {
	K             int          `json:"k"`
	MinSimilarity float32      `json:"min_similarity"`
	VectorWeight  float32      `json:"vector_weight"`
	LexicalWeight float32      `json:"lexical_weight"`
	BoostWeight   float32      `json:"boost_weight"`
	MemoryType    SemanticType `json:"memory_type,omitempty"`
}

// SemanticFilter narrows semantic listing queries.
type SemanticFilter struct {
	MemoryType    SemanticType       `json:"memory_type,omitempty"`
	State         ConsolidationState `json:"state,omitempty"`
	MinConfidence float32            `json:"min_confidence,omitempty"`
	Since         *time.Time         `json:"since,omitempty"`
}
