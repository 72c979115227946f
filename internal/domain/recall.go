package domain

import (
	"time"

	"github.com/google/uuid"
)

// RecallLayer names one memory layer queryable by the retrieval planner.
type RecallLayer string

const (
	LayerEpisodic   RecallLayer = "episodic"
	LayerSemantic   RecallLayer = "semantic"
	LayerProcedural RecallLayer = "procedural"
	LayerProspective RecallLayer = "prospective"
	LayerGraph      RecallLayer = "graph"
	LayerWorking    RecallLayer = "working"
)

func ValidRecallLayer(s string) bool {
	switch RecallLayer(s) {
	case LayerEpisodic, LayerSemantic, LayerProcedural, LayerProspective,
		LayerGraph, LayerWorking:
		return true
	}
	return false
}

// AllRecallLayers is the default layer set when the caller does not narrow.
var AllRecallLayers = []RecallLayer{
	LayerWorking, LayerSemantic, LayerEpisodic, LayerProcedural,
	LayerProspective, LayerGraph,
}

// RecallStrategy trades latency for quality.
type RecallStrategy string

const (
	StrategyFast     RecallStrategy = "fast"
	StrategyBalanced RecallStrategy = "balanced"
	StrategyQuality  RecallStrategy = "quality"
)

func ValidRecallStrategy(s string) bool {
	switch RecallStrategy(s) {
	case StrategyFast, StrategyBalanced, StrategyQuality:
		return true
	}
	return false
}

// RecallOptions tunes one recall call. Zero values mean "use defaults".
// DisableExpansion and Rerank default off so the zero value is useful.
type RecallOptions struct {
	K                int            `json:"k,omitempty"`
	MinSimilarity    float32        `json:"min_similarity,omitempty"`
	CascadeDepth     int            `json:"cascade_depth,omitempty"`
	Layers           []RecallLayer  `json:"layers,omitempty"`
	Strategy         RecallStrategy `json:"strategy,omitempty"`
	SessionID        *uuid.UUID     `json:"session_id,omitempty"`
	DisableExpansion bool           `json:"disable_expansion,omitempty"`
	Rerank           bool           `json:"rerank,omitempty"`
}

// ScoredResult is one recall hit, normalized across layers.
type ScoredResult struct {
	ID         uuid.UUID      `json:"id"`
	Layer      RecallLayer    `json:"layer"`
	Content    string         `json:"content"`
	Score      float32        `json:"score"`
	Confidence float32        `json:"confidence,omitempty"`
	Provenance []uuid.UUID    `json:"provenance,omitempty"`
	CreatedAt  time.Time      `json:"created_at,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
}

// RecallResult is the planner's answer: ranked results plus how they were
// produced.
type RecallResult struct {
	Results      []ScoredResult     `json:"results"`
	Tier         int                `json:"tier"`
	CacheHit     bool               `json:"cache_hit"`
	Degraded     bool               `json:"degraded"`
	Expanded     []string           `json:"expanded_queries,omitempty"`
	Verification VerificationResult `json:"verification"`
	Elapsed      time.Duration      `json:"elapsed"`
}

// RecallOutcome labels a past recall for calibration and procedure feedback.
type RecallOutcome string

const (
	OutcomeUseful    RecallOutcome = "useful"
	OutcomeNotUseful RecallOutcome = "not_useful"
	OutcomeHarmful   RecallOutcome = "harmful"
)

func ValidRecallOutcome(s string) bool {
	switch RecallOutcome(s) {
	case OutcomeUseful, OutcomeNotUseful, OutcomeHarmful:
		return true
	}
	return false
}
