package domain

import (
	"time"

	"github.com/google/uuid"
)

// GateName identifies one verification gate.
type GateName string

const (
	GateGrounding       GateName = "grounding"
	GateConsistency     GateName = "consistency"
	GateDimension       GateName = "dimension"
	GateConfidenceFloor GateName = "confidence_floor"
	GateFreshness       GateName = "freshness"
	GateQuota           GateName = "quota"
	GateCardinality     GateName = "cardinality"
)

// HardGates fail the whole operation when violated. Soft gate violations are
// recorded and clamp confidence but let the result through.
var HardGates = map[GateName]bool{
	GateDimension:   true,
	GateCardinality: true,
}

// GateViolation is one gate failure with enough detail to debug it.
type GateViolation struct {
	Gate   GateName `json:"gate"`
	Detail string   `json:"detail"`
}

// VerificationResult is the gateway's verdict on one operation's output.
type VerificationResult struct {
	Passed     bool            `json:"passed"`
	GatesRun   []GateName      `json:"gates_run"`
	Violations []GateViolation `json:"violations,omitempty"`
	Confidence float32         `json:"confidence"`
	Degraded   bool            `json:"degraded,omitempty"`
}

// DecisionRecord is the audit trail entry for one verified operation. Outcome
// and Correct are filled in later when feedback arrives.
type DecisionRecord struct {
	ID        uuid.UUID `json:"id"`
	ProjectID string    `json:"project_id"`
	Operation string    `json:"operation"`
	Timestamp time.Time `json:"timestamp"`

	GatesRun   []GateName      `json:"gates_run"`
	Violations []GateViolation `json:"violations,omitempty"`
	Confidence float32         `json:"confidence"`
	Latency    time.Duration   `json:"latency"`
	Degraded   bool            `json:"degraded,omitempty"`

	Outcome string `json:"outcome,omitempty"`
	Correct *bool  `json:"correct,omitempty"`
}

// HealthReport is the observer's rollup over its sliding window.
type HealthReport struct {
	Score                float32       `json:"score"`
	RecallQuality        float32       `json:"recall_quality"`
	VerificationPassRate float32       `json:"verification_pass_rate"`
	ConsolidationHealth  float32       `json:"consolidation_health"`
	LatencySLA           float32       `json:"latency_sla"`
	WindowStart          time.Time     `json:"window_start"`
	WindowEnd            time.Time     `json:"window_end"`
	Decisions            int           `json:"decisions"`
	P50Latency           time.Duration `json:"p50_latency"`
	P95Latency           time.Duration `json:"p95_latency"`
}

// CalibrationReport compares stated confidence with observed correctness,
// bucketed by confidence decile. Valid only once enough labeled outcomes
// accumulated.
type CalibrationReport struct {
	Buckets        []CalibrationBucket `json:"buckets"`
	LabeledSamples int                 `json:"labeled_samples"`
	Sufficient     bool                `json:"sufficient"`
	ECE            float32             `json:"ece"`
}

// CalibrationBucket is one confidence decile.
type CalibrationBucket struct {
	Low      float32 `json:"low"`
	High     float32 `json:"high"`
	Samples  int     `json:"samples"`
	MeanConf float32 `json:"mean_confidence"`
	Accuracy float32 `json:"accuracy"`
}

// MinCalibrationSamples is the labeled-outcome floor below which calibration
// is reported as insufficient.
const MinCalibrationSamples = 50
