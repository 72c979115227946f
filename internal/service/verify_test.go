package service

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shawkridge/athena/internal/domain"
)

func newVerifyService(t *testing.T) *VerifyService {
	t.Helper()
	return NewVerifyService(verifyTestConfig(), 64, zap.NewNop())
}

func scored(layer domain.RecallLayer, score float32) domain.ScoredResult {
	return domain.ScoredResult{
		ID:        uuid.New(),
		Layer:     layer,
		Content:   "result",
		Score:     score,
		CreatedAt: time.Now(),
	}
}

func TestVerifyRecall_DimensionMismatchIsHard(t *testing.T) {
	svc := newVerifyService(t)
	rr := &domain.RecallResult{Results: []domain.ScoredResult{scored(domain.LayerSemantic, 0.9)}}

	vr, err := svc.VerifyRecall(rr, make([]float32, 8), 5)
	if !errors.Is(err, domain.ErrVerificationFailed) || !errors.Is(err, domain.ErrDimensionMismatch) {
		t.Fatalf("VerifyRecall() error = %v, want verification failure with dimension mismatch", err)
	}
	if vr.Passed || vr.Confidence != 0 {
		t.Errorf("verdict = passed=%t conf=%.2f, want failed with zero confidence", vr.Passed, vr.Confidence)
	}
}

func TestVerifyRecall_DropsUngroundedConsolidatedMemories(t *testing.T) {
	svc := newVerifyService(t)
	grounded := scored(domain.LayerSemantic, 0.9)
	grounded.Provenance = []uuid.UUID{uuid.New()}
	grounded.Detail = map[string]any{"consolidation_state": string(domain.StateConsolidated)}
	ungrounded := scored(domain.LayerSemantic, 0.8)
	ungrounded.Detail = map[string]any{"consolidation_state": string(domain.StateConsolidated)}
	rr := &domain.RecallResult{Results: []domain.ScoredResult{grounded, ungrounded}}

	vr, err := svc.VerifyRecall(rr, make([]float32, 64), 5)
	if err != nil {
		t.Fatalf("VerifyRecall() error: %v", err)
	}
	if len(rr.Results) != 1 || rr.Results[0].ID != grounded.ID {
		t.Fatalf("results = %d, want only the grounded memory kept", len(rr.Results))
	}
	if !vr.Passed {
		t.Error("soft grounding violation failed the operation")
	}
	if vr.Confidence >= 1.0 {
		t.Errorf("confidence = %.2f, want clamped below 1", vr.Confidence)
	}
}

func TestVerifyRecall_ContradictionClampsConfidence(t *testing.T) {
	svc := newVerifyService(t)
	flagged := scored(domain.LayerSemantic, 0.9)
	flagged.Detail = map[string]any{"contradicted": true}
	rr := &domain.RecallResult{Results: []domain.ScoredResult{flagged}}

	vr, err := svc.VerifyRecall(rr, nil, 5)
	if err != nil {
		t.Fatal(err)
	}
	if got := vr.Confidence; got < 0.69 || got > 0.71 {
		t.Errorf("confidence = %.2f, want 0.70", got)
	}
	if !vr.Passed {
		t.Error("soft consistency violation failed the operation")
	}
}

func TestVerifyRecall_ConfidenceFloorViolation(t *testing.T) {
	svc := newVerifyService(t)
	rr := &domain.RecallResult{Results: []domain.ScoredResult{scored(domain.LayerEpisodic, 0.1)}}

	vr, err := svc.VerifyRecall(rr, nil, 5)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, v := range vr.Violations {
		if v.Gate == domain.GateConfidenceFloor {
			found = true
		}
	}
	if !found {
		t.Error("top score below floor not flagged")
	}
	if got := vr.Confidence; got < 0.49 || got > 0.51 {
		t.Errorf("confidence = %.2f, want 0.50", got)
	}
}

func TestVerifyRecall_StaleProspectiveItems(t *testing.T) {
	svc := newVerifyService(t)
	stale := scored(domain.LayerProspective, 0.8)
	stale.CreatedAt = time.Now().Add(-2 * time.Hour)
	durable := scored(domain.LayerProspective, 0.8)
	durable.CreatedAt = time.Now().Add(-2 * time.Hour)
	durable.Detail = map[string]any{"durable": true}
	rr := &domain.RecallResult{Results: []domain.ScoredResult{stale, durable}}

	vr, err := svc.VerifyRecall(rr, nil, 5)
	if err != nil {
		t.Fatal(err)
	}
	freshness := 0
	for _, v := range vr.Violations {
		if v.Gate == domain.GateFreshness {
			freshness++
		}
	}
	if freshness != 1 {
		t.Errorf("freshness violations = %d, want 1 (durable item exempt)", freshness)
	}
	if len(rr.Results) != 2 {
		t.Errorf("results = %d, freshness must not drop items", len(rr.Results))
	}
}

func TestVerifyRecall_QuotaCapsResults(t *testing.T) {
	svc := newVerifyService(t)
	var results []domain.ScoredResult
	for i := 0; i < 10; i++ {
		results = append(results, scored(domain.LayerSemantic, 0.9))
	}
	rr := &domain.RecallResult{Results: results}

	vr, err := svc.VerifyRecall(rr, nil, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(rr.Results) != 3 {
		t.Errorf("results = %d, want capped to k=3", len(rr.Results))
	}
	if !vr.Passed {
		t.Error("quota cap is soft, operation must pass")
	}
}

func TestVerifyRecall_DegradedDiscountsConfidence(t *testing.T) {
	svc := newVerifyService(t)
	rr := &domain.RecallResult{
		Results:  []domain.ScoredResult{scored(domain.LayerSemantic, 0.9)},
		Degraded: true,
	}
	vr, err := svc.VerifyRecall(rr, nil, 5)
	if err != nil {
		t.Fatal(err)
	}
	if !vr.Degraded {
		t.Error("verdict did not carry the degraded flag")
	}
	if got := vr.Confidence; got < 0.89 || got > 0.91 {
		t.Errorf("confidence = %.2f, want 0.90", got)
	}
}

func TestVerifyWrite_Cardinality(t *testing.T) {
	svc := newVerifyService(t)

	if _, err := svc.VerifyWrite("remember", 1, 100, make([]float32, 64)); err != nil {
		t.Fatalf("small write rejected: %v", err)
	}
	if _, err := svc.VerifyWrite("ingest", MaxWriteBatch+1, 100, nil); !errors.Is(err, domain.ErrVerificationFailed) {
		t.Errorf("oversized batch error = %v, want ErrVerificationFailed", err)
	}
	if _, err := svc.VerifyWrite("remember", 1, MaxWritePayloadBytes+1, nil); !errors.Is(err, domain.ErrVerificationFailed) {
		t.Errorf("oversized payload error = %v, want ErrVerificationFailed", err)
	}
}

func TestVerifyWrite_DimensionMismatch(t *testing.T) {
	svc := newVerifyService(t)
	_, err := svc.VerifyWrite("remember", 1, 100, make([]float32, 32))
	if !errors.Is(err, domain.ErrDimensionMismatch) {
		t.Errorf("mismatched embedding error = %v, want ErrDimensionMismatch", err)
	}
}

func TestVerifyRecall_DisabledGatesDoNotRun(t *testing.T) {
	cfg := verifyTestConfig()
	cfg.EnabledGates = []string{string(domain.GateDimension)}
	svc := NewVerifyService(cfg, 64, zap.NewNop())

	var results []domain.ScoredResult
	for i := 0; i < 100; i++ {
		results = append(results, scored(domain.LayerSemantic, 0.05))
	}
	rr := &domain.RecallResult{Results: results}

	vr, err := svc.VerifyRecall(rr, nil, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(vr.GatesRun) != 1 || vr.GatesRun[0] != domain.GateDimension {
		t.Errorf("gates run = %v, want dimension only", vr.GatesRun)
	}
	if len(rr.Results) != 100 {
		t.Errorf("results = %d, disabled quota gate must not cap", len(rr.Results))
	}
	if vr.Confidence != 1.0 {
		t.Errorf("confidence = %.2f, want untouched 1.0", vr.Confidence)
	}
}
