package service

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/shawkridge/athena/internal/config"
	"github.com/shawkridge/athena/internal/domain"
)

// Cardinality limits for write verification.
const (
	MaxWritePayloadBytes = 1 << 20 // 1 MiB of content per item
	MaxWriteBatch        = 1000
)

// VerifyService is the quality gateway in front of every retrieve and store
// operation. Soft gate violations clamp confidence and remediate in place
// (drop the offending item, cap the list); hard gate violations abort the
// operation with ErrVerificationFailed.
type VerifyService struct {
	cfg       config.VerifyConfig
	dimension int
	enabled   map[domain.GateName]bool
	logger    *zap.Logger
}

func NewVerifyService(cfg config.VerifyConfig, dimension int, logger *zap.Logger) *VerifyService {
	enabled := make(map[domain.GateName]bool, len(cfg.EnabledGates))
	for _, g := range cfg.EnabledGates {
		enabled[domain.GateName(g)] = true
	}
	return &VerifyService{cfg: cfg, dimension: dimension, enabled: enabled, logger: logger}
}

// VerifyRecall gates a recall result. The result's slice may be mutated by
// remediation: ungrounded consolidated memories are dropped and overlong
// lists are capped.
func (s *VerifyService) VerifyRecall(rr *domain.RecallResult, query []float32, k int) (domain.VerificationResult, error) {
	vr := domain.VerificationResult{Passed: true, Confidence: 1.0}

	if s.enabled[domain.GateDimension] {
		vr.GatesRun = append(vr.GatesRun, domain.GateDimension)
		if len(query) > 0 && len(query) != s.dimension {
			vr.Passed = false
			vr.Violations = append(vr.Violations, domain.GateViolation{
				Gate:   domain.GateDimension,
				Detail: fmt.Sprintf("query vector has %d dims, configured %d", len(query), s.dimension),
			})
			vr.Confidence = 0
			return vr, fmt.Errorf("%w: %w", domain.ErrVerificationFailed, domain.ErrDimensionMismatch)
		}
	}

	if s.enabled[domain.GateGrounding] {
		vr.GatesRun = append(vr.GatesRun, domain.GateGrounding)
		kept := rr.Results[:0]
		for _, r := range rr.Results {
			if r.Layer == domain.LayerSemantic && len(r.Provenance) == 0 &&
				r.Detail["consolidation_state"] == string(domain.StateConsolidated) {
				vr.Violations = append(vr.Violations, domain.GateViolation{
					Gate:   domain.GateGrounding,
					Detail: fmt.Sprintf("consolidated memory %s has no provenance, dropped", r.ID),
				})
				vr.Confidence *= 0.8
				continue
			}
			kept = append(kept, r)
		}
		rr.Results = kept
	}

	if s.enabled[domain.GateConsistency] {
		vr.GatesRun = append(vr.GatesRun, domain.GateConsistency)
		for _, r := range rr.Results {
			if flagged, _ := r.Detail["contradicted"].(bool); flagged {
				vr.Violations = append(vr.Violations, domain.GateViolation{
					Gate:   domain.GateConsistency,
					Detail: fmt.Sprintf("result %s carries a contradiction flag", r.ID),
				})
				vr.Confidence *= 0.7
			}
		}
	}

	if s.enabled[domain.GateConfidenceFloor] {
		vr.GatesRun = append(vr.GatesRun, domain.GateConfidenceFloor)
		if len(rr.Results) > 0 && rr.Results[0].Score < s.cfg.ConfidenceFloor {
			vr.Violations = append(vr.Violations, domain.GateViolation{
				Gate: domain.GateConfidenceFloor,
				Detail: fmt.Sprintf("top score %.3f below floor %.3f",
					rr.Results[0].Score, s.cfg.ConfidenceFloor),
			})
			vr.Confidence *= 0.5
		}
	}

	if s.enabled[domain.GateFreshness] {
		vr.GatesRun = append(vr.GatesRun, domain.GateFreshness)
		ttl := time.Duration(s.cfg.FreshnessTTLS) * time.Second
		cutoff := time.Now().Add(-ttl)
		for _, r := range rr.Results {
			if r.Layer != domain.LayerProspective {
				continue
			}
			if durable, _ := r.Detail["durable"].(bool); durable {
				continue
			}
			if !r.CreatedAt.IsZero() && r.CreatedAt.Before(cutoff) {
				vr.Violations = append(vr.Violations, domain.GateViolation{
					Gate:   domain.GateFreshness,
					Detail: fmt.Sprintf("prospective item %s is older than the freshness TTL", r.ID),
				})
				vr.Confidence *= 0.9
			}
		}
	}

	if s.enabled[domain.GateQuota] {
		vr.GatesRun = append(vr.GatesRun, domain.GateQuota)
		limit := k
		if limit <= 0 || limit > s.cfg.QuotaMax {
			limit = s.cfg.QuotaMax
		}
		if len(rr.Results) > limit {
			vr.Violations = append(vr.Violations, domain.GateViolation{
				Gate:   domain.GateQuota,
				Detail: fmt.Sprintf("%d results capped to %d", len(rr.Results), limit),
			})
			rr.Results = rr.Results[:limit]
		}
	}

	if rr.Degraded {
		vr.Degraded = true
		vr.Confidence *= 0.9
	}

	vr.Passed = !hasHardViolation(vr.Violations)
	return vr, nil
}

// VerifyWrite gates a store operation before it is applied. Items is the
// batch size (1 for single writes), payloadBytes the total content size, and
// embedding the vector about to be stored (nil when none).
func (s *VerifyService) VerifyWrite(op string, items, payloadBytes int, embedding []float32) (domain.VerificationResult, error) {
	vr := domain.VerificationResult{Passed: true, Confidence: 1.0}

	if s.enabled[domain.GateDimension] {
		vr.GatesRun = append(vr.GatesRun, domain.GateDimension)
		if len(embedding) > 0 && len(embedding) != s.dimension {
			vr.Passed = false
			vr.Violations = append(vr.Violations, domain.GateViolation{
				Gate:   domain.GateDimension,
				Detail: fmt.Sprintf("%s: embedding has %d dims, configured %d", op, len(embedding), s.dimension),
			})
			vr.Confidence = 0
			return vr, fmt.Errorf("%w: %w", domain.ErrVerificationFailed, domain.ErrDimensionMismatch)
		}
	}

	if s.enabled[domain.GateCardinality] {
		vr.GatesRun = append(vr.GatesRun, domain.GateCardinality)
		if items > MaxWriteBatch {
			vr.Passed = false
			vr.Violations = append(vr.Violations, domain.GateViolation{
				Gate:   domain.GateCardinality,
				Detail: fmt.Sprintf("%s: batch of %d exceeds limit %d", op, items, MaxWriteBatch),
			})
			vr.Confidence = 0
			return vr, fmt.Errorf("%w: batch too large", domain.ErrVerificationFailed)
		}
		if payloadBytes > MaxWritePayloadBytes*max(items, 1) {
			vr.Passed = false
			vr.Violations = append(vr.Violations, domain.GateViolation{
				Gate:   domain.GateCardinality,
				Detail: fmt.Sprintf("%s: payload of %d bytes exceeds limit", op, payloadBytes),
			})
			vr.Confidence = 0
			return vr, fmt.Errorf("%w: payload too large", domain.ErrVerificationFailed)
		}
	}

	return vr, nil
}

func hasHardViolation(violations []domain.GateViolation) bool {
	for _, v := range violations {
		if domain.HardGates[v.Gate] {
			return true
		}
	}
	return false
}
