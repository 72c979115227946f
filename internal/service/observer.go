package service

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/shawkridge/athena/internal/domain"
)

const (
	// DecisionRingSize bounds decision retention.
	DecisionRingSize = 10000
	// ObserverWindow is the sliding window for health and trend math.
	ObserverWindow = time.Hour

	trendSlopeFlat = 0.001
	latencySLA     = 2 * time.Second
)

// Trend classifies the direction of a pass-rate series.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendFlat      Trend = "flat"
	TrendDegrading Trend = "degrading"
)

// OperationHealth is the per-operation rollup over the window.
type OperationHealth struct {
	Operation  string  `json:"operation"`
	Decisions  int     `json:"decisions"`
	PassRate   float32 `json:"pass_rate"`
	Trend      Trend   `json:"trend"`
	MeanConf   float32 `json:"mean_confidence"`
}

// Anomaly is a decision whose confidence fell outside two standard
// deviations of the window mean.
type Anomaly struct {
	DecisionID uuid.UUID `json:"decision_id"`
	Operation  string    `json:"operation"`
	Confidence float32   `json:"confidence"`
	Mean       float32   `json:"window_mean"`
	StdDev     float32   `json:"window_stddev"`
	Timestamp  time.Time `json:"timestamp"`
}

// ThresholdProposal suggests a gate threshold change. Proposals are advisory:
// the observer never applies them.
type ThresholdProposal struct {
	Gate      domain.GateName `json:"gate"`
	Current   float32         `json:"current"`
	Proposed  float32         `json:"proposed"`
	Rationale string          `json:"rationale"`
}

// Observer records every verification verdict in a fixed-size ring and
// computes health, trends, and anomalies over a sliding window. It is the
// system's memory of its own decisions.
type Observer struct {
	mu     sync.RWMutex
	ring   []domain.DecisionRecord
	next   int
	filled bool
	byID   map[uuid.UUID]int

	confidenceFloor float32
	logger          *zap.Logger

	opsTotal        *prometheus.CounterVec
	violationsTotal *prometheus.CounterVec
	opLatency       *prometheus.HistogramVec
}

func NewObserver(confidenceFloor float32, reg prometheus.Registerer, logger *zap.Logger) *Observer {
	o := &Observer{
		ring:            make([]domain.DecisionRecord, DecisionRingSize),
		byID:            make(map[uuid.UUID]int, DecisionRingSize),
		confidenceFloor: confidenceFloor,
		logger:          logger,
		opsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "athena",
			Name:      "operations_total",
			Help:      "Verified operations by kind and verdict.",
		}, []string{"operation", "passed"}),
		violationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "athena",
			Name:      "gate_violations_total",
			Help:      "Gate violations by gate name.",
		}, []string{"gate"}),
		opLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "athena",
			Name:      "operation_latency_seconds",
			Help:      "Latency of verified operations.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .3, .5, 1, 2, 5},
		}, []string{"operation"}),
	}
	if reg != nil {
		reg.MustRegister(o.opsTotal, o.violationsTotal, o.opLatency)
	}
	return o
}

// Record stores one verification verdict and returns its decision record.
func (o *Observer) Record(projectID, operation string, vr domain.VerificationResult, latency time.Duration) domain.DecisionRecord {
	rec := domain.DecisionRecord{
		ID:         uuid.New(),
		ProjectID:  projectID,
		Operation:  operation,
		Timestamp:  time.Now(),
		GatesRun:   vr.GatesRun,
		Violations: vr.Violations,
		Confidence: vr.Confidence,
		Latency:    latency,
		Degraded:   vr.Degraded,
	}

	o.opsTotal.WithLabelValues(operation, fmt.Sprintf("%t", vr.Passed)).Inc()
	for _, v := range vr.Violations {
		o.violationsTotal.WithLabelValues(string(v.Gate)).Inc()
	}
	o.opLatency.WithLabelValues(operation).Observe(latency.Seconds())

	o.mu.Lock()
	defer o.mu.Unlock()

	if old := o.ring[o.next]; old.ID != uuid.Nil {
		delete(o.byID, old.ID)
	}
	o.ring[o.next] = rec
	o.byID[rec.ID] = o.next
	o.next = (o.next + 1) % len(o.ring)
	if o.next == 0 {
		o.filled = true
	}
	return rec
}

// RecordOutcome attaches ground-truth feedback to a past decision. Nil
// correct records the outcome label only.
func (o *Observer) RecordOutcome(decisionID uuid.UUID, outcome string, correct *bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	idx, ok := o.byID[decisionID]
	if !ok {
		return fmt.Errorf("%w: decision %s", domain.ErrNotFound, decisionID)
	}
	o.ring[idx].Outcome = outcome
	if correct != nil {
		c := *correct
		o.ring[idx].Correct = &c
	}
	return nil
}

// Decisions returns the most recent records, newest first.
func (o *Observer) Decisions(limit, offset int) ([]domain.DecisionRecord, int) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	all := o.snapshot()
	total := len(all)
	if offset >= total {
		return nil, total
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return all[offset:end], total
}

// Violations lists decisions that had at least one violation inside the
// window.
func (o *Observer) Violations(window time.Duration) []domain.DecisionRecord {
	o.mu.RLock()
	defer o.mu.RUnlock()

	cutoff := time.Now().Add(-window)
	var out []domain.DecisionRecord
	for _, rec := range o.snapshot() {
		if rec.Timestamp.Before(cutoff) {
			break
		}
		if len(rec.Violations) > 0 {
			out = append(out, rec)
		}
	}
	return out
}

// OperationHealth rolls up pass rate, trend, and mean confidence per
// operation kind over the window.
func (o *Observer) OperationHealth() []OperationHealth {
	o.mu.RLock()
	defer o.mu.RUnlock()

	cutoff := time.Now().Add(-ObserverWindow)
	type acc struct {
		passes, total int
		confSum       float32
		series        []float64 // pass=1/fail=0 in time order
	}
	byOp := make(map[string]*acc)

	all := o.snapshot()
	for i := len(all) - 1; i >= 0; i-- { // oldest first for the trend series
		rec := all[i]
		if rec.Timestamp.Before(cutoff) {
			continue
		}
		a := byOp[rec.Operation]
		if a == nil {
			a = &acc{}
			byOp[rec.Operation] = a
		}
		a.total++
		a.confSum += rec.Confidence
		passed := 1.0
		if hasHardViolation(rec.Violations) {
			passed = 0
		}
		a.passes += int(passed)
		a.series = append(a.series, passed)
	}

	out := make([]OperationHealth, 0, len(byOp))
	for op, a := range byOp {
		out = append(out, OperationHealth{
			Operation: op,
			Decisions: a.total,
			PassRate:  float32(a.passes) / float32(a.total),
			Trend:     classifyTrend(slope(a.series)),
			MeanConf:  a.confSum / float32(a.total),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Operation < out[j].Operation })
	return out
}

// Anomalies flags decisions whose confidence landed outside two standard
// deviations of the window mean.
func (o *Observer) Anomalies() []Anomaly {
	o.mu.RLock()
	defer o.mu.RUnlock()

	cutoff := time.Now().Add(-ObserverWindow)
	var recs []domain.DecisionRecord
	for _, rec := range o.snapshot() {
		if rec.Timestamp.Before(cutoff) {
			break
		}
		recs = append(recs, rec)
	}
	if len(recs) < 3 {
		return nil
	}

	var sum, sumSq float64
	for _, rec := range recs {
		sum += float64(rec.Confidence)
		sumSq += float64(rec.Confidence) * float64(rec.Confidence)
	}
	n := float64(len(recs))
	mean := sum / n
	variance := sumSq/n - mean*mean
	if variance < 0 {
		variance = 0
	}
	std := math.Sqrt(variance)
	if std == 0 {
		return nil
	}

	var out []Anomaly
	for _, rec := range recs {
		if math.Abs(float64(rec.Confidence)-mean) > 2*std {
			out = append(out, Anomaly{
				DecisionID: rec.ID,
				Operation:  rec.Operation,
				Confidence: rec.Confidence,
				Mean:       float32(mean),
				StdDev:     float32(std),
				Timestamp:  rec.Timestamp,
			})
		}
	}
	return out
}

// Health blends gate pass rate, decision accuracy, latency SLA attainment,
// and the inverse error rate into one score.
func (o *Observer) Health() domain.HealthReport {
	o.mu.RLock()
	defer o.mu.RUnlock()

	now := time.Now()
	cutoff := now.Add(-ObserverWindow)

	var (
		total, passed, withinSLA int
		labeled, correct         int
		hardFailures             int
		latencies                []time.Duration
	)
	for _, rec := range o.snapshot() {
		if rec.Timestamp.Before(cutoff) {
			break
		}
		total++
		if !hasHardViolation(rec.Violations) {
			passed++
		} else {
			hardFailures++
		}
		if rec.Latency <= latencySLA {
			withinSLA++
		}
		latencies = append(latencies, rec.Latency)
		if rec.Correct != nil {
			labeled++
			if *rec.Correct {
				correct++
			}
		}
	}

	report := domain.HealthReport{
		WindowStart: cutoff,
		WindowEnd:   now,
		Decisions:   total,
	}
	if total == 0 {
		report.Score = 1.0
		report.VerificationPassRate = 1.0
		report.LatencySLA = 1.0
		return report
	}

	passRate := float32(passed) / float32(total)
	accuracy := float32(1.0)
	if labeled > 0 {
		accuracy = float32(correct) / float32(labeled)
	}
	slaRate := float32(withinSLA) / float32(total)
	errorRateInv := 1 - float32(hardFailures)/float32(total)

	report.VerificationPassRate = passRate
	report.RecallQuality = accuracy
	report.LatencySLA = slaRate
	report.ConsolidationHealth = errorRateInv
	report.Score = 0.4*passRate + 0.3*accuracy + 0.2*slaRate + 0.1*errorRateInv

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	report.P50Latency = latencies[len(latencies)/2]
	report.P95Latency = latencies[len(latencies)*95/100]
	return report
}

// Recommendations proposes gate threshold adjustments once at least 50
// labeled outcomes exist and accuracy has improved monotonically across the
// labeled history split into five segments. Proposals are never auto-applied.
func (o *Observer) Recommendations() []ThresholdProposal {
	o.mu.RLock()
	defer o.mu.RUnlock()

	var labeled []domain.DecisionRecord
	all := o.snapshot()
	for i := len(all) - 1; i >= 0; i-- { // oldest first
		if all[i].Correct != nil {
			labeled = append(labeled, all[i])
		}
	}
	if len(labeled) < domain.MinCalibrationSamples {
		return nil
	}

	segments := 5
	segSize := len(labeled) / segments
	prev := float32(-1)
	for s := 0; s < segments; s++ {
		seg := labeled[s*segSize : (s+1)*segSize]
		var ok int
		for _, rec := range seg {
			if *rec.Correct {
				ok++
			}
		}
		acc := float32(ok) / float32(len(seg))
		if acc < prev {
			return nil
		}
		prev = acc
	}

	// Accuracy improved monotonically: the floor can afford to rise a notch.
	proposed := o.confidenceFloor + 0.05
	if proposed > 0.9 {
		proposed = 0.9
	}
	return []ThresholdProposal{{
		Gate:      domain.GateConfidenceFloor,
		Current:   o.confidenceFloor,
		Proposed:  proposed,
		Rationale: fmt.Sprintf("accuracy improved monotonically over %d labeled outcomes", len(labeled)),
	}}
}

// Calibration buckets stated confidence against observed correctness.
func (o *Observer) Calibration() domain.CalibrationReport {
	o.mu.RLock()
	defer o.mu.RUnlock()

	report := domain.CalibrationReport{Buckets: make([]domain.CalibrationBucket, 10)}
	type agg struct {
		n       int
		conf    float32
		correct int
	}
	buckets := make([]agg, 10)

	for _, rec := range o.snapshot() {
		if rec.Correct == nil {
			continue
		}
		report.LabeledSamples++
		i := int(rec.Confidence * 10)
		if i > 9 {
			i = 9
		}
		buckets[i].n++
		buckets[i].conf += rec.Confidence
		if *rec.Correct {
			buckets[i].correct++
		}
	}

	var ece float32
	for i, b := range buckets {
		cb := domain.CalibrationBucket{
			Low:     float32(i) / 10,
			High:    float32(i+1) / 10,
			Samples: b.n,
		}
		if b.n > 0 {
			cb.MeanConf = b.conf / float32(b.n)
			cb.Accuracy = float32(b.correct) / float32(b.n)
			ece += float32(b.n) / float32(max(report.LabeledSamples, 1)) *
				float32(math.Abs(float64(cb.MeanConf-cb.Accuracy)))
		}
		report.Buckets[i] = cb
	}
	report.ECE = ece
	report.Sufficient = report.LabeledSamples >= domain.MinCalibrationSamples
	return report
}

// snapshot returns records newest first. Callers must hold the lock.
func (o *Observer) snapshot() []domain.DecisionRecord {
	size := o.next
	if o.filled {
		size = len(o.ring)
	}
	out := make([]domain.DecisionRecord, 0, size)
	for i := 0; i < size; i++ {
		idx := (o.next - 1 - i + len(o.ring)) % len(o.ring)
		out = append(out, o.ring[idx])
	}
	return out
}

// slope is the least-squares slope of y over index.
func slope(series []float64) float64 {
	n := float64(len(series))
	if n < 2 {
		return 0
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range series {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

func classifyTrend(s float64) Trend {
	switch {
	case s > trendSlopeFlat:
		return TrendImproving
	case s < -trendSlopeFlat:
		return TrendDegrading
	default:
		return TrendFlat
	}
}
