package domain

import (
	"time"
)

// SubjectKind names what a meta-memory record is about.
type SubjectKind string

const (
	SubjectEvent     SubjectKind = "event"
	SubjectSemantic  SubjectKind = "semantic"
	SubjectProcedure SubjectKind = "procedure"
	SubjectEntity    SubjectKind = "entity"
	SubjectLayer     SubjectKind = "layer"
	SubjectDomain    SubjectKind = "domain"
)

func ValidSubjectKind(s string) bool {
	switch SubjectKind(s) {
	case SubjectEvent, SubjectSemantic, SubjectProcedure, SubjectEntity,
		SubjectLayer, SubjectDomain:
		return true
	}
	return false
}

// QualityMetrics are the per-subject evaluation signals, each in [0,1].
type QualityMetrics struct {
	Compression float32 `json:"compression"`
	Recall      float32 `json:"recall"`
	Consistency float32 `json:"consistency"`
}

// Composite blends the three signals into one quality score.
func (q QualityMetrics) Composite() float32 {
	return 0.4*q.Recall + 0.3*q.Consistency + 0.3*q.Compression
}

// MetaRecord tracks memory-about-memory: how well a subject (a layer, a
// knowledge domain, an individual item) is serving recall. Updates merge via
// exponential moving average so one bad sample does not crater the score.
type MetaRecord struct {
	ProjectID   string         `json:"project_id"`
	SubjectKind SubjectKind    `json:"subject_kind"`
	SubjectID   string         `json:"subject_id"`
	Quality     QualityMetrics `json:"quality"`

	AttentionWeight float32 `json:"attention_weight"`
	SampleCount     int     `json:"sample_count"`

	LastEvaluated time.Time `json:"last_evaluated"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// MetaEMAAlpha is the smoothing factor for quality updates.
const MetaEMAAlpha = 0.2

// MergeQuality folds a new sample into the record's EMA-smoothed metrics.
func (m *MetaRecord) MergeQuality(sample QualityMetrics) {
	if m.SampleCount == 0 {
		m.Quality = sample
	} else {
		m.Quality.Compression += MetaEMAAlpha * (sample.Compression - m.Quality.Compression)
		m.Quality.Recall += MetaEMAAlpha * (sample.Recall - m.Quality.Recall)
		m.Quality.Consistency += MetaEMAAlpha * (sample.Consistency - m.Quality.Consistency)
	}
	m.SampleCount++
}

// ExpertiseLevel buckets a domain quality score into a coarse label.
func ExpertiseLevel(score float32) string {
	switch {
	case score >= 0.8:
		return "expert"
	case score >= 0.6:
		return "proficient"
	case score >= 0.4:
		return "competent"
	case score >= 0.2:
		return "novice"
	default:
		return "unknown"
	}
}
