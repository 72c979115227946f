package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EpisodicStore is the append-only event log. Events are deduplicated by
// content hash within a project; re-appending an existing hash returns the
// stored event instead of inserting a new row.
type EpisodicStore interface {
	// Append path
	Append(ctx context.Context, e *EpisodicEvent) (duplicate bool, err error)
	AppendBatch(ctx context.Context, events []*EpisodicEvent) (*BatchResult, error)

	// Retrieval
	GetByID(ctx context.Context, id uuid.UUID) (*EpisodicEvent, error)
	List(ctx context.Context, projectID string, f EventFilter, limit, offset int) ([]EpisodicEvent, error)
	Count(ctx context.Context, projectID string, f EventFilter) (int, error)
	GetByTimeRange(ctx context.Context, projectID string, w TimeWindow, limit int) ([]EpisodicEvent, error)
	GetBySession(ctx context.Context, sessionID uuid.UUID, limit int) ([]EpisodicEvent, error)
	FindSimilar(ctx context.Context, projectID string, embedding []float32, threshold float32, limit int) ([]EventWithScore, error)
	LookupHashes(ctx context.Context, projectID string, hashes []string) (map[string]uuid.UUID, error)

	// Consolidation
	ClaimForConsolidation(ctx context.Context, projectID string, olderThan time.Time, limit int) ([]EpisodicEvent, error)
	UpdateLifecycle(ctx context.Context, ids []uuid.UUID, from, to Lifecycle) (int64, error)
	// ReleaseClaim is the consolidation failure path: claimed events move
	// back from consolidating to active so a later run can retry them.
	ReleaseClaim(ctx context.Context, ids []uuid.UUID) (int64, error)
	CountActiveBefore(ctx context.Context, projectID string, before time.Time) (int, error)
	CountByLifecycle(ctx context.Context, projectID string) (map[Lifecycle]int, error)

	// Structure
	LinkCausality(ctx context.Context, childID, parentID uuid.UUID) error
	Archive(ctx context.Context, id uuid.UUID) error
}

// SemanticStore holds distilled knowledge with hybrid vector+lexical search.
type SemanticStore interface {
	Upsert(ctx context.Context, m *SemanticMemory) error
	GetByID(ctx context.Context, id uuid.UUID) (*SemanticMemory, error)
	FetchByIDs(ctx context.Context, ids []uuid.UUID) ([]SemanticMemory, error)
	Delete(ctx context.Context, id uuid.UUID) error

	Search(ctx context.Context, projectID string, query string, embedding []float32, p SearchParams) ([]SemanticWithScore, error)
	FindSimilar(ctx context.Context, projectID string, embedding []float32, threshold float32, limit int) ([]SemanticWithScore, error)
	List(ctx context.Context, projectID string, f SemanticFilter, limit, offset int) ([]SemanticMemory, error)
	Count(ctx context.Context, projectID string, f SemanticFilter) (int, error)

	// ReferencedBy returns ids of consolidated memories whose provenance
	// includes the given id. Used to refuse integrity-breaking deletes.
	ReferencedBy(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error)
	TouchAccessed(ctx context.Context, ids []uuid.UUID) error
	UpdateConfidence(ctx context.Context, id uuid.UUID, confidence float32) error
}

// ProcedureStore holds versioned how-to knowledge.
type ProcedureStore interface {
	Create(ctx context.Context, p *Procedure) error
	GetByID(ctx context.Context, id uuid.UUID) (*Procedure, error)
	GetLatest(ctx context.Context, projectID, name string) (*Procedure, error)
	Versions(ctx context.Context, projectID, name string) ([]Procedure, error)
	CreateNewVersion(ctx context.Context, p *Procedure) error

	FindByTrigger(ctx context.Context, projectID string, embedding []float32, keywords []string, limit int) ([]ProcedureWithScore, error)
	RecordExecution(ctx context.Context, id uuid.UUID, success bool) error

	List(ctx context.Context, projectID, category string, limit, offset int) ([]Procedure, error)
	Count(ctx context.Context, projectID, category string) (int, error)
}

// TaskStore holds prospective tasks and their triggers.
type TaskStore interface {
	Create(ctx context.Context, t *Task) error
	GetByID(ctx context.Context, id uuid.UUID) (*Task, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status TaskStatus) error
	UpdatePhase(ctx context.Context, id uuid.UUID, phase TaskPhase) error
	UpdateProgress(ctx context.Context, id uuid.UUID, progress float32) error

	// AddDependency must reject edges that would close a cycle.
	AddDependency(ctx context.Context, taskID, dependsOn uuid.UUID) error
	DependencyPathExists(ctx context.Context, from, to uuid.UUID) (bool, error)
	Subtasks(ctx context.Context, parentID uuid.UUID) ([]Task, error)

	List(ctx context.Context, projectID string, f TaskFilter, limit, offset int) ([]Task, error)
	Count(ctx context.Context, projectID string, f TaskFilter) (int, error)
	ListWithTriggers(ctx context.Context, projectID string) ([]Task, error)
	DueBefore(ctx context.Context, projectID string, t time.Time, limit int) ([]Task, error)
}

// GraphStore holds the entity-relation knowledge graph and its community
// partitions.
type GraphStore interface {
	UpsertEntity(ctx context.Context, e *Entity) error
	GetEntity(ctx context.Context, id uuid.UUID) (*Entity, error)
	FindEntityByName(ctx context.Context, projectID, name string) (*Entity, error)
	SearchEntities(ctx context.Context, projectID string, embedding []float32, query string, limit int) ([]EntityWithScore, error)
	EntityCount(ctx context.Context, projectID string) (int, error)

	UpsertRelation(ctx context.Context, r *Relation) error
	GetRelations(ctx context.Context, entityID uuid.UUID, types []RelationType) ([]Relation, error)
	RelationCount(ctx context.Context, projectID string) (int, error)

	Neighborhood(ctx context.Context, entityID uuid.UUID, depth int, types []RelationType) (*Neighborhood, error)
	ShortestPath(ctx context.Context, from, to uuid.UUID, maxDepth int) (*GraphPath, error)

	// Community partitions: ReplaceCommunities swaps in a whole new
	// partition atomically under a fresh partition seq.
	AllRelations(ctx context.Context, projectID string) ([]Relation, error)
	AllEntityIDs(ctx context.Context, projectID string) ([]uuid.UUID, error)
	ReplaceCommunities(ctx context.Context, projectID string, level int, partitionSeq int64, communities []Community) error
	Communities(ctx context.Context, projectID string, level int) ([]Community, error)
	CommunityOf(ctx context.Context, entityID uuid.UUID) (*Community, error)
}

// MetaStore holds memory-about-memory quality records.
type MetaStore interface {
	// RecordSample folds a quality sample into the subject's EMA inside one
	// transaction and returns the merged record.
	RecordSample(ctx context.Context, projectID string, kind SubjectKind, subjectID string, sample QualityMetrics) (*MetaRecord, error)
	Get(ctx context.Context, projectID string, kind SubjectKind, subjectID string) (*MetaRecord, error)
	ListByKind(ctx context.Context, projectID string, kind SubjectKind, limit int) ([]MetaRecord, error)
	UpdateAttention(ctx context.Context, projectID string, kind SubjectKind, subjectID string, weight float32) error

	// LayerWeights returns the attention weights for each recall layer,
	// defaulting to 1.0 for layers without samples.
	LayerWeights(ctx context.Context, projectID string) (map[RecallLayer]float32, error)
}

// WorkingMemoryStore persists workspace slots. Capacity and decay semantics
// live in the working memory service.
type WorkingMemoryStore interface {
	Insert(ctx context.Context, item *WorkingMemoryItem) error
	Delete(ctx context.Context, id uuid.UUID) error
	DeleteAll(ctx context.Context, projectID string) (int64, error)
	ListByProject(ctx context.Context, projectID string) ([]WorkingMemoryItem, error)
	Touch(ctx context.Context, id uuid.UUID, activation float32, at time.Time) error
	Count(ctx context.Context, projectID string) (int, error)
	Projects(ctx context.Context) ([]string, error)
}

// SessionStore persists session contexts.
type SessionStore interface {
	Create(ctx context.Context, s *SessionContext) error
	GetByID(ctx context.Context, sessionID uuid.UUID) (*SessionContext, error)
	UpdateContext(ctx context.Context, sessionID uuid.UUID, task, phase string) error
	End(ctx context.Context, sessionID uuid.UUID, at time.Time) error
	IncrementEventCount(ctx context.Context, sessionID uuid.UUID, by int) error
	ListActive(ctx context.Context, projectID string, limit int) ([]SessionContext, error)
	ListRecent(ctx context.Context, projectID string, limit, offset int) ([]SessionContext, error)
}

// CursorStore persists ingestion resume points.
type CursorStore interface {
	Get(ctx context.Context, sourceID string) (*IngestionCursor, error)
	Save(ctx context.Context, sourceID string, cursor []byte) error
}

// ExtractedSemantic is one candidate knowledge record produced by LLM
// extraction over a cluster of events.
type ExtractedSemantic struct {
	Content       string       `json:"content"`
	MemoryType    SemanticType `json:"memory_type"`
	Confidence    float32      `json:"confidence"`
	SourceIndices []int        `json:"source_indices,omitempty"`
}

// ExtractedEntity is one entity mention from graph extraction.
type ExtractedEntity struct {
	Name       string     `json:"name"`
	EntityType EntityType `json:"entity_type"`
	Summary    string     `json:"summary,omitempty"`
}

// ExtractedRelation is one relation from graph extraction, referencing
// entities by name.
type ExtractedRelation struct {
	From         string       `json:"from"`
	To           string       `json:"to"`
	RelationType RelationType `json:"relation_type"`
	Weight       float32      `json:"weight"`
}

// GraphExtraction is the combined output of entity/relation extraction.
type GraphExtraction struct {
	Entities  []ExtractedEntity  `json:"entities"`
	Relations []ExtractedRelation `json:"relations"`
}

// EmbeddingClient produces fixed-dimension embeddings.
type EmbeddingClient interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
	Health(ctx context.Context) error
}

// LLMClient performs the generation and structured-extraction calls the
// consolidation and retrieval paths depend on.
type LLMClient interface {
	Generate(ctx context.Context, prompt string, maxTokens int) (string, error)
	ExtractSemantic(ctx context.Context, events []EpisodicEvent) ([]ExtractedSemantic, error)
	ExtractGraph(ctx context.Context, text string) (*GraphExtraction, error)
	Summarize(ctx context.Context, texts []string) (string, error)
	ExpandQuery(ctx context.Context, query string, n int) ([]string, error)
	Health(ctx context.Context) error
}
