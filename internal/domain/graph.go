package domain

import (
	"time"

	"github.com/google/uuid"
)

// EntityType classifies graph entities.
type EntityType string

const (
	EntityPerson       EntityType = "person"
	EntityOrganization EntityType = "organization"
	EntityTool         EntityType = "tool"
	EntityConcept      EntityType = "concept"
	EntityFile         EntityType = "file"
	EntityService      EntityType = "service"
	EntityLocation     EntityType = "location"
	EntityOther        EntityType = "other"
)

func ValidEntityType(e string) bool {
	switch EntityType(e) {
	case EntityPerson, EntityOrganization, EntityTool, EntityConcept,
		EntityFile, EntityService, EntityLocation, EntityOther:
		return true
	}
	return false
}

// RelationType names the edge kind between two entities. The set is open;
// these are the kinds the extraction prompts emit.
type RelationType string

const (
	RelationDependsOn   RelationType = "depends_on"
	RelationCauses      RelationType = "causes"
	RelationPartOf      RelationType = "part_of"
	RelationUses        RelationType = "uses"
	RelationProduces    RelationType = "produces"
	RelationRelatedTo   RelationType = "related_to"
	RelationSimilarTo   RelationType = "similar_to"
	RelationCoOccurs    RelationType = "co_occurs_with"
	RelationContradicts RelationType = "contradicts"
	RelationSupersedes  RelationType = "supersedes"
)

// SymmetricRelations indicates which relation types are bidirectional.
// Self-relations (an entity related to itself) are permitted only for these.
var SymmetricRelations = map[RelationType]bool{
	RelationRelatedTo: true,
	RelationSimilarTo: true,
	RelationCoOccurs:  true,
}

// Entity is a node in the knowledge graph, unique per (project, name).
type Entity struct {
	ID         uuid.UUID      `json:"id"`
	ProjectID  string         `json:"project_id"`
	Name       string         `json:"name"`
	EntityType EntityType     `json:"entity_type"`
	Summary    string         `json:"summary,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
	Embedding  []float32      `json:"-"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Relation is a typed, weighted edge. ObservedCount accumulates across
// re-observations; weight is reinforced rather than overwritten.
//
// FromName and ToName let callers reference endpoints by name instead of id;
// the graph service resolves them, creating placeholder entities as needed,
// and fills FromEntity/ToEntity before the store write.
type Relation struct {
	ID            uuid.UUID    `json:"id"`
	ProjectID     string       `json:"project_id"`
	FromEntity    uuid.UUID    `json:"from_entity"`
	ToEntity      uuid.UUID    `json:"to_entity"`
	FromName      string       `json:"from_name,omitempty"`
	ToName        string       `json:"to_name,omitempty"`
	RelationType  RelationType `json:"relation_type"`
	Weight        float32      `json:"weight"`
	ObservedCount int          `json:"observed_count"`
	FirstObserved time.Time    `json:"first_observed"`
	LastObserved  time.Time    `json:"last_observed"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// Community is a cluster of densely connected entities produced by a single
// partition run. PartitionSeq identifies the run; readers must only ever see
// communities from one partition.
type Community struct {
	ID             uuid.UUID   `json:"id"`
	ProjectID      string      `json:"project_id"`
	Level          int         `json:"level"`
	MemberEntities []uuid.UUID `json:"member_entities"`
	Summary        string      `json:"summary,omitempty"`
	PartitionSeq   int64       `json:"partition_seq"`
	CreatedAt      time.Time   `json:"created_at"`
}

// Neighborhood is the k-hop subgraph around a center entity.
type Neighborhood struct {
	Center    Entity     `json:"center"`
	Entities  []Entity   `json:"entities"`
	Relations []Relation `json:"relations"`
	Depth     int        `json:"depth"`
}

// GraphPath is the result of shortest-path search: the entity ids from start
// to goal inclusive.
type GraphPath struct {
	Entities []uuid.UUID `json:"entities"`
	Length   int         `json:"length"`
}

// EntityWithScore is an Entity with its search score.
type EntityWithScore struct {
	Entity
	Score float32 `json:"score"`
}

const (
	// MaxNeighborhoodDepth caps k-hop expansion.
	MaxNeighborhoodDepth = 3
	// MaxPathDepth caps shortest-path search.
	MaxPathDepth = 6
)
