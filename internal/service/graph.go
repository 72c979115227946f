package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shawkridge/athena/internal/domain"
)

const (
	// communityMaxPasses bounds louvain's local-move iterations.
	communityMaxPasses = 10
	// communitySeed fixes the node visit order so recomputation on the
	// same graph yields the same partition.
	communitySeed = 42
)

// GraphService wraps the knowledge graph store with entity resolution and
// batch community detection. While a recomputation runs, readers keep seeing
// the previous partition; the store swaps partitions atomically.
type GraphService struct {
	store    domain.GraphStore
	embedder domain.EmbeddingClient
	logger   *zap.Logger
}

func NewGraphService(store domain.GraphStore, embedder domain.EmbeddingClient, logger *zap.Logger) *GraphService {
	return &GraphService{store: store, embedder: embedder, logger: logger}
}

func (s *GraphService) UpsertEntity(ctx context.Context, e *domain.Entity) error {
	if e.ProjectID == "" || e.Name == "" {
		return fmt.Errorf("%w: project_id and name are required", domain.ErrInvalidInput)
	}
	if e.EntityType == "" {
		e.EntityType = domain.EntityOther
	}
	if !domain.ValidEntityType(string(e.EntityType)) {
		return fmt.Errorf("%w: entity_type %q", domain.ErrInvalidInput, e.EntityType)
	}
	if len(e.Embedding) == 0 {
		if vec, err := s.embedder.Embed(ctx, e.Name); err == nil {
			e.Embedding = vec
		}
	}
	return s.store.UpsertEntity(ctx, e)
}

// UpsertRelation resolves both endpoints before writing the edge, creating
// placeholder entities for any it does not find. Endpoints may arrive as ids
// or as names (FromName/ToName); the resolved ids land in
// FromEntity/ToEntity either way.
func (s *GraphService) UpsertRelation(ctx context.Context, r *domain.Relation) error {
	if r.ProjectID == "" {
		return fmt.Errorf("%w: project_id is required", domain.ErrInvalidInput)
	}

	from, err := s.resolveEndpoint(ctx, r.ProjectID, r.FromEntity, r.FromName)
	if err != nil {
		return fmt.Errorf("resolve from endpoint: %w", err)
	}
	to, err := s.resolveEndpoint(ctx, r.ProjectID, r.ToEntity, r.ToName)
	if err != nil {
		return fmt.Errorf("resolve to endpoint: %w", err)
	}
	r.FromEntity, r.ToEntity = from, to

	if r.FromEntity == r.ToEntity && !domain.SymmetricRelations[r.RelationType] {
		return fmt.Errorf("%w: self relation of type %q", domain.ErrInvalidInput, r.RelationType)
	}
	return s.store.UpsertRelation(ctx, r)
}

// resolveEndpoint returns the id of an existing entity, creating a placeholder
// when the endpoint is unknown. A name takes precedence over an id; an unknown
// id is kept so later observations of the same entity land on the same node.
func (s *GraphService) resolveEndpoint(ctx context.Context, projectID string, id uuid.UUID, name string) (uuid.UUID, error) {
	if name != "" {
		e, err := s.store.FindEntityByName(ctx, projectID, name)
		switch {
		case err == nil:
			return e.ID, nil
		case errors.Is(err, domain.ErrNotFound):
			placeholder := &domain.Entity{ProjectID: projectID, Name: name}
			if err := s.UpsertEntity(ctx, placeholder); err != nil {
				return uuid.Nil, err
			}
			return placeholder.ID, nil
		default:
			return uuid.Nil, err
		}
	}

	if id == uuid.Nil {
		return uuid.Nil, fmt.Errorf("%w: relation endpoint needs an id or a name", domain.ErrInvalidInput)
	}
	if _, err := s.store.GetEntity(ctx, id); err == nil {
		return id, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return uuid.Nil, err
	}
	// No entity under this id yet. Write a placeholder carrying the id;
	// there is no name to embed, so skip the embedder.
	placeholder := &domain.Entity{
		ID:         id,
		ProjectID:  projectID,
		Name:       id.String(),
		EntityType: domain.EntityOther,
	}
	if err := s.store.UpsertEntity(ctx, placeholder); err != nil {
		return uuid.Nil, err
	}
	return placeholder.ID, nil
}

func (s *GraphService) Neighborhood(ctx context.Context, entityID uuid.UUID, depth int, types []domain.RelationType) (*domain.Neighborhood, error) {
	if depth < 1 {
		depth = 1
	}
	if depth > domain.MaxNeighborhoodDepth {
		depth = domain.MaxNeighborhoodDepth
	}
	return s.store.Neighborhood(ctx, entityID, depth, types)
}

func (s *GraphService) ShortestPath(ctx context.Context, from, to uuid.UUID, maxDepth int) (*domain.GraphPath, error) {
	if maxDepth < 1 || maxDepth > domain.MaxPathDepth {
		maxDepth = domain.MaxPathDepth
	}
	return s.store.ShortestPath(ctx, from, to, maxDepth)
}

func (s *GraphService) SearchEntities(ctx context.Context, projectID, query string, limit int) ([]domain.EntityWithScore, error) {
	var embedding []float32
	if vec, err := s.embedder.Embed(ctx, query); err == nil {
		embedding = vec
	}
	return s.store.SearchEntities(ctx, projectID, embedding, query, limit)
}

func (s *GraphService) CommunityOf(ctx context.Context, entityID uuid.UUID) (*domain.Community, error) {
	return s.store.CommunityOf(ctx, entityID)
}

func (s *GraphService) Communities(ctx context.Context, projectID string, level int) ([]domain.Community, error) {
	return s.store.Communities(ctx, projectID, level)
}

// Community detection algorithms. Both run the same modularity local-move
// core; leiden adds a refinement pass that splits internally disconnected
// communities into their connected components.
const (
	CommunityLouvain = "louvain"
	CommunityLeiden  = "leiden"
)

// ComputeCommunities partitions the project's graph by modularity
// maximization and swaps the result in under a fresh partition seq. The
// resolution parameter biases toward more (>1) or fewer (<1) communities.
// An empty algorithm defaults to louvain.
func (s *GraphService) ComputeCommunities(ctx context.Context, projectID, algorithm string, resolution float64) (int, error) {
	if algorithm == "" {
		algorithm = CommunityLouvain
	}
	if algorithm != CommunityLouvain && algorithm != CommunityLeiden {
		return 0, fmt.Errorf("%w: unknown community algorithm %q", domain.ErrInvalidInput, algorithm)
	}
	if resolution <= 0 {
		resolution = 1.0
	}

	relations, err := s.store.AllRelations(ctx, projectID)
	if err != nil {
		return 0, fmt.Errorf("load relations: %w", err)
	}
	entityIDs, err := s.store.AllEntityIDs(ctx, projectID)
	if err != nil {
		return 0, fmt.Errorf("load entities: %w", err)
	}
	if len(entityIDs) == 0 {
		return 0, nil
	}

	partition := louvain(entityIDs, relations, resolution)
	if algorithm == CommunityLeiden {
		partition = refineConnected(partition, relations)
	}

	partitionSeq := time.Now().UnixNano()
	communities := make([]domain.Community, 0, len(partition))
	for _, members := range partition {
		communities = append(communities, domain.Community{
			ProjectID:      projectID,
			Level:          0,
			MemberEntities: members,
			PartitionSeq:   partitionSeq,
		})
	}
	if err := s.store.ReplaceCommunities(ctx, projectID, 0, partitionSeq, communities); err != nil {
		return 0, fmt.Errorf("replace communities: %w", err)
	}

	s.logger.Info("communities recomputed",
		zap.String("project_id", projectID),
		zap.String("algorithm", algorithm),
		zap.Int("entities", len(entityIDs)),
		zap.Int("communities", len(communities)),
		zap.Float64("resolution", resolution))
	return len(communities), nil
}

// refineConnected splits every community of the partition into the connected
// components of its induced subgraph. Local moves can leave a community whose
// members are only linked through nodes that since moved elsewhere; after
// refinement every community is internally connected.
func refineConnected(partition [][]uuid.UUID, relations []domain.Relation) [][]uuid.UUID {
	adj := make(map[uuid.UUID][]uuid.UUID)
	for _, r := range relations {
		if r.FromEntity == r.ToEntity {
			continue
		}
		adj[r.FromEntity] = append(adj[r.FromEntity], r.ToEntity)
		adj[r.ToEntity] = append(adj[r.ToEntity], r.FromEntity)
	}

	var out [][]uuid.UUID
	for _, members := range partition {
		inComm := make(map[uuid.UUID]bool, len(members))
		for _, id := range members {
			inComm[id] = true
		}
		visited := make(map[uuid.UUID]bool, len(members))
		for _, id := range members {
			if visited[id] {
				continue
			}
			component := []uuid.UUID{id}
			visited[id] = true
			for queue := []uuid.UUID{id}; len(queue) > 0; {
				cur := queue[0]
				queue = queue[1:]
				for _, next := range adj[cur] {
					if inComm[next] && !visited[next] {
						visited[next] = true
						component = append(component, next)
						queue = append(queue, next)
					}
				}
			}
			out = append(out, component)
		}
	}
	return out
}

// louvain runs single-level modularity local moves with a fixed visit order.
// Weighted, undirected interpretation of the relation edges.
func louvain(entityIDs []uuid.UUID, relations []domain.Relation, resolution float64) [][]uuid.UUID {
	n := len(entityIDs)
	index := make(map[uuid.UUID]int, n)
	sortedIDs := make([]uuid.UUID, n)
	copy(sortedIDs, entityIDs)
	sort.Slice(sortedIDs, func(i, j int) bool { return sortedIDs[i].String() < sortedIDs[j].String() })
	for i, id := range sortedIDs {
		index[id] = i
	}

	type edge struct {
		to     int
		weight float64
	}
	adj := make([][]edge, n)
	degrees := make([]float64, n)
	var totalWeight float64
	for _, r := range relations {
		u, okU := index[r.FromEntity]
		v, okV := index[r.ToEntity]
		if !okU || !okV || u == v {
			continue
		}
		w := float64(r.Weight)
		if w <= 0 {
			w = 1
		}
		adj[u] = append(adj[u], edge{v, w})
		adj[v] = append(adj[v], edge{u, w})
		degrees[u] += w
		degrees[v] += w
		totalWeight += w
	}
	if totalWeight == 0 {
		// No edges: every entity is its own community.
		out := make([][]uuid.UUID, n)
		for i, id := range sortedIDs {
			out[i] = []uuid.UUID{id}
		}
		return out
	}

	community := make([]int, n)
	commDegree := make([]float64, n)
	for i := range community {
		community[i] = i
		commDegree[i] = degrees[i]
	}

	rng := rand.New(rand.NewSource(communitySeed))
	order := rng.Perm(n)
	m2 := 2 * totalWeight

	for pass := 0; pass < communityMaxPasses; pass++ {
		moved := false
		for _, u := range order {
			cur := community[u]
			commDegree[cur] -= degrees[u]

			// Weight from u into each neighboring community.
			links := make(map[int]float64)
			for _, e := range adj[u] {
				links[community[e.to]] += e.weight
			}

			best, bestGain := cur, links[cur]-resolution*commDegree[cur]*degrees[u]/m2
			for c, w := range links {
				gain := w - resolution*commDegree[c]*degrees[u]/m2
				if gain > bestGain || (gain == bestGain && c < best) {
					best, bestGain = c, gain
				}
			}

			community[u] = best
			commDegree[best] += degrees[u]
			if best != cur {
				moved = true
			}
		}
		if !moved {
			break
		}
	}

	grouped := make(map[int][]uuid.UUID)
	for i, c := range community {
		grouped[c] = append(grouped[c], sortedIDs[i])
	}
	keys := make([]int, 0, len(grouped))
	for c := range grouped {
		keys = append(keys, c)
	}
	sort.Ints(keys)
	out := make([][]uuid.UUID, 0, len(keys))
	for _, c := range keys {
		out = append(out, grouped[c])
	}
	return out
}
