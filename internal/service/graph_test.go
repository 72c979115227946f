package service

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shawkridge/athena/internal/domain"
	"github.com/shawkridge/athena/internal/embedding"
)

func newGraphFixture() (*GraphService, *memGraphStore) {
	store := newMemGraphStore()
	return NewGraphService(store, embedding.NewMockClient(64), zap.NewNop()), store
}

func (s *GraphService) mustEntity(t *testing.T, projectID, name string) *domain.Entity {
	t.Helper()
	e := &domain.Entity{ProjectID: projectID, Name: name}
	if err := s.UpsertEntity(context.Background(), e); err != nil {
		t.Fatalf("upsert entity %s: %v", name, err)
	}
	return e
}

func (s *GraphService) mustRelate(t *testing.T, projectID string, from, to uuid.UUID, weight float32) {
	t.Helper()
	err := s.UpsertRelation(context.Background(), &domain.Relation{
		ProjectID:    projectID,
		FromEntity:   from,
		ToEntity:     to,
		RelationType: domain.RelationDependsOn,
		Weight:       weight,
	})
	if err != nil {
		t.Fatalf("upsert relation: %v", err)
	}
}

func TestGraph_UpsertEntityValidation(t *testing.T) {
	svc, _ := newGraphFixture()
	ctx := context.Background()

	if err := svc.UpsertEntity(ctx, &domain.Entity{Name: "orphan"}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("missing project accepted: %v", err)
	}
	if err := svc.UpsertEntity(ctx, &domain.Entity{
		ProjectID: "p1", Name: "x", EntityType: "planet",
	}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("unknown entity type accepted: %v", err)
	}
}

func TestGraph_UpsertEntityDefaultsTypeAndEmbeds(t *testing.T) {
	svc, _ := newGraphFixture()
	e := &domain.Entity{ProjectID: "p1", Name: "auth-service"}
	if err := svc.UpsertEntity(context.Background(), e); err != nil {
		t.Fatalf("UpsertEntity() error: %v", err)
	}
	if e.EntityType != domain.EntityOther {
		t.Errorf("entity type = %s, want other default", e.EntityType)
	}
	if len(e.Embedding) != 64 {
		t.Errorf("embedding dims = %d, want 64", len(e.Embedding))
	}
}

func TestGraph_SelfRelationRejectedUnlessSymmetric(t *testing.T) {
	svc, _ := newGraphFixture()
	ctx := context.Background()
	e := svc.mustEntity(t, "p1", "node")

	err := svc.UpsertRelation(ctx, &domain.Relation{
		ProjectID:    "p1",
		FromEntity:   e.ID,
		ToEntity:     e.ID,
		RelationType: domain.RelationDependsOn,
	})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("asymmetric self relation accepted: %v", err)
	}
}

func TestGraph_UpsertRelationCreatesMissingEndpoints(t *testing.T) {
	svc, store := newGraphFixture()
	ctx := context.Background()

	from, to := uuid.New(), uuid.New()
	r := &domain.Relation{
		ProjectID:    "p1",
		FromEntity:   from,
		ToEntity:     to,
		RelationType: domain.RelationDependsOn,
		Weight:       0.5,
	}
	if err := svc.UpsertRelation(ctx, r); err != nil {
		t.Fatalf("UpsertRelation() with unknown endpoints: %v", err)
	}
	if r.FromEntity != from || r.ToEntity != to {
		t.Errorf("endpoint ids rewritten: got %s->%s, want %s->%s", r.FromEntity, r.ToEntity, from, to)
	}
	for _, id := range []uuid.UUID{from, to} {
		if _, err := store.GetEntity(ctx, id); err != nil {
			t.Errorf("placeholder entity %s not created: %v", id, err)
		}
	}
	rels, err := store.GetRelations(ctx, from, nil)
	if err != nil || len(rels) != 1 {
		t.Fatalf("GetRelations() = %v, %v, want the new edge", rels, err)
	}
}

func TestGraph_UpsertRelationResolvesNamedEndpoints(t *testing.T) {
	svc, store := newGraphFixture()
	ctx := context.Background()
	existing := svc.mustEntity(t, "p1", "auth-service")

	r := &domain.Relation{
		ProjectID:    "p1",
		FromName:     "auth-service",
		ToName:       "postgres",
		RelationType: domain.RelationUses,
		Weight:       0.8,
	}
	if err := svc.UpsertRelation(ctx, r); err != nil {
		t.Fatalf("UpsertRelation() with named endpoints: %v", err)
	}
	if r.FromEntity != existing.ID {
		t.Errorf("from = %s, want the existing auth-service id %s", r.FromEntity, existing.ID)
	}
	created, err := store.FindEntityByName(ctx, "p1", "postgres")
	if err != nil {
		t.Fatalf("postgres endpoint not created: %v", err)
	}
	if r.ToEntity != created.ID {
		t.Errorf("to = %s, want the created postgres id %s", r.ToEntity, created.ID)
	}
	if created.EntityType != domain.EntityOther {
		t.Errorf("placeholder type = %s, want other", created.EntityType)
	}
}

func TestGraph_UpsertRelationRequiresEndpointReference(t *testing.T) {
	svc, _ := newGraphFixture()
	err := svc.UpsertRelation(context.Background(), &domain.Relation{
		ProjectID:    "p1",
		ToEntity:     uuid.New(),
		RelationType: domain.RelationDependsOn,
	})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("relation without from id or name accepted: %v", err)
	}
}

func TestGraph_NeighborhoodDepthClamped(t *testing.T) {
	svc, _ := newGraphFixture()
	ctx := context.Background()
	a := svc.mustEntity(t, "p1", "a")
	b := svc.mustEntity(t, "p1", "b")
	svc.mustRelate(t, "p1", a.ID, b.ID, 1)

	nb, err := svc.Neighborhood(ctx, a.ID, 99, nil)
	if err != nil {
		t.Fatalf("Neighborhood() error: %v", err)
	}
	if nb.Depth != domain.MaxNeighborhoodDepth {
		t.Errorf("depth = %d, want clamped to %d", nb.Depth, domain.MaxNeighborhoodDepth)
	}
	if len(nb.Entities) != 1 || nb.Entities[0].ID != b.ID {
		t.Errorf("neighborhood entities = %+v, want just b", nb.Entities)
	}
}

func TestGraph_ShortestPath(t *testing.T) {
	svc, _ := newGraphFixture()
	ctx := context.Background()
	a := svc.mustEntity(t, "p1", "a")
	b := svc.mustEntity(t, "p1", "b")
	c := svc.mustEntity(t, "p1", "c")
	svc.mustRelate(t, "p1", a.ID, b.ID, 1)
	svc.mustRelate(t, "p1", b.ID, c.ID, 1)

	path, err := svc.ShortestPath(ctx, a.ID, c.ID, 0)
	if err != nil {
		t.Fatalf("ShortestPath() error: %v", err)
	}
	if path.Length != 2 {
		t.Errorf("path length = %d, want 2", path.Length)
	}
	want := []uuid.UUID{a.ID, b.ID, c.ID}
	for i, id := range want {
		if path.Entities[i] != id {
			t.Errorf("path[%d] = %s, want %s", i, path.Entities[i], id)
		}
	}
}

func TestGraph_ComputeCommunitiesSplitsDenseGroups(t *testing.T) {
	svc, store := newGraphFixture()
	ctx := context.Background()

	// Two triangles joined by a single weak bridge.
	var left, right []*domain.Entity
	for _, name := range []string{"l1", "l2", "l3"} {
		left = append(left, svc.mustEntity(t, "p1", name))
	}
	for _, name := range []string{"r1", "r2", "r3"} {
		right = append(right, svc.mustEntity(t, "p1", name))
	}
	for i := 0; i < 3; i++ {
		for j := i + 1; j < 3; j++ {
			svc.mustRelate(t, "p1", left[i].ID, left[j].ID, 5)
			svc.mustRelate(t, "p1", right[i].ID, right[j].ID, 5)
		}
	}
	svc.mustRelate(t, "p1", left[0].ID, right[0].ID, 1)

	count, err := svc.ComputeCommunities(ctx, "p1", CommunityLouvain, 1.0)
	if err != nil {
		t.Fatalf("ComputeCommunities() error: %v", err)
	}
	if count != 2 {
		t.Fatalf("communities = %d, want the two triangles", count)
	}

	comm, err := store.CommunityOf(ctx, left[1].ID)
	if err != nil {
		t.Fatalf("CommunityOf() error: %v", err)
	}
	members := make(map[uuid.UUID]bool)
	for _, id := range comm.MemberEntities {
		members[id] = true
	}
	for _, e := range left {
		if !members[e.ID] {
			t.Errorf("left triangle member %s missing from its community", e.Name)
		}
	}
	for _, e := range right {
		if members[e.ID] {
			t.Errorf("right triangle member %s leaked into the left community", e.Name)
		}
	}
}

func TestGraph_ComputeCommunitiesIsDeterministic(t *testing.T) {
	svc, store := newGraphFixture()
	ctx := context.Background()

	var ids []uuid.UUID
	for i := 0; i < 8; i++ {
		e := svc.mustEntity(t, "p1", string(rune('a'+i)))
		ids = append(ids, e.ID)
	}
	for i := 0; i < 8; i++ {
		svc.mustRelate(t, "p1", ids[i], ids[(i+1)%8], 1)
	}
	svc.mustRelate(t, "p1", ids[0], ids[4], 3)

	snapshot := func() map[uuid.UUID]uuid.UUID {
		assignment := make(map[uuid.UUID]uuid.UUID)
		comms, _ := store.Communities(ctx, "p1", 0)
		for _, c := range comms {
			for _, member := range c.MemberEntities {
				assignment[member] = c.MemberEntities[0]
			}
		}
		return assignment
	}

	if _, err := svc.ComputeCommunities(ctx, "p1", "", 1.0); err != nil {
		t.Fatal(err)
	}
	first := snapshot()
	if _, err := svc.ComputeCommunities(ctx, "p1", "", 1.0); err != nil {
		t.Fatal(err)
	}
	second := snapshot()

	if len(first) != len(second) {
		t.Fatalf("assignment sizes differ: %d vs %d", len(first), len(second))
	}
	for id, rep := range first {
		if second[id] != rep {
			t.Errorf("entity %s moved communities between identical runs", id)
		}
	}
}

func TestGraph_ComputeCommunitiesRejectsUnknownAlgorithm(t *testing.T) {
	svc, _ := newGraphFixture()
	_, err := svc.ComputeCommunities(context.Background(), "p1", "girvan-newman", 1.0)
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("unknown algorithm accepted: %v", err)
	}
}

func TestGraph_ComputeCommunitiesLeiden(t *testing.T) {
	svc, store := newGraphFixture()
	ctx := context.Background()

	var left, right []*domain.Entity
	for _, name := range []string{"l1", "l2", "l3"} {
		left = append(left, svc.mustEntity(t, "p1", name))
	}
	for _, name := range []string{"r1", "r2", "r3"} {
		right = append(right, svc.mustEntity(t, "p1", name))
	}
	for i := 0; i < 3; i++ {
		for j := i + 1; j < 3; j++ {
			svc.mustRelate(t, "p1", left[i].ID, left[j].ID, 5)
			svc.mustRelate(t, "p1", right[i].ID, right[j].ID, 5)
		}
	}
	svc.mustRelate(t, "p1", left[0].ID, right[0].ID, 1)

	count, err := svc.ComputeCommunities(ctx, "p1", CommunityLeiden, 1.0)
	if err != nil {
		t.Fatalf("ComputeCommunities() error: %v", err)
	}
	if count != 2 {
		t.Fatalf("communities = %d, want the two triangles", count)
	}
	comms, err := store.Communities(ctx, "p1", 0)
	if err != nil {
		t.Fatalf("Communities() error: %v", err)
	}
	for _, c := range comms {
		if len(c.MemberEntities) != 3 {
			t.Errorf("community size = %d, want 3", len(c.MemberEntities))
		}
	}
}

func TestRefineConnected_SplitsDisconnectedCommunity(t *testing.T) {
	a, b, c, d := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	relations := []domain.Relation{
		{FromEntity: a, ToEntity: b, RelationType: domain.RelationRelatedTo},
		{FromEntity: c, ToEntity: d, RelationType: domain.RelationRelatedTo},
	}
	// One community holding two components that share no edge.
	partition := [][]uuid.UUID{{a, b, c, d}}

	refined := refineConnected(partition, relations)
	if len(refined) != 2 {
		t.Fatalf("refined = %d communities, want the 2 connected components", len(refined))
	}
	for _, members := range refined {
		if len(members) != 2 {
			t.Errorf("component size = %d, want 2", len(members))
		}
	}
}

func TestLouvain_NoEdgesYieldsSingletons(t *testing.T) {
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	partition := louvain(ids, nil, 1.0)
	if len(partition) != len(ids) {
		t.Fatalf("partition = %d communities, want %d singletons", len(partition), len(ids))
	}
	for _, members := range partition {
		if len(members) != 1 {
			t.Errorf("edgeless entity grouped with others: %v", members)
		}
	}
}
