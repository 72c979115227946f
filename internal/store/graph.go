package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/shawkridge/athena/internal/db"
	"github.com/shawkridge/athena/internal/domain"
)

const entityColumns = `id, project_id, name, entity_type, summary, properties, created_at, updated_at`

const relationColumns = `id, project_id, from_entity, to_entity, relation_type,
	weight, observed_count, first_observed, last_observed, created_at, updated_at`

const communityColumns = `id, project_id, level, member_entities, summary, partition_seq, created_at`

type GraphStore struct {
	db *db.Pool
}

func NewGraphStore(pool *db.Pool) *GraphStore {
	return &GraphStore{db: pool}
}

// UpsertEntity inserts an entity or merges into the existing one with the
// same name (case-insensitive). Merging never loses information: a typed
// observation beats 'other', a non-empty summary beats an empty one, and
// properties union.
func (s *GraphStore) UpsertEntity(ctx context.Context, e *domain.Entity) error {
	e.Name = strings.Join(strings.Fields(e.Name), " ")
	if e.Name == "" {
		return fmt.Errorf("%w: entity name is required", domain.ErrInvalidInput)
	}
	if e.EntityType == "" {
		e.EntityType = domain.EntityOther
	}

	var embedding *pgvector.Vector
	if len(e.Embedding) > 0 {
		v := pgvector.NewVector(e.Embedding)
		embedding = &v
	}

	propertiesJSON, err := json.Marshal(e.Properties)
	if err != nil {
		return fmt.Errorf("marshal properties: %w", err)
	}

	// A caller-assigned id survives the insert; name conflicts keep the
	// existing row's id either way.
	var id *uuid.UUID
	if e.ID != uuid.Nil {
		id = &e.ID
	}

	return s.db.QueryRow(ctx,
		`INSERT INTO graph_entities (id, project_id, name, entity_type, summary, properties, embedding)
		 VALUES (COALESCE($7, gen_random_uuid()), $1, $2, $3, $4, $5, $6)
		 ON CONFLICT (project_id, lower(name)) DO UPDATE SET
		     entity_type = CASE
		         WHEN EXCLUDED.entity_type <> 'other' THEN EXCLUDED.entity_type
		         ELSE graph_entities.entity_type
		     END,
		     summary = CASE
		         WHEN EXCLUDED.summary <> '' THEN EXCLUDED.summary
		         ELSE graph_entities.summary
		     END,
		     properties = COALESCE(graph_entities.properties, '{}'::jsonb) || COALESCE(EXCLUDED.properties, '{}'::jsonb),
		     embedding = COALESCE(EXCLUDED.embedding, graph_entities.embedding),
		     updated_at = NOW()
		 RETURNING id, entity_type, summary, created_at, updated_at`,
		e.ProjectID, e.Name, e.EntityType, e.Summary, propertiesJSON, embedding, id,
	).Scan(&e.ID, &e.EntityType, &e.Summary, &e.CreatedAt, &e.UpdatedAt)
}

func (s *GraphStore) GetEntity(ctx context.Context, id uuid.UUID) (*domain.Entity, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+entityColumns+` FROM graph_entities WHERE id = $1`, id)
	e, err := scanEntityRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return e, nil
}

func (s *GraphStore) FindEntityByName(ctx context.Context, projectID, name string) (*domain.Entity, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+entityColumns+`
		 FROM graph_entities WHERE project_id = $1 AND lower(name) = lower($2)`,
		projectID, strings.Join(strings.Fields(name), " "))
	e, err := scanEntityRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return e, nil
}

// SearchEntities matches entities by embedding similarity and substring name
// match. Exact name hits outrank fuzzy embedding hits.
func (s *GraphStore) SearchEntities(ctx context.Context, projectID string, embedding []float32, query string, limit int) ([]domain.EntityWithScore, error) {
	if limit <= 0 {
		limit = 10
	}

	var (
		rows pgx.Rows
		err  error
	)
	if len(embedding) > 0 {
		vec := pgvector.NewVector(embedding)
		rows, err = s.db.Query(ctx,
			`SELECT `+entityColumns+`,
			        COALESCE(1 - (embedding <=> $2), 0) AS score
			 FROM graph_entities
			 WHERE project_id = $1
			   AND ((embedding IS NOT NULL AND 1 - (embedding <=> $2) >= 0.3)
			        OR name ILIKE '%' || $3 || '%')
			 ORDER BY score DESC
			 LIMIT $4`,
			projectID, vec, query, limit)
	} else {
		rows, err = s.db.Query(ctx,
			`SELECT `+entityColumns+`, 0::real AS score
			 FROM graph_entities
			 WHERE project_id = $1 AND name ILIKE '%' || $2 || '%'
			 ORDER BY name
			 LIMIT $3`,
			projectID, query, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("search entities query: %w", err)
	}
	defer rows.Close()

	var results []domain.EntityWithScore
	for rows.Next() {
		var ws domain.EntityWithScore
		var propertiesJSON []byte
		err := rows.Scan(
			&ws.ID, &ws.ProjectID, &ws.Name, &ws.EntityType, &ws.Summary,
			&propertiesJSON, &ws.CreatedAt, &ws.UpdatedAt, &ws.Score,
		)
		if err != nil {
			return nil, fmt.Errorf("scan entity row: %w", err)
		}
		if len(propertiesJSON) > 0 {
			_ = json.Unmarshal(propertiesJSON, &ws.Properties)
		}
		if query != "" {
			if strings.EqualFold(ws.Name, query) && ws.Score < 1 {
				ws.Score = 1
			} else if strings.Contains(strings.ToLower(ws.Name), strings.ToLower(query)) && ws.Score < 0.5 {
				ws.Score = 0.5
			}
		}
		results = append(results, ws)
	}
	return results, rows.Err()
}

func (s *GraphStore) EntityCount(ctx context.Context, projectID string) (int, error) {
	var count int
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM graph_entities WHERE project_id = $1`, projectID).Scan(&count)
	return count, err
}

// UpsertRelation inserts an edge or reinforces the existing one: weight moves
// toward 1 by the observed weight's share of the remaining headroom, and the
// observation count increments. Symmetric relation types are stored in both
// directions. Self-relations are only allowed for symmetric types.
func (s *GraphStore) UpsertRelation(ctx context.Context, r *domain.Relation) error {
	if r.FromEntity == r.ToEntity && !domain.SymmetricRelations[r.RelationType] {
		return fmt.Errorf("%w: self-relation requires a symmetric type, got %s",
			domain.ErrInvalidInput, r.RelationType)
	}
	if r.Weight <= 0 {
		r.Weight = 0.5
	}
	if r.Weight > 1 {
		r.Weight = 1
	}

	err := s.db.QueryRow(ctx,
		`INSERT INTO graph_relations (project_id, from_entity, to_entity, relation_type, weight)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (project_id, from_entity, to_entity, relation_type) DO UPDATE SET
		     weight = LEAST(graph_relations.weight + EXCLUDED.weight * (1 - graph_relations.weight), 1.0),
		     observed_count = graph_relations.observed_count + 1,
		     last_observed = NOW(),
		     updated_at = NOW()
		 RETURNING id, weight, observed_count, first_observed, last_observed, created_at, updated_at`,
		r.ProjectID, r.FromEntity, r.ToEntity, r.RelationType, r.Weight,
	).Scan(&r.ID, &r.Weight, &r.ObservedCount, &r.FirstObserved, &r.LastObserved,
		&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return fmt.Errorf("%w: relation endpoint", domain.ErrNotFound)
		}
		return err
	}

	// Mirror edge for symmetric relations.
	if domain.SymmetricRelations[r.RelationType] && r.FromEntity != r.ToEntity {
		_, err = s.db.Exec(ctx,
			`INSERT INTO graph_relations (project_id, from_entity, to_entity, relation_type, weight)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (project_id, from_entity, to_entity, relation_type) DO UPDATE SET
			     weight = LEAST(graph_relations.weight + EXCLUDED.weight * (1 - graph_relations.weight), 1.0),
			     observed_count = graph_relations.observed_count + 1,
			     last_observed = NOW(),
			     updated_at = NOW()`,
			r.ProjectID, r.ToEntity, r.FromEntity, r.RelationType, r.Weight)
		if err != nil {
			return fmt.Errorf("mirror symmetric relation: %w", err)
		}
	}
	return nil
}

func (s *GraphStore) GetRelations(ctx context.Context, entityID uuid.UUID, types []domain.RelationType) ([]domain.Relation, error) {
	query := `SELECT ` + relationColumns + `
		 FROM graph_relations WHERE (from_entity = $1 OR to_entity = $1)`
	args := []any{entityID}

	if len(types) > 0 {
		typeStrings := make([]string, len(types))
		for i, rt := range types {
			typeStrings[i] = string(rt)
		}
		query += fmt.Sprintf(" AND relation_type = ANY($%d)", len(args)+1)
		args = append(args, typeStrings)
	}
	query += " ORDER BY weight DESC"

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return s.scanRelations(rows)
}

func (s *GraphStore) RelationCount(ctx context.Context, projectID string) (int, error) {
	var count int
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM graph_relations WHERE project_id = $1`, projectID).Scan(&count)
	return count, err
}

// Neighborhood expands breadth-first from the center, one query per hop with
// the whole frontier batched into it.
func (s *GraphStore) Neighborhood(ctx context.Context, entityID uuid.UUID, depth int, types []domain.RelationType) (*domain.Neighborhood, error) {
	if depth <= 0 {
		depth = 1
	}
	if depth > domain.MaxNeighborhoodDepth {
		depth = domain.MaxNeighborhoodDepth
	}

	center, err := s.GetEntity(ctx, entityID)
	if err != nil {
		return nil, err
	}

	visited := map[uuid.UUID]bool{entityID: true}
	frontier := []uuid.UUID{entityID}
	seenRelations := map[uuid.UUID]bool{}
	var relations []domain.Relation

	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		edges, err := s.relationsTouching(ctx, frontier, types)
		if err != nil {
			return nil, err
		}

		var next []uuid.UUID
		for _, r := range edges {
			if !seenRelations[r.ID] {
				seenRelations[r.ID] = true
				relations = append(relations, r)
			}
			for _, id := range [2]uuid.UUID{r.FromEntity, r.ToEntity} {
				if !visited[id] {
					visited[id] = true
					next = append(next, id)
				}
			}
		}
		frontier = next
	}

	ids := make([]uuid.UUID, 0, len(visited)-1)
	for id := range visited {
		if id != entityID {
			ids = append(ids, id)
		}
	}
	entities, err := s.entitiesByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	return &domain.Neighborhood{
		Center:    *center,
		Entities:  entities,
		Relations: relations,
		Depth:     depth,
	}, nil
}

// ShortestPath finds the fewest-hop route between two entities, treating
// edges as undirected. Returns ErrNotFound when no path exists within
// maxDepth hops.
func (s *GraphStore) ShortestPath(ctx context.Context, from, to uuid.UUID, maxDepth int) (*domain.GraphPath, error) {
	if maxDepth <= 0 || maxDepth > domain.MaxPathDepth {
		maxDepth = domain.MaxPathDepth
	}
	if from == to {
		return &domain.GraphPath{Entities: []uuid.UUID{from}, Length: 0}, nil
	}

	parent := map[uuid.UUID]uuid.UUID{}
	visited := map[uuid.UUID]bool{from: true}
	frontier := []uuid.UUID{from}

	for hop := 0; hop < maxDepth && len(frontier) > 0; hop++ {
		edges, err := s.relationsTouching(ctx, frontier, nil)
		if err != nil {
			return nil, err
		}

		var next []uuid.UUID
		for _, r := range edges {
			pairs := [2][2]uuid.UUID{{r.FromEntity, r.ToEntity}, {r.ToEntity, r.FromEntity}}
			for _, pair := range pairs {
				a, b := pair[0], pair[1]
				if !visited[a] || visited[b] {
					continue
				}
				visited[b] = true
				parent[b] = a
				if b == to {
					return buildPath(parent, from, to), nil
				}
				next = append(next, b)
			}
		}
		frontier = next
	}

	return nil, fmt.Errorf("%w: no path within %d hops", domain.ErrNotFound, maxDepth)
}

func buildPath(parent map[uuid.UUID]uuid.UUID, from, to uuid.UUID) *domain.GraphPath {
	var reversed []uuid.UUID
	for cur := to; ; cur = parent[cur] {
		reversed = append(reversed, cur)
		if cur == from {
			break
		}
	}
	path := make([]uuid.UUID, len(reversed))
	for i, id := range reversed {
		path[len(reversed)-1-i] = id
	}
	return &domain.GraphPath{Entities: path, Length: len(path) - 1}
}

func (s *GraphStore) relationsTouching(ctx context.Context, ids []uuid.UUID, types []domain.RelationType) ([]domain.Relation, error) {
	query := `SELECT ` + relationColumns + `
		 FROM graph_relations WHERE (from_entity = ANY($1) OR to_entity = ANY($1))`
	args := []any{ids}

	if len(types) > 0 {
		typeStrings := make([]string, len(types))
		for i, rt := range types {
			typeStrings[i] = string(rt)
		}
		query += fmt.Sprintf(" AND relation_type = ANY($%d)", len(args)+1)
		args = append(args, typeStrings)
	}
	query += " ORDER BY weight DESC"

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("frontier query: %w", err)
	}
	defer rows.Close()

	return s.scanRelations(rows)
}

func (s *GraphStore) entitiesByIDs(ctx context.Context, ids []uuid.UUID) ([]domain.Entity, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := s.db.Query(ctx,
		`SELECT `+entityColumns+` FROM graph_entities WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entities []domain.Entity
	for rows.Next() {
		var e domain.Entity
		var propertiesJSON []byte
		err := rows.Scan(
			&e.ID, &e.ProjectID, &e.Name, &e.EntityType, &e.Summary,
			&propertiesJSON, &e.CreatedAt, &e.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		if len(propertiesJSON) > 0 {
			_ = json.Unmarshal(propertiesJSON, &e.Properties)
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

func (s *GraphStore) AllRelations(ctx context.Context, projectID string) ([]domain.Relation, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+relationColumns+` FROM graph_relations WHERE project_id = $1`,
		projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return s.scanRelations(rows)
}

func (s *GraphStore) AllEntityIDs(ctx context.Context, projectID string) ([]uuid.UUID, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id FROM graph_entities WHERE project_id = $1`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ReplaceCommunities swaps in a complete new partition for a level in one
// transaction, so readers never observe a mix of two partition runs.
func (s *GraphStore) ReplaceCommunities(ctx context.Context, projectID string, level int, partitionSeq int64, communities []domain.Community) error {
	now := time.Now().UTC()
	rows := make([][]any, 0, len(communities))
	for i := range communities {
		c := &communities[i]
		c.ID = uuid.New()
		c.ProjectID = projectID
		c.Level = level
		c.PartitionSeq = partitionSeq
		c.CreatedAt = now

		members := c.MemberEntities
		if members == nil {
			members = []uuid.UUID{}
		}
		rows = append(rows, []any{c.ID, projectID, level, members, c.Summary, partitionSeq, now})
	}

	return s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`DELETE FROM graph_communities WHERE project_id = $1 AND level = $2`,
			projectID, level)
		if err != nil {
			return fmt.Errorf("clear partition: %w", err)
		}

		batch := db.QueueInserts("graph_communities",
			[]string{"id", "project_id", "level", "member_entities", "summary", "partition_seq", "created_at"},
			rows)
		br := tx.SendBatch(ctx, batch)
		defer br.Close()
		for range rows {
			if _, err := br.Exec(); err != nil {
				return fmt.Errorf("insert community: %w", err)
			}
		}
		return br.Close()
	})
}

// Communities reads the most recent partition for a level. The partition_seq
// guard keeps a half-written older run from leaking through.
func (s *GraphStore) Communities(ctx context.Context, projectID string, level int) ([]domain.Community, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+communityColumns+`
		 FROM graph_communities
		 WHERE project_id = $1 AND level = $2
		   AND partition_seq = (
		       SELECT MAX(partition_seq) FROM graph_communities
		       WHERE project_id = $1 AND level = $2
		   )
		 ORDER BY cardinality(member_entities) DESC`,
		projectID, level)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var communities []domain.Community
	for rows.Next() {
		var c domain.Community
		err := rows.Scan(
			&c.ID, &c.ProjectID, &c.Level, &c.MemberEntities,
			&c.Summary, &c.PartitionSeq, &c.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		communities = append(communities, c)
	}
	return communities, rows.Err()
}

func (s *GraphStore) CommunityOf(ctx context.Context, entityID uuid.UUID) (*domain.Community, error) {
	c := &domain.Community{}
	err := s.db.QueryRow(ctx,
		`SELECT `+communityColumns+`
		 FROM graph_communities
		 WHERE member_entities @> ARRAY[$1]::uuid[]
		 ORDER BY partition_seq DESC, level ASC
		 LIMIT 1`,
		entityID,
	).Scan(
		&c.ID, &c.ProjectID, &c.Level, &c.MemberEntities,
		&c.Summary, &c.PartitionSeq, &c.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return c, nil
}

func scanEntityRow(row pgx.Row) (*domain.Entity, error) {
	e := &domain.Entity{}
	var propertiesJSON []byte
	err := row.Scan(
		&e.ID, &e.ProjectID, &e.Name, &e.EntityType, &e.Summary,
		&propertiesJSON, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(propertiesJSON) > 0 {
		_ = json.Unmarshal(propertiesJSON, &e.Properties)
	}
	return e, nil
}

func (s *GraphStore) scanRelations(rows pgx.Rows) ([]domain.Relation, error) {
	var relations []domain.Relation
	for rows.Next() {
		var r domain.Relation
		err := rows.Scan(
			&r.ID, &r.ProjectID, &r.FromEntity, &r.ToEntity, &r.RelationType,
			&r.Weight, &r.ObservedCount, &r.FirstObserved, &r.LastObserved,
			&r.CreatedAt, &r.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		relations = append(relations, r)
	}
	return relations, rows.Err()
}

var _ domain.GraphStore = (*GraphStore)(nil)
