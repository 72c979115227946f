// Seed script for creating demo data in Athena.
// Run with: go run ./scripts/seed.go
package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shawkridge/athena/internal/config"
	"github.com/shawkridge/athena/internal/db"
	"github.com/shawkridge/athena/internal/domain"
	"github.com/shawkridge/athena/internal/store"
)

const project = "demo"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := zap.NewNop()
	ctx := context.Background()

	pool, err := db.New(ctx, cfg.DB, cfg.Embed.Dimension, logger)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer pool.Close()

	if err := db.Migrate(pool, logger); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	sessions := store.NewSessionStore(pool)
	episodic := store.NewEpisodicStore(pool)
	semantic := store.NewSemanticStore(pool)
	tasks := store.NewTaskStore(pool)
	graph := store.NewGraphStore(pool)

	sess := &domain.SessionContext{
		ProjectID: project,
		Task:      "refactor payment service",
		Phase:     "executing",
		StartedAt: time.Now(),
	}
	if err := sessions.Create(ctx, sess); err != nil {
		log.Fatalf("session: %v", err)
	}

	events := []struct {
		eventType domain.EventType
		content   string
		ctx       map[string]any
	}{
		{domain.EventToolExecution, "ran test suite for payment service", map[string]any{"tool": "go_test", "success": true}},
		{domain.EventError, "nil pointer in refund path when currency is unset", nil},
		{domain.EventDecision, "default currency to USD when the account has no locale", nil},
		{domain.EventToolExecution, "applied fix and reran tests, all green", map[string]any{"tool": "go_test", "success": true}},
		{domain.EventUserInput, "please also cover the partial refund case", nil},
	}
	for i, e := range events {
		ev := &domain.EpisodicEvent{
			ProjectID:         project,
			SessionID:         &sess.SessionID,
			SourceID:          "seed",
			EventType:         e.eventType,
			Content:           e.content,
			StructuredContext: e.ctx,
			Timestamp:         time.Now().Add(time.Duration(i-len(events)) * time.Minute),
		}
		if _, err := episodic.Append(ctx, ev); err != nil {
			log.Fatalf("event %d: %v", i, err)
		}
	}

	memories := []domain.SemanticMemory{
		{ProjectID: project, Content: "Refund amounts must always carry an explicit currency", MemoryType: domain.SemanticRule, Confidence: 0.9},
		{ProjectID: project, Content: "The payment service test suite takes about 40 seconds", MemoryType: domain.SemanticFact, Confidence: 0.7},
		{ProjectID: project, Content: "Nil currency bugs cluster around account bootstrap paths", MemoryType: domain.SemanticPattern, Confidence: 0.6},
	}
	for i := range memories {
		if err := semantic.Upsert(ctx, &memories[i]); err != nil {
			log.Fatalf("memory %d: %v", i, err)
		}
	}

	deadline := time.Now().Add(48 * time.Hour)
	task := &domain.Task{
		ProjectID:   project,
		Title:       "cover partial refunds with tests",
		Description: "requested during the refactor session",
		Status:      domain.TaskPending,
		Priority:    2,
		Deadline:    &deadline,
		Triggers: []domain.TriggerSpec{
			{Kind: domain.TriggerEvent, Params: map[string]any{"event_type": "file_change", "contains": "refund"}},
		},
	}
	if err := tasks.Create(ctx, task); err != nil {
		log.Fatalf("task: %v", err)
	}

	payments := &domain.Entity{ProjectID: project, Name: "payment-service", EntityType: domain.EntityService}
	refunds := &domain.Entity{ProjectID: project, Name: "refund-module", EntityType: domain.EntityService}
	for _, e := range []*domain.Entity{payments, refunds} {
		if err := graph.UpsertEntity(ctx, e); err != nil {
			log.Fatalf("entity %s: %v", e.Name, err)
		}
	}
	rel := &domain.Relation{
		ProjectID:    project,
		FromEntity:   refunds.ID,
		ToEntity:     payments.ID,
		RelationType: domain.RelationPartOf,
		Weight:       1,
	}
	if err := graph.UpsertRelation(ctx, rel); err != nil {
		log.Fatalf("relation: %v", err)
	}

	fmt.Printf("seeded project %q: session %s, %d events, %d memories, 1 task, 2 entities\n",
		project, shortID(sess.SessionID), len(events), len(memories))
}

func shortID(id uuid.UUID) string {
	return id.String()[:8]
}
