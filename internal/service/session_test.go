package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/shawkridge/athena/internal/config"
	"github.com/shawkridge/athena/internal/domain"
	"github.com/shawkridge/athena/internal/embedding"
	"github.com/shawkridge/athena/internal/llm"
)

type sessionFixture struct {
	sessions *memSessionStore
	episodic *memEpisodicStore
	semantic *memSemanticStore
	wmStore  *memWorkingMemoryStore
	wm       *WorkingMemoryService
	consol   *ConsolidationService
	svc      *SessionService
}

func newSessionFixture() *sessionFixture {
	logger := zap.NewNop()
	f := &sessionFixture{
		sessions: newMemSessionStore(),
		episodic: newMemEpisodicStore(),
		semantic: newMemSemanticStore(),
		wmStore:  newMemWorkingMemoryStore(),
	}
	embedder := embedding.NewMockClient(64)
	f.wm = NewWorkingMemoryService(f.wmStore, embedder, config.WorkConfig{
		DecayRate:      0.1,
		PruneIntervalS: 60,
		MinActivation:  0.05,
	}, logger)
	f.consol = NewConsolidationService(
		f.episodic, f.semantic, newMemGraphStore(), newMemProcedureStore(), newMemMetaStore(),
		embedder, llm.NewMockClient(), nil, consolTestConfig(), logger)
	f.svc = NewSessionService(f.sessions, f.episodic, f.semantic, f.wm, f.consol, logger)
	return f
}

func TestSession_StartRequiresProject(t *testing.T) {
	f := newSessionFixture()
	if _, err := f.svc.StartSession(context.Background(), "", "task", ""); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("StartSession() error = %v, want ErrInvalidInput", err)
	}
}

func TestSession_StartHydratesWorkingMemory(t *testing.T) {
	f := newSessionFixture()
	ctx := context.Background()

	vec, _ := embedding.NewMockClient(64).Embed(ctx, "rule")
	for _, content := range []string{
		"always run migrations inside a transaction",
		"the staging cluster uses a separate vector index",
	} {
		err := f.semantic.Upsert(ctx, &domain.SemanticMemory{
			ProjectID:  "p1",
			MemoryType: domain.SemanticRule,
			Content:    content,
			Confidence: 0.9,
			Embedding:  vec,
		})
		if err != nil {
			t.Fatalf("seed memory: %v", err)
		}
	}

	sess, err := f.svc.StartSession(ctx, "p1", "migrate schema", "planning")
	if err != nil {
		t.Fatalf("StartSession() error: %v", err)
	}
	if !sess.Active() {
		t.Error("new session not active")
	}

	snapshot, err := f.wm.GetCurrent(ctx, "p1", 0)
	if err != nil {
		t.Fatalf("GetCurrent() error: %v", err)
	}
	if snapshot.Occupied != 2 {
		t.Errorf("occupied = %d, want 2 hydrated memories", snapshot.Occupied)
	}
}

func TestSession_StartSkipsHydrationWhenWorkspaceFull(t *testing.T) {
	f := newSessionFixture()
	ctx := context.Background()

	for i := 0; i < domain.WorkingMemoryTarget; i++ {
		f.wmStore.Insert(ctx, &domain.WorkingMemoryItem{
			ProjectID:  "p1",
			Content:    "resident item",
			Component:  domain.WMEpisodicBuffer,
			Activation: 0.9,
			DecayRate:  0.1,
		})
	}
	f.semantic.Upsert(ctx, &domain.SemanticMemory{
		ProjectID: "p1", MemoryType: domain.SemanticFact,
		Content: "should not displace residents", Confidence: 0.9,
	})

	if _, err := f.svc.StartSession(ctx, "p1", "", ""); err != nil {
		t.Fatalf("StartSession() error: %v", err)
	}
	n, _ := f.wmStore.Count(ctx, "p1")
	if n != domain.WorkingMemoryTarget {
		t.Errorf("item count = %d, want unchanged %d", n, domain.WorkingMemoryTarget)
	}
}

func TestSession_RecordEventTagsAndCounts(t *testing.T) {
	f := newSessionFixture()
	ctx := context.Background()
	sess, err := f.svc.StartSession(ctx, "p1", "", "")
	if err != nil {
		t.Fatal(err)
	}

	duplicate, err := f.svc.RecordSessionEvent(ctx, sess.SessionID, &domain.EpisodicEvent{
		SourceID:  "agent",
		EventType: domain.EventToolExecution,
		Content:   "ran the linter",
	})
	if err != nil {
		t.Fatalf("RecordSessionEvent() error: %v", err)
	}
	if duplicate {
		t.Error("first append reported as duplicate")
	}

	got, _ := f.sessions.GetByID(ctx, sess.SessionID)
	if got.EventCount != 1 {
		t.Errorf("event count = %d, want 1", got.EventCount)
	}
	events, _ := f.episodic.GetBySession(ctx, sess.SessionID, 10)
	if len(events) != 1 || events[0].ProjectID != "p1" {
		t.Fatalf("session events = %+v, want one tagged with p1", events)
	}
}

func TestSession_RecordDuplicateEventDoesNotCount(t *testing.T) {
	f := newSessionFixture()
	ctx := context.Background()
	sess, _ := f.svc.StartSession(ctx, "p1", "", "")

	e := domain.EpisodicEvent{SourceID: "agent", EventType: domain.EventToolExecution, Content: "same thing"}
	first := e
	if _, err := f.svc.RecordSessionEvent(ctx, sess.SessionID, &first); err != nil {
		t.Fatal(err)
	}
	second := e
	duplicate, err := f.svc.RecordSessionEvent(ctx, sess.SessionID, &second)
	if err != nil {
		t.Fatalf("duplicate append error: %v", err)
	}
	if !duplicate {
		t.Error("identical content not reported as duplicate")
	}
	got, _ := f.sessions.GetByID(ctx, sess.SessionID)
	if got.EventCount != 1 {
		t.Errorf("event count = %d, want 1 after duplicate", got.EventCount)
	}
}

func TestSession_RecordEventRejectsEndedSession(t *testing.T) {
	f := newSessionFixture()
	ctx := context.Background()
	sess, _ := f.svc.StartSession(ctx, "p1", "", "")
	if _, err := f.svc.EndSession(ctx, sess.SessionID); err != nil {
		t.Fatal(err)
	}

	_, err := f.svc.RecordSessionEvent(ctx, sess.SessionID, &domain.EpisodicEvent{
		SourceID: "agent", EventType: domain.EventAgentOutput, Content: "too late",
	})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("append to ended session error = %v, want ErrInvalidInput", err)
	}
}

func TestSession_EndIsIdempotentAndEnqueuesConsolidation(t *testing.T) {
	f := newSessionFixture()
	ctx := context.Background()
	sess, _ := f.svc.StartSession(ctx, "p1", "", "")

	ended, err := f.svc.EndSession(ctx, sess.SessionID)
	if err != nil {
		t.Fatalf("EndSession() error: %v", err)
	}
	if ended.EndedAt == nil {
		t.Fatal("EndedAt not set")
	}
	firstEnd := *ended.EndedAt

	time.Sleep(5 * time.Millisecond)
	again, err := f.svc.EndSession(ctx, sess.SessionID)
	if err != nil {
		t.Fatalf("second EndSession() error: %v", err)
	}
	if again.EndedAt == nil || !again.EndedAt.Equal(firstEnd) {
		t.Errorf("second end changed EndedAt: %v vs %v", again.EndedAt, firstEnd)
	}
}

func TestSession_UpdateContextRequiresTaskOrPhase(t *testing.T) {
	f := newSessionFixture()
	ctx := context.Background()
	sess, _ := f.svc.StartSession(ctx, "p1", "old task", "planning")

	if err := f.svc.UpdateContext(ctx, sess.SessionID, "  ", ""); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("blank update error = %v, want ErrInvalidInput", err)
	}
	if err := f.svc.UpdateContext(ctx, sess.SessionID, "", "executing"); err != nil {
		t.Fatalf("UpdateContext() error: %v", err)
	}
	got, _ := f.svc.Get(ctx, sess.SessionID)
	if got.Task != "old task" || got.Phase != "executing" {
		t.Errorf("context = (%q, %q), want task kept and phase updated", got.Task, got.Phase)
	}
}

func TestSession_GetWorkingMemory(t *testing.T) {
	f := newSessionFixture()
	ctx := context.Background()
	sess, _ := f.svc.StartSession(ctx, "p1", "", "")

	f.wm.Insert(ctx, &domain.WorkingMemoryItem{
		ProjectID: "p1", Content: "current focus",
		Component: domain.WMEpisodicBuffer, Activation: 0.8, Importance: 0.5,
	})

	snapshot, err := f.svc.GetWorkingMemory(ctx, sess.SessionID, 0)
	if err != nil {
		t.Fatalf("GetWorkingMemory() error: %v", err)
	}
	if snapshot.Occupied != 1 || snapshot.Target != domain.WorkingMemoryTarget {
		t.Errorf("snapshot = occupied %d target %d, want 1 and %d",
			snapshot.Occupied, snapshot.Target, domain.WorkingMemoryTarget)
	}

	if _, err := f.svc.GetWorkingMemory(ctx, sess.SessionID, 0); err != nil {
		t.Fatalf("second snapshot error: %v", err)
	}
}
