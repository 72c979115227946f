package ingest

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/shawkridge/athena/internal/config"
	"github.com/shawkridge/athena/internal/domain"
	"github.com/shawkridge/athena/internal/embedding"
)

func ingestTestConfig() config.IngestConfig {
	return config.IngestConfig{
		BatchSize:      2,
		FlushMS:        10,
		RetriesMax:     2,
		DedupCacheSize: 5000,
		HighWater:      1000,
		LowWater:       100,
		RatePerSec:     10000,
	}
}

func newTestPipeline(t *testing.T, store *fakeEpisodicStore, cursors *fakeCursorStore) *Pipeline {
	t.Helper()
	p, err := NewPipeline(store, cursors, embedding.NewMockClient(64), false, ingestTestConfig(), zap.NewNop())
	if err != nil {
		t.Fatalf("NewPipeline() error: %v", err)
	}
	return p
}

func toolEvents(projectID string, contents ...string) []domain.EpisodicEvent {
	out := make([]domain.EpisodicEvent, 0, len(contents))
	for _, c := range contents {
		out = append(out, domain.EpisodicEvent{
			ProjectID: projectID,
			EventType: domain.EventToolExecution,
			Content:   c,
		})
	}
	return out
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func TestPipeline_DrainsStaticSource(t *testing.T) {
	store := newFakeEpisodicStore()
	p := newTestPipeline(t, store, newFakeCursorStore())

	src := NewStaticSource("s1", "p1", toolEvents("p1", "built", "tested", "deployed"))
	if err := p.AddSource(context.Background(), src); err != nil {
		t.Fatalf("AddSource() error: %v", err)
	}

	p.Start()
	waitFor(t, func() bool { return p.Stats()["s1"].Inserted == 3 })
	p.Stop()

	stats := p.Stats()["s1"]
	if stats.Received != 3 || stats.Inserted != 3 || stats.Failed != 0 {
		t.Errorf("stats = %+v, want 3 received and inserted", stats)
	}
	events := store.all()
	if len(events) != 3 {
		t.Fatalf("stored events = %d, want 3", len(events))
	}
	for _, e := range events {
		if len(e.Embedding) != 64 {
			t.Errorf("event %q not enriched with an embedding", e.Content)
		}
		if e.Hash == "" {
			t.Errorf("event %q persisted without a hash", e.Content)
		}
	}
}

func TestPipeline_DedupWithinRun(t *testing.T) {
	store := newFakeEpisodicStore()
	p := newTestPipeline(t, store, newFakeCursorStore())

	// The same content twice in one source: the cache catches the second.
	src := NewStaticSource("s1", "p1", toolEvents("p1", "same", "same", "different"))
	if err := p.AddSource(context.Background(), src); err != nil {
		t.Fatal(err)
	}

	p.Start()
	waitFor(t, func() bool {
		s := p.Stats()["s1"]
		return s.Inserted+s.SkippedDuplicate == 3
	})
	p.Stop()

	stats := p.Stats()["s1"]
	if stats.Inserted != 2 || stats.SkippedDuplicate != 1 {
		t.Errorf("stats = %+v, want 2 inserted and 1 duplicate", stats)
	}
}

func TestPipeline_DedupAgainstDurableIndex(t *testing.T) {
	store := newFakeEpisodicStore()

	// First pipeline run persists the events.
	p1 := newTestPipeline(t, store, newFakeCursorStore())
	if err := p1.AddSource(context.Background(), NewStaticSource("s1", "p1", toolEvents("p1", "a", "b"))); err != nil {
		t.Fatal(err)
	}
	p1.Start()
	waitFor(t, func() bool { return p1.Stats()["s1"].Inserted == 2 })
	p1.Stop()

	// A fresh pipeline has a cold cache; the durable hash index still dedups.
	p2 := newTestPipeline(t, store, newFakeCursorStore())
	if err := p2.AddSource(context.Background(), NewStaticSource("s1", "p1", toolEvents("p1", "a", "b", "c"))); err != nil {
		t.Fatal(err)
	}
	p2.Start()
	waitFor(t, func() bool {
		s := p2.Stats()["s1"]
		return s.Inserted+s.SkippedDuplicate == 3
	})
	p2.Stop()

	stats := p2.Stats()["s1"]
	if stats.Inserted != 1 || stats.SkippedDuplicate != 2 {
		t.Errorf("stats = %+v, want 1 new insert and 2 duplicates", stats)
	}
	if len(store.all()) != 3 {
		t.Errorf("stored events = %d, want 3 distinct", len(store.all()))
	}
}

func TestPipeline_RetriesTransientBatchFailure(t *testing.T) {
	store := newFakeEpisodicStore()
	store.failBatches = 1
	p := newTestPipeline(t, store, newFakeCursorStore())

	if err := p.AddSource(context.Background(), NewStaticSource("s1", "p1", toolEvents("p1", "x"))); err != nil {
		t.Fatal(err)
	}
	p.Start()
	waitFor(t, func() bool { return p.Stats()["s1"].Inserted == 1 })
	p.Stop()

	stats := p.Stats()["s1"]
	if stats.Retries < 1 {
		t.Errorf("retries = %d, want at least 1", stats.Retries)
	}
	if stats.Failed != 0 {
		t.Errorf("failed = %d, want the batch to land after retry", stats.Failed)
	}
}

func TestPipeline_SavesAndRestoresCursor(t *testing.T) {
	store := newFakeEpisodicStore()
	cursors := newFakeCursorStore()
	path := writeJSONL(t,
		`{"content":"first"}`,
		`{"content":"second"}`,
	)

	p1 := newTestPipeline(t, store, cursors)
	if err := p1.AddSource(context.Background(), NewJSONLSource("j1", "p1", path)); err != nil {
		t.Fatal(err)
	}
	p1.Start()
	waitFor(t, func() bool { return p1.Stats()["j1"].Inserted == 2 })
	p1.Stop()

	if _, err := cursors.Get(context.Background(), "j1"); err != nil {
		t.Fatalf("cursor not saved: %v", err)
	}

	// Restart with the same cursor store: the source resumes past the old
	// records, so nothing is re-read.
	f, _ := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	f.WriteString(`{"content":"third"}` + "\n")
	f.Close()

	p2 := newTestPipeline(t, store, cursors)
	if err := p2.AddSource(context.Background(), NewJSONLSource("j1", "p1", path)); err != nil {
		t.Fatal(err)
	}
	p2.Start()
	waitFor(t, func() bool { return p2.Stats()["j1"].Inserted == 1 })
	p2.Stop()

	stats := p2.Stats()["j1"]
	if stats.Received != 1 {
		t.Errorf("received = %d after resume, want only the appended record", stats.Received)
	}
}

func TestPipeline_RejectsDuplicateSourceID(t *testing.T) {
	p := newTestPipeline(t, newFakeEpisodicStore(), newFakeCursorStore())
	ctx := context.Background()

	if err := p.AddSource(ctx, NewStaticSource("s1", "p1", nil)); err != nil {
		t.Fatal(err)
	}
	err := p.AddSource(ctx, NewStaticSource("s1", "p1", nil))
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("duplicate source id error = %v, want ErrInvalidInput", err)
	}
}

func TestPipeline_AddSpecUnknownKind(t *testing.T) {
	p := newTestPipeline(t, newFakeEpisodicStore(), newFakeCursorStore())
	err := p.AddSpec(context.Background(), SourceSpec{Kind: "telepathy", ID: "s1", ProjectID: "p1"})
	if !errors.Is(err, domain.ErrUnknownSource) {
		t.Errorf("AddSpec() error = %v, want ErrUnknownSource", err)
	}
}

func TestPipeline_DegradedSkipsEnrichment(t *testing.T) {
	store := newFakeEpisodicStore()
	p, err := NewPipeline(store, newFakeCursorStore(), embedding.NewMockClient(64), true, ingestTestConfig(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if err := p.AddSource(context.Background(), NewStaticSource("s1", "p1", toolEvents("p1", "plain"))); err != nil {
		t.Fatal(err)
	}
	p.Start()
	waitFor(t, func() bool { return p.Stats()["s1"].Inserted == 1 })
	p.Stop()

	events := store.all()
	if len(events) != 1 {
		t.Fatalf("stored events = %d, want 1", len(events))
	}
	if len(events[0].Embedding) != 0 {
		t.Error("degraded pipeline must not attach embeddings")
	}
}
