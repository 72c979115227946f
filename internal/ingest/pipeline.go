package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/shawkridge/athena/internal/config"
	"github.com/shawkridge/athena/internal/domain"
)

// SourceStats counts outcomes for one source since pipeline start.
type SourceStats struct {
	Received         int64 `json:"received"`
	Inserted         int64 `json:"inserted"`
	SkippedDuplicate int64 `json:"skipped_duplicate"`
	Failed           int64 `json:"failed"`
	Retries          int64 `json:"retries"`
	Batches          int64 `json:"batches"`
}

// Pipeline drains event sources into the episodic store in batches. Each
// source runs in its own goroutine so one failing source never stalls the
// others; they share the dedup cache and the backpressure counter.
type Pipeline struct {
	episodic domain.EpisodicStore
	cursors  domain.CursorStore
	embedder domain.EmbeddingClient
	registry *Registry
	logger   *zap.Logger
	cfg      config.IngestConfig

	// degraded disables embedding enrichment; events still persist.
	degraded bool

	dedup   *lru.Cache[string, struct{}]
	pending atomic.Int64

	mu      sync.Mutex
	sources map[string]EventSource
	stats   map[string]*SourceStats

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPipeline(
	episodic domain.EpisodicStore,
	cursors domain.CursorStore,
	embedder domain.EmbeddingClient,
	degraded bool,
	cfg config.IngestConfig,
	logger *zap.Logger,
) (*Pipeline, error) {
	size := cfg.DedupCacheSize
	if size < 5000 {
		size = 5000
	}
	cache, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, fmt.Errorf("dedup cache: %w", err)
	}
	return &Pipeline{
		episodic: episodic,
		cursors:  cursors,
		embedder: embedder,
		registry: NewRegistry(),
		logger:   logger,
		cfg:      cfg,
		degraded: degraded,
		dedup:    cache,
		sources:  make(map[string]EventSource),
		stats:    make(map[string]*SourceStats),
	}, nil
}

// Registry exposes the factory registry so callers can add source kinds
// before Start.
func (p *Pipeline) Registry() *Registry { return p.registry }

// AddSpec creates and registers a source from its spec, restoring its cursor
// when the source supports incremental sync.
func (p *Pipeline) AddSpec(ctx context.Context, spec SourceSpec) error {
	src, err := p.registry.Create(spec)
	if err != nil {
		return err
	}
	return p.AddSource(ctx, src)
}

func (p *Pipeline) AddSource(ctx context.Context, src EventSource) error {
	if err := src.Validate(ctx); err != nil {
		return fmt.Errorf("source %s: %w", src.ID(), err)
	}

	if inc, ok := src.(IncrementalSource); ok {
		cur, err := p.cursors.Get(ctx, src.ID())
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("load cursor for %s: %w", src.ID(), err)
		}
		if cur != nil {
			inc.SetCursor(cur.Cursor)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.sources[src.ID()]; exists {
		return fmt.Errorf("%w: source %s already registered", domain.ErrInvalidInput, src.ID())
	}
	p.sources[src.ID()] = src
	p.stats[src.ID()] = &SourceStats{}
	return nil
}

// Start launches one worker per registered source.
func (p *Pipeline) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, src := range p.sources {
		p.wg.Add(1)
		go p.runSource(ctx, src)
	}
	p.logger.Info("ingestion pipeline started", zap.Int("sources", len(p.sources)))
}

func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("ingestion pipeline stopped")
}

// Stats snapshots per-source counters.
func (p *Pipeline) Stats() map[string]SourceStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]SourceStats, len(p.stats))
	for id, s := range p.stats {
		out[id] = SourceStats{
			Received:         atomic.LoadInt64(&s.Received),
			Inserted:         atomic.LoadInt64(&s.Inserted),
			SkippedDuplicate: atomic.LoadInt64(&s.SkippedDuplicate),
			Failed:           atomic.LoadInt64(&s.Failed),
			Retries:          atomic.LoadInt64(&s.Retries),
			Batches:          atomic.LoadInt64(&s.Batches),
		}
	}
	return out
}

func (p *Pipeline) runSource(ctx context.Context, src EventSource) {
	defer p.wg.Done()

	log := p.logger.With(zap.String("source", src.ID()), zap.String("kind", src.Kind()))
	stats := p.statsFor(src.ID())

	ch, err := src.Generate(ctx)
	if err != nil {
		log.Error("source failed to start", zap.Error(err))
		return
	}
	log.Info("source started")

	limiter := rate.NewLimiter(rate.Limit(p.cfg.RatePerSec), p.cfg.BatchSize)
	flushEvery := time.Duration(p.cfg.FlushMS) * time.Millisecond
	ticker := time.NewTicker(flushEvery)
	defer ticker.Stop()

	var batch []*domain.EpisodicEvent
	flush := func() {
		if len(batch) == 0 {
			return
		}
		p.flush(ctx, src, stats, batch, log)
		p.pending.Add(int64(-len(batch)))
		batch = nil
	}
	defer flush()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			flush()
		case e, ok := <-ch:
			if !ok {
				flush()
				log.Info("source drained")
				return
			}
			if err := limiter.Wait(ctx); err != nil {
				return
			}
			if !p.waitBelowHighWater(ctx) {
				return
			}
			atomic.AddInt64(&stats.Received, 1)

			event := e
			if err := p.admit(&event, stats); err != nil {
				continue
			}
			batch = append(batch, &event)
			p.pending.Add(1)
			if len(batch) >= p.cfg.BatchSize {
				flush()
				ticker.Reset(flushEvery)
			}
		}
	}
}

// admit computes the content hash and consults the in-memory dedup cache.
// A cache hit is dropped immediately; the durable hash index is checked per
// batch in flush.
func (p *Pipeline) admit(e *domain.EpisodicEvent, stats *SourceStats) error {
	if e.Hash == "" {
		h, err := e.ContentHash()
		if err != nil {
			atomic.AddInt64(&stats.Failed, 1)
			return err
		}
		e.Hash = h
	}
	if _, seen := p.dedup.Get(dedupKey(e.ProjectID, e.Hash)); seen {
		atomic.AddInt64(&stats.SkippedDuplicate, 1)
		return domain.ErrDuplicateInBatch
	}
	return nil
}

// waitBelowHighWater blocks intake while the pending queue is above the high
// water mark and resumes once it drains below the low water mark.
func (p *Pipeline) waitBelowHighWater(ctx context.Context) bool {
	if p.pending.Load() < int64(p.cfg.HighWater) {
		return true
	}
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if p.pending.Load() <= int64(p.cfg.LowWater) {
				return true
			}
		}
	}
}

// flush persists one batch: durable hash check, best-effort embedding, then a
// transactional insert retried on transient failures.
func (p *Pipeline) flush(ctx context.Context, src EventSource, stats *SourceStats, batch []*domain.EpisodicEvent, log *zap.Logger) {
	atomic.AddInt64(&stats.Batches, 1)

	batch = p.dropExisting(ctx, stats, batch)
	if len(batch) == 0 {
		p.saveCursor(ctx, src, log)
		return
	}

	p.enrich(ctx, batch, log)

	var result *domain.BatchResult
	op := func() error {
		res, err := p.episodic.AppendBatch(ctx, batch)
		if err != nil {
			if domain.IsTransient(err) {
				atomic.AddInt64(&stats.Retries, 1)
				return err
			}
			return backoff.Permanent(err)
		}
		result = res
		return nil
	}

	policy := backoff.WithContext(newBackoff(p.cfg.RetriesMax), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		atomic.AddInt64(&stats.Failed, int64(len(batch)))
		log.Error("batch insert failed", zap.Int("events", len(batch)), zap.Error(err))
		return
	}

	atomic.AddInt64(&stats.Inserted, int64(result.Inserted))
	atomic.AddInt64(&stats.SkippedDuplicate, int64(result.Duplicate))
	atomic.AddInt64(&stats.Failed, int64(result.Failed))
	for _, e := range batch {
		p.dedup.Add(dedupKey(e.ProjectID, e.Hash), struct{}{})
	}

	p.saveCursor(ctx, src, log)

	log.Debug("batch committed",
		zap.Int("inserted", result.Inserted),
		zap.Int("skipped_duplicate", result.Duplicate),
		zap.Int("failed", result.Failed))
}

// dropExisting removes events whose hash is already in the durable index,
// counting them as duplicates without touching the events table.
func (p *Pipeline) dropExisting(ctx context.Context, stats *SourceStats, batch []*domain.EpisodicEvent) []*domain.EpisodicEvent {
	byProject := make(map[string][]string)
	for _, e := range batch {
		byProject[e.ProjectID] = append(byProject[e.ProjectID], e.Hash)
	}

	existing := make(map[string]struct{})
	for projectID, hashes := range byProject {
		found, err := p.episodic.LookupHashes(ctx, projectID, hashes)
		if err != nil {
			// Existence check is an optimization; the insert's ON CONFLICT
			// path still guarantees dedup.
			return batch
		}
		for h := range found {
			existing[dedupKey(projectID, h)] = struct{}{}
		}
	}
	if len(existing) == 0 {
		return batch
	}

	kept := batch[:0]
	for _, e := range batch {
		key := dedupKey(e.ProjectID, e.Hash)
		if _, dup := existing[key]; dup {
			atomic.AddInt64(&stats.SkippedDuplicate, 1)
			p.dedup.Add(key, struct{}{})
			continue
		}
		kept = append(kept, e)
	}
	return kept
}

// enrich attaches embeddings when a healthy provider is available. Failure
// here never blocks persistence.
func (p *Pipeline) enrich(ctx context.Context, batch []*domain.EpisodicEvent, log *zap.Logger) {
	if p.degraded || p.embedder == nil {
		return
	}

	texts := make([]string, 0, len(batch))
	indices := make([]int, 0, len(batch))
	for i, e := range batch {
		if len(e.Embedding) == 0 && e.Content != "" {
			texts = append(texts, e.Content)
			indices = append(indices, i)
		}
	}
	if len(texts) == 0 {
		return
	}

	vectors, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		log.Warn("embedding enrichment skipped", zap.Error(err))
		return
	}
	for i, vec := range vectors {
		if i < len(indices) {
			batch[indices[i]].Embedding = vec
		}
	}
}

func (p *Pipeline) saveCursor(ctx context.Context, src EventSource, log *zap.Logger) {
	inc, ok := src.(IncrementalSource)
	if !ok {
		return
	}
	if err := p.cursors.Save(ctx, src.ID(), inc.Cursor()); err != nil {
		log.Warn("cursor save failed", zap.Error(err))
	}
}

func (p *Pipeline) statsFor(id string) *SourceStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.stats[id]
	if !ok {
		s = &SourceStats{}
		p.stats[id] = s
	}
	return s
}

// newBackoff builds the retry schedule: exponential from 1s, capped at 10s,
// up to maxRetries attempts after the first.
func newBackoff(maxRetries int) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 10 * time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 0.1
	return backoff.WithMaxRetries(b, uint64(maxRetries))
}

func dedupKey(projectID, hash string) string {
	return projectID + ":" + hash
}
