package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shawkridge/athena/internal/domain"
)

// In-memory stores for service tests.

type memEpisodicStore struct {
	mu       sync.Mutex
	events   []domain.EpisodicEvent
	parents  map[uuid.UUID]uuid.UUID
	released []uuid.UUID
	seq      int64
}

func newMemEpisodicStore() *memEpisodicStore {
	return &memEpisodicStore{parents: make(map[uuid.UUID]uuid.UUID)}
}

func (m *memEpisodicStore) Append(ctx context.Context, e *domain.EpisodicEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.Hash == "" {
		h, err := e.ContentHash()
		if err != nil {
			return false, err
		}
		e.Hash = h
	}
	for i := range m.events {
		if m.events[i].ProjectID == e.ProjectID && m.events[i].Hash == e.Hash {
			*e = m.events[i]
			return true, nil
		}
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.Lifecycle == "" {
		e.Lifecycle = domain.LifecycleActive
	}
	m.seq++
	e.Seq = m.seq
	m.events = append(m.events, *e)
	return false, nil
}

func (m *memEpisodicStore) AppendBatch(ctx context.Context, events []*domain.EpisodicEvent) (*domain.BatchResult, error) {
	result := &domain.BatchResult{}
	for _, e := range events {
		dup, err := m.Append(ctx, e)
		status := domain.BatchItemStatus{ID: e.ID, Duplicate: dup}
		if err != nil {
			status.Error = err.Error()
			result.Failed++
		} else if dup {
			result.Duplicate++
		} else {
			result.Inserted++
		}
		result.Statuses = append(result.Statuses, status)
	}
	return result, nil
}

func (m *memEpisodicStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.EpisodicEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.events {
		if m.events[i].ID == id {
			e := m.events[i]
			return &e, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memEpisodicStore) List(ctx context.Context, projectID string, f domain.EventFilter, limit, offset int) ([]domain.EpisodicEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.EpisodicEvent
	for _, e := range m.events {
		if e.ProjectID == projectID && matchEventFilter(e, f) {
			out = append(out, e)
		}
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memEpisodicStore) Count(ctx context.Context, projectID string, f domain.EventFilter) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e.ProjectID == projectID && matchEventFilter(e, f) {
			n++
		}
	}
	return n, nil
}

func matchEventFilter(e domain.EpisodicEvent, f domain.EventFilter) bool {
	if f.Lifecycle != "" && e.Lifecycle != f.Lifecycle {
		return false
	}
	if f.SourceID != "" && e.SourceID != f.SourceID {
		return false
	}
	if f.SessionID != nil && (e.SessionID == nil || *e.SessionID != *f.SessionID) {
		return false
	}
	if len(f.EventTypes) > 0 {
		found := false
		for _, t := range f.EventTypes {
			if e.EventType == t {
				found = true
			}
		}
		if !found {
			return false
		}
	}
	if f.Since != nil && e.Timestamp.Before(*f.Since) {
		return false
	}
	if f.Until != nil && !e.Timestamp.Before(*f.Until) {
		return false
	}
	return true
}

func (m *memEpisodicStore) GetByTimeRange(ctx context.Context, projectID string, w domain.TimeWindow, limit int) ([]domain.EpisodicEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.EpisodicEvent
	for _, e := range m.events {
		if e.ProjectID == projectID && w.Contains(e.Timestamp) {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memEpisodicStore) GetBySession(ctx context.Context, sessionID uuid.UUID, limit int) ([]domain.EpisodicEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.EpisodicEvent
	for _, e := range m.events {
		if e.SessionID != nil && *e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memEpisodicStore) FindSimilar(ctx context.Context, projectID string, embedding []float32, threshold float32, limit int) ([]domain.EventWithScore, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.EventWithScore
	for _, e := range m.events {
		if e.ProjectID != projectID || len(e.Embedding) == 0 {
			continue
		}
		score := cosineSimilarity(embedding, e.Embedding)
		if score >= threshold {
			out = append(out, domain.EventWithScore{EpisodicEvent: e, Score: score})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memEpisodicStore) LookupHashes(ctx context.Context, projectID string, hashes []string) (map[string]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	found := make(map[string]uuid.UUID)
	for _, h := range hashes {
		for _, e := range m.events {
			if e.ProjectID == projectID && e.Hash == h {
				found[h] = e.ID
			}
		}
	}
	return found, nil
}

func (m *memEpisodicStore) ClaimForConsolidation(ctx context.Context, projectID string, olderThan time.Time, limit int) ([]domain.EpisodicEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var claimed []domain.EpisodicEvent
	for i := range m.events {
		if len(claimed) >= limit {
			break
		}
		e := &m.events[i]
		if e.ProjectID == projectID && e.Lifecycle == domain.LifecycleActive && e.Timestamp.Before(olderThan) {
			e.Lifecycle = domain.LifecycleConsolidating
			claimed = append(claimed, *e)
		}
	}
	return claimed, nil
}

func (m *memEpisodicStore) UpdateLifecycle(ctx context.Context, ids []uuid.UUID, from, to domain.Lifecycle) (int64, error) {
	if !domain.ValidLifecycleTransition(from, to) {
		return 0, domain.ErrInvalidLifecycleTransition
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, id := range ids {
		for i := range m.events {
			if m.events[i].ID == id && m.events[i].Lifecycle == from {
				m.events[i].Lifecycle = to
				n++
			}
		}
	}
	return n, nil
}

func (m *memEpisodicStore) ReleaseClaim(ctx context.Context, ids []uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, id := range ids {
		for i := range m.events {
			if m.events[i].ID == id && m.events[i].Lifecycle == domain.LifecycleConsolidating {
				m.events[i].Lifecycle = domain.LifecycleActive
				m.released = append(m.released, id)
				n++
			}
		}
	}
	return n, nil
}

func (m *memEpisodicStore) CountActiveBefore(ctx context.Context, projectID string, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e.ProjectID == projectID && e.Lifecycle == domain.LifecycleActive && e.Timestamp.Before(before) {
			n++
		}
	}
	return n, nil
}

func (m *memEpisodicStore) CountByLifecycle(ctx context.Context, projectID string) (map[domain.Lifecycle]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[domain.Lifecycle]int)
	for _, e := range m.events {
		if e.ProjectID == projectID {
			counts[e.Lifecycle]++
		}
	}
	return counts, nil
}

func (m *memEpisodicStore) LinkCausality(ctx context.Context, childID, parentID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.parents[childID] = parentID
	return nil
}

func (m *memEpisodicStore) Archive(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.events {
		if m.events[i].ID == id {
			m.events[i].Lifecycle = domain.LifecycleArchived
			return nil
		}
	}
	return domain.ErrNotFound
}

func (m *memEpisodicStore) lifecycleOf(id uuid.UUID) domain.Lifecycle {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e.ID == id {
			return e.Lifecycle
		}
	}
	return ""
}

type memSemanticStore struct {
	mu       sync.Mutex
	memories []domain.SemanticMemory
	touched  []uuid.UUID
}

func newMemSemanticStore() *memSemanticStore {
	return &memSemanticStore{}
}

func (m *memSemanticStore) Upsert(ctx context.Context, mem *domain.SemanticMemory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mem.Hash == "" {
		h, err := mem.ContentHash()
		if err != nil {
			return err
		}
		mem.Hash = h
	}
	for i := range m.memories {
		if m.memories[i].ProjectID == mem.ProjectID && m.memories[i].Hash == mem.Hash {
			mem.ID = m.memories[i].ID
			m.memories[i] = *mem
			return nil
		}
	}
	if mem.ID == uuid.Nil {
		mem.ID = uuid.New()
	}
	if mem.ConsolidationState == "" {
		mem.ConsolidationState = domain.StateUnconsolidated
	}
	m.memories = append(m.memories, *mem)
	return nil
}

func (m *memSemanticStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.SemanticMemory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.memories {
		if m.memories[i].ID == id {
			mem := m.memories[i]
			return &mem, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memSemanticStore) FetchByIDs(ctx context.Context, ids []uuid.UUID) ([]domain.SemanticMemory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.SemanticMemory
	for _, id := range ids {
		for _, mem := range m.memories {
			if mem.ID == id {
				out = append(out, mem)
			}
		}
	}
	return out, nil
}

func (m *memSemanticStore) Delete(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.memories {
		if m.memories[i].ID == id {
			m.memories = append(m.memories[:i], m.memories[i+1:]...)
			return nil
		}
	}
	return domain.ErrNotFound
}

func (m *memSemanticStore) Search(ctx context.Context, projectID string, query string, embedding []float32, p domain.SearchParams) ([]domain.SemanticWithScore, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.SemanticWithScore
	for _, mem := range m.memories {
		if mem.ProjectID != projectID {
			continue
		}
		if p.MemoryType != "" && mem.MemoryType != p.MemoryType {
			continue
		}
		var vec float32
		if len(embedding) > 0 && len(mem.Embedding) > 0 {
			vec = cosineSimilarity(embedding, mem.Embedding)
		}
		var lex float32
		if query != "" && containsAnyWord(mem.Content, query) {
			lex = 0.8
		}
		score := maxf(vec, lex)
		if score < p.MinSimilarity {
			continue
		}
		out = append(out, domain.SemanticWithScore{
			SemanticMemory: mem,
			Score:          score,
			VectorScore:    vec,
			LexicalScore:   lex,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if p.K > 0 && len(out) > p.K {
		out = out[:p.K]
	}
	return out, nil
}

func containsAnyWord(content, query string) bool {
	content = strings.ToLower(content)
	for _, w := range strings.Fields(strings.ToLower(query)) {
		if len(w) > 3 && strings.Contains(content, w) {
			return true
		}
	}
	return false
}

func maxf(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}

func (m *memSemanticStore) FindSimilar(ctx context.Context, projectID string, embedding []float32, threshold float32, limit int) ([]domain.SemanticWithScore, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.SemanticWithScore
	for _, mem := range m.memories {
		if mem.ProjectID != projectID || len(mem.Embedding) == 0 {
			continue
		}
		score := cosineSimilarity(embedding, mem.Embedding)
		if score >= threshold {
			out = append(out, domain.SemanticWithScore{SemanticMemory: mem, Score: score, VectorScore: score})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memSemanticStore) List(ctx context.Context, projectID string, f domain.SemanticFilter, limit, offset int) ([]domain.SemanticMemory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.SemanticMemory
	for _, mem := range m.memories {
		if mem.ProjectID != projectID {
			continue
		}
		if f.MemoryType != "" && mem.MemoryType != f.MemoryType {
			continue
		}
		if f.State != "" && mem.ConsolidationState != f.State {
			continue
		}
		if mem.Confidence < f.MinConfidence {
			continue
		}
		out = append(out, mem)
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memSemanticStore) Count(ctx context.Context, projectID string, f domain.SemanticFilter) (int, error) {
	items, _ := m.List(ctx, projectID, f, 0, 0)
	return len(items), nil
}

func (m *memSemanticStore) ReferencedBy(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []uuid.UUID
	for _, mem := range m.memories {
		if mem.ConsolidationState != domain.StateConsolidated {
			continue
		}
		for _, p := range mem.Provenance {
			if p == id {
				out = append(out, mem.ID)
			}
		}
	}
	return out, nil
}

func (m *memSemanticStore) TouchAccessed(ctx context.Context, ids []uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touched = append(m.touched, ids...)
	return nil
}

func (m *memSemanticStore) UpdateConfidence(ctx context.Context, id uuid.UUID, confidence float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.memories {
		if m.memories[i].ID == id {
			m.memories[i].Confidence = confidence
			return nil
		}
	}
	return domain.ErrNotFound
}

type memProcedureStore struct {
	mu         sync.Mutex
	procedures []domain.Procedure
	executions map[uuid.UUID][]bool
}

func newMemProcedureStore() *memProcedureStore {
	return &memProcedureStore{executions: make(map[uuid.UUID][]bool)}
}

func (m *memProcedureStore) Create(ctx context.Context, p *domain.Procedure) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Version == 0 {
		p.Version = 1
	}
	m.procedures = append(m.procedures, *p)
	return nil
}

func (m *memProcedureStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Procedure, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.procedures {
		if m.procedures[i].ID == id {
			p := m.procedures[i]
			return &p, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memProcedureStore) GetLatest(ctx context.Context, projectID, name string) (*domain.Procedure, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *domain.Procedure
	for i := range m.procedures {
		p := &m.procedures[i]
		if p.ProjectID == projectID && p.Name == name {
			if latest == nil || p.Version > latest.Version {
				latest = p
			}
		}
	}
	if latest == nil {
		return nil, domain.ErrNotFound
	}
	p := *latest
	return &p, nil
}

func (m *memProcedureStore) Versions(ctx context.Context, projectID, name string) ([]domain.Procedure, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Procedure
	for _, p := range m.procedures {
		if p.ProjectID == projectID && p.Name == name {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (m *memProcedureStore) CreateNewVersion(ctx context.Context, p *domain.Procedure) error {
	latest, err := m.GetLatest(ctx, p.ProjectID, p.Name)
	if err != nil {
		p.Version = 1
	} else {
		p.Version = latest.Version + 1
	}
	p.ID = uuid.New()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.procedures = append(m.procedures, *p)
	return nil
}

func (m *memProcedureStore) FindByTrigger(ctx context.Context, projectID string, embedding []float32, keywords []string, limit int) ([]domain.ProcedureWithScore, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ProcedureWithScore
	for _, p := range m.procedures {
		if p.ProjectID != projectID {
			continue
		}
		var score float32
		if len(embedding) > 0 && len(p.TriggerEmbedding) > 0 {
			score = cosineSimilarity(embedding, p.TriggerEmbedding)
		}
		for _, kw := range keywords {
			for _, tk := range p.TriggerKeywords {
				if strings.EqualFold(kw, tk) {
					score = maxf(score, 0.7)
				}
			}
		}
		if score > 0 {
			out = append(out, domain.ProcedureWithScore{Procedure: p, Score: score})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memProcedureStore) RecordExecution(ctx context.Context, id uuid.UUID, success bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executions[id] = append(m.executions[id], success)
	for i := range m.procedures {
		if m.procedures[i].ID == id {
			m.procedures[i].ExecutionCount++
			return nil
		}
	}
	return domain.ErrNotFound
}

func (m *memProcedureStore) List(ctx context.Context, projectID, category string, limit, offset int) ([]domain.Procedure, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Procedure
	for _, p := range m.procedures {
		if p.ProjectID == projectID && (category == "" || p.Category == category) {
			out = append(out, p)
		}
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memProcedureStore) Count(ctx context.Context, projectID, category string) (int, error) {
	items, _ := m.List(ctx, projectID, category, 0, 0)
	return len(items), nil
}

type memTaskStore struct {
	mu    sync.Mutex
	tasks []domain.Task
	deps  map[uuid.UUID][]uuid.UUID
}

func newMemTaskStore() *memTaskStore {
	return &memTaskStore{deps: make(map[uuid.UUID][]uuid.UUID)}
}

func (m *memTaskStore) Create(ctx context.Context, t *domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.Status == "" {
		t.Status = domain.TaskPending
	}
	m.tasks = append(m.tasks, *t)
	return nil
}

func (m *memTaskStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.tasks {
		if m.tasks[i].ID == id {
			t := m.tasks[i]
			t.Dependencies = m.deps[id]
			return &t, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memTaskStore) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.TaskStatus) error {
	return m.update(id, func(t *domain.Task) { t.Status = status })
}

func (m *memTaskStore) UpdatePhase(ctx context.Context, id uuid.UUID, phase domain.TaskPhase) error {
	return m.update(id, func(t *domain.Task) { t.Phase = phase })
}

func (m *memTaskStore) UpdateProgress(ctx context.Context, id uuid.UUID, progress float32) error {
	return m.update(id, func(t *domain.Task) { t.Progress = progress })
}

func (m *memTaskStore) update(id uuid.UUID, fn func(*domain.Task)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.tasks {
		if m.tasks[i].ID == id {
			fn(&m.tasks[i])
			return nil
		}
	}
	return domain.ErrNotFound
}

func (m *memTaskStore) AddDependency(ctx context.Context, taskID, dependsOn uuid.UUID) error {
	cyclic, err := m.DependencyPathExists(ctx, dependsOn, taskID)
	if err != nil {
		return err
	}
	if cyclic {
		return domain.ErrIntegrityViolation
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deps[taskID] = append(m.deps[taskID], dependsOn)
	return nil
}

func (m *memTaskStore) DependencyPathExists(ctx context.Context, from, to uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[uuid.UUID]bool{}
	queue := []uuid.UUID{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == to {
			return true, nil
		}
		if seen[cur] {
			continue
		}
		seen[cur] = true
		queue = append(queue, m.deps[cur]...)
	}
	return false, nil
}

func (m *memTaskStore) Subtasks(ctx context.Context, parentID uuid.UUID) ([]domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Task
	for _, t := range m.tasks {
		if t.ParentID != nil && *t.ParentID == parentID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memTaskStore) List(ctx context.Context, projectID string, f domain.TaskFilter, limit, offset int) ([]domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Task
	for _, t := range m.tasks {
		if t.ProjectID != projectID {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.Phase != "" && t.Phase != f.Phase {
			continue
		}
		if f.ParentID != nil && (t.ParentID == nil || *t.ParentID != *f.ParentID) {
			continue
		}
		if f.DueBy != nil && (t.Deadline == nil || t.Deadline.After(*f.DueBy)) {
			continue
		}
		out = append(out, t)
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memTaskStore) Count(ctx context.Context, projectID string, f domain.TaskFilter) (int, error) {
	items, _ := m.List(ctx, projectID, f, 0, 0)
	return len(items), nil
}

func (m *memTaskStore) ListWithTriggers(ctx context.Context, projectID string) ([]domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Task
	for _, t := range m.tasks {
		if t.ProjectID == projectID && len(t.Triggers) > 0 &&
			(t.Status == domain.TaskPending || t.Status == domain.TaskActive) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memTaskStore) DueBefore(ctx context.Context, projectID string, at time.Time, limit int) ([]domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Task
	for _, t := range m.tasks {
		if t.ProjectID == projectID && t.Deadline != nil && t.Deadline.Before(at) &&
			t.Status != domain.TaskCompleted && t.Status != domain.TaskCancelled {
			out = append(out, t)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memGraphStore struct {
	mu          sync.Mutex
	entities    []domain.Entity
	relations   []domain.Relation
	communities []domain.Community
}

func newMemGraphStore() *memGraphStore {
	return &memGraphStore{}
}

func (m *memGraphStore) UpsertEntity(ctx context.Context, e *domain.Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.entities {
		if m.entities[i].ProjectID == e.ProjectID && m.entities[i].Name == e.Name {
			e.ID = m.entities[i].ID
			m.entities[i] = *e
			return nil
		}
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	m.entities = append(m.entities, *e)
	return nil
}

func (m *memGraphStore) GetEntity(ctx context.Context, id uuid.UUID) (*domain.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.entities {
		if m.entities[i].ID == id {
			e := m.entities[i]
			return &e, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memGraphStore) FindEntityByName(ctx context.Context, projectID, name string) (*domain.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.entities {
		if m.entities[i].ProjectID == projectID && m.entities[i].Name == name {
			e := m.entities[i]
			return &e, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memGraphStore) SearchEntities(ctx context.Context, projectID string, embedding []float32, query string, limit int) ([]domain.EntityWithScore, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.EntityWithScore
	for _, e := range m.entities {
		if e.ProjectID != projectID {
			continue
		}
		var score float32
		if len(embedding) > 0 && len(e.Embedding) > 0 {
			score = cosineSimilarity(embedding, e.Embedding)
		}
		if query != "" && strings.Contains(strings.ToLower(e.Name), strings.ToLower(query)) {
			score = maxf(score, 0.9)
		}
		if score > 0 {
			out = append(out, domain.EntityWithScore{Entity: e, Score: score})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memGraphStore) EntityCount(ctx context.Context, projectID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entities {
		if e.ProjectID == projectID {
			n++
		}
	}
	return n, nil
}

func (m *memGraphStore) UpsertRelation(ctx context.Context, r *domain.Relation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasEntityLocked(r.FromEntity) || !m.hasEntityLocked(r.ToEntity) {
		return fmt.Errorf("%w: relation endpoint", domain.ErrNotFound)
	}
	for i := range m.relations {
		ex := &m.relations[i]
		if ex.FromEntity == r.FromEntity && ex.ToEntity == r.ToEntity && ex.RelationType == r.RelationType {
			ex.ObservedCount++
			ex.Weight = r.Weight
			*r = *ex
			return nil
		}
	}
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	r.ObservedCount = 1
	m.relations = append(m.relations, *r)
	return nil
}

func (m *memGraphStore) hasEntityLocked(id uuid.UUID) bool {
	for i := range m.entities {
		if m.entities[i].ID == id {
			return true
		}
	}
	return false
}

func (m *memGraphStore) GetRelations(ctx context.Context, entityID uuid.UUID, types []domain.RelationType) ([]domain.Relation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Relation
	for _, r := range m.relations {
		if r.FromEntity != entityID && r.ToEntity != entityID {
			continue
		}
		if len(types) > 0 {
			found := false
			for _, t := range types {
				if r.RelationType == t {
					found = true
				}
			}
			if !found {
				continue
			}
		}
		out = append(out, r)
	}
	return out, nil
}

func (m *memGraphStore) RelationCount(ctx context.Context, projectID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.relations {
		if r.ProjectID == projectID {
			n++
		}
	}
	return n, nil
}

func (m *memGraphStore) Neighborhood(ctx context.Context, entityID uuid.UUID, depth int, types []domain.RelationType) (*domain.Neighborhood, error) {
	center, err := m.GetEntity(ctx, entityID)
	if err != nil {
		return nil, err
	}
	seen := map[uuid.UUID]bool{entityID: true}
	frontier := []uuid.UUID{entityID}
	nb := &domain.Neighborhood{Center: *center, Depth: depth}
	for d := 0; d < depth; d++ {
		var next []uuid.UUID
		for _, id := range frontier {
			rels, _ := m.GetRelations(ctx, id, types)
			for _, r := range rels {
				nb.Relations = append(nb.Relations, r)
				for _, other := range []uuid.UUID{r.FromEntity, r.ToEntity} {
					if !seen[other] {
						seen[other] = true
						if e, err := m.GetEntity(ctx, other); err == nil {
							nb.Entities = append(nb.Entities, *e)
						}
						next = append(next, other)
					}
				}
			}
		}
		frontier = next
	}
	return nb, nil
}

func (m *memGraphStore) ShortestPath(ctx context.Context, from, to uuid.UUID, maxDepth int) (*domain.GraphPath, error) {
	parent := map[uuid.UUID]uuid.UUID{}
	seen := map[uuid.UUID]bool{from: true}
	frontier := []uuid.UUID{from}
	for d := 0; d < maxDepth && len(frontier) > 0; d++ {
		var next []uuid.UUID
		for _, id := range frontier {
			rels, _ := m.GetRelations(ctx, id, nil)
			for _, r := range rels {
				other := r.ToEntity
				if other == id {
					other = r.FromEntity
				}
				if seen[other] {
					continue
				}
				seen[other] = true
				parent[other] = id
				if other == to {
					var path []uuid.UUID
					for cur := to; ; cur = parent[cur] {
						path = append([]uuid.UUID{cur}, path...)
						if cur == from {
							break
						}
					}
					return &domain.GraphPath{Entities: path, Length: len(path) - 1}, nil
				}
				next = append(next, other)
			}
		}
		frontier = next
	}
	return nil, domain.ErrNotFound
}

func (m *memGraphStore) AllRelations(ctx context.Context, projectID string) ([]domain.Relation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Relation
	for _, r := range m.relations {
		if r.ProjectID == projectID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memGraphStore) AllEntityIDs(ctx context.Context, projectID string) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []uuid.UUID
	for _, e := range m.entities {
		if e.ProjectID == projectID {
			out = append(out, e.ID)
		}
	}
	return out, nil
}

func (m *memGraphStore) ReplaceCommunities(ctx context.Context, projectID string, level int, partitionSeq int64, communities []domain.Community) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []domain.Community
	for _, c := range m.communities {
		if c.ProjectID != projectID || c.Level != level {
			kept = append(kept, c)
		}
	}
	for i := range communities {
		communities[i].ProjectID = projectID
		communities[i].Level = level
		communities[i].PartitionSeq = partitionSeq
		if communities[i].ID == uuid.Nil {
			communities[i].ID = uuid.New()
		}
	}
	m.communities = append(kept, communities...)
	return nil
}

func (m *memGraphStore) Communities(ctx context.Context, projectID string, level int) ([]domain.Community, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Community
	for _, c := range m.communities {
		if c.ProjectID == projectID && c.Level == level {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memGraphStore) CommunityOf(ctx context.Context, entityID uuid.UUID) (*domain.Community, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.communities {
		for _, member := range c.MemberEntities {
			if member == entityID {
				cc := c
				return &cc, nil
			}
		}
	}
	return nil, domain.ErrNotFound
}

type memMetaStore struct {
	mu      sync.Mutex
	records map[string]*domain.MetaRecord
	weights map[domain.RecallLayer]float32
}

func newMemMetaStore() *memMetaStore {
	return &memMetaStore{records: make(map[string]*domain.MetaRecord)}
}

func metaKey(projectID string, kind domain.SubjectKind, subjectID string) string {
	return projectID + "|" + string(kind) + "|" + subjectID
}

func (m *memMetaStore) RecordSample(ctx context.Context, projectID string, kind domain.SubjectKind, subjectID string, sample domain.QualityMetrics) (*domain.MetaRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := metaKey(projectID, kind, subjectID)
	rec, ok := m.records[key]
	if !ok {
		rec = &domain.MetaRecord{
			ProjectID:       projectID,
			SubjectKind:     kind,
			SubjectID:       subjectID,
			Quality:         sample,
			AttentionWeight: 1.0,
		}
		m.records[key] = rec
	} else {
		const alpha = 0.3
		rec.Quality.Compression = alpha*sample.Compression + (1-alpha)*rec.Quality.Compression
		rec.Quality.Recall = alpha*sample.Recall + (1-alpha)*rec.Quality.Recall
		rec.Quality.Consistency = alpha*sample.Consistency + (1-alpha)*rec.Quality.Consistency
	}
	rec.SampleCount++
	rec.LastEvaluated = time.Now()
	out := *rec
	return &out, nil
}

func (m *memMetaStore) Get(ctx context.Context, projectID string, kind domain.SubjectKind, subjectID string) (*domain.MetaRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[metaKey(projectID, kind, subjectID)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := *rec
	return &out, nil
}

func (m *memMetaStore) ListByKind(ctx context.Context, projectID string, kind domain.SubjectKind, limit int) ([]domain.MetaRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.MetaRecord
	for _, rec := range m.records {
		if rec.ProjectID == projectID && rec.SubjectKind == kind {
			out = append(out, *rec)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memMetaStore) UpdateAttention(ctx context.Context, projectID string, kind domain.SubjectKind, subjectID string, weight float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[metaKey(projectID, kind, subjectID)]
	if !ok {
		return domain.ErrNotFound
	}
	rec.AttentionWeight = weight
	return nil
}

func (m *memMetaStore) LayerWeights(ctx context.Context, projectID string) (map[domain.RecallLayer]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	weights := make(map[domain.RecallLayer]float32)
	for _, layer := range domain.AllRecallLayers {
		weights[layer] = 1.0
	}
	for k, v := range m.weights {
		weights[k] = v
	}
	return weights, nil
}

type memWorkingMemoryStore struct {
	mu    sync.Mutex
	items []domain.WorkingMemoryItem
}

func newMemWorkingMemoryStore() *memWorkingMemoryStore {
	return &memWorkingMemoryStore{}
}

func (m *memWorkingMemoryStore) Insert(ctx context.Context, item *domain.WorkingMemoryItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	if item.LastAccessed.IsZero() {
		item.LastAccessed = time.Now()
	}
	m.items = append(m.items, *item)
	return nil
}

func (m *memWorkingMemoryStore) Delete(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.items {
		if m.items[i].ID == id {
			m.items = append(m.items[:i], m.items[i+1:]...)
			return nil
		}
	}
	return domain.ErrNotFound
}

func (m *memWorkingMemoryStore) DeleteAll(ctx context.Context, projectID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []domain.WorkingMemoryItem
	var n int64
	for _, it := range m.items {
		if it.ProjectID == projectID {
			n++
		} else {
			kept = append(kept, it)
		}
	}
	m.items = kept
	return n, nil
}

func (m *memWorkingMemoryStore) ListByProject(ctx context.Context, projectID string) ([]domain.WorkingMemoryItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.WorkingMemoryItem
	for _, it := range m.items {
		if it.ProjectID == projectID {
			out = append(out, it)
		}
	}
	return out, nil
}

func (m *memWorkingMemoryStore) Touch(ctx context.Context, id uuid.UUID, activation float32, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.items {
		if m.items[i].ID == id {
			m.items[i].Activation = activation
			m.items[i].LastAccessed = at
			return nil
		}
	}
	return domain.ErrNotFound
}

func (m *memWorkingMemoryStore) Count(ctx context.Context, projectID string) (int, error) {
	items, _ := m.ListByProject(ctx, projectID)
	return len(items), nil
}

func (m *memWorkingMemoryStore) Projects(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for _, it := range m.items {
		if !seen[it.ProjectID] {
			seen[it.ProjectID] = true
			out = append(out, it.ProjectID)
		}
	}
	return out, nil
}

type memSessionStore struct {
	mu       sync.Mutex
	sessions []domain.SessionContext
}

func newMemSessionStore() *memSessionStore {
	return &memSessionStore{}
}

func (m *memSessionStore) Create(ctx context.Context, s *domain.SessionContext) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.SessionID == uuid.Nil {
		s.SessionID = uuid.New()
	}
	if s.StartedAt.IsZero() {
		s.StartedAt = time.Now()
	}
	m.sessions = append(m.sessions, *s)
	return nil
}

func (m *memSessionStore) GetByID(ctx context.Context, sessionID uuid.UUID) (*domain.SessionContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.sessions {
		if m.sessions[i].SessionID == sessionID {
			s := m.sessions[i]
			return &s, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memSessionStore) UpdateContext(ctx context.Context, sessionID uuid.UUID, task, phase string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.sessions {
		if m.sessions[i].SessionID == sessionID {
			if task != "" {
				m.sessions[i].Task = task
			}
			if phase != "" {
				m.sessions[i].Phase = phase
			}
			return nil
		}
	}
	return domain.ErrNotFound
}

func (m *memSessionStore) End(ctx context.Context, sessionID uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.sessions {
		if m.sessions[i].SessionID == sessionID {
			m.sessions[i].EndedAt = &at
			return nil
		}
	}
	return domain.ErrNotFound
}

func (m *memSessionStore) IncrementEventCount(ctx context.Context, sessionID uuid.UUID, by int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.sessions {
		if m.sessions[i].SessionID == sessionID {
			m.sessions[i].EventCount += by
			return nil
		}
	}
	return domain.ErrNotFound
}

func (m *memSessionStore) ListActive(ctx context.Context, projectID string, limit int) ([]domain.SessionContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.SessionContext
	for _, s := range m.sessions {
		if s.ProjectID == projectID && s.EndedAt == nil {
			out = append(out, s)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memSessionStore) ListRecent(ctx context.Context, projectID string, limit, offset int) ([]domain.SessionContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.SessionContext
	for _, s := range m.sessions {
		if s.ProjectID == projectID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
