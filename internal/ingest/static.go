package ingest

import (
	"context"
	"fmt"
	"sync"

	"github.com/shawkridge/athena/internal/domain"
)

// StaticSource replays a fixed slice of events. Used by tests and by the
// seed tooling; also the simplest possible reference for writing adapters.
type StaticSource struct {
	id        string
	projectID string

	mu     sync.Mutex
	events []domain.EpisodicEvent
}

func NewStaticSource(id, projectID string, events []domain.EpisodicEvent) *StaticSource {
	return &StaticSource{id: id, projectID: projectID, events: events}
}

func newStaticSource(spec SourceSpec) (EventSource, error) {
	src := NewStaticSource(spec.ID, spec.ProjectID, nil)
	raw, ok := spec.Config["events"]
	if !ok {
		return src, nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: static source events must be a list", domain.ErrInvalidInput)
	}
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		e := domain.EpisodicEvent{
			ProjectID: spec.ProjectID,
			SourceID:  spec.ID,
			EventType: domain.EventExternal,
		}
		if s, ok := m["content"].(string); ok {
			e.Content = s
		}
		if s, ok := m["event_type"].(string); ok && domain.ValidEventType(s) {
			e.EventType = domain.EventType(s)
		}
		if sc, ok := m["structured_context"].(map[string]any); ok {
			e.StructuredContext = sc
		}
		src.Append(e)
	}
	return src, nil
}

// Append adds events for a later Generate call.
func (s *StaticSource) Append(events ...domain.EpisodicEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
}

func (s *StaticSource) ID() string   { return s.id }
func (s *StaticSource) Kind() string { return "static" }

func (s *StaticSource) Validate(ctx context.Context) error { return nil }

func (s *StaticSource) Generate(ctx context.Context) (<-chan domain.EpisodicEvent, error) {
	s.mu.Lock()
	events := make([]domain.EpisodicEvent, len(s.events))
	copy(events, s.events)
	s.mu.Unlock()

	ch := make(chan domain.EpisodicEvent)
	go func() {
		defer close(ch)
		for _, e := range events {
			if e.ProjectID == "" {
				e.ProjectID = s.projectID
			}
			if e.SourceID == "" {
				e.SourceID = s.id
			}
			select {
			case ch <- e:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}
