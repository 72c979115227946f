package ingest

import (
	"context"
	"fmt"
	"sync"

	"github.com/shawkridge/athena/internal/domain"
)

// EventSource produces episodic events for the pipeline. Generate returns a
// channel the source closes when it is exhausted or the context is done;
// pull-based sources emit their backlog and close, push-based sources stay
// open until cancelled.
type EventSource interface {
	ID() string
	Kind() string
	Generate(ctx context.Context) (<-chan domain.EpisodicEvent, error)
	Validate(ctx context.Context) error
}

// IncrementalSource is implemented by sources that can resume from a durable
// cursor. The cursor blob is opaque to the pipeline.
type IncrementalSource interface {
	EventSource
	Cursor() []byte
	SetCursor(cursor []byte)
}

// SourceSpec describes one source to instantiate. Credentials and Config are
// kind-specific.
type SourceSpec struct {
	Kind        string            `json:"kind"`
	ID          string            `json:"id"`
	ProjectID   string            `json:"project_id"`
	Credentials map[string]string `json:"credentials,omitempty"`
	Config      map[string]any    `json:"config,omitempty"`
}

// Factory builds a source from its spec.
type Factory func(spec SourceSpec) (EventSource, error)

// Registry maps source kinds to factories. The built-in kinds are registered
// by NewRegistry; callers may add their own before the pipeline starts.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("static", newStaticSource)
	r.Register("jsonl", newJSONLSource)
	r.Register("file", newFileSource)
	return r
}

func (r *Registry) Register(kind string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// Create instantiates a source. An unregistered kind is a caller error, not
// something to retry.
func (r *Registry) Create(spec SourceSpec) (EventSource, error) {
	if spec.ID == "" {
		return nil, fmt.Errorf("%w: source id is required", domain.ErrInvalidInput)
	}
	if spec.ProjectID == "" {
		return nil, fmt.Errorf("%w: source project_id is required", domain.ErrInvalidInput)
	}

	r.mu.RLock()
	f, ok := r.factories[spec.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownSource, spec.Kind)
	}
	return f(spec)
}

func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	return kinds
}
