package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/shawkridge/athena/internal/domain"
)

// FileSource watches a directory tree and emits a file_change event for every
// create, write, rename, or remove. It is push-based: the channel stays open
// until the context is cancelled.
type FileSource struct {
	id        string
	projectID string
	root      string
	recursive bool
}

func NewFileSource(id, projectID, root string, recursive bool) *FileSource {
	return &FileSource{id: id, projectID: projectID, root: root, recursive: recursive}
}

func newFileSource(spec SourceSpec) (EventSource, error) {
	root, _ := spec.Config["path"].(string)
	if root == "" {
		return nil, fmt.Errorf("%w: file source requires config.path", domain.ErrInvalidInput)
	}
	recursive := true
	if v, ok := spec.Config["recursive"].(bool); ok {
		recursive = v
	}
	return NewFileSource(spec.ID, spec.ProjectID, root, recursive), nil
}

func (s *FileSource) ID() string   { return s.id }
func (s *FileSource) Kind() string { return "file" }

func (s *FileSource) Validate(ctx context.Context) error {
	info, err := os.Stat(s.root)
	if err != nil {
		return fmt.Errorf("%w: file source path: %v", domain.ErrInvalidInput, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: file source path must be a directory", domain.ErrInvalidInput)
	}
	return nil
}

func (s *FileSource) Generate(ctx context.Context) (<-chan domain.EpisodicEvent, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	if err := s.addWatches(watcher); err != nil {
		watcher.Close()
		return nil, err
	}

	ch := make(chan domain.EpisodicEvent)
	go func() {
		defer close(ch)
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				// New directories need their own watch in recursive mode.
				if s.recursive && ev.Has(fsnotify.Create) {
					if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
						_ = watcher.Add(ev.Name)
					}
				}
				select {
				case ch <- s.toEvent(ev):
				case <-ctx.Done():
					return
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
				// Watcher errors are transient filesystem noise; keep going.
			}
		}
	}()
	return ch, nil
}

func (s *FileSource) addWatches(watcher *fsnotify.Watcher) error {
	if !s.recursive {
		return watcher.Add(s.root)
	}
	return filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}

func (s *FileSource) toEvent(ev fsnotify.Event) domain.EpisodicEvent {
	return domain.EpisodicEvent{
		ProjectID: s.projectID,
		SourceID:  s.id,
		EventType: domain.EventFileChange,
		Content:   fmt.Sprintf("%s %s", opName(ev.Op), ev.Name),
		StructuredContext: map[string]any{
			"path": ev.Name,
			"op":   opName(ev.Op),
		},
	}
}

func opName(op fsnotify.Op) string {
	switch {
	case op.Has(fsnotify.Create):
		return "created"
	case op.Has(fsnotify.Write):
		return "modified"
	case op.Has(fsnotify.Remove):
		return "removed"
	case op.Has(fsnotify.Rename):
		return "renamed"
	case op.Has(fsnotify.Chmod):
		return "chmod"
	default:
		return "changed"
	}
}
