package ingest

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/shawkridge/athena/internal/domain"
)

// JSONLSource reads newline-delimited JSON event records from a file. The
// cursor is the byte offset of the first unread line, so restarting the
// pipeline picks up exactly where the last committed batch ended. Lines that
// fail to parse are skipped, not fatal: one corrupt record must not wedge the
// source forever.
type JSONLSource struct {
	id        string
	projectID string
	path      string
	offset    int64
}

type jsonlRecord struct {
	EventType         string         `json:"event_type"`
	Content           string         `json:"content"`
	StructuredContext map[string]any `json:"structured_context,omitempty"`
	SessionID         string         `json:"session_id,omitempty"`
	Timestamp         *time.Time     `json:"timestamp,omitempty"`
	Importance        float32        `json:"importance,omitempty"`
}

func NewJSONLSource(id, projectID, path string) *JSONLSource {
	return &JSONLSource{id: id, projectID: projectID, path: path}
}

func newJSONLSource(spec SourceSpec) (EventSource, error) {
	path, _ := spec.Config["path"].(string)
	if path == "" {
		return nil, fmt.Errorf("%w: jsonl source requires config.path", domain.ErrInvalidInput)
	}
	return NewJSONLSource(spec.ID, spec.ProjectID, path), nil
}

func (s *JSONLSource) ID() string   { return s.id }
func (s *JSONLSource) Kind() string { return "jsonl" }

func (s *JSONLSource) Validate(ctx context.Context) error {
	info, err := os.Stat(s.path)
	if err != nil {
		return fmt.Errorf("%w: jsonl source path: %v", domain.ErrInvalidInput, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: jsonl source path is a directory", domain.ErrInvalidInput)
	}
	return nil
}

// Cursor encodes the current byte offset.
func (s *JSONLSource) Cursor() []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(s.offset))
	return buf
}

func (s *JSONLSource) SetCursor(cursor []byte) {
	if len(cursor) == 8 {
		s.offset = int64(binary.BigEndian.Uint64(cursor))
	}
}

func (s *JSONLSource) Generate(ctx context.Context) (<-chan domain.EpisodicEvent, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open jsonl source: %w", err)
	}
	if s.offset > 0 {
		if _, err := f.Seek(s.offset, io.SeekStart); err != nil {
			f.Close()
			return nil, fmt.Errorf("seek jsonl source: %w", err)
		}
	}

	ch := make(chan domain.EpisodicEvent)
	go func() {
		defer close(ch)
		defer f.Close()

		reader := bufio.NewReader(f)
		for {
			line, err := reader.ReadBytes('\n')
			if len(line) == 0 && err != nil {
				return
			}
			// Only advance past complete lines; a trailing partial line is
			// re-read on the next run once the writer finishes it.
			if err == nil || err == io.EOF && line[len(line)-1] == '\n' {
				s.offset += int64(len(line))
			} else if err != nil {
				return
			}

			e, ok := s.parse(line)
			if !ok {
				continue
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

func (s *JSONLSource) parse(line []byte) (domain.EpisodicEvent, bool) {
	var rec jsonlRecord
	if err := json.Unmarshal(line, &rec); err != nil || rec.Content == "" {
		return domain.EpisodicEvent{}, false
	}

	e := domain.EpisodicEvent{
		ProjectID:         s.projectID,
		SourceID:          s.id,
		EventType:         domain.EventExternal,
		Content:           rec.Content,
		StructuredContext: rec.StructuredContext,
		Importance:        rec.Importance,
	}
	if domain.ValidEventType(rec.EventType) {
		e.EventType = domain.EventType(rec.EventType)
	}
	if rec.Timestamp != nil {
		e.Timestamp = *rec.Timestamp
	}
	return e, true
}

var _ IncrementalSource = (*JSONLSource)(nil)
