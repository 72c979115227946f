package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// CanonicalHash computes the SHA-256 of the canonical JSON encoding of v.
// encoding/json emits map keys in sorted order at every nesting level, which
// makes the digest independent of the order keys were supplied in.
func CanonicalHash(v map[string]any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("canonical hash: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// ContentHash derives the dedup hash of an episodic event from its identity
// fields. Assigned fields (id, timestamps, lifecycle, consolidation state,
// scores) are excluded so that a re-delivered event hashes identically.
func (e *EpisodicEvent) ContentHash() (string, error) {
	ident := map[string]any{
		"project_id": e.ProjectID,
		"source_id":  e.SourceID,
		"event_type": string(e.EventType),
		"content":    e.Content,
	}
	if e.SessionID != nil {
		ident["session_id"] = e.SessionID.String()
	}
	if len(e.StructuredContext) > 0 {
		ident["structured_context"] = e.StructuredContext
	}
	return CanonicalHash(ident)
}

// ContentHash derives the dedup hash of a semantic memory. Two memories with
// the same content and type in the same project are the same knowledge.
func (m *SemanticMemory) ContentHash() (string, error) {
	return CanonicalHash(map[string]any{
		"project_id":  m.ProjectID,
		"content":     m.Content,
		"memory_type": string(m.MemoryType),
	})
}
