package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// MockClient produces deterministic embeddings derived from the SHA-256 of
// the input text: the same text always maps to the same unit vector, and
// different texts land far apart. Used for tests and as the degraded-mode
// fallback when no real provider is reachable.
type MockClient struct {
	dimension int

	// Call tracking for assertions
	EmbedCalls      []string
	EmbedBatchCalls [][]string
}

func NewMockClient(dimension int) *MockClient {
	return &MockClient{dimension: dimension}
}

func (c *MockClient) Embed(ctx context.Context, text string) ([]float32, error) {
	c.EmbedCalls = append(c.EmbedCalls, text)
	return deterministicVector(text, c.dimension), nil
}

func (c *MockClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	c.EmbedBatchCalls = append(c.EmbedBatchCalls, texts)
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = deterministicVector(t, c.dimension)
	}
	return out, nil
}

func (c *MockClient) Dimension() int { return c.dimension }

func (c *MockClient) Health(ctx context.Context) error { return nil }

// deterministicVector expands the text's SHA-256 into dimension floats by
// hashing (digest || counter) blocks, then normalizes to unit length so
// cosine similarity behaves.
func deterministicVector(text string, dimension int) []float32 {
	seed := sha256.Sum256([]byte(text))
	vec := make([]float32, dimension)

	var block [32]byte
	copy(block[:], seed[:])
	filled := 0
	for counter := uint32(0); filled < dimension; counter++ {
		var buf [36]byte
		copy(buf[:32], block[:])
		binary.BigEndian.PutUint32(buf[32:], counter)
		h := sha256.Sum256(buf[:])
		for i := 0; i+4 <= len(h) && filled < dimension; i += 4 {
			bits := binary.BigEndian.Uint32(h[i : i+4])
			// Map to [-1, 1)
			vec[filled] = float32(int32(bits)) / float32(math.MaxInt32)
			filled++
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		vec[0] = 1
		return vec
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}
