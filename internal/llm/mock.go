package llm

import (
	"context"
	"fmt"

	"github.com/shawkridge/athena/internal/domain"
)

// MockClient is a configurable LLM client for tests and offline operation.
// Set the response fields to control what each method returns; when a field
// is left nil the mock falls back to a deterministic heuristic so the
// consolidation path still produces output without a provider.
type MockClient struct {
	GenerateResponse        string
	GenerateError           error
	ExtractSemanticResponse []domain.ExtractedSemantic
	ExtractSemanticError    error
	ExtractGraphResponse    *domain.GraphExtraction
	ExtractGraphError       error
	SummarizeResponse       string
	SummarizeError          error
	ExpandQueryResponse     []string
	ExpandQueryError        error
	HealthError             error

	// Call tracking for assertions
	GenerateCalls        []string
	ExtractSemanticCalls [][]domain.EpisodicEvent
	ExtractGraphCalls    []string
	SummarizeCalls       [][]string
	ExpandQueryCalls     []string
}

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (c *MockClient) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	c.GenerateCalls = append(c.GenerateCalls, prompt)
	if c.GenerateError != nil {
		return "", c.GenerateError
	}
	if c.GenerateResponse != "" {
		return c.GenerateResponse, nil
	}
	return "mock response", nil
}

func (c *MockClient) ExtractSemantic(ctx context.Context, events []domain.EpisodicEvent) ([]domain.ExtractedSemantic, error) {
	c.ExtractSemanticCalls = append(c.ExtractSemanticCalls, events)
	if c.ExtractSemanticError != nil {
		return nil, c.ExtractSemanticError
	}
	if c.ExtractSemanticResponse != nil {
		return c.ExtractSemanticResponse, nil
	}
	if len(events) == 0 {
		return []domain.ExtractedSemantic{}, nil
	}

	// Heuristic: distill the cluster into one record covering every event.
	memType := domain.SemanticFact
	if len(events) > 1 {
		memType = domain.SemanticPattern
	}
	indices := make([]int, len(events))
	for i := range events {
		indices[i] = i
	}
	content := events[0].Content
	if len(content) > 120 {
		content = content[:120]
	}
	if len(events) > 1 {
		content = fmt.Sprintf("Across %d related events: %s", len(events), content)
	}
	return []domain.ExtractedSemantic{{
		Content:       content,
		MemoryType:    memType,
		Confidence:    0.6,
		SourceIndices: indices,
	}}, nil
}

func (c *MockClient) ExtractGraph(ctx context.Context, text string) (*domain.GraphExtraction, error) {
	c.ExtractGraphCalls = append(c.ExtractGraphCalls, text)
	if c.ExtractGraphError != nil {
		return nil, c.ExtractGraphError
	}
	if c.ExtractGraphResponse != nil {
		return c.ExtractGraphResponse, nil
	}
	return &domain.GraphExtraction{
		Entities:  []domain.ExtractedEntity{},
		Relations: []domain.ExtractedRelation{},
	}, nil
}

func (c *MockClient) Summarize(ctx context.Context, texts []string) (string, error) {
	c.SummarizeCalls = append(c.SummarizeCalls, texts)
	if c.SummarizeError != nil {
		return "", c.SummarizeError
	}
	if c.SummarizeResponse != "" {
		return c.SummarizeResponse, nil
	}
	if len(texts) == 0 {
		return "", nil
	}
	head := texts[0]
	if len(head) > 100 {
		head = head[:100]
	}
	return fmt.Sprintf("Summary of %d items: %s", len(texts), head), nil
}

func (c *MockClient) ExpandQuery(ctx context.Context, query string, n int) ([]string, error) {
	c.ExpandQueryCalls = append(c.ExpandQueryCalls, query)
	if c.ExpandQueryError != nil {
		return nil, c.ExpandQueryError
	}
	if c.ExpandQueryResponse != nil {
		return c.ExpandQueryResponse, nil
	}
	candidates := []string{
		"details about " + query,
		"how to " + query,
		query + " problems",
		"recent " + query,
	}
	if n < len(candidates) {
		candidates = candidates[:n]
	}
	return candidates, nil
}

func (c *MockClient) Health(ctx context.Context) error {
	return c.HealthError
}

// Reset clears all recorded calls and configured responses.
func (c *MockClient) Reset() {
	c.GenerateResponse = ""
	c.GenerateError = nil
	c.ExtractSemanticResponse = nil
	c.ExtractSemanticError = nil
	c.ExtractGraphResponse = nil
	c.ExtractGraphError = nil
	c.SummarizeResponse = ""
	c.SummarizeError = nil
	c.ExpandQueryResponse = nil
	c.ExpandQueryError = nil
	c.HealthError = nil
	c.GenerateCalls = nil
	c.ExtractSemanticCalls = nil
	c.ExtractGraphCalls = nil
	c.SummarizeCalls = nil
	c.ExpandQueryCalls = nil
}
