package llm

import (
	"fmt"
	"strings"

	"github.com/shawkridge/athena/internal/config"
	"github.com/shawkridge/athena/internal/domain"
)

// Provider constants
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderMock      = "mock"
)

// NewClient creates an LLM client based on the configured provider.
// Returns an error if the provider is unknown or the API key is empty
// (except for mock).
func NewClient(cfg config.LLMConfig) (domain.LLMClient, error) {
	switch cfg.Provider {
	case ProviderOpenAI:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("%w: llm.api_key is required for the OpenAI provider", domain.ErrConfig)
		}
		return NewOpenAIClient(cfg), nil

	case ProviderAnthropic:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("%w: llm.api_key is required for the Anthropic provider", domain.ErrConfig)
		}
		return NewAnthropicClient(cfg), nil

	case ProviderMock:
		return NewMockClient(), nil

	default:
		return nil, fmt.Errorf("%w: unknown LLM provider %q (valid options: openai, anthropic, mock)",
			domain.ErrConfig, cfg.Provider)
	}
}

// stripFences removes the markdown code fences some models wrap JSON in.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// renderEvents formats a cluster of events for the extraction prompt, each
// prefixed with its index so source_indices can refer back.
func renderEvents(events []domain.EpisodicEvent) string {
	var sb strings.Builder
	for i, e := range events {
		fmt.Fprintf(&sb, "[%d] (%s) %s\n", i, e.EventType, e.Content)
	}
	return sb.String()
}

// clampExtraction drops records with invalid types and clamps confidence
// into [0,1]. Indices outside the cluster are removed.
func clampExtraction(records []domain.ExtractedSemantic, clusterSize int) []domain.ExtractedSemantic {
	out := records[:0]
	for _, r := range records {
		if !domain.ValidSemanticType(string(r.MemoryType)) {
			continue
		}
		if r.Confidence < 0 {
			r.Confidence = 0
		}
		if r.Confidence > 1 {
			r.Confidence = 1
		}
		idx := r.SourceIndices[:0]
		for _, i := range r.SourceIndices {
			if i >= 0 && i < clusterSize {
				idx = append(idx, i)
			}
		}
		r.SourceIndices = idx
		out = append(out, r)
	}
	return out
}
