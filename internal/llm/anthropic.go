package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/shawkridge/athena/internal/config"
	"github.com/shawkridge/athena/internal/domain"
)

const defaultAnthropicModel = "claude-3-5-haiku-latest"

// AnthropicClient wraps the official Anthropic SDK.
type AnthropicClient struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
	timeout   time.Duration
}

func NewAnthropicClient(cfg config.LLMConfig) *AnthropicClient {
	model := cfg.Model
	if model == "" {
		model = defaultAnthropicModel
	}
	return &AnthropicClient{
		client:    anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:     anthropic.Model(model),
		maxTokens: int64(cfg.MaxTokens),
		timeout:   time.Duration(cfg.TimeoutMS) * time.Millisecond,
	}
}

func (c *AnthropicClient) complete(ctx context.Context, prompt string, maxTokens int) (string, error) {
	tokens := c.maxTokens
	if maxTokens > 0 {
		tokens = int64(maxTokens)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	message, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: tokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		kind := domain.LLMProviderError
		if errors.Is(err, context.DeadlineExceeded) {
			kind = domain.LLMTimeout
		}
		return "", &domain.LLMError{Kind: kind, Provider: ProviderAnthropic, Err: err}
	}

	if len(message.Content) == 0 {
		return "", &domain.LLMError{
			Kind:     domain.LLMInvalidResponse,
			Provider: ProviderAnthropic,
			Err:      errors.New("no content blocks in response"),
		}
	}
	block := message.Content[0]
	if block.Type != "text" {
		return "", &domain.LLMError{
			Kind:     domain.LLMInvalidResponse,
			Provider: ProviderAnthropic,
			Err:      fmt.Errorf("unexpected block type %q", block.Type),
		}
	}
	return strings.TrimSpace(block.Text), nil
}

func (c *AnthropicClient) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	return c.complete(ctx, prompt, maxTokens)
}

func (c *AnthropicClient) ExtractSemantic(ctx context.Context, events []domain.EpisodicEvent) ([]domain.ExtractedSemantic, error) {
	result, err := c.complete(ctx, fmt.Sprintf(semanticExtractionPrompt, renderEvents(events)), 0)
	if err != nil {
		return nil, fmt.Errorf("extract semantic: %w", err)
	}

	var extracted []domain.ExtractedSemantic
	if err := json.Unmarshal([]byte(stripFences(result)), &extracted); err != nil {
		return nil, &domain.LLMError{
			Kind:     domain.LLMInvalidResponse,
			Provider: ProviderAnthropic,
			Err:      fmt.Errorf("parse extraction result: %w (raw: %s)", err, result),
		}
	}
	return clampExtraction(extracted, len(events)), nil
}

func (c *AnthropicClient) ExtractGraph(ctx context.Context, text string) (*domain.GraphExtraction, error) {
	result, err := c.complete(ctx, fmt.Sprintf(graphExtractionPrompt, text), 0)
	if err != nil {
		return nil, fmt.Errorf("extract graph: %w", err)
	}

	var extraction domain.GraphExtraction
	if err := json.Unmarshal([]byte(stripFences(result)), &extraction); err != nil {
		return nil, &domain.LLMError{
			Kind:     domain.LLMInvalidResponse,
			Provider: ProviderAnthropic,
			Err:      fmt.Errorf("parse graph extraction: %w (raw: %s)", err, result),
		}
	}
	return &extraction, nil
}

func (c *AnthropicClient) Summarize(ctx context.Context, texts []string) (string, error) {
	var sb strings.Builder
	for i, t := range texts {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, t)
	}
	result, err := c.complete(ctx, fmt.Sprintf(summarizeTextsPrompt, sb.String()), 0)
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	return result, nil
}

func (c *AnthropicClient) ExpandQuery(ctx context.Context, query string, n int) ([]string, error) {
	result, err := c.complete(ctx, fmt.Sprintf(queryExpansionPrompt, n, query), 256)
	if err != nil {
		return nil, fmt.Errorf("expand query: %w", err)
	}

	var expansions []string
	if err := json.Unmarshal([]byte(stripFences(result)), &expansions); err != nil {
		return nil, &domain.LLMError{
			Kind:     domain.LLMInvalidResponse,
			Provider: ProviderAnthropic,
			Err:      fmt.Errorf("parse expansions: %w (raw: %s)", err, result),
		}
	}
	if len(expansions) > n {
		expansions = expansions[:n]
	}
	return expansions, nil
}

func (c *AnthropicClient) Health(ctx context.Context) error {
	_, err := c.complete(ctx, "Reply with the single word: ok", 8)
	return err
}
