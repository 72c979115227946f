package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shawkridge/athena/internal/config"
	"github.com/shawkridge/athena/internal/domain"
)

const (
	openAIChatURL      = "https://api.openai.com/v1/chat/completions"
	defaultOpenAIModel = "gpt-4o-mini"
)

// OpenAIClient calls the OpenAI chat completions API directly.
type OpenAIClient struct {
	apiKey     string
	model      string
	maxTokens  int
	httpClient *http.Client
}

func NewOpenAIClient(cfg config.LLMConfig) *OpenAIClient {
	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAIClient{
		apiKey:    cfg.APIKey,
		model:     model,
		maxTokens: cfg.MaxTokens,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond,
		},
	}
}

// chat types for OpenAI API
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float32       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *OpenAIClient) complete(ctx context.Context, prompt string, temp float32, maxTokens int) (string, error) {
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	body, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: temp,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, openAIChatURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		kind := domain.LLMProviderError
		if errors.Is(err, context.DeadlineExceeded) {
			kind = domain.LLMTimeout
		}
		return "", &domain.LLMError{Kind: kind, Provider: ProviderOpenAI, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &domain.LLMError{Kind: domain.LLMProviderError, Provider: ProviderOpenAI, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return "", &domain.LLMError{
			Kind:     domain.LLMProviderError,
			Provider: ProviderOpenAI,
			Err:      fmt.Errorf("status %d: %s", resp.StatusCode, string(respBody)),
		}
	}

	var result chatResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", &domain.LLMError{Kind: domain.LLMInvalidResponse, Provider: ProviderOpenAI, Err: err}
	}
	if result.Error != nil {
		return "", &domain.LLMError{
			Kind:     domain.LLMProviderError,
			Provider: ProviderOpenAI,
			Err:      errors.New(result.Error.Message),
		}
	}
	if len(result.Choices) == 0 {
		return "", &domain.LLMError{
			Kind:     domain.LLMInvalidResponse,
			Provider: ProviderOpenAI,
			Err:      errors.New("no choices in response"),
		}
	}
	return strings.TrimSpace(result.Choices[0].Message.Content), nil
}

func (c *OpenAIClient) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	return c.complete(ctx, prompt, 0.3, maxTokens)
}

func (c *OpenAIClient) ExtractSemantic(ctx context.Context, events []domain.EpisodicEvent) ([]domain.ExtractedSemantic, error) {
	result, err := c.complete(ctx, fmt.Sprintf(semanticExtractionPrompt, renderEvents(events)), 0.2, 0)
	if err != nil {
		return nil, fmt.Errorf("extract semantic: %w", err)
	}

	var extracted []domain.ExtractedSemantic
	if err := json.Unmarshal([]byte(stripFences(result)), &extracted); err != nil {
		return nil, &domain.LLMError{
			Kind:     domain.LLMInvalidResponse,
			Provider: ProviderOpenAI,
			Err:      fmt.Errorf("parse extraction result: %w (raw: %s)", err, result),
		}
	}
	return clampExtraction(extracted, len(events)), nil
}

func (c *OpenAIClient) ExtractGraph(ctx context.Context, text string) (*domain.GraphExtraction, error) {
	result, err := c.complete(ctx, fmt.Sprintf(graphExtractionPrompt, text), 0.2, 0)
	if err != nil {
		return nil, fmt.Errorf("extract graph: %w", err)
	}

	var extraction domain.GraphExtraction
	if err := json.Unmarshal([]byte(stripFences(result)), &extraction); err != nil {
		return nil, &domain.LLMError{
			Kind:     domain.LLMInvalidResponse,
			Provider: ProviderOpenAI,
			Err:      fmt.Errorf("parse graph extraction: %w (raw: %s)", err, result),
		}
	}
	return &extraction, nil
}

func (c *OpenAIClient) Summarize(ctx context.Context, texts []string) (string, error) {
	var sb strings.Builder
	for i, t := range texts {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, t)
	}
	result, err := c.complete(ctx, fmt.Sprintf(summarizeTextsPrompt, sb.String()), 0.3, 0)
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	return result, nil
}

func (c *OpenAIClient) ExpandQuery(ctx context.Context, query string, n int) ([]string, error) {
	result, err := c.complete(ctx, fmt.Sprintf(queryExpansionPrompt, n, query), 0.7, 256)
	if err != nil {
		return nil, fmt.Errorf("expand query: %w", err)
	}

	var expansions []string
	if err := json.Unmarshal([]byte(stripFences(result)), &expansions); err != nil {
		return nil, &domain.LLMError{
			Kind:     domain.LLMInvalidResponse,
			Provider: ProviderOpenAI,
			Err:      fmt.Errorf("parse expansions: %w (raw: %s)", err, result),
		}
	}
	if len(expansions) > n {
		expansions = expansions[:n]
	}
	return expansions, nil
}

func (c *OpenAIClient) Health(ctx context.Context) error {
	_, err := c.complete(ctx, "Reply with the single word: ok", 0, 8)
	return err
}
