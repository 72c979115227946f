package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shawkridge/athena/internal/config"
	"github.com/shawkridge/athena/internal/domain"
)

// LocalClient talks to a locally hosted embedding server (Ollama-style API:
// one prompt per request).
type LocalClient struct {
	endpoint   string
	model      string
	dimension  int
	httpClient *http.Client
}

func NewLocalClient(cfg config.EmbedConfig) *LocalClient {
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if !strings.HasSuffix(endpoint, "/api/embeddings") {
		endpoint += "/api/embeddings"
	}
	return &LocalClient{
		endpoint:  endpoint,
		model:     cfg.Model,
		dimension: cfg.Dimension,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond,
		},
	}
}

type localRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type localResponse struct {
	Embedding []float32 `json:"embedding"`
	Error     string    `json:"error,omitempty"`
}

func (c *LocalClient) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(localRequest{Model: c.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: embedding request: %v", domain.ErrConnection, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read embedding response: %v", domain.ErrConnection, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding server returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var result localResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("unmarshal embedding response: %w", err)
	}
	if result.Error != "" {
		return nil, fmt.Errorf("embedding server error: %s", result.Error)
	}
	if len(result.Embedding) != c.dimension {
		return nil, fmt.Errorf("%w: server returned %d dims, configured %d",
			domain.ErrDimensionMismatch, len(result.Embedding), c.dimension)
	}
	return result.Embedding, nil
}

// EmbedBatch issues one request per text; the local API has no batch form.
func (c *LocalClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := c.Embed(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("batch item %d: %w", i, err)
		}
		out[i] = vec
	}
	return out, nil
}

func (c *LocalClient) Dimension() int { return c.dimension }

func (c *LocalClient) Health(ctx context.Context) error {
	_, err := c.Embed(ctx, "ping")
	return err
}
