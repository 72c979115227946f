package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shawkridge/athena/internal/config"
	"github.com/shawkridge/athena/internal/domain"
)

// RemoteClient talks to a hosted OpenAI-compatible embeddings endpoint.
type RemoteClient struct {
	endpoint   string
	apiKey     string
	model      string
	dimension  int
	batchMax   int
	httpClient *http.Client
}

const defaultRemoteEndpoint = "https://api.openai.com/v1/embeddings"

func NewRemoteClient(cfg config.EmbedConfig) *RemoteClient {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultRemoteEndpoint
	}
	return &RemoteClient{
		endpoint:  endpoint,
		apiKey:    cfg.APIKey,
		model:     cfg.Model,
		dimension: cfg.Dimension,
		batchMax:  cfg.BatchMax,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond,
		},
	}
}

type remoteRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type remoteResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *RemoteClient) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.embedChunk(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (c *RemoteClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += c.batchMax {
		end := start + c.batchMax
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := c.embedChunk(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (c *RemoteClient) embedChunk(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(remoteRequest{Model: c.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

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
		return nil, fmt.Errorf("embedding API returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var result remoteResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("unmarshal embedding response: %w", err)
	}
	if result.Error != nil {
		return nil, fmt.Errorf("embedding API error: %s", result.Error.Message)
	}
	if len(result.Data) != len(texts) {
		return nil, fmt.Errorf("embedding API returned %d vectors for %d inputs", len(result.Data), len(texts))
	}

	vecs := make([][]float32, len(texts))
	for _, d := range result.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("embedding API returned out-of-range index %d", d.Index)
		}
		if len(d.Embedding) != c.dimension {
			return nil, fmt.Errorf("%w: provider returned %d dims, configured %d",
				domain.ErrDimensionMismatch, len(d.Embedding), c.dimension)
		}
		vecs[d.Index] = d.Embedding
	}
	return vecs, nil
}

func (c *RemoteClient) Dimension() int { return c.dimension }

func (c *RemoteClient) Health(ctx context.Context) error {
	_, err := c.Embed(ctx, "ping")
	return err
}
