package embedding

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/shawkridge/athena/internal/config"
	"github.com/shawkridge/athena/internal/domain"
)

// Provider constants
const (
	ProviderLocal  = "local"
	ProviderRemote = "remote"
	ProviderMock   = "mock"
)

// NewClient creates an embedding client from config. Returns an error for
// unknown providers or a remote provider without credentials.
func NewClient(cfg config.EmbedConfig) (domain.EmbeddingClient, error) {
	switch cfg.Provider {
	case ProviderLocal:
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("%w: embed.endpoint is required for the local provider", domain.ErrConfig)
		}
		return NewLocalClient(cfg), nil

	case ProviderRemote:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("%w: embed.api_key is required for the remote provider", domain.ErrConfig)
		}
		return NewRemoteClient(cfg), nil

	case ProviderMock:
		return NewMockClient(cfg.Dimension), nil

	default:
		return nil, fmt.Errorf("%w: unknown embedding provider %q (valid options: local, remote, mock)",
			domain.ErrConfig, cfg.Provider)
	}
}

// NewWithFallback builds the configured client and probes it once. If the
// probe fails the engine still comes up: it swaps in the deterministic mock
// and reports degraded=true so recall results carry the flag.
func NewWithFallback(ctx context.Context, cfg config.EmbedConfig, logger *zap.Logger) (domain.EmbeddingClient, bool, error) {
	client, err := NewClient(cfg)
	if err != nil {
		return nil, false, err
	}
	if cfg.Provider == ProviderMock {
		return client, false, nil
	}
	if err := client.Health(ctx); err != nil {
		logger.Warn("embedding provider unreachable, falling back to deterministic mock",
			zap.String("provider", cfg.Provider),
			zap.Error(err))
		return NewMockClient(cfg.Dimension), true, nil
	}
	return client, false, nil
}
