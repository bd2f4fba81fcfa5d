package embeddings

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/repoembed/internal/config"
)

var (
	// ErrInvalidConfig is returned when provider settings are unusable.
	ErrInvalidConfig = errors.New("invalid embedding configuration")
	// ErrEmptyInput is returned when asked to embed nothing.
	ErrEmptyInput = errors.New("empty input")
	// ErrEmbeddingFailed wraps provider failures.
	ErrEmbeddingFailed = errors.New("embedding failed")
	// ErrMalformedResponse is returned when a response does not carry one
	// vector per input text.
	ErrMalformedResponse = errors.New("malformed embedding response")
	// ErrDimensionMismatch is returned when a vector's length differs from
	// the configured index dimension.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// Embedder computes document vectors.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	// Dimension returns the length of every vector the embedder produces.
	Dimension() int
	// Close releases resources held by the embedder.
	Close() error
}

// NewEmbedder builds the provider selected by cfg.Provider.
func NewEmbedder(cfg config.EmbeddingConfig, apiKey config.Secret) (Embedder, error) {
	switch cfg.Provider {
	case config.ProviderOpenAI, "":
		return NewOpenAI(OpenAIConfig{
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			APIKey:    apiKey,
			Dimension: cfg.Dimension,
			BatchSize: cfg.BatchSize,
			Timeout:   cfg.Timeout.Duration(),
		})
	case config.ProviderFastEmbed:
		p, err := NewFastEmbedProvider(FastEmbedConfig{
			Model:    cfg.Model,
			CacheDir: cfg.CacheDir,
		})
		if err != nil {
			return nil, err
		}
		if cfg.Dimension != 0 && p.Dimension() != cfg.Dimension {
			_ = p.Close()
			return nil, fmt.Errorf("%w: model %s produces %d dimensions, configured %d",
				ErrInvalidConfig, cfg.Model, p.Dimension(), cfg.Dimension)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: unknown provider %q (supported: openai, fastembed)", ErrInvalidConfig, cfg.Provider)
	}
}
