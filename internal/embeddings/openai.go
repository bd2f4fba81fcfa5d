package embeddings

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/fyrsmithlabs/repoembed/internal/config"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

// OpenAIConfig configures the OpenAI-compatible provider.
type OpenAIConfig struct {
	// BaseURL is the API root; requests go to {BaseURL}/embeddings.
	BaseURL string
	Model   string
	// APIKey may be empty for self-hosted endpoints (TEI, vLLM).
	APIKey    config.Secret
	Dimension int
	// BatchSize bounds the texts sent per request. It should match the
	// Batcher's size so each batch is exactly one request.
	BatchSize int
	Timeout   time.Duration
}

// OpenAI embeds through any endpoint that speaks the OpenAI embeddings API.
type OpenAI struct {
	embedder  embeddings.Embedder
	dimension int
}

// NewOpenAI creates the provider. No request is made until EmbedDocuments.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("%w: model required", ErrInvalidConfig)
	}
	if cfg.Dimension < 1 {
		return nil, fmt.Errorf("%w: dimension must be positive", ErrInvalidConfig)
	}

	token := cfg.APIKey.Value()
	if token == "" {
		// langchaingo refuses an empty token; self-hosted servers ignore it.
		token = "placeholder"
	}
	batch := cfg.BatchSize
	if batch < 1 {
		batch = 100
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	llm, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithToken(token),
		openai.WithModel(cfg.Model),
		openai.WithEmbeddingModel(cfg.Model),
		openai.WithHTTPClient(&http.Client{Timeout: timeout}),
	)
	if err != nil {
		return nil, fmt.Errorf("creating OpenAI client: %w", err)
	}

	// Newlines are meaningful in source code; keep them.
	embedder, err := embeddings.NewEmbedder(llm,
		embeddings.WithBatchSize(batch),
		embeddings.WithStripNewLines(false),
	)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}

	return &OpenAI{embedder: embedder, dimension: cfg.Dimension}, nil
}

// EmbedDocuments returns one vector per text, in order.
func (o *OpenAI) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	vectors, err := o.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEmbeddingFailed, err)
	}
	return vectors, nil
}

// Dimension returns the configured vector length.
func (o *OpenAI) Dimension() int { return o.dimension }

// Close is a no-op; the HTTP client holds no per-provider resources.
func (o *OpenAI) Close() error { return nil }
