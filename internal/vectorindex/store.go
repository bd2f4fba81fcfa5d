package vectorindex

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/repoembed/internal/config"
	"github.com/fyrsmithlabs/repoembed/internal/logging"
)

var (
	// ErrDescriptorMismatch is returned when an existing index has a
	// different dimension or metric than configured.
	ErrDescriptorMismatch = errors.New("index descriptor mismatch")
	// ErrIndexNotReady is returned by Upsert before EnsureIndex succeeded.
	ErrIndexNotReady = errors.New("index not ready")
	// ErrDescribeUnsupported is returned by backends that cannot report an
	// index's dimension and metric.
	ErrDescribeUnsupported = errors.New("describe not supported by backend")
	// ErrIndexNotFound is returned when the named index does not exist.
	ErrIndexNotFound = errors.New("index not found")
	// ErrInvalidConfig is returned for unusable backend settings.
	ErrInvalidConfig = errors.New("invalid index configuration")
)

// Distance metrics.
const (
	MetricCosine     = "cosine"
	MetricDotProduct = "dotproduct"
	MetricEuclidean  = "euclidean"
)

// Descriptor is the shape of an index.
type Descriptor struct {
	Name      string
	Dimension int
	Metric    string
}

// Entry is one (id, vector, metadata) triple.
type Entry struct {
	ID       string
	Vector   []float32
	Metadata map[string]any
}

// Store is a vector index backend.
type Store interface {
	ListIndexes(ctx context.Context) ([]string, error)
	CreateIndex(ctx context.Context, desc Descriptor) error
	// DescribeIndex returns ErrIndexNotFound for unknown names and may
	// return ErrDescribeUnsupported.
	DescribeIndex(ctx context.Context, name string) (Descriptor, error)
	Upsert(ctx context.Context, index string, entries []Entry) error
	Close() error
}

// NewStore opens the backend selected by cfg.Backend. apiKey is only used
// by Qdrant.
func NewStore(cfg config.IndexConfig, apiKey config.Secret, logger *logging.Logger) (Store, error) {
	switch cfg.Backend {
	case config.BackendQdrant, "":
		return NewQdrant(QdrantConfig{
			Host:       cfg.Host,
			Port:       cfg.Port,
			UseTLS:     cfg.UseTLS,
			APIKey:     apiKey,
			MaxRetries: cfg.MaxRetries,
		}, logger)
	case config.BackendChromem:
		return NewChromem(ChromemConfig{
			Path:     cfg.ChromemPath,
			Compress: cfg.ChromemCompress,
		}, logger)
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", ErrInvalidConfig, cfg.Backend)
	}
}

// DescriptorFromConfig returns the index shape to ensure.
func DescriptorFromConfig(index config.IndexConfig, embedding config.EmbeddingConfig) Descriptor {
	return Descriptor{
		Name:      index.Name,
		Dimension: embedding.Dimension,
		Metric:    index.Metric,
	}
}
