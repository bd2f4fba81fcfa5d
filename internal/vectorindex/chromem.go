package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/fyrsmithlabs/repoembed/internal/logging"
	"github.com/philippgille/chromem-go"
	"go.uber.org/zap"
)

// ChromemConfig configures the embedded backend.
type ChromemConfig struct {
	// Path is the database directory. A leading ~ expands to the home dir.
	Path     string
	Compress bool
}

// Chromem stores indexes as collections of an on-disk chromem-go database.
// Only the cosine metric is available and collections do not record
// their dimension, so DescribeIndex is unsupported.
type Chromem struct {
	db     *chromem.DB
	logger *logging.Logger
}

// errNoEmbedding is returned if chromem ever asks to embed text itself.
var errNoEmbedding = errors.New("chromem: embeddings are computed before upsert")

// noEmbedding keeps chromem from falling back to its OpenAI default when
// collections are loaded or queried.
func noEmbedding(context.Context, string) ([]float32, error) {
	return nil, errNoEmbedding
}

// NewChromem opens or creates the database at cfg.Path.
func NewChromem(cfg ChromemConfig, logger *logging.Logger) (*Chromem, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("%w: chromem path is required", ErrInvalidConfig)
	}
	path, err := expandPath(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("expanding path: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", path, err)
	}

	db, err := chromem.NewPersistentDB(path, cfg.Compress)
	if err != nil {
		return nil, fmt.Errorf("creating chromem DB: %w", err)
	}

	logger.Info(context.Background(), "chromem index opened",
		zap.String("path", path),
		zap.Bool("compress", cfg.Compress),
	)
	return &Chromem{db: db, logger: logger.Named("chromem")}, nil
}

func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

// ListIndexes returns collection names in sorted order.
func (c *Chromem) ListIndexes(_ context.Context) ([]string, error) {
	collections := c.db.ListCollections()
	names := make([]string, 0, len(collections))
	for name := range collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// CreateIndex creates a collection. The descriptor is kept as collection
// metadata for humans inspecting the files.
func (c *Chromem) CreateIndex(_ context.Context, desc Descriptor) error {
	if desc.Metric != MetricCosine && desc.Metric != "" {
		return fmt.Errorf("%w: chromem supports only the cosine metric, got %q", ErrInvalidConfig, desc.Metric)
	}
	meta := map[string]string{
		"dimension": strconv.Itoa(desc.Dimension),
		"metric":    MetricCosine,
	}
	if _, err := c.db.CreateCollection(desc.Name, meta, noEmbedding); err != nil {
		return fmt.Errorf("creating collection %s: %w", desc.Name, err)
	}
	return nil
}

// DescribeIndex reports existence only.
func (c *Chromem) DescribeIndex(_ context.Context, name string) (Descriptor, error) {
	if c.db.GetCollection(name, noEmbedding) == nil {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrIndexNotFound, name)
	}
	return Descriptor{}, ErrDescribeUnsupported
}

// Upsert adds entries as documents. The "text" metadata value becomes the
// document content.
func (c *Chromem) Upsert(ctx context.Context, index string, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	collection := c.db.GetCollection(index, noEmbedding)
	if collection == nil {
		return fmt.Errorf("%w: %s", ErrIndexNotFound, index)
	}

	docs := make([]chromem.Document, len(entries))
	for i, e := range entries {
		content, _ := e.Metadata["text"].(string)
		docs[i] = chromem.Document{
			ID:        e.ID,
			Content:   content,
			Metadata:  metadataToString(e.Metadata),
			Embedding: e.Vector,
		}
	}

	if err := collection.AddDocuments(ctx, docs, 1); err != nil {
		return fmt.Errorf("adding documents to %s: %w", index, err)
	}
	c.logger.Debug(ctx, "added documents", zap.String("collection", index), zap.Int("count", len(docs)))
	return nil
}

// Close is a no-op; chromem persists on every write.
func (c *Chromem) Close() error {
	return nil
}

// metadataToString flattens metadata for chromem, which only stores strings.
// The text is already the document content.
func metadataToString(metadata map[string]any) map[string]string {
	result := make(map[string]string, len(metadata))
	for k, v := range metadata {
		if k == "text" {
			continue
		}
		switch val := v.(type) {
		case string:
			result[k] = val
		case int:
			result[k] = strconv.Itoa(val)
		case int64:
			result[k] = strconv.FormatInt(val, 10)
		case bool:
			result[k] = strconv.FormatBool(val)
		default:
			result[k] = fmt.Sprintf("%v", val)
		}
	}
	return result
}
