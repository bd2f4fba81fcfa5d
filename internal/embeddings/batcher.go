package embeddings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/repoembed/internal/chunker"
	"github.com/fyrsmithlabs/repoembed/internal/config"
	"github.com/fyrsmithlabs/repoembed/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/repoembed/internal/embeddings"

// Metadata is the payload stored next to each vector.
type Metadata struct {
	Repo     string
	FilePath string
	Text     string
	Chunk    int
}

// Map returns the payload under the keys repo, file_path, text and chunk.
func (m Metadata) Map() map[string]any {
	return map[string]any{
		"repo":      m.Repo,
		"file_path": m.FilePath,
		"text":      m.Text,
		"chunk":     m.Chunk,
	}
}

// Record is one embedded chunk.
type Record struct {
	ChunkID  string
	Vector   []float32
	Metadata Metadata
}

// NewRecord pairs a chunk with its vector.
func NewRecord(c chunker.Chunk, vector []float32) Record {
	return Record{
		ChunkID: c.ID,
		Vector:  vector,
		Metadata: Metadata{
			Repo:     c.Repository.String(),
			FilePath: c.FilePath,
			Text:     c.Text,
			Chunk:    c.Index,
		},
	}
}

// BatchFunc receives every embedded batch in order. An error aborts
// Process.
type BatchFunc func(ctx context.Context, records []Record) error

// Policy decides what happens when the provider fails a batch.
type Policy struct {
	// Mode is config.FailureSkip, config.FailureRetry or config.FailureAbort.
	Mode string
	// Delay is the wait after a failure. Under retry it is the first backoff.
	Delay time.Duration
	// MaxRetries bounds the extra attempts under retry.
	MaxRetries int
	// MaxDelay caps the retry backoff.
	MaxDelay time.Duration
}

// Options configures a Batcher.
type Options struct {
	BatchSize int
	// Dimension is the expected vector length; 0 uses the embedder's.
	Dimension int
	Policy    Policy
	Metrics   *Metrics
	Tracer    trace.Tracer

	// OnBatch, if set, is called after every batch, embedded or dropped.
	OnBatch func(done, total int)
}

// OptionsFromConfig maps the embedding section onto Options.
func OptionsFromConfig(c config.EmbeddingConfig) Options {
	return Options{
		BatchSize: c.BatchSize,
		Dimension: c.Dimension,
		Policy: Policy{
			Mode:       c.FailureMode,
			Delay:      c.FailureDelay.Duration(),
			MaxRetries: c.MaxRetries,
			MaxDelay:   c.MaxDelay.Duration(),
		},
	}
}

// Summary counts what Process did.
type Summary struct {
	// Requests counts provider calls, retries included.
	Requests int
	// Batches is ceil(chunks / batch size) for a completed run.
	Batches  int
	Embedded int
	Retries  int
	// Failed counts dropped batches and DroppedChunks the chunks in them.
	Failed        int
	DroppedChunks int
}

// Batcher embeds chunks in contiguous batches.
//
// Provider errors and malformed responses follow the Policy. A vector whose
// length differs from the configured dimension is fatal under every
// policy, skip included, since it signals a model/index misconfiguration.
type Batcher struct {
	embedder  Embedder
	size      int
	dimension int
	policy    Policy
	metrics   *Metrics
	tracer    trace.Tracer
	onBatch   func(done, total int)
	logger    *logging.Logger
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewBatcher creates a batcher over embedder.
func NewBatcher(embedder Embedder, opts Options, logger *logging.Logger) *Batcher {
	if logger == nil {
		logger = logging.NewNop()
	}
	if opts.BatchSize < 1 {
		opts.BatchSize = 100
	}
	if opts.Dimension == 0 {
		opts.Dimension = embedder.Dimension()
	}
	if opts.Policy.Mode == "" {
		opts.Policy.Mode = config.FailureSkip
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(instrumentationName)
	}
	return &Batcher{
		embedder:  embedder,
		size:      opts.BatchSize,
		dimension: opts.Dimension,
		policy:    opts.Policy,
		metrics:   opts.Metrics,
		tracer:    opts.Tracer,
		onBatch:   opts.OnBatch,
		logger:    logger.Named("embeddings"),
		sleep:     sleepContext,
	}
}

// BatchCount returns how many batches Process issues for n chunks.
func (b *Batcher) BatchCount(n int) int {
	return (n + b.size - 1) / b.size
}

// errDropped marks a batch given up on under the skip or retry policy.
var errDropped = errors.New("batch dropped")

// Process embeds chunks batch by batch and hands each embedded batch to fn.
// The returned Summary is valid even when err is not nil.
func (b *Batcher) Process(ctx context.Context, chunks []chunker.Chunk, fn BatchFunc) (*Summary, error) {
	s := &Summary{}
	total := b.BatchCount(len(chunks))

	for start := 0; start < len(chunks); start += b.size {
		if err := ctx.Err(); err != nil {
			return s, err
		}
		batch := chunks[start:min(start+b.size, len(chunks))]
		s.Batches++

		records, err := b.embedBatch(ctx, s.Batches, total, batch, s)
		switch {
		case err == nil:
			if err := fn(ctx, records); err != nil {
				return s, fmt.Errorf("storing batch %d/%d: %w", s.Batches, total, err)
			}
			s.Embedded += len(batch)
			b.metrics.batch("embedded", len(batch))
		case errors.Is(err, errDropped):
			s.Failed++
			s.DroppedChunks += len(batch)
			b.metrics.batch("dropped", len(batch))
		default:
			return s, err
		}

		if b.onBatch != nil {
			b.onBatch(s.Batches, total)
		}
	}
	return s, nil
}

func (b *Batcher) embedBatch(ctx context.Context, n, total int, batch []chunker.Chunk, s *Summary) ([]Record, error) {
	ctx, span := b.tracer.Start(ctx, "embeddings.batch", trace.WithAttributes(
		attribute.Int("batch.number", n),
		attribute.Int("batch.size", len(batch)),
	))
	defer span.End()

	texts := make([]string, len(batch))
	for i, c := range batch {
		texts[i] = c.Text
	}

	attempts := 1
	if b.policy.Mode == config.FailureRetry {
		attempts += b.policy.MaxRetries
	}
	backoff := b.policy.Delay

	for attempt := 1; ; attempt++ {
		s.Requests++
		vectors, err := b.call(ctx, texts)
		if err == nil {
			records := make([]Record, len(batch))
			for i, c := range batch {
				records[i] = NewRecord(c, vectors[i])
			}
			return records, nil
		}

		span.RecordError(err)
		switch {
		case ctx.Err() != nil:
			span.SetStatus(codes.Error, "canceled")
			return nil, ctx.Err()
		case errors.Is(err, ErrDimensionMismatch):
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("batch %d/%d: %w", n, total, err)
		case b.policy.Mode == config.FailureAbort:
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("batch %d/%d: %w", n, total, err)
		}

		if attempt < attempts {
			s.Retries++
			b.logger.Warn(ctx, "embedding batch failed, retrying",
				zap.Int("batch", n),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.Error(err),
			)
			if err := b.sleep(ctx, backoff); err != nil {
				return nil, err
			}
			backoff = b.nextBackoff(backoff)
			continue
		}

		b.logger.Error(ctx, "embedding batch failed, skipping",
			zap.Int("batch", n),
			zap.Int("batches", total),
			zap.Int("chunks", len(batch)),
			zap.Int("attempts", attempt),
			zap.Error(err),
		)
		span.SetStatus(codes.Error, "dropped")
		if b.policy.Mode == config.FailureSkip {
			if err := b.sleep(ctx, b.policy.Delay); err != nil {
				return nil, err
			}
		}
		return nil, errDropped
	}
}

// call makes one provider request and checks the response shape.
func (b *Batcher) call(ctx context.Context, texts []string) ([][]float32, error) {
	started := time.Now()
	vectors, err := b.embedder.EmbedDocuments(ctx, texts)
	b.metrics.request(time.Since(started).Seconds(), err)

	if err != nil {
		return nil, err
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("%w: got %d vectors for %d texts", ErrMalformedResponse, len(vectors), len(texts))
	}
	for i, v := range vectors {
		if len(v) != b.dimension {
			return nil, fmt.Errorf("%w: vector %d has %d dimensions, want %d", ErrDimensionMismatch, i, len(v), b.dimension)
		}
	}
	return vectors, nil
}

func (b *Batcher) nextBackoff(d time.Duration) time.Duration {
	next := d * 2
	if b.policy.MaxDelay > 0 && next > b.policy.MaxDelay {
		next = b.policy.MaxDelay
	}
	return next
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
