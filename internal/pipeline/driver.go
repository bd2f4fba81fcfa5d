// Package pipeline runs one ingestion: walk repositories, redact, chunk,
// ensure the index, then embed and upsert batch by batch.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fyrsmithlabs/repoembed/internal/chunker"
	"github.com/fyrsmithlabs/repoembed/internal/embeddings"
	"github.com/fyrsmithlabs/repoembed/internal/logging"
	"github.com/fyrsmithlabs/repoembed/internal/progress"
	"github.com/fyrsmithlabs/repoembed/internal/redact"
	"github.com/fyrsmithlabs/repoembed/internal/repolist"
	"github.com/fyrsmithlabs/repoembed/internal/source"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/repoembed/internal/pipeline"

// Stage names used in Report.Durations, spans and metrics.
const (
	StageWalk   = "walk"
	StageRedact = "redact"
	StageChunk  = "chunk"
	StageIndex  = "index"
	StageEmbed  = "embed"
	StageTotal  = "total"
)

// ErrMissingDependency is returned by NewDriver when a required
// collaborator is nil.
var ErrMissingDependency = errors.New("pipeline: missing dependency")

// Walker lists and fetches repository files.
type Walker interface {
	Walk(ctx context.Context, refs []repolist.Reference) ([]source.FileRecord, source.Stats, error)
}

// Redactor scrubs secrets from file content in place.
type Redactor interface {
	RedactAll(ctx context.Context, recs []source.FileRecord) redact.Summary
}

// Chunker splits files into chunks.
type Chunker interface {
	ChunkAll(ctx context.Context, recs []source.FileRecord, progress func(done int)) ([]chunker.Chunk, error)
}

// Index ensures the vector index and writes records into it.
type Index interface {
	EnsureIndex(ctx context.Context) (bool, error)
	Upsert(ctx context.Context, records []embeddings.Record) error
}

// Deps are the driver's collaborators. Redactor, Reporter and Logger are
// optional.
type Deps struct {
	Walker   Walker
	Redactor Redactor
	Chunker  Chunker
	Embedder embeddings.Embedder
	Index    Index
	Reporter *progress.Reporter
	Logger   *logging.Logger
}

// Options configures a run.
type Options struct {
	// DryRun stops after chunking: no index call and no embedding request.
	DryRun bool
	// Embedding configures batching and the failure policy.
	Embedding embeddings.Options
	// Registry receives the run metrics. MetricsTextfile, if set, is
	// written from it after every run.
	Registry        *prometheus.Registry
	MetricsTextfile string
	Tracer          trace.Tracer
}

// Report summarizes a run. It is returned even when the run fails and then
// holds the counts reached so far.
type Report struct {
	RunID        string
	DryRun       bool
	Repositories int

	FilesSeen    int
	Files        int
	FilesSkipped int

	FilesRedacted   int
	SecretsRedacted int

	Chunks int

	IndexCreated      bool
	EmbeddingRequests int
	Batches           int
	FailedBatches     int
	DroppedChunks     int
	Upserted          int

	Durations map[string]time.Duration
}

// Driver runs the pipeline.
type Driver struct {
	deps     Deps
	opts     Options
	reporter *progress.Reporter
	logger   *logging.Logger
	tracer   trace.Tracer
	metrics  *Metrics
	now      func() time.Time
}

// NewDriver checks deps and creates a driver.
func NewDriver(deps Deps, opts Options) (*Driver, error) {
	switch {
	case deps.Walker == nil:
		return nil, fmt.Errorf("%w: walker", ErrMissingDependency)
	case deps.Chunker == nil:
		return nil, fmt.Errorf("%w: chunker", ErrMissingDependency)
	case !opts.DryRun && deps.Embedder == nil:
		return nil, fmt.Errorf("%w: embedder", ErrMissingDependency)
	case !opts.DryRun && deps.Index == nil:
		return nil, fmt.Errorf("%w: index", ErrMissingDependency)
	}

	reporter := deps.Reporter
	if reporter == nil {
		reporter = progress.New(io.Discard, progress.Options{Plain: true})
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(instrumentationName)
	}

	d := &Driver{
		deps:     deps,
		opts:     opts,
		reporter: reporter,
		logger:   logger.Named("pipeline"),
		tracer:   tracer,
		now:      time.Now,
	}
	if opts.Registry != nil {
		d.metrics = NewMetrics(opts.Registry)
		if d.opts.Embedding.Metrics == nil {
			d.opts.Embedding.Metrics = embeddings.NewMetrics(opts.Registry)
		}
	}
	return d, nil
}

// Run processes refs. The first error aborts the run; embedding failures
// follow the configured policy instead.
func (d *Driver) Run(ctx context.Context, refs []repolist.Reference) (*Report, error) {
	report := &Report{
		RunID:        uuid.NewString(),
		DryRun:       d.opts.DryRun,
		Repositories: len(refs),
		Durations:    make(map[string]time.Duration),
	}
	ctx = logging.WithRunID(ctx, report.RunID)
	ctx, span := d.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.Int("repositories", len(refs)),
		attribute.Bool("dry_run", d.opts.DryRun),
	))
	defer span.End()

	d.logger.Info(ctx, "run started", zap.Int("repositories", len(refs)), zap.Bool("dry_run", d.opts.DryRun))

	started := d.now()
	err := d.run(ctx, refs, report)
	report.Durations[StageTotal] = d.now().Sub(started)

	d.finish(ctx, report, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.logger.Error(ctx, "run failed", zap.Error(err))
		return report, err
	}

	d.logger.Info(ctx, "run finished",
		zap.Int("files", report.Files),
		zap.Int("chunks", report.Chunks),
		zap.Int("upserted", report.Upserted),
		zap.Int("failed_batches", report.FailedBatches),
		zap.Duration("elapsed", report.Durations[StageTotal]),
	)
	return report, nil
}

func (d *Driver) run(ctx context.Context, refs []repolist.Reference, report *Report) error {
	var files []source.FileRecord
	err := d.stage(ctx, StageWalk, report, func(ctx context.Context) error {
		d.reporter.Stage("Walking %s", progress.FormatCount(len(refs), "repository", "repositories"))
		recs, stats, err := d.deps.Walker.Walk(ctx, refs)
		report.FilesSeen = stats.FilesSeen
		report.Files = stats.FilesKept
		report.FilesSkipped = stats.Skipped()
		if err != nil {
			return fmt.Errorf("walking repositories: %w", err)
		}
		files = recs
		d.reporter.Info("kept %s, skipped %d", progress.FormatCount(len(recs), "file", "files"), stats.Skipped())
		return nil
	})
	if err != nil {
		return err
	}

	if d.deps.Redactor != nil {
		err := d.stage(ctx, StageRedact, report, func(ctx context.Context) error {
			d.reporter.Stage("Scanning files for secrets")
			sum := d.deps.Redactor.RedactAll(ctx, files)
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("redacting: %w", err)
			}
			report.FilesRedacted = sum.FilesRedacted
			report.SecretsRedacted = sum.Secrets
			if sum.Secrets > 0 {
				d.reporter.Info("redacted %s in %s", progress.FormatCount(sum.Secrets, "secret", "secrets"),
					progress.FormatCount(sum.FilesRedacted, "file", "files"))
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	var chunks []chunker.Chunk
	err = d.stage(ctx, StageChunk, report, func(ctx context.Context) error {
		d.reporter.Stage("Chunking %s", progress.FormatCount(len(files), "file", "files"))
		bar := d.reporter.Track("Chunking", len(files))
		out, err := d.deps.Chunker.ChunkAll(ctx, files, bar.Set)
		if err != nil {
			return fmt.Errorf("chunking: %w", err)
		}
		bar.Done()
		chunks = out
		report.Chunks = len(out)
		d.reporter.Info("created %s", progress.FormatCount(len(out), "chunk", "chunks"))
		return nil
	})
	if err != nil {
		return err
	}

	if d.opts.DryRun {
		d.reporter.Stage("Dry run: skipping index and embedding")
		return nil
	}

	err = d.stage(ctx, StageIndex, report, func(ctx context.Context) error {
		d.reporter.Stage("Ensuring vector index")
		created, err := d.deps.Index.EnsureIndex(ctx)
		if err != nil {
			return fmt.Errorf("ensuring index: %w", err)
		}
		report.IndexCreated = created
		if created {
			d.reporter.Info("created index")
		} else {
			d.reporter.Info("using existing index")
		}
		return nil
	})
	if err != nil {
		return err
	}

	return d.stage(ctx, StageEmbed, report, func(ctx context.Context) error {
		return d.embed(ctx, chunks, report)
	})
}

func (d *Driver) embed(ctx context.Context, chunks []chunker.Chunk, report *Report) error {
	opts := d.opts.Embedding
	if opts.Tracer == nil {
		opts.Tracer = d.tracer
	}

	var bar *progress.Tracker
	opts.OnBatch = func(done, _ int) { bar.Set(done) }
	batcher := embeddings.NewBatcher(d.deps.Embedder, opts, d.deps.Logger)

	total := batcher.BatchCount(len(chunks))
	d.reporter.Stage("Embedding %s in %s",
		progress.FormatCount(len(chunks), "chunk", "chunks"),
		progress.FormatCount(total, "batch", "batches"))
	bar = d.reporter.Track("Embedding", total)

	summary, err := batcher.Process(ctx, chunks, func(ctx context.Context, records []embeddings.Record) error {
		if err := d.deps.Index.Upsert(ctx, records); err != nil {
			return err
		}
		report.Upserted += len(records)
		return nil
	})
	if summary != nil {
		report.EmbeddingRequests = summary.Requests
		report.Batches = summary.Batches
		report.FailedBatches = summary.Failed
		report.DroppedChunks = summary.DroppedChunks
	}
	if err != nil {
		return fmt.Errorf("embedding: %w", err)
	}
	bar.Done()

	if summary.Failed > 0 {
		d.reporter.Info("%s failed, %s dropped",
			progress.FormatCount(summary.Failed, "batch", "batches"),
			progress.FormatCount(summary.DroppedChunks, "chunk", "chunks"))
	}
	return nil
}

// stage times fn, wraps it in a span and records its duration.
func (d *Driver) stage(ctx context.Context, name string, report *Report, fn func(context.Context) error) error {
	ctx, span := d.tracer.Start(ctx, "pipeline."+name)
	defer span.End()

	started := d.now()
	err := fn(ctx)
	report.Durations[name] = d.now().Sub(started)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	d.logger.Debug(ctx, "stage finished", zap.String("stage", name), zap.Duration("elapsed", report.Durations[name]))
	return err
}

func (d *Driver) finish(ctx context.Context, report *Report, err error) {
	if d.metrics == nil {
		return
	}
	d.metrics.observe(report, err, d.now())
	if d.opts.MetricsTextfile == "" {
		return
	}
	if werr := prometheus.WriteToTextfile(d.opts.MetricsTextfile, d.opts.Registry); werr != nil {
		d.logger.Warn(ctx, "writing metrics textfile failed", zap.String("path", d.opts.MetricsTextfile), zap.Error(werr))
	}
}
