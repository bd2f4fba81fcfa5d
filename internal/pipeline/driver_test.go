package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fyrsmithlabs/repoembed/internal/chunker"
	"github.com/fyrsmithlabs/repoembed/internal/config"
	"github.com/fyrsmithlabs/repoembed/internal/embeddings"
	"github.com/fyrsmithlabs/repoembed/internal/logging"
	"github.com/fyrsmithlabs/repoembed/internal/progress"
	"github.com/fyrsmithlabs/repoembed/internal/redact"
	"github.com/fyrsmithlabs/repoembed/internal/repolist"
	"github.com/fyrsmithlabs/repoembed/internal/source"
	"github.com/fyrsmithlabs/repoembed/internal/telemetry"
	"github.com/fyrsmithlabs/repoembed/internal/vectorindex"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

var demo = repolist.Reference{Owner: "octo", Name: "demo"}

// wordTokenizer counts whitespace-separated words so tests run offline.
type wordTokenizer struct{}

func (wordTokenizer) Count(text string) int { return len(strings.Fields(text)) }

func lines(n, wordsPerLine int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		for j := 0; j < wordsPerLine; j++ {
			if j > 0 {
				b.WriteByte(' ')
			}
			fmt.Fprintf(&b, "w%d_%d", i, j)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

type fakeWalker struct {
	records []source.FileRecord
	stats   source.Stats
	err     error
}

func (w *fakeWalker) Walk(context.Context, []repolist.Reference) ([]source.FileRecord, source.Stats, error) {
	return w.records, w.stats, w.err
}

type fakeRedactor struct {
	calls int
	// cancel, if set, is called during the scan.
	cancel context.CancelFunc
}

func (r *fakeRedactor) RedactAll(_ context.Context, recs []source.FileRecord) redact.Summary {
	r.calls++
	if r.cancel != nil {
		r.cancel()
	}
	return redact.Summary{FilesScanned: len(recs), FilesRedacted: 1, Secrets: 2}
}

type fakeEmbedder struct {
	dim   int
	calls [][]string
	fail  map[int]bool
}

func (e *fakeEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	e.calls = append(e.calls, texts)
	if e.fail[len(e.calls)] {
		return nil, errors.New("rate limited")
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, e.dim)
	}
	return out, nil
}

func (e *fakeEmbedder) Dimension() int { return e.dim }
func (e *fakeEmbedder) Close() error   { return nil }

type memStore struct {
	indexes     []string
	createCalls int
	listCalls   int
	entries     []vectorindex.Entry
}

func (s *memStore) ListIndexes(context.Context) ([]string, error) {
	s.listCalls++
	return s.indexes, nil
}

func (s *memStore) CreateIndex(_ context.Context, d vectorindex.Descriptor) error {
	s.createCalls++
	s.indexes = append(s.indexes, d.Name)
	return nil
}

func (s *memStore) DescribeIndex(context.Context, string) (vectorindex.Descriptor, error) {
	return vectorindex.Descriptor{}, vectorindex.ErrDescribeUnsupported
}

func (s *memStore) Upsert(_ context.Context, _ string, entries []vectorindex.Entry) error {
	s.entries = append(s.entries, entries...)
	return nil
}

func (s *memStore) Close() error { return nil }

type harness struct {
	walker   *fakeWalker
	embedder *fakeEmbedder
	store    *memStore
	manager  *vectorindex.Manager
	out      *bytes.Buffer
	deps     Deps
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	splitter, err := chunker.NewSplitter(wordTokenizer{}, chunker.Options{MaxTokens: 500, OverlapTokens: 20})
	require.NoError(t, err)

	h := &harness{
		walker: &fakeWalker{
			records: []source.FileRecord{
				{Repository: demo, Path: "a.py", Content: lines(5, 10)},
				{Repository: demo, Path: "src/b.js", Content: lines(120, 10)},
			},
			stats: source.Stats{Repositories: 1, FilesSeen: 3, FilesKept: 2, SkippedExtension: 1},
		},
		embedder: &fakeEmbedder{dim: 8},
		store:    &memStore{},
		out:      &bytes.Buffer{},
	}
	h.manager = vectorindex.NewManager(h.store,
		vectorindex.Descriptor{Name: "repoembed", Dimension: 8, Metric: vectorindex.MetricCosine},
		vectorindex.ManagerOptions{VerifyExisting: true}, nil)
	h.deps = Deps{
		Walker:   h.walker,
		Chunker:  chunker.New(splitter),
		Embedder: h.embedder,
		Index:    h.manager,
		Reporter: progress.New(h.out, progress.Options{Plain: true}),
	}
	return h
}

func embedOptions() embeddings.Options {
	return embeddings.Options{
		BatchSize: 100,
		Policy:    embeddings.Policy{Mode: config.FailureSkip},
	}
}

func TestDriver_EndToEnd(t *testing.T) {
	h := newHarness(t)
	tel := telemetry.NewTestTelemetry()

	d, err := NewDriver(h.deps, Options{Embedding: embedOptions(), Tracer: tel.Tracer("test")})
	require.NoError(t, err)

	report, err := d.Run(context.Background(), []repolist.Reference{demo})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Repositories)
	assert.Equal(t, 3, report.FilesSeen)
	assert.Equal(t, 2, report.Files)
	assert.Equal(t, 1, report.FilesSkipped)
	assert.Equal(t, 4, report.Chunks)
	assert.True(t, report.IndexCreated)
	assert.Equal(t, 1, report.EmbeddingRequests)
	assert.Equal(t, 1, report.Batches)
	assert.Equal(t, 0, report.FailedBatches)
	assert.Equal(t, 4, report.Upserted)
	assert.NotEmpty(t, report.RunID)
	for _, stage := range []string{StageWalk, StageChunk, StageIndex, StageEmbed, StageTotal} {
		assert.Contains(t, report.Durations, stage)
	}

	require.Len(t, h.embedder.calls, 1, "all four chunks fit one batch")
	assert.Len(t, h.embedder.calls[0], 4)
	assert.Equal(t, 1, h.store.listCalls)
	assert.Equal(t, 1, h.store.createCalls)

	require.Len(t, h.store.entries, 4)
	wantFiles := []string{"a.py", "src/b.js", "src/b.js", "src/b.js"}
	wantChunk := []int{0, 0, 1, 2}
	ids := map[string]bool{}
	for i, e := range h.store.entries {
		assert.Equal(t, "octo/demo", e.Metadata["repo"])
		assert.Equal(t, wantFiles[i], e.Metadata["file_path"])
		assert.Equal(t, wantChunk[i], e.Metadata["chunk"])
		assert.Len(t, e.Vector, 8)
		ids[e.ID] = true
	}
	assert.Len(t, ids, 4, "chunk ids are unique")
	assert.Equal(t, h.walker.records[0].Content, h.store.entries[0].Metadata["text"])

	out := h.out.String()
	assert.Contains(t, out, "==> Walking 1 repository")
	assert.Contains(t, out, "==> Chunking 2 files")
	assert.Contains(t, out, "created 4 chunks")
	assert.Contains(t, out, "==> Embedding 4 chunks in 1 batch")

	for _, name := range []string{"pipeline.run", "pipeline.walk", "pipeline.chunk", "pipeline.index", "pipeline.embed", "embeddings.batch"} {
		tel.AssertSpanExists(t, name)
	}
}

func TestDriver_DryRunStopsAfterChunking(t *testing.T) {
	h := newHarness(t)
	d, err := NewDriver(h.deps, Options{DryRun: true, Embedding: embedOptions()})
	require.NoError(t, err)

	report, err := d.Run(context.Background(), []repolist.Reference{demo})
	require.NoError(t, err)

	assert.True(t, report.DryRun)
	assert.Equal(t, 4, report.Chunks)
	assert.Empty(t, h.embedder.calls)
	assert.Equal(t, 0, h.store.listCalls)
	assert.Contains(t, h.out.String(), "Dry run")
}

func TestDriver_SkippedBatchIsReported(t *testing.T) {
	h := newHarness(t)
	h.embedder.fail = map[int]bool{1: true}
	opts := embedOptions()
	opts.BatchSize = 2

	logger := logging.NewTestLogger()
	h.deps.Logger = logger.Logger
	reg := prometheus.NewRegistry()

	d, err := NewDriver(h.deps, Options{Embedding: opts, Registry: reg})
	require.NoError(t, err)

	report, err := d.Run(context.Background(), []repolist.Reference{demo})
	require.NoError(t, err)

	assert.Equal(t, 2, report.Batches)
	assert.Equal(t, 1, report.FailedBatches)
	assert.Equal(t, 2, report.DroppedChunks)
	assert.Equal(t, 2, report.Upserted)
	assert.Len(t, h.store.entries, 2)
	assert.Contains(t, h.out.String(), "1 batch failed, 2 chunks dropped")
	logger.AssertLogged(t, zapcore.ErrorLevel, "embedding batch failed, skipping")

	assert.Equal(t, 2.0, testutil.ToFloat64(d.metrics.DroppedChunks))
	assert.Equal(t, 1.0, testutil.ToFloat64(d.metrics.LastSuccess))
}

func TestDriver_RedactionStage(t *testing.T) {
	h := newHarness(t)
	red := &fakeRedactor{}
	h.deps.Redactor = red

	d, err := NewDriver(h.deps, Options{Embedding: embedOptions()})
	require.NoError(t, err)
	report, err := d.Run(context.Background(), []repolist.Reference{demo})
	require.NoError(t, err)

	assert.Equal(t, 1, red.calls)
	assert.Equal(t, 1, report.FilesRedacted)
	assert.Equal(t, 2, report.SecretsRedacted)
	assert.Contains(t, report.Durations, StageRedact)
	assert.Contains(t, h.out.String(), "redacted 2 secrets in 1 file")
}

func TestDriver_CanceledDuringRedactionAborts(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.deps.Redactor = &fakeRedactor{cancel: cancel}

	d, err := NewDriver(h.deps, Options{Embedding: embedOptions()})
	require.NoError(t, err)

	report, err := d.Run(ctx, []repolist.Reference{demo})
	require.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, err.Error(), "redacting")
	assert.Equal(t, 0, report.Chunks)
	assert.Equal(t, 0, h.store.listCalls)
	assert.Empty(t, h.embedder.calls)
}

func TestDriver_WalkErrorAborts(t *testing.T) {
	h := newHarness(t)
	h.walker.err = errors.New("403 rate limit exceeded")

	d, err := NewDriver(h.deps, Options{Embedding: embedOptions()})
	require.NoError(t, err)

	report, err := d.Run(context.Background(), []repolist.Reference{demo})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "walking repositories")
	assert.NotNil(t, report)
	assert.Equal(t, 0, report.Chunks)
	assert.Equal(t, 0, h.store.listCalls)
}

func TestDriver_IndexMismatchAborts(t *testing.T) {
	h := newHarness(t)
	h.store.indexes = []string{"repoembed"}
	h.manager = vectorindex.NewManager(&mismatchStore{memStore: h.store},
		vectorindex.Descriptor{Name: "repoembed", Dimension: 8, Metric: vectorindex.MetricCosine},
		vectorindex.ManagerOptions{VerifyExisting: true}, nil)
	h.deps.Index = h.manager

	d, err := NewDriver(h.deps, Options{Embedding: embedOptions()})
	require.NoError(t, err)

	_, err = d.Run(context.Background(), []repolist.Reference{demo})
	require.ErrorIs(t, err, vectorindex.ErrDescriptorMismatch)
	assert.Empty(t, h.embedder.calls)
}

type mismatchStore struct{ *memStore }

func (s *mismatchStore) DescribeIndex(_ context.Context, name string) (vectorindex.Descriptor, error) {
	return vectorindex.Descriptor{Name: name, Dimension: 384, Metric: vectorindex.MetricCosine}, nil
}

func TestDriver_WritesMetricsTextfile(t *testing.T) {
	h := newHarness(t)
	path := filepath.Join(t.TempDir(), "repoembed.prom")

	d, err := NewDriver(h.deps, Options{
		Embedding:       embedOptions(),
		Registry:        prometheus.NewRegistry(),
		MetricsTextfile: path,
	})
	require.NoError(t, err)
	_, err = d.Run(context.Background(), []repolist.Reference{demo})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, "repoembed_run_chunks 4")
	assert.Contains(t, text, `repoembed_run_files{state="kept"} 2`)
	assert.Contains(t, text, "repoembed_run_last_success 1")
	assert.Contains(t, text, `repoembed_embedding_batches_total{outcome="embedded"} 1`)
}

func TestNewDriver_MissingDependencies(t *testing.T) {
	h := newHarness(t)

	deps := h.deps
	deps.Walker = nil
	_, err := NewDriver(deps, Options{})
	assert.ErrorIs(t, err, ErrMissingDependency)

	deps = h.deps
	deps.Embedder = nil
	_, err = NewDriver(deps, Options{})
	assert.ErrorIs(t, err, ErrMissingDependency)

	_, err = NewDriver(deps, Options{DryRun: true})
	assert.NoError(t, err, "dry runs need no embedder")
}
