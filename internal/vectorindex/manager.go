package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/fyrsmithlabs/repoembed/internal/embeddings"
	"github.com/fyrsmithlabs/repoembed/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/repoembed/internal/vectorindex"

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	// VerifyExisting compares an existing index's shape with the descriptor.
	VerifyExisting bool
	Metrics        *Metrics
	Tracer         trace.Tracer
}

// Manager ensures one index exists and writes records into it.
type Manager struct {
	store   Store
	desc    Descriptor
	opts    ManagerOptions
	logger  *logging.Logger
	tracer  trace.Tracer
	metrics *Metrics

	once     sync.Once
	created  bool
	err      error
	ready    bool
	upserted int
}

// NewManager creates a manager for desc on store.
func NewManager(store Store, desc Descriptor, opts ManagerOptions, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(instrumentationName)
	}
	return &Manager{
		store:   store,
		desc:    desc,
		opts:    opts,
		logger:  logger.Named("index"),
		tracer:  tracer,
		metrics: opts.Metrics,
	}
}

// Descriptor returns the index shape the manager ensures.
func (m *Manager) Descriptor() Descriptor { return m.desc }

// EnsureIndex creates the index if it is not listed. Only the first call
// talks to the store; later calls return its result.
func (m *Manager) EnsureIndex(ctx context.Context) (bool, error) {
	m.once.Do(func() {
		m.created, m.err = m.ensure(ctx)
		m.ready = m.err == nil
		if m.metrics != nil && m.created {
			m.metrics.Created.Set(1)
		}
	})
	return m.created, m.err
}

func (m *Manager) ensure(ctx context.Context) (bool, error) {
	ctx, span := m.tracer.Start(ctx, "index.ensure", trace.WithAttributes(
		attribute.String("index.name", m.desc.Name),
		attribute.Int("index.dimension", m.desc.Dimension),
		attribute.String("index.metric", m.desc.Metric),
	))
	defer span.End()

	names, err := m.store.ListIndexes(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, err
	}

	if !slices.Contains(names, m.desc.Name) {
		if err := m.store.CreateIndex(ctx, m.desc); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return false, err
		}
		m.logger.Info(ctx, "index created",
			zap.String("index", m.desc.Name),
			zap.Int("dimension", m.desc.Dimension),
			zap.String("metric", m.desc.Metric),
		)
		span.SetAttributes(attribute.Bool("index.created", true))
		return true, nil
	}

	if m.opts.VerifyExisting {
		if err := m.verify(ctx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return false, err
		}
	}
	m.logger.Info(ctx, "index exists", zap.String("index", m.desc.Name))
	return false, nil
}

func (m *Manager) verify(ctx context.Context) error {
	got, err := m.store.DescribeIndex(ctx, m.desc.Name)
	switch {
	case errors.Is(err, ErrDescribeUnsupported):
		m.logger.Warn(ctx, "cannot verify existing index shape", zap.String("index", m.desc.Name), zap.Error(err))
		return nil
	case err != nil:
		return err
	}

	if got.Dimension != m.desc.Dimension || got.Metric != m.desc.Metric {
		return fmt.Errorf("%w: index %s has dimension %d and metric %s, configured %d and %s",
			ErrDescriptorMismatch, m.desc.Name, got.Dimension, got.Metric, m.desc.Dimension, m.desc.Metric)
	}
	return nil
}

// Upsert writes records as entries with metadata repo, file_path, text
// and chunk.
func (m *Manager) Upsert(ctx context.Context, records []embeddings.Record) error {
	if !m.ready {
		return ErrIndexNotReady
	}
	if len(records) == 0 {
		return nil
	}

	entries := make([]Entry, len(records))
	for i, r := range records {
		entries[i] = Entry{ID: r.ChunkID, Vector: r.Vector, Metadata: r.Metadata.Map()}
	}

	ctx, span := m.tracer.Start(ctx, "index.upsert", trace.WithAttributes(
		attribute.String("index.name", m.desc.Name),
		attribute.Int("entries", len(entries)),
	))
	defer span.End()

	if err := m.store.Upsert(ctx, m.desc.Name, entries); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.count("error", 0)
		return err
	}
	m.upserted += len(entries)
	m.count("success", len(entries))
	return nil
}

// Upserted returns the number of entries written so far.
func (m *Manager) Upserted() int { return m.upserted }

// Close closes the underlying store.
func (m *Manager) Close() error { return m.store.Close() }

func (m *Manager) count(result string, entries int) {
	if m.metrics == nil {
		return
	}
	m.metrics.Upserts.WithLabelValues(result).Inc()
	m.metrics.Entries.Add(float64(entries))
}
