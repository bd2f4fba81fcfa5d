package vectorindex

import (
	"context"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/repoembed/internal/config"
	"github.com/fyrsmithlabs/repoembed/internal/logging"
	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// QdrantConfig configures the Qdrant backend.
type QdrantConfig struct {
	Host string
	// Port is the gRPC port, not the REST one. Default 6334.
	Port   int
	UseTLS bool
	APIKey config.Secret
	// MaxMessageSize bounds gRPC messages. Default 50MB.
	MaxMessageSize int
	// RequestTimeout bounds each call. Default 30s.
	RequestTimeout time.Duration
	// MaxRetries is the number of extra attempts on transient gRPC codes.
	MaxRetries int
}

// ApplyDefaults fills unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 50 * 1024 * 1024
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 30 * time.Second
	}
}

// Validate checks the configuration.
func (c *QdrantConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port %d (must be 1-65535)", ErrInvalidConfig, c.Port)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("%w: max retries must be >= 0", ErrInvalidConfig)
	}
	return nil
}

// qdrantAPI is the subset of *qdrant.Client the backend calls.
type qdrantAPI interface {
	ListCollections(ctx context.Context) ([]string, error)
	CreateCollection(ctx context.Context, request *qdrant.CreateCollection) error
	GetCollectionInfo(ctx context.Context, collectionName string) (*qdrant.CollectionInfo, error)
	Upsert(ctx context.Context, request *qdrant.UpsertPoints) (*qdrant.UpdateResult, error)
	Close() error
}

// Qdrant stores indexes as Qdrant collections.
type Qdrant struct {
	client  qdrantAPI
	config  QdrantConfig
	logger  *logging.Logger
	backoff time.Duration
}

// NewQdrant creates a gRPC client. The connection is established lazily.
func NewQdrant(cfg QdrantConfig, logger *logging.Logger) (*Qdrant, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	qcfg := &qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		UseTLS: cfg.UseTLS,
		APIKey: cfg.APIKey.Value(),
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(cfg.MaxMessageSize),
				grpc.MaxCallSendMsgSize(cfg.MaxMessageSize),
			),
		},
	}
	if !cfg.UseTLS {
		qcfg.GrpcOptions = append(qcfg.GrpcOptions, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	client, err := qdrant.NewClient(qcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}
	return newQdrant(client, cfg, logger), nil
}

func newQdrant(client qdrantAPI, cfg QdrantConfig, logger *logging.Logger) *Qdrant {
	return &Qdrant{
		client:  client,
		config:  cfg,
		logger:  logger.Named("qdrant"),
		backoff: time.Second,
	}
}

// ListIndexes returns collection names.
func (q *Qdrant) ListIndexes(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, q.config.RequestTimeout)
	defer cancel()

	var names []string
	err := q.retryOperation(ctx, func() error {
		result, err := q.client.ListCollections(ctx)
		if err != nil {
			return err
		}
		names = result
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing collections: %w", err)
	}
	return names, nil
}

// CreateIndex creates a collection with one unnamed dense vector.
func (q *Qdrant) CreateIndex(ctx context.Context, desc Descriptor) error {
	distance, err := toQdrantDistance(desc.Metric)
	if err != nil {
		return err
	}
	if desc.Dimension < 1 {
		return fmt.Errorf("%w: dimension must be positive", ErrInvalidConfig)
	}

	ctx, cancel := context.WithTimeout(ctx, q.config.RequestTimeout)
	defer cancel()

	err = q.retryOperation(ctx, func() error {
		return q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: desc.Name,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(desc.Dimension),
				Distance: distance,
			}),
		})
	})
	if err != nil {
		return fmt.Errorf("creating collection %s: %w", desc.Name, err)
	}
	return nil
}

// DescribeIndex reads the collection's vector parameters.
func (q *Qdrant) DescribeIndex(ctx context.Context, name string) (Descriptor, error) {
	ctx, cancel := context.WithTimeout(ctx, q.config.RequestTimeout)
	defer cancel()

	var info *qdrant.CollectionInfo
	err := q.retryOperation(ctx, func() error {
		result, err := q.client.GetCollectionInfo(ctx, name)
		if err != nil {
			return err
		}
		info = result
		return nil
	})
	if err != nil {
		if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
			return Descriptor{}, fmt.Errorf("%w: %s", ErrIndexNotFound, name)
		}
		return Descriptor{}, fmt.Errorf("getting collection info for %s: %w", name, err)
	}

	params := info.GetConfig().GetParams().GetVectorsConfig().GetParams()
	if params == nil {
		// Named vectors; this tool never creates them.
		return Descriptor{}, fmt.Errorf("%w: collection %s has no default vector", ErrDescribeUnsupported, name)
	}
	return Descriptor{
		Name:      name,
		Dimension: int(params.GetSize()),
		Metric:    fromQdrantDistance(params.GetDistance()),
	}, nil
}

// Upsert writes entries as points with UUID ids and waits for the write.
func (q *Qdrant) Upsert(ctx context.Context, index string, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	points := make([]*qdrant.PointStruct, len(entries))
	for i, e := range entries {
		points[i] = toQdrantPoint(e)
	}

	ctx, cancel := context.WithTimeout(ctx, q.config.RequestTimeout)
	defer cancel()

	wait := true
	err := q.retryOperation(ctx, func() error {
		_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: index,
			Wait:           &wait,
			Points:         points,
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("upserting %d points into %s: %w", len(entries), index, err)
	}
	return nil
}

// Close closes the gRPC connection.
func (q *Qdrant) Close() error {
	if q.client != nil {
		return q.client.Close()
	}
	return nil
}

// retryOperation retries transient gRPC failures with exponential backoff.
func (q *Qdrant) retryOperation(ctx context.Context, operation func() error) error {
	backoff := q.backoff
	var lastErr error

	for attempt := 0; attempt <= q.config.MaxRetries; attempt++ {
		err := operation()
		if err == nil {
			if attempt > 0 {
				q.logger.Info(ctx, "operation recovered after retries", zap.Int("attempts", attempt))
			}
			return nil
		}
		lastErr = err
		if !isTransientError(err) || attempt == q.config.MaxRetries {
			break
		}

		q.logger.Debug(ctx, "retrying operation after transient error",
			zap.Int("attempt", attempt+1),
			zap.Int("max_retries", q.config.MaxRetries),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return fmt.Errorf("operation canceled: %w", ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return lastErr
}

func isTransientError(err error) bool {
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.ResourceExhausted:
		return true
	default:
		return false
	}
}

func toQdrantDistance(metric string) (qdrant.Distance, error) {
	switch metric {
	case MetricCosine, "":
		return qdrant.Distance_Cosine, nil
	case MetricDotProduct:
		return qdrant.Distance_Dot, nil
	case MetricEuclidean:
		return qdrant.Distance_Euclid, nil
	default:
		return 0, fmt.Errorf("%w: unsupported metric %q", ErrInvalidConfig, metric)
	}
}

func fromQdrantDistance(d qdrant.Distance) string {
	switch d {
	case qdrant.Distance_Cosine:
		return MetricCosine
	case qdrant.Distance_Dot:
		return MetricDotProduct
	case qdrant.Distance_Euclid:
		return MetricEuclidean
	default:
		return d.String()
	}
}

func toQdrantPoint(e Entry) *qdrant.PointStruct {
	payload := make(map[string]*qdrant.Value, len(e.Metadata))
	for k, v := range e.Metadata {
		payload[k] = toQdrantValue(v)
	}
	return &qdrant.PointStruct{
		Id:      qdrant.NewIDUUID(e.ID),
		Vectors: qdrant.NewVectors(e.Vector...),
		Payload: payload,
	}
}

func toQdrantValue(v any) *qdrant.Value {
	switch val := v.(type) {
	case string:
		return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: val}}
	case int:
		return &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: int64(val)}}
	case int64:
		return &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: val}}
	case float64:
		return &qdrant.Value{Kind: &qdrant.Value_DoubleValue{DoubleValue: val}}
	case bool:
		return &qdrant.Value{Kind: &qdrant.Value_BoolValue{BoolValue: val}}
	default:
		return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: fmt.Sprintf("%v", val)}}
	}
}
