package embeddings

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the batcher's Prometheus collectors.
type Metrics struct {
	// Requests counts provider calls. Labels: result (success, error)
	Requests *prometheus.CounterVec
	// Batches counts finished batches. Labels: outcome (embedded, dropped)
	Batches *prometheus.CounterVec
	// Chunks counts chunks by the outcome of their batch.
	// Labels: outcome (embedded, dropped)
	Chunks *prometheus.CounterVec
	// Duration observes provider call latency.
	Duration prometheus.Histogram
}

// NewMetrics registers the collectors on reg. A nil reg leaves them
// unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "repoembed",
			Subsystem: "embedding",
			Name:      "requests_total",
			Help:      "Embedding provider calls by result",
		}, []string{"result"}),
		Batches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "repoembed",
			Subsystem: "embedding",
			Name:      "batches_total",
			Help:      "Embedding batches by outcome",
		}, []string{"outcome"}),
		Chunks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "repoembed",
			Subsystem: "embedding",
			Name:      "chunks_total",
			Help:      "Chunks by the outcome of their embedding batch",
		}, []string{"outcome"}),
		Duration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "repoembed",
			Subsystem: "embedding",
			Name:      "request_duration_seconds",
			Help:      "Latency of embedding provider calls",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
	}
}

func (m *Metrics) request(seconds float64, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.Requests.WithLabelValues(result).Inc()
	m.Duration.Observe(seconds)
}

func (m *Metrics) batch(outcome string, chunks int) {
	if m == nil {
		return
	}
	m.Batches.WithLabelValues(outcome).Inc()
	m.Chunks.WithLabelValues(outcome).Add(float64(chunks))
}
