package vectorindex

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the index manager's Prometheus collectors.
type Metrics struct {
	// Upserts counts upsert calls. Labels: result (success, error)
	Upserts *prometheus.CounterVec
	// Entries counts entries written.
	Entries prometheus.Counter
	// Created is 1 when this run created the index.
	Created prometheus.Gauge
}

// NewMetrics registers the collectors on reg. A nil reg leaves them
// unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Upserts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "repoembed",
			Subsystem: "index",
			Name:      "upserts_total",
			Help:      "Index upsert calls by result",
		}, []string{"result"}),
		Entries: f.NewCounter(prometheus.CounterOpts{
			Namespace: "repoembed",
			Subsystem: "index",
			Name:      "entries_upserted_total",
			Help:      "Vector entries written to the index",
		}),
		Created: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "repoembed",
			Subsystem: "index",
			Name:      "created",
			Help:      "1 if this run created the index, 0 otherwise",
		}),
	}
}
