package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics describes the last run. Gauges suit the node_exporter textfile
// collector, which reads the file written after each run.
type Metrics struct {
	Files         *prometheus.GaugeVec
	Chunks        prometheus.Gauge
	DroppedChunks prometheus.Gauge
	Upserted      prometheus.Gauge
	StageDuration *prometheus.GaugeVec
	LastSuccess   prometheus.Gauge
	LastRun       prometheus.Gauge
}

// NewMetrics registers the collectors on reg. A nil reg leaves them
// unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Files: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "repoembed",
			Subsystem: "run",
			Name:      "files",
			Help:      "Files in the last run by state (seen, kept, skipped, redacted)",
		}, []string{"state"}),
		Chunks: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "repoembed",
			Subsystem: "run",
			Name:      "chunks",
			Help:      "Chunks produced in the last run",
		}),
		DroppedChunks: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "repoembed",
			Subsystem: "run",
			Name:      "dropped_chunks",
			Help:      "Chunks lost to failed embedding batches in the last run",
		}),
		Upserted: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "repoembed",
			Subsystem: "run",
			Name:      "upserted_entries",
			Help:      "Vector entries written in the last run",
		}),
		StageDuration: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "repoembed",
			Subsystem: "run",
			Name:      "stage_duration_seconds",
			Help:      "Duration of each pipeline stage in the last run",
		}, []string{"stage"}),
		LastSuccess: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "repoembed",
			Subsystem: "run",
			Name:      "last_success",
			Help:      "1 if the last run completed, 0 if it failed",
		}),
		LastRun: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "repoembed",
			Subsystem: "run",
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last run finished",
		}),
	}
}

func (m *Metrics) observe(r *Report, err error, now time.Time) {
	if m == nil {
		return
	}
	m.Files.WithLabelValues("seen").Set(float64(r.FilesSeen))
	m.Files.WithLabelValues("kept").Set(float64(r.Files))
	m.Files.WithLabelValues("skipped").Set(float64(r.FilesSkipped))
	m.Files.WithLabelValues("redacted").Set(float64(r.FilesRedacted))
	m.Chunks.Set(float64(r.Chunks))
	m.DroppedChunks.Set(float64(r.DroppedChunks))
	m.Upserted.Set(float64(r.Upserted))
	for stage, d := range r.Durations {
		m.StageDuration.WithLabelValues(stage).Set(d.Seconds())
	}
	if err == nil {
		m.LastSuccess.Set(1)
	} else {
		m.LastSuccess.Set(0)
	}
	m.LastRun.Set(float64(now.Unix()))
}
