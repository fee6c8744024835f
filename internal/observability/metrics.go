// Package observability exposes prometheus metrics for the engine. All
// increment methods are nil-safe so wiring metrics stays optional in
// tests.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's counters on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	jobsStarted       prometheus.Counter
	jobsCanceled      prometheus.Counter
	jobsErrored       prometheus.Counter
	chunksSynthesized prometheus.Counter
	synthDuration     prometheus.Histogram
}

// NewMetrics builds the metric set on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		jobsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicereader_jobs_started_total",
			Help: "Speech jobs accepted.",
		}),
		jobsCanceled: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicereader_jobs_canceled_total",
			Help: "Speech jobs ended by cancellation.",
		}),
		jobsErrored: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicereader_jobs_errored_total",
			Help: "Speech jobs ended by a synthesis error.",
		}),
		chunksSynthesized: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicereader_chunks_synthesized_total",
			Help: "Audio chunks synthesized across all jobs.",
		}),
		synthDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicereader_chunk_synthesis_duration_seconds",
			Help:    "Wall time per chunk synthesis call.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
	}
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) JobStarted() {
	if m != nil {
		m.jobsStarted.Inc()
	}
}

func (m *Metrics) JobCanceled() {
	if m != nil {
		m.jobsCanceled.Inc()
	}
}

func (m *Metrics) JobErrored() {
	if m != nil {
		m.jobsErrored.Inc()
	}
}

func (m *Metrics) ChunkSynthesized(d time.Duration) {
	if m != nil {
		m.chunksSynthesized.Inc()
		m.synthDuration.Observe(d.Seconds())
	}
}
