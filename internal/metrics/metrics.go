// Package metrics provides Prometheus metrics for scans and file retrievals.
//
// Metrics are optional: components take a Recorder, and NewNoop returns one
// that does nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Retrieval outcomes used as the "outcome" label.
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
	OutcomeLimited  = "rate_limited"
)

// Recorder receives scan and retrieval measurements.
type Recorder interface {
	RecordScan(root string, duration time.Duration, matches, skipped int)
	RecordRetrieval(outcome string, duration time.Duration, bytes int)
	SetWatchedDirs(n int)
}

// Registry bundles a Prometheus registry with the Recorder writing to it.
type Registry struct {
	reg *prometheus.Registry
	Recorder
}

// NewRegistry creates a fresh registry with Go runtime and process collectors
// plus the htscan metrics.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Registry{reg: reg, Recorder: newPrometheus(reg)}
}

// Handler serves the registry in the Prometheus text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Gatherer exposes the underlying registry, mostly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

type promRecorder struct {
	scansTotal        *prometheus.CounterVec
	scanDuration      *prometheus.HistogramVec
	scanMatches       *prometheus.GaugeVec
	scanSkipped       *prometheus.GaugeVec
	retrievalsTotal   *prometheus.CounterVec
	retrievalDuration prometheus.Histogram
	bytesServed       prometheus.Counter
	watchedDirs       prometheus.Gauge
}

func newPrometheus(reg prometheus.Registerer) *promRecorder {
	return &promRecorder{
		scansTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "htscan_scans_total",
				Help: "Total number of directory scans by root",
			},
			[]string{"root"},
		),
		scanDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "htscan_scan_duration_seconds",
				Help:    "Duration of directory scans",
				Buckets: []float64{0.001, 0.01, 0.1, 1, 10},
			},
			[]string{"root"},
		),
		scanMatches: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "htscan_scan_matches",
				Help: "Number of matching files found by the last scan of each root",
			},
			[]string{"root"},
		),
		scanSkipped: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "htscan_scan_skipped",
				Help: "Number of subtrees skipped by the last scan of each root",
			},
			[]string{"root"},
		),
		retrievalsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "htscan_retrievals_total",
				Help: "Total number of file retrieval requests by outcome",
			},
			[]string{"outcome"},
		),
		retrievalDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "htscan_retrieval_duration_seconds",
				Help:    "Duration of file retrieval requests",
				Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 1},
			},
		),
		bytesServed: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "htscan_retrieved_bytes_total",
				Help: "Total bytes returned by successful retrievals",
			},
		),
		watchedDirs: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "htscan_watched_directories",
				Help: "Number of directories registered with the file watcher",
			},
		),
	}
}

func (m *promRecorder) RecordScan(root string, duration time.Duration, matches, skipped int) {
	m.scansTotal.WithLabelValues(root).Inc()
	m.scanDuration.WithLabelValues(root).Observe(duration.Seconds())
	m.scanMatches.WithLabelValues(root).Set(float64(matches))
	m.scanSkipped.WithLabelValues(root).Set(float64(skipped))
}

func (m *promRecorder) RecordRetrieval(outcome string, duration time.Duration, bytes int) {
	m.retrievalsTotal.WithLabelValues(outcome).Inc()
	m.retrievalDuration.Observe(duration.Seconds())
	if outcome == OutcomeOK {
		m.bytesServed.Add(float64(bytes))
	}
}

func (m *promRecorder) SetWatchedDirs(n int) {
	m.watchedDirs.Set(float64(n))
}

type noop struct{}

// NewNoop returns a Recorder that discards everything.
func NewNoop() Recorder {
	return noop{}
}

func (noop) RecordScan(string, time.Duration, int, int)  {}
func (noop) RecordRetrieval(string, time.Duration, int) {}
func (noop) SetWatchedDirs(int)                         {}
