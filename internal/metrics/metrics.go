// Package metrics exposes Prometheus counters and histograms for runs.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "meetbot"

type Metrics struct {
	registry *prometheus.Registry

	runsStarted   prometheus.Counter
	runsFinished  *prometheus.CounterVec
	runsActive    prometheus.Gauge
	joinDuration  prometheus.Histogram
	joinCycles    prometheus.Histogram
	captureBytes  prometheus.Histogram
	captureFailed *prometheus.CounterVec
	mediaToggles  *prometheus.CounterVec
}

// New registers every collector on a private registry, alongside the Go and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "runs_started_total",
			Help: "Meeting runs started.",
		}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "runs_finished_total",
			Help: "Meeting runs finished, by terminal status.",
		}, []string{"status"}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "runs_active",
			Help: "Meeting runs currently executing.",
		}),
		joinDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "join_duration_seconds",
			Help:    "Time from the first join observation to being in the call.",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120, 300},
		}),
		joinCycles: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "join_cycles",
			Help:    "Classification cycles needed to join.",
			Buckets: prometheus.LinearBuckets(1, 2, 10),
		}),
		captureBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "capture_bytes",
			Help:    "Size of retrieved recordings.",
			Buckets: prometheus.ExponentialBuckets(64*1024, 4, 8),
		}),
		captureFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "capture_failures_total",
			Help: "Failed captures, by reason.",
		}, []string{"reason"}),
		mediaToggles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "media_toggles_total",
			Help: "Media control outcomes.",
		}, []string{"control", "outcome"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.runsStarted, m.runsFinished, m.runsActive,
		m.joinDuration, m.joinCycles,
		m.captureBytes, m.captureFailed, m.mediaToggles,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.runsStarted.Inc()
	m.runsActive.Inc()
}

func (m *Metrics) RunFinished(status string) {
	if m == nil {
		return
	}
	m.runsActive.Dec()
	m.runsFinished.WithLabelValues(status).Inc()
}

func (m *Metrics) JoinCompleted(d time.Duration, cycles int) {
	if m == nil {
		return
	}
	m.joinDuration.Observe(d.Seconds())
	m.joinCycles.Observe(float64(cycles))
}

func (m *Metrics) CaptureSucceeded(bytes int) {
	if m == nil {
		return
	}
	m.captureBytes.Observe(float64(bytes))
}

func (m *Metrics) CaptureFailed(reason string) {
	if m == nil {
		return
	}
	m.captureFailed.WithLabelValues(reason).Inc()
}

func (m *Metrics) MediaToggle(control, outcome string) {
	if m == nil {
		return
	}
	m.mediaToggles.WithLabelValues(control, outcome).Inc()
}
