package telemetry

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics implements Metrics on top of github.com/prometheus/
// client_golang, registering one vector per metric name on first use (tags
// become label values, in the order first seen for that name) and exposing
// the registry over Handler for mounting at /metrics.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
	labelKeys  map[string][]string
}

// NewPrometheusMetrics constructs a Metrics recorder backed by its own
// registry, so orchestratord's /metrics output carries only its own series
// and not the Go runtime defaults client_golang registers on the global one.
func NewPrometheusMetrics() *PrometheusMetrics {
	return &PrometheusMetrics{
		registry:   prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		labelKeys:  make(map[string][]string),
	}
}

// Handler returns the http.Handler to mount at /metrics.
func (m *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *PrometheusMetrics) IncCounter(name string, value float64, tags ...string) {
	keys, values := splitTags(tags)
	m.mu.Lock()
	vec, ok := m.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{Name: metricName(name)}, keys)
		m.registry.MustRegister(vec)
		m.counters[name] = vec
		m.labelKeys[name] = keys
	}
	m.mu.Unlock()
	vec.WithLabelValues(values...).Add(value)
}

func (m *PrometheusMetrics) RecordTimer(name string, duration time.Duration, tags ...string) {
	keys, values := splitTags(tags)
	m.mu.Lock()
	vec, ok := m.histograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: metricName(name)}, keys)
		m.registry.MustRegister(vec)
		m.histograms[name] = vec
		m.labelKeys[name] = keys
	}
	m.mu.Unlock()
	vec.WithLabelValues(values...).Observe(duration.Seconds())
}

func (m *PrometheusMetrics) RecordGauge(name string, value float64, tags ...string) {
	keys, values := splitTags(tags)
	m.mu.Lock()
	vec, ok := m.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: metricName(name)}, keys)
		m.registry.MustRegister(vec)
		m.gauges[name] = vec
		m.labelKeys[name] = keys
	}
	m.mu.Unlock()
	vec.WithLabelValues(values...).Set(value)
}

// splitTags separates (k1, v1, k2, v2, ...) tag pairs into parallel label
// name and label value slices; a trailing unpaired key is dropped.
func splitTags(tags []string) (keys, values []string) {
	for i := 0; i+1 < len(tags); i += 2 {
		keys = append(keys, tags[i])
		values = append(values, tags[i+1])
	}
	return keys, values
}

// metricName converts a dotted metric name (e.g. "job.duration") into the
// underscored form Prometheus requires.
func metricName(name string) string {
	return strings.ReplaceAll(name, ".", "_")
}
