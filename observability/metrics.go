package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Counter represents a monotonically increasing counter metric
type Counter interface {
	Inc()
	Add(value float64)
	WithLabels(labels map[string]string) Counter
}

// Histogram represents a histogram metric for measuring distributions
type Histogram interface {
	Observe(value float64)
	WithLabels(labels map[string]string) Histogram
}

// Gauge represents a gauge metric that can go up and down
type Gauge interface {
	Set(value float64)
	Inc()
	Dec()
	Add(value float64)
	Sub(value float64)
	WithLabels(labels map[string]string) Gauge
}

// Metrics is the interface for metrics collection and exposure.
//
// Counter, Histogram and Gauge create the metric on first use and return the
// already registered collector on later calls with the same name, so callers
// may look metrics up by name on every event.
type Metrics interface {
	Counter(name string, help string, labels ...string) Counter
	Histogram(name string, help string, buckets []float64, labels ...string) Histogram
	Gauge(name string, help string, labels ...string) Gauge

	// Handler returns an HTTP handler exposing metrics in Prometheus format
	Handler() http.Handler

	// Registry returns the underlying Prometheus registry
	Registry() *prometheus.Registry
}

// MetricsConfig contains configuration for metrics
type MetricsConfig struct {
	// Enabled determines if metrics collection is enabled
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Path is the HTTP path for the metrics endpoint
	Path string `json:"path" yaml:"path" validate:"required"`

	// Namespace is the namespace prefix for all metrics
	Namespace string `json:"namespace" yaml:"namespace"`
}

// DefaultMetricsConfig returns the default metrics configuration
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   true,
		Path:      "/metrics",
		Namespace: "pubsubfn",
	}
}

// DefaultDurationBuckets are the histogram buckets used for latency metrics
var DefaultDurationBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

type prometheusMetrics struct {
	registry   *prometheus.Registry
	config     MetricsConfig
	mu         sync.Mutex
	counters   map[string]*prometheusCounter
	histograms map[string]*prometheusHistogram
	gauges     map[string]*prometheusGauge
}

// NewMetrics creates a new metrics instance with the default configuration
func NewMetrics() Metrics {
	return NewMetricsWithConfig(DefaultMetricsConfig())
}

// NewMetricsWithConfig creates a new metrics instance with the provided configuration
func NewMetricsWithConfig(config MetricsConfig) Metrics {
	if !config.Enabled {
		return NoOpMetrics()
	}

	return &prometheusMetrics{
		registry:   prometheus.NewRegistry(),
		config:     config,
		counters:   make(map[string]*prometheusCounter),
		histograms: make(map[string]*prometheusHistogram),
		gauges:     make(map[string]*prometheusGauge),
	}
}

func (m *prometheusMetrics) Counter(name string, help string, labels ...string) Counter {
	m.mu.Lock()
	defer m.mu.Unlock()

	if counter, exists := m.counters[name]; exists {
		return counter
	}

	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.config.Namespace,
		Name:      name,
		Help:      help,
	}, labels)
	m.registry.MustRegister(vec)

	counter := &prometheusCounter{counter: vec, labelNames: labels}
	m.counters[name] = counter
	return counter
}

func (m *prometheusMetrics) Histogram(name string, help string, buckets []float64, labels ...string) Histogram {
	m.mu.Lock()
	defer m.mu.Unlock()

	if histogram, exists := m.histograms[name]; exists {
		return histogram
	}

	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.config.Namespace,
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	}, labels)
	m.registry.MustRegister(vec)

	histogram := &prometheusHistogram{histogram: vec, labelNames: labels}
	m.histograms[name] = histogram
	return histogram
}

func (m *prometheusMetrics) Gauge(name string, help string, labels ...string) Gauge {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gauge, exists := m.gauges[name]; exists {
		return gauge
	}

	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.config.Namespace,
		Name:      name,
		Help:      help,
	}, labels)
	m.registry.MustRegister(vec)

	gauge := &prometheusGauge{gauge: vec, labelNames: labels}
	m.gauges[name] = gauge
	return gauge
}

func (m *prometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

func (m *prometheusMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// labelValues orders label values by the declared label names; missing
// labels become empty strings.
func labelValues(names []string, labels map[string]string) []string {
	values := make([]string, len(names))
	for i, name := range names {
		values[i] = labels[name]
	}
	return values
}

type prometheusCounter struct {
	counter    *prometheus.CounterVec
	labelNames []string
}

func (c *prometheusCounter) Inc() {
	c.counter.WithLabelValues(labelValues(c.labelNames, nil)...).Inc()
}

func (c *prometheusCounter) Add(value float64) {
	c.counter.WithLabelValues(labelValues(c.labelNames, nil)...).Add(value)
}

func (c *prometheusCounter) WithLabels(labels map[string]string) Counter {
	return &boundCounter{counter: c.counter.WithLabelValues(labelValues(c.labelNames, labels)...)}
}

type boundCounter struct {
	counter prometheus.Counter
}

func (c *boundCounter) Inc()                                        { c.counter.Inc() }
func (c *boundCounter) Add(value float64)                           { c.counter.Add(value) }
func (c *boundCounter) WithLabels(labels map[string]string) Counter { return c }

type prometheusHistogram struct {
	histogram  *prometheus.HistogramVec
	labelNames []string
}

func (h *prometheusHistogram) Observe(value float64) {
	h.histogram.WithLabelValues(labelValues(h.labelNames, nil)...).Observe(value)
}

func (h *prometheusHistogram) WithLabels(labels map[string]string) Histogram {
	return &boundHistogram{histogram: h.histogram.WithLabelValues(labelValues(h.labelNames, labels)...)}
}

type boundHistogram struct {
	histogram prometheus.Observer
}

func (h *boundHistogram) Observe(value float64)                         { h.histogram.Observe(value) }
func (h *boundHistogram) WithLabels(labels map[string]string) Histogram { return h }

type prometheusGauge struct {
	gauge      *prometheus.GaugeVec
	labelNames []string
}

func (g *prometheusGauge) bound() prometheus.Gauge {
	return g.gauge.WithLabelValues(labelValues(g.labelNames, nil)...)
}

func (g *prometheusGauge) Set(value float64) { g.bound().Set(value) }
func (g *prometheusGauge) Inc()              { g.bound().Inc() }
func (g *prometheusGauge) Dec()              { g.bound().Dec() }
func (g *prometheusGauge) Add(value float64) { g.bound().Add(value) }
func (g *prometheusGauge) Sub(value float64) { g.bound().Sub(value) }

func (g *prometheusGauge) WithLabels(labels map[string]string) Gauge {
	return &boundGauge{gauge: g.gauge.WithLabelValues(labelValues(g.labelNames, labels)...)}
}

type boundGauge struct {
	gauge prometheus.Gauge
}

func (g *boundGauge) Set(value float64)                         { g.gauge.Set(value) }
func (g *boundGauge) Inc()                                      { g.gauge.Inc() }
func (g *boundGauge) Dec()                                      { g.gauge.Dec() }
func (g *boundGauge) Add(value float64)                         { g.gauge.Add(value) }
func (g *boundGauge) Sub(value float64)                         { g.gauge.Sub(value) }
func (g *boundGauge) WithLabels(labels map[string]string) Gauge { return g }

// statusRecorder captures the status code written by a handler
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// HTTPMetricsMiddleware records http_requests_total and
// http_request_duration_seconds for every request, labelled by method,
// path and status code.
func HTTPMetricsMiddleware(metrics Metrics) func(http.Handler) http.Handler {
	requests := metrics.Counter("http_requests_total", "Total number of HTTP requests", "method", "path", "status")
	duration := metrics.Histogram("http_request_duration_seconds", "HTTP request duration in seconds",
		DefaultDurationBuckets, "method", "path", "status")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			recorder := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(recorder, r)

			labels := map[string]string{
				"method": r.Method,
				"path":   r.URL.Path,
				"status": strconv.Itoa(recorder.statusCode),
			}
			requests.WithLabels(labels).Inc()
			duration.WithLabels(labels).Observe(time.Since(start).Seconds())
		})
	}
}
