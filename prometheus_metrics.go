package ecoshop

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetrics implements the Metrics interface using Prometheus
type PrometheusMetrics struct {
	mu         sync.RWMutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	labels     map[string][]string
	registry   *prometheus.Registry
}

// NewPrometheusMetrics creates a new Prometheus metrics instance
// If registry is nil, uses the default Prometheus registry
func NewPrometheusMetrics(registry *prometheus.Registry) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer.(*prometheus.Registry)
	}

	pm := &PrometheusMetrics{
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		labels:     make(map[string][]string),
		registry:   registry,
	}

	pm.registerDefaultMetrics()
	return pm
}

// registerDefaultMetrics registers the standard provider and store metrics.
// Label names here must match the tag names the emitting call sites pass.
func (p *PrometheusMetrics) registerDefaultMetrics() {
	p.registerCounter(MetricDBOps, prometheus.CounterOpts{
		Namespace: "ecoshop",
		Subsystem: "db",
		Name:      "operations_total",
		Help:      "Total number of database provider operations",
	}, []string{"operation", "backend"})

	p.registerCounter(MetricDBErrors, prometheus.CounterOpts{
		Namespace: "ecoshop",
		Subsystem: "db",
		Name:      "errors_total",
		Help:      "Total number of database provider errors",
	}, []string{"operation", "backend", "code"})

	p.registerCounter(MetricStorageOps, prometheus.CounterOpts{
		Namespace: "ecoshop",
		Subsystem: "storage",
		Name:      "operations_total",
		Help:      "Total number of storage provider operations",
	}, []string{"op", "status"})

	p.registerCounter(MetricCartMutations, prometheus.CounterOpts{
		Namespace: "ecoshop",
		Subsystem: "cart",
		Name:      "mutations_total",
		Help:      "Total number of local cart mutations",
	}, []string{"op"})

	p.registerCounter(MetricCartSyncs, prometheus.CounterOpts{
		Namespace: "ecoshop",
		Subsystem: "cart",
		Name:      "syncs_total",
		Help:      "Total number of cart sync round-trips",
	}, nil)

	p.registerCounter(MetricCartSyncErrors, prometheus.CounterOpts{
		Namespace: "ecoshop",
		Subsystem: "cart",
		Name:      "sync_errors_total",
		Help:      "Total number of failed cart sync round-trips",
	}, nil)

	p.registerCounter(MetricCartMerges, prometheus.CounterOpts{
		Namespace: "ecoshop",
		Subsystem: "cart",
		Name:      "merges_total",
		Help:      "Total number of merge-on-login reconciliations",
	}, nil)

	p.registerCounter(MetricWishlistMutations, prometheus.CounterOpts{
		Namespace: "ecoshop",
		Subsystem: "wishlist",
		Name:      "mutations_total",
		Help:      "Total number of wishlist mutations",
	}, []string{"op"})

	p.registerCounter(MetricPersistWrites, prometheus.CounterOpts{
		Namespace: "ecoshop",
		Subsystem: "persist",
		Name:      "writes_total",
		Help:      "Total number of durable local snapshot writes",
	}, nil)

	p.registerCounter(MetricPersistErrors, prometheus.CounterOpts{
		Namespace: "ecoshop",
		Subsystem: "persist",
		Name:      "errors_total",
		Help:      "Total number of failed durable local snapshot writes",
	}, nil)

	p.registerHistogram(MetricDBLatency, prometheus.HistogramOpts{
		Namespace: "ecoshop",
		Subsystem: "db",
		Name:      "operation_duration_seconds",
		Help:      "Database provider operation duration in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op"})

	p.registerHistogram(MetricQueryDuration, prometheus.HistogramOpts{
		Namespace: "ecoshop",
		Subsystem: "query",
		Name:      "duration_seconds",
		Help:      "Query execution duration in seconds",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"collection"})

	p.registerHistogram(MetricQueryResults, prometheus.HistogramOpts{
		Namespace: "ecoshop",
		Subsystem: "query",
		Name:      "results",
		Help:      "Number of results returned by queries",
		Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
	}, []string{"collection"})

	p.registerHistogram(MetricCartSyncLatency, prometheus.HistogramOpts{
		Namespace: "ecoshop",
		Subsystem: "cart",
		Name:      "sync_duration_seconds",
		Help:      "Cart sync round-trip duration in seconds",
		Buckets:   prometheus.DefBuckets,
	}, nil)

	p.registerHistogram(MetricUploadBytes, prometheus.HistogramOpts{
		Namespace: "ecoshop",
		Subsystem: "storage",
		Name:      "upload_bytes",
		Help:      "Uploaded payload size in bytes",
		Buckets:   prometheus.ExponentialBuckets(1024, 4, 10),
	}, nil)

	p.registerGauge(MetricCartItems, prometheus.GaugeOpts{
		Namespace: "ecoshop",
		Subsystem: "cart",
		Name:      "items",
		Help:      "Number of line items currently in the cart",
	}, nil)

	p.registerGauge(MetricWishlistPending, prometheus.GaugeOpts{
		Namespace: "ecoshop",
		Subsystem: "wishlist",
		Name:      "pending_sync",
		Help:      "Number of wishlist items queued for sync",
	}, nil)
}

func (p *PrometheusMetrics) registerCounter(name string, opts prometheus.CounterOpts, labels []string) {
	vec := prometheus.NewCounterVec(opts, labels)
	p.counters[name] = p.register(vec).(*prometheus.CounterVec)
	p.labels[name] = labels
}

func (p *PrometheusMetrics) registerGauge(name string, opts prometheus.GaugeOpts, labels []string) {
	vec := prometheus.NewGaugeVec(opts, labels)
	p.gauges[name] = p.register(vec).(*prometheus.GaugeVec)
	p.labels[name] = labels
}

func (p *PrometheusMetrics) registerHistogram(name string, opts prometheus.HistogramOpts, labels []string) {
	vec := prometheus.NewHistogramVec(opts, labels)
	p.histograms[name] = p.register(vec).(*prometheus.HistogramVec)
	p.labels[name] = labels
}

// register attaches a collector to the registry, reusing the existing
// collector instead of panicking when the name is already taken.
func (p *PrometheusMetrics) register(c prometheus.Collector) prometheus.Collector {
	if err := p.registry.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			return already.ExistingCollector
		}
	}
	return c
}

// Increment increments a Prometheus counter
func (p *PrometheusMetrics) Increment(name string, tags ...string) {
	p.mu.RLock()
	counter, ok := p.counters[name]
	p.mu.RUnlock()
	if !ok {
		counter = p.dynamicCounter(name, tags)
	}

	counter.With(p.labelValues(name, tags)).Inc()
}

// Gauge sets a Prometheus gauge value
func (p *PrometheusMetrics) Gauge(name string, value float64, tags ...string) {
	p.mu.RLock()
	gauge, ok := p.gauges[name]
	p.mu.RUnlock()
	if !ok {
		gauge = p.dynamicGauge(name, tags)
	}

	gauge.With(p.labelValues(name, tags)).Set(value)
}

// Histogram records a value in a Prometheus histogram
func (p *PrometheusMetrics) Histogram(name string, value float64, tags ...string) {
	p.mu.RLock()
	histogram, ok := p.histograms[name]
	p.mu.RUnlock()
	if !ok {
		histogram = p.dynamicHistogram(name, tags)
	}

	histogram.With(p.labelValues(name, tags)).Observe(value)
}

// Timing records a duration in a Prometheus histogram
func (p *PrometheusMetrics) Timing(name string, duration time.Duration, tags ...string) {
	p.Histogram(name, duration.Seconds(), tags...)
}

func (p *PrometheusMetrics) dynamicCounter(name string, tags []string) *prometheus.CounterVec {
	p.mu.Lock()
	defer p.mu.Unlock()
	if counter, ok := p.counters[name]; ok {
		return counter
	}

	labels := extractLabels(tags)
	counter := p.register(prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ecoshop",
		Name:      sanitizeMetricName(name),
		Help:      "Dynamic counter: " + name,
	}, labels)).(*prometheus.CounterVec)
	p.counters[name] = counter
	p.labels[name] = labels
	return counter
}

func (p *PrometheusMetrics) dynamicGauge(name string, tags []string) *prometheus.GaugeVec {
	p.mu.Lock()
	defer p.mu.Unlock()
	if gauge, ok := p.gauges[name]; ok {
		return gauge
	}

	labels := extractLabels(tags)
	gauge := p.register(prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ecoshop",
		Name:      sanitizeMetricName(name),
		Help:      "Dynamic gauge: " + name,
	}, labels)).(*prometheus.GaugeVec)
	p.gauges[name] = gauge
	p.labels[name] = labels
	return gauge
}

func (p *PrometheusMetrics) dynamicHistogram(name string, tags []string) *prometheus.HistogramVec {
	p.mu.Lock()
	defer p.mu.Unlock()
	if histogram, ok := p.histograms[name]; ok {
		return histogram
	}

	labels := extractLabels(tags)
	histogram := p.register(prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ecoshop",
		Name:      sanitizeMetricName(name),
		Help:      "Dynamic histogram: " + name,
		Buckets:   prometheus.DefBuckets,
	}, labels)).(*prometheus.HistogramVec)
	p.histograms[name] = histogram
	p.labels[name] = labels
	return histogram
}

// labelValues builds the label map for a recorded metric. Tags that do not
// match a registered label are dropped and absent labels are filled with an
// empty value, so a mismatched call site records instead of panicking.
func (p *PrometheusMetrics) labelValues(name string, tags []string) prometheus.Labels {
	p.mu.RLock()
	names := p.labels[name]
	p.mu.RUnlock()

	values := make(prometheus.Labels, len(names))
	for _, n := range names {
		values[n] = ""
	}
	for i := 0; i+1 < len(tags); i += 2 {
		if _, ok := values[tags[i]]; ok {
			values[tags[i]] = tags[i+1]
		}
	}
	return values
}

// extractLabels extracts label names from tags (every even index)
func extractLabels(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}

	labels := make([]string, 0, len(tags)/2)
	for i := 0; i+1 < len(tags); i += 2 {
		labels = append(labels, tags[i])
	}
	return labels
}

// GetRegistry returns the underlying Prometheus registry
func (p *PrometheusMetrics) GetRegistry() *prometheus.Registry {
	return p.registry
}

// sanitizeMetricName converts dotted metric names into Prometheus-safe ones
func sanitizeMetricName(name string) string {
	out := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c == '.' || c == '-' {
			out[i] = '_'
		} else {
			out[i] = c
		}
	}
	return string(out)
}
