package ecoshop

import "time"

// Metrics provides observability for provider and store operations
type Metrics interface {
	// Increment increases a counter by 1
	Increment(name string, tags ...string)

	// Gauge sets an absolute value
	Gauge(name string, value float64, tags ...string)

	// Histogram records a value distribution (latency, size, etc)
	Histogram(name string, value float64, tags ...string)

	// Timing records a duration
	Timing(name string, duration time.Duration, tags ...string)
}

// NoOpMetrics is a metrics collector that does nothing
type NoOpMetrics struct{}

func (m *NoOpMetrics) Increment(name string, tags ...string)                      {}
func (m *NoOpMetrics) Gauge(name string, value float64, tags ...string)           {}
func (m *NoOpMetrics) Histogram(name string, value float64, tags ...string)       {}
func (m *NoOpMetrics) Timing(name string, duration time.Duration, tags ...string) {}

// InMemoryMetrics stores metrics in memory for testing
type InMemoryMetrics struct {
	Counters   map[string]int
	Gauges     map[string]float64
	Histograms map[string][]float64
	Timings    map[string][]time.Duration
}

func NewInMemoryMetrics() *InMemoryMetrics {
	return &InMemoryMetrics{
		Counters:   make(map[string]int),
		Gauges:     make(map[string]float64),
		Histograms: make(map[string][]float64),
		Timings:    make(map[string][]time.Duration),
	}
}

func (m *InMemoryMetrics) Increment(name string, tags ...string) {
	m.Counters[name]++
}

func (m *InMemoryMetrics) Gauge(name string, value float64, tags ...string) {
	m.Gauges[name] = value
}

func (m *InMemoryMetrics) Histogram(name string, value float64, tags ...string) {
	m.Histograms[name] = append(m.Histograms[name], value)
}

func (m *InMemoryMetrics) Timing(name string, duration time.Duration, tags ...string) {
	m.Timings[name] = append(m.Timings[name], duration)
}

// Common metric names
const (
	MetricDBOps          = "ecoshop.db.ops"
	MetricDBErrors       = "ecoshop.db.errors"
	MetricDBLatency      = "ecoshop.db.latency"
	MetricQueryDuration  = "ecoshop.query.duration"
	MetricQueryResults   = "ecoshop.query.results"
	MetricStorageOps     = "ecoshop.storage.ops"
	MetricStorageErrors  = "ecoshop.storage.errors"
	MetricUploadBytes    = "ecoshop.storage.upload_bytes"
	MetricUploadDuration = "ecoshop.storage.upload_duration"

	MetricCartMutations   = "ecoshop.cart.mutations"
	MetricCartSyncs       = "ecoshop.cart.syncs"
	MetricCartSyncErrors  = "ecoshop.cart.sync_errors"
	MetricCartSyncLatency = "ecoshop.cart.sync_latency"
	MetricCartItems       = "ecoshop.cart.items"
	MetricCartMerges      = "ecoshop.cart.merges"

	MetricWishlistMutations = "ecoshop.wishlist.mutations"
	MetricWishlistPending   = "ecoshop.wishlist.pending"

	MetricPersistWrites = "ecoshop.persist.writes"
	MetricPersistErrors = "ecoshop.persist.errors"
)
