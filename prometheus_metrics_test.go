package ecoshop

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNewPrometheusMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewPrometheusMetrics(registry)

	if metrics == nil {
		t.Fatal("expected PrometheusMetrics, got nil")
	}
	if metrics.registry != registry {
		t.Error("registry not set correctly")
	}

	if len(metrics.counters) == 0 {
		t.Error("expected counters to be registered")
	}
	if len(metrics.gauges) == 0 {
		t.Error("expected gauges to be registered")
	}
	if len(metrics.histograms) == 0 {
		t.Error("expected histograms to be registered")
	}
}

func findFamily(t *testing.T, registry *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if strings.Contains(mf.GetName(), name) {
			return mf
		}
	}
	return nil
}

// TestPrometheusMetricsProviderCallShapes records metrics with the same
// name/tag combinations the providers and stores emit.
func TestPrometheusMetricsProviderCallShapes(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewPrometheusMetrics(registry)

	// Cart store
	metrics.Increment(MetricCartSyncs)
	metrics.Increment(MetricCartSyncErrors)
	metrics.Increment(MetricCartMerges)
	metrics.Increment(MetricCartMutations, "op", "add")
	metrics.Gauge(MetricCartItems, 3)
	metrics.Timing(MetricCartSyncLatency, 25*time.Millisecond)
	metrics.Increment(MetricPersistWrites)
	metrics.Increment(MetricPersistErrors)

	// Wishlist store
	metrics.Increment(MetricWishlistMutations, "op", "remove")
	metrics.Gauge(MetricWishlistPending, 2)

	// Storage providers
	metrics.Increment(MetricStorageOps, "op", "upload", "status", "ok")
	metrics.Increment(MetricStorageOps, "op", "upload", "status", "error")
	metrics.Histogram(MetricUploadBytes, 2048)
	metrics.Timing(MetricDBLatency, 10*time.Millisecond, "op", "upload")

	// Database providers
	metrics.Increment(MetricDBOps, "operation", "insert", "backend", "memory")
	metrics.Timing(MetricQueryDuration, 5*time.Millisecond, "collection", "products")
	metrics.Histogram(MetricQueryResults, 12, "collection", "products")

	syncs := findFamily(t, registry, "cart_syncs_total")
	if syncs == nil {
		t.Fatal("cart syncs counter not registered")
	}
	if got := syncs.GetMetric()[0].GetCounter().GetValue(); got != 1 {
		t.Errorf("cart syncs = %v, want 1", got)
	}

	storageOps := findFamily(t, registry, "storage_operations_total")
	if storageOps == nil {
		t.Fatal("storage ops counter not registered")
	}
	if got := len(storageOps.GetMetric()); got != 2 {
		t.Errorf("storage ops series = %d, want 2 (ok and error)", got)
	}

	latency := findFamily(t, registry, "db_operation_duration_seconds")
	if latency == nil {
		t.Fatal("db latency histogram not registered")
	}
	if latency.GetType() != dto.MetricType_HISTOGRAM {
		t.Errorf("db latency type = %v, want histogram", latency.GetType())
	}
	if got := latency.GetMetric()[0].GetHistogram().GetSampleCount(); got != 1 {
		t.Errorf("db latency samples = %d, want 1", got)
	}
}

func TestPrometheusMetricsMismatchedTagsDegrade(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewPrometheusMetrics(registry)

	// Unknown tag names are dropped, missing labels filled with "".
	metrics.Increment(MetricStorageOps, "bogus", "x")
	metrics.Increment(MetricDBOps)
	metrics.Gauge(MetricCartItems, 1, "unexpected", "tag")

	ops := findFamily(t, registry, "storage_operations_total")
	if ops == nil {
		t.Fatal("storage ops counter not recorded")
	}
	for _, label := range ops.GetMetric()[0].GetLabel() {
		if label.GetValue() != "" {
			t.Errorf("label %s = %q, want empty", label.GetName(), label.GetValue())
		}
	}

	if findFamily(t, registry, "db_operations_total") == nil {
		t.Error("untagged db ops increment not recorded")
	}
}

func TestPrometheusMetricsDynamicMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewPrometheusMetrics(registry)

	metrics.Increment("ecoshop.custom.counter", "kind", "a")
	metrics.Gauge("ecoshop.custom.gauge", 7.5)
	metrics.Histogram("ecoshop.custom.histogram", 42)

	if findFamily(t, registry, "custom_counter") == nil {
		t.Error("dynamic counter not registered")
	}
	if findFamily(t, registry, "custom_gauge") == nil {
		t.Error("dynamic gauge not registered")
	}
	if findFamily(t, registry, "custom_histogram") == nil {
		t.Error("dynamic histogram not registered")
	}
}

func TestPrometheusMetricsGetRegistry(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewPrometheusMetrics(registry)

	if metrics.GetRegistry() != registry {
		t.Error("GetRegistry returned wrong registry")
	}
}

func TestPrometheusMetricsImplementsInterface(t *testing.T) {
	var _ Metrics = &PrometheusMetrics{}
}

func TestPrometheusMetricsConcurrency(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewPrometheusMetrics(registry)

	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				metrics.Increment(MetricStorageOps, "op", "upload", "status", "ok")
				metrics.Gauge(MetricCartItems, float64(j))
				metrics.Histogram(MetricUploadBytes, float64(j))
				// First touch of a dynamic metric races with its registration.
				metrics.Increment("ecoshop.dynamic.test", "worker", "w")
			}
			done <- true
		}()
	}

	for i := 0; i < 10; i++ {
		<-done
	}

	ops := findFamily(t, registry, "storage_operations_total")
	if ops == nil {
		t.Fatal("storage ops counter not recorded")
	}
	if got := ops.GetMetric()[0].GetCounter().GetValue(); got != 1000 {
		t.Errorf("storage ops = %v, want 1000", got)
	}
}
