package monitoring

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hengadev/medvault/internal/vaulterr"
)

// MetricsCollector defines the interface for collecting and reporting metrics
type MetricsCollector interface {
	IncrementCounter(name string, tags map[string]string)
	SetGauge(name string, value float64, tags map[string]string)
	RecordTiming(name string, duration time.Duration, tags map[string]string)
}

// NoOpMetricsCollector is a no-op implementation of MetricsCollector
type NoOpMetricsCollector struct{}

func (n *NoOpMetricsCollector) IncrementCounter(name string, tags map[string]string)        {}
func (n *NoOpMetricsCollector) SetGauge(name string, value float64, tags map[string]string) {}
func (n *NoOpMetricsCollector) RecordTiming(name string, duration time.Duration, tags map[string]string) {
}

// InMemoryMetricsCollector keeps metrics in maps keyed by name and sorted tags. Used in tests.
type InMemoryMetricsCollector struct {
	mu       sync.Mutex
	counters map[string]int64
	gauges   map[string]float64
	timings  map[string][]time.Duration
}

// NewInMemoryMetricsCollector creates a new in-memory metrics collector
func NewInMemoryMetricsCollector() *InMemoryMetricsCollector {
	return &InMemoryMetricsCollector{
		counters: make(map[string]int64),
		gauges:   make(map[string]float64),
		timings:  make(map[string][]time.Duration),
	}
}

func (m *InMemoryMetricsCollector) IncrementCounter(name string, tags map[string]string) {
	key := metricKey(name, tags)
	m.mu.Lock()
	m.counters[key]++
	m.mu.Unlock()
}

func (m *InMemoryMetricsCollector) SetGauge(name string, value float64, tags map[string]string) {
	key := metricKey(name, tags)
	m.mu.Lock()
	m.gauges[key] = value
	m.mu.Unlock()
}

func (m *InMemoryMetricsCollector) RecordTiming(name string, duration time.Duration, tags map[string]string) {
	key := metricKey(name, tags)
	m.mu.Lock()
	m.timings[key] = append(m.timings[key], duration)
	m.mu.Unlock()
}

// Counter returns the value of a counter
func (m *InMemoryMetricsCollector) Counter(name string, tags map[string]string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[metricKey(name, tags)]
}

// Gauge returns the value of a gauge
func (m *InMemoryMetricsCollector) Gauge(name string, tags map[string]string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gauges[metricKey(name, tags)]
}

// Timings returns a copy of the recorded timings
func (m *InMemoryMetricsCollector) Timings(name string, tags map[string]string) []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Duration(nil), m.timings[metricKey(name, tags)]...)
}

func metricKey(name string, tags map[string]string) string {
	if len(tags) == 0 {
		return name
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteString(",")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(tags[k])
	}
	return b.String()
}

// ErrorClass buckets an error into a low-cardinality label.
func ErrorClass(err error) string {
	switch {
	case err == nil:
		return "none"
	case vaulterr.IsAuthorizationError(err):
		return "authorization"
	case vaulterr.IsStateConflictError(err):
		return "state_conflict"
	case vaulterr.IsCryptoError(err):
		return "crypto"
	case vaulterr.IsNotFoundError(err):
		return "not_found"
	case vaulterr.IsValidationError(err):
		return "validation"
	case vaulterr.IsRetryableError(err):
		return "unavailable"
	default:
		return "internal"
	}
}
