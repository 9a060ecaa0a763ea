package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// BufferPoolMetrics contains Prometheus metrics for buffer pool and mapped-file cache operations
type BufferPoolMetrics struct {
	registry *prometheus.Registry

	acquiresTotal      *prometheus.CounterVec
	acquireErrorsTotal *prometheus.CounterVec
	releasesTotal      *prometheus.CounterVec
	evictionsTotal     *prometheus.CounterVec
	evictedBytesTotal  prometheus.Counter
	overshootsTotal    prometheus.Counter
	memoryBytes        *prometheus.GaugeVec

	mmapLookupsTotal   *prometheus.CounterVec
	mmapEvictionsTotal prometheus.Counter
	mmapCacheEntries   prometheus.Gauge

	systemMemoryBytes *prometheus.GaugeVec
}

// NewBufferPoolMetrics creates and registers new buffer pool metrics
func NewBufferPoolMetrics(registry *prometheus.Registry) (*BufferPoolMetrics, error) {
	m := &BufferPoolMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *BufferPoolMetrics) initMetrics() {
	m.acquiresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canpipe_bufferpool_acquires_total",
			Help: "Total number of buffer acquisitions",
		},
		[]string{"bucket", "result"}, // result: reuse, alloc
	)

	m.acquireErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canpipe_bufferpool_acquire_errors_total",
			Help: "Total number of failed buffer acquisitions",
		},
		[]string{"reason"},
	)

	m.releasesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canpipe_bufferpool_releases_total",
			Help: "Total number of buffer releases",
		},
		[]string{"bucket", "outcome"}, // outcome: requeued, discarded
	)

	m.evictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canpipe_bufferpool_evictions_total",
			Help: "Free buffers dropped to stay within the memory budget",
		},
		[]string{"bucket"},
	)

	m.evictedBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "canpipe_bufferpool_evicted_bytes_total",
			Help: "Bytes released by budget eviction",
		},
	)

	m.overshootsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "canpipe_bufferpool_overshoots_total",
			Help: "Allocations granted above the memory budget",
		},
	)

	m.memoryBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "canpipe_bufferpool_memory_bytes",
			Help: "Buffer pool memory accounting",
		},
		[]string{"kind"}, // kind: allocated, in_use, budget
	)

	m.mmapLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canpipe_bufferpool_mmap_lookups_total",
			Help: "Mapped-file cache lookups",
		},
		[]string{"result"}, // result: hit, miss, error
	)

	m.mmapEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "canpipe_bufferpool_mmap_evictions_total",
			Help: "Mapped files evicted from the LRU cache",
		},
	)

	m.mmapCacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "canpipe_bufferpool_mmap_cache_entries",
			Help: "Current number of mapped files in the cache",
		},
	)

	m.systemMemoryBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "canpipe_system_memory_bytes",
			Help: "Host memory as reported by the OS",
		},
		[]string{"kind"}, // kind: total, available, used, process_rss
	)
}

// Describe implements prometheus.Collector
func (m *BufferPoolMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.acquiresTotal.Describe(ch)
	m.acquireErrorsTotal.Describe(ch)
	m.releasesTotal.Describe(ch)
	m.evictionsTotal.Describe(ch)
	m.evictedBytesTotal.Describe(ch)
	m.overshootsTotal.Describe(ch)
	m.memoryBytes.Describe(ch)
	m.mmapLookupsTotal.Describe(ch)
	m.mmapEvictionsTotal.Describe(ch)
	m.mmapCacheEntries.Describe(ch)
	m.systemMemoryBytes.Describe(ch)
}

// Collect implements prometheus.Collector
func (m *BufferPoolMetrics) Collect(ch chan<- prometheus.Metric) {
	m.acquiresTotal.Collect(ch)
	m.acquireErrorsTotal.Collect(ch)
	m.releasesTotal.Collect(ch)
	m.evictionsTotal.Collect(ch)
	m.evictedBytesTotal.Collect(ch)
	m.overshootsTotal.Collect(ch)
	m.memoryBytes.Collect(ch)
	m.mmapLookupsTotal.Collect(ch)
	m.mmapEvictionsTotal.Collect(ch)
	m.mmapCacheEntries.Collect(ch)
	m.systemMemoryBytes.Collect(ch)
}

// RecordAcquire records a successful acquisition; result is ResultReuse or ResultAlloc
func (m *BufferPoolMetrics) RecordAcquire(bucket int, result string) {
	m.acquiresTotal.WithLabelValues(strconv.Itoa(bucket), result).Inc()
}

// RecordAcquireError records a rejected acquisition
func (m *BufferPoolMetrics) RecordAcquireError(reason string) {
	m.acquireErrorsTotal.WithLabelValues(reason).Inc()
}

// RecordRelease records a release that either requeued or discarded the buffer
func (m *BufferPoolMetrics) RecordRelease(bucket int, requeued bool) {
	outcome := "discarded"
	if requeued {
		outcome = "requeued"
	}
	m.releasesTotal.WithLabelValues(strconv.Itoa(bucket), outcome).Inc()
}

// RecordEviction records one free buffer dropped for budget reasons
func (m *BufferPoolMetrics) RecordEviction(bucket int) {
	m.evictionsTotal.WithLabelValues(strconv.Itoa(bucket)).Inc()
	m.evictedBytesTotal.Add(float64(bucket))
}

// RecordOvershoot records an allocation granted over budget
func (m *BufferPoolMetrics) RecordOvershoot() {
	m.overshootsTotal.Inc()
}

// SetMemory updates the memory accounting gauges
func (m *BufferPoolMetrics) SetMemory(allocated, inUse, budget int64) {
	m.memoryBytes.WithLabelValues("allocated").Set(float64(allocated))
	m.memoryBytes.WithLabelValues("in_use").Set(float64(inUse))
	m.memoryBytes.WithLabelValues("budget").Set(float64(budget))
}

// RecordMMapLookup records a mapped-file cache lookup; result is ResultHit, ResultMiss or ResultError
func (m *BufferPoolMetrics) RecordMMapLookup(result string) {
	m.mmapLookupsTotal.WithLabelValues(result).Inc()
}

// RecordMMapEviction records an LRU eviction and the resulting cache size
func (m *BufferPoolMetrics) RecordMMapEviction(entries int) {
	m.mmapEvictionsTotal.Inc()
	m.mmapCacheEntries.Set(float64(entries))
}

// SetMMapCacheEntries updates the cache size gauge
func (m *BufferPoolMetrics) SetMMapCacheEntries(entries int) {
	m.mmapCacheEntries.Set(float64(entries))
}

// SetSystemMemory updates host and process memory gauges
func (m *BufferPoolMetrics) SetSystemMemory(total, available, used, processRSS uint64) {
	m.systemMemoryBytes.WithLabelValues("total").Set(float64(total))
	m.systemMemoryBytes.WithLabelValues("available").Set(float64(available))
	m.systemMemoryBytes.WithLabelValues("used").Set(float64(used))
	m.systemMemoryBytes.WithLabelValues("process_rss").Set(float64(processRSS))
}
