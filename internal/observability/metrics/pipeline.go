package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics contains Prometheus metrics for capture decoding and columnar storage
type PipelineMetrics struct {
	registry *prometheus.Registry

	filesTotal        *prometheus.CounterVec
	fileBytesTotal    prometheus.Counter
	fileDuration      prometheus.Histogram
	framesTotal       *prometheus.CounterVec
	recordsTotal      prometheus.Counter
	sinkWritesTotal   *prometheus.CounterVec
	sinkWriteDuration prometheus.Histogram
	sinkBytesTotal    *prometheus.CounterVec
	queriesTotal      *prometheus.CounterVec
	queryRowsTotal    prometheus.Counter
	queryDuration     prometheus.Histogram
	discoveredFiles   prometheus.Gauge
}

// NewPipelineMetrics creates and registers new pipeline metrics
func NewPipelineMetrics(registry *prometheus.Registry) (*PipelineMetrics, error) {
	m := &PipelineMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *PipelineMetrics) initMetrics() {
	m.filesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canpipe_pipeline_files_total",
			Help: "Capture files processed",
		},
		[]string{"status"},
	)

	m.fileBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "canpipe_pipeline_file_bytes_total",
			Help: "Bytes of capture files read",
		},
	)

	m.fileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "canpipe_pipeline_file_duration_seconds",
			Help:    "End-to-end processing time per capture file",
			Buckets: latencyBuckets,
		},
	)

	m.framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canpipe_pipeline_frames_total",
			Help: "CAN frames parsed from capture files",
		},
		[]string{"validity"}, // validity: valid, invalid, unknown_id
	)

	m.recordsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "canpipe_pipeline_records_total",
			Help: "Decoded signal records handed to the sink",
		},
	)

	m.sinkWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canpipe_sink_writes_total",
			Help: "Columnar segment writes",
		},
		[]string{"codec", "status"},
	)

	m.sinkWriteDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "canpipe_sink_write_duration_seconds",
			Help:    "Time to encode and persist one segment",
			Buckets: latencyBuckets,
		},
	)

	m.sinkBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canpipe_sink_bytes_total",
			Help: "Column bytes before and after compression",
		},
		[]string{"stage"}, // stage: raw, compressed
	)

	m.queriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canpipe_sink_queries_total",
			Help: "Query expressions evaluated",
		},
		[]string{"status"},
	)

	m.queryRowsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "canpipe_sink_query_rows_total",
			Help: "Rows returned by queries",
		},
	)

	m.queryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "canpipe_sink_query_duration_seconds",
			Help:    "Query evaluation time",
			Buckets: latencyBuckets,
		},
	)

	m.discoveredFiles = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "canpipe_pipeline_discovered_files",
			Help: "Capture files found by the last directory scan",
		},
	)
}

// Describe implements prometheus.Collector
func (m *PipelineMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.filesTotal.Describe(ch)
	m.fileBytesTotal.Describe(ch)
	m.fileDuration.Describe(ch)
	m.framesTotal.Describe(ch)
	m.recordsTotal.Describe(ch)
	m.sinkWritesTotal.Describe(ch)
	m.sinkWriteDuration.Describe(ch)
	m.sinkBytesTotal.Describe(ch)
	m.queriesTotal.Describe(ch)
	m.queryRowsTotal.Describe(ch)
	m.queryDuration.Describe(ch)
	m.discoveredFiles.Describe(ch)
}

// Collect implements prometheus.Collector
func (m *PipelineMetrics) Collect(ch chan<- prometheus.Metric) {
	m.filesTotal.Collect(ch)
	m.fileBytesTotal.Collect(ch)
	m.fileDuration.Collect(ch)
	m.framesTotal.Collect(ch)
	m.recordsTotal.Collect(ch)
	m.sinkWritesTotal.Collect(ch)
	m.sinkWriteDuration.Collect(ch)
	m.sinkBytesTotal.Collect(ch)
	m.queriesTotal.Collect(ch)
	m.queryRowsTotal.Collect(ch)
	m.queryDuration.Collect(ch)
	m.discoveredFiles.Collect(ch)
}

// RecordFile records one processed capture file
func (m *PipelineMetrics) RecordFile(status string, size int64, duration time.Duration) {
	m.filesTotal.WithLabelValues(status).Inc()
	m.fileBytesTotal.Add(float64(size))
	m.fileDuration.Observe(duration.Seconds())
}

// RecordFrames records parsed frame counts
func (m *PipelineMetrics) RecordFrames(valid, invalid, unknown int) {
	m.framesTotal.WithLabelValues("valid").Add(float64(valid))
	m.framesTotal.WithLabelValues("invalid").Add(float64(invalid))
	m.framesTotal.WithLabelValues("unknown_id").Add(float64(unknown))
}

// RecordRecords records decoded signal records
func (m *PipelineMetrics) RecordRecords(n int) {
	m.recordsTotal.Add(float64(n))
}

// RecordSinkWrite records one segment write
func (m *PipelineMetrics) RecordSinkWrite(codec, status string, duration time.Duration, rawBytes, compressedBytes int) {
	m.sinkWritesTotal.WithLabelValues(codec, status).Inc()
	m.sinkWriteDuration.Observe(duration.Seconds())
	m.sinkBytesTotal.WithLabelValues("raw").Add(float64(rawBytes))
	m.sinkBytesTotal.WithLabelValues("compressed").Add(float64(compressedBytes))
}

// RecordQuery records one query evaluation
func (m *PipelineMetrics) RecordQuery(status string, rows int, duration time.Duration) {
	m.queriesTotal.WithLabelValues(status).Inc()
	m.queryRowsTotal.Add(float64(rows))
	m.queryDuration.Observe(duration.Seconds())
}

// SetDiscoveredFiles updates the discovered file gauge
func (m *PipelineMetrics) SetDiscoveredFiles(n int) {
	m.discoveredFiles.Set(float64(n))
}
