package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ExecutorMetrics contains Prometheus metrics for the task executor lanes and worker pools
type ExecutorMetrics struct {
	registry *prometheus.Registry

	tasksSubmittedTotal  *prometheus.CounterVec
	tasksFinishedTotal   *prometheus.CounterVec
	taskDuration         *prometheus.HistogramVec
	submitBlockedTotal   *prometheus.CounterVec
	queueDepth           *prometheus.GaugeVec
	runningTasks         prometheus.Gauge
	workerRestartsTotal  *prometheus.CounterVec
	resultsReapedTotal   *prometheus.CounterVec
	averageTaskLatencyMs prometheus.Gauge
}

// NewExecutorMetrics creates and registers new executor metrics
func NewExecutorMetrics(registry *prometheus.Registry) (*ExecutorMetrics, error) {
	m := &ExecutorMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *ExecutorMetrics) initMetrics() {
	m.tasksSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canpipe_executor_tasks_submitted_total",
			Help: "Total number of tasks admitted per lane",
		},
		[]string{"lane"},
	)

	m.tasksFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canpipe_executor_tasks_finished_total",
			Help: "Total number of tasks reaching a terminal state",
		},
		[]string{"lane", "status"}, // status: completed, failed, timeout, cancelled
	)

	m.taskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "canpipe_executor_task_duration_seconds",
			Help:    "Wall time from task start to terminal state",
			Buckets: latencyBuckets,
		},
		[]string{"lane"},
	)

	m.submitBlockedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canpipe_executor_submit_blocked_total",
			Help: "Submissions that had to wait for lane queue space",
		},
		[]string{"lane"},
	)

	m.queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "canpipe_executor_queue_depth",
			Help: "Tasks waiting in each lane queue",
		},
		[]string{"lane"},
	)

	m.runningTasks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "canpipe_executor_running_tasks",
			Help: "Tasks currently in the Running state",
		},
	)

	m.workerRestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canpipe_executor_worker_restarts_total",
			Help: "Workers replaced after a task crashed them",
		},
		[]string{"pool"},
	)

	m.resultsReapedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canpipe_executor_results_reaped_total",
			Help: "Terminal task records removed from the result store",
		},
		[]string{"reason"}, // reason: retrieved, expired
	)

	m.averageTaskLatencyMs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "canpipe_executor_average_task_latency_ms",
			Help: "Rolling average task latency over the recent window",
		},
	)
}

// Describe implements prometheus.Collector
func (m *ExecutorMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.tasksSubmittedTotal.Describe(ch)
	m.tasksFinishedTotal.Describe(ch)
	m.taskDuration.Describe(ch)
	m.submitBlockedTotal.Describe(ch)
	m.queueDepth.Describe(ch)
	m.runningTasks.Describe(ch)
	m.workerRestartsTotal.Describe(ch)
	m.resultsReapedTotal.Describe(ch)
	m.averageTaskLatencyMs.Describe(ch)
}

// Collect implements prometheus.Collector
func (m *ExecutorMetrics) Collect(ch chan<- prometheus.Metric) {
	m.tasksSubmittedTotal.Collect(ch)
	m.tasksFinishedTotal.Collect(ch)
	m.taskDuration.Collect(ch)
	m.submitBlockedTotal.Collect(ch)
	m.queueDepth.Collect(ch)
	m.runningTasks.Collect(ch)
	m.workerRestartsTotal.Collect(ch)
	m.resultsReapedTotal.Collect(ch)
	m.averageTaskLatencyMs.Collect(ch)
}

// RecordSubmitted records an admitted task
func (m *ExecutorMetrics) RecordSubmitted(lane string) {
	m.tasksSubmittedTotal.WithLabelValues(lane).Inc()
}

// RecordFinished records a terminal transition. Duration is skipped for tasks that never ran.
func (m *ExecutorMetrics) RecordFinished(lane, status string, duration time.Duration) {
	m.tasksFinishedTotal.WithLabelValues(lane, status).Inc()
	if duration > 0 {
		m.taskDuration.WithLabelValues(lane).Observe(duration.Seconds())
	}
}

// RecordSubmitBlocked records a submitter suspended on a full lane
func (m *ExecutorMetrics) RecordSubmitBlocked(lane string) {
	m.submitBlockedTotal.WithLabelValues(lane).Inc()
}

// SetQueueDepth updates a lane's queue depth gauge
func (m *ExecutorMetrics) SetQueueDepth(lane string, depth int) {
	m.queueDepth.WithLabelValues(lane).Set(float64(depth))
}

// SetRunning updates the running tasks gauge
func (m *ExecutorMetrics) SetRunning(running int) {
	m.runningTasks.Set(float64(running))
}

// RecordWorkerRestart records a replaced worker
func (m *ExecutorMetrics) RecordWorkerRestart(pool string) {
	m.workerRestartsTotal.WithLabelValues(pool).Inc()
}

// RecordReaped records removed result records
func (m *ExecutorMetrics) RecordReaped(reason string, count int) {
	m.resultsReapedTotal.WithLabelValues(reason).Add(float64(count))
}

// SetAverageLatency updates the rolling average latency gauge
func (m *ExecutorMetrics) SetAverageLatency(avg time.Duration) {
	m.averageTaskLatencyMs.Set(float64(avg) / float64(time.Millisecond))
}
