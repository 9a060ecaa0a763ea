package executor

import (
	"time"

	"github.com/tphakala/canpipe/internal/logger"
)

// latencyWindow is the number of recent executions behind AverageLatency.
const latencyWindow = 100

// counters is guarded by Executor.mu
type counters struct {
	submitted [numKinds]int64
	completed int64
	failed    int64
	timedOut  int64
	cancelled int64
	running   int

	latencies []time.Duration // ring buffer
	next      int
	filled    int
	totalExec time.Duration
}

func (c *counters) observe(d time.Duration) {
	c.latencies[c.next] = d
	c.next = (c.next + 1) % len(c.latencies)
	c.filled = min(c.filled+1, len(c.latencies))
	c.totalExec += d
}

func (c *counters) average() time.Duration {
	if c.filled == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range c.latencies[:c.filled] {
		sum += d
	}
	return sum / time.Duration(c.filled)
}

// Stats is a point-in-time view of the executor.
type Stats struct {
	TotalSubmitted     int64
	Submitted          map[Kind]int64
	Completed          int64
	Failed             int64 // includes TimedOut
	TimedOut           int64
	Cancelled          int64
	Running            int
	Pending            int
	QueueDepth         map[Kind]int
	AverageLatency     time.Duration // over the last executions
	TotalExecutionTime time.Duration
	WorkerRestarts     int64
	Retained           int // terminal tasks awaiting retrieval
}

// Stats computes current statistics. It does not change task state.
func (e *Executor) Stats() Stats {
	s := Stats{
		Submitted:  make(map[Kind]int64, numKinds),
		QueueDepth: make(map[Kind]int, numKinds),
	}

	e.mu.Lock()
	for _, kind := range Kinds {
		s.Submitted[kind] = e.stats.submitted[kind]
		s.TotalSubmitted += e.stats.submitted[kind]
	}
	s.Completed = e.stats.completed
	s.Failed = e.stats.failed
	s.TimedOut = e.stats.timedOut
	s.Cancelled = e.stats.cancelled
	s.Running = e.stats.running
	s.Pending = len(e.tasks) - e.stats.running
	s.AverageLatency = e.stats.average()
	s.TotalExecutionTime = e.stats.totalExec
	s.Retained = e.results.ItemCount()
	e.mu.Unlock()

	for _, kind := range Kinds {
		s.QueueDepth[kind] = len(e.lanes[kind])
	}
	for _, p := range e.pools {
		s.WorkerRestarts += p.restarts.Load()
	}
	return s
}

func (e *Executor) statsLoop() {
	ticker := time.NewTicker(e.config.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.sweepResults()
			e.publishStats()
		case <-e.stopCh:
			return
		}
	}
}

// sweepResults drops retained results whose retention has elapsed.
func (e *Executor) sweepResults() int {
	e.mu.Lock()
	before := e.results.ItemCount()
	e.results.DeleteExpired()
	reaped := before - e.results.ItemCount()
	e.mu.Unlock()

	if reaped > 0 {
		getLogger().Debug("expired task results reaped", logger.Int("count", reaped))
		if e.metrics != nil {
			e.metrics.RecordReaped("expired", reaped)
		}
	}
	return reaped
}

func (e *Executor) publishStats() {
	if e.metrics == nil {
		return
	}
	s := e.Stats()
	for kind, depth := range s.QueueDepth {
		e.metrics.SetQueueDepth(kind.String(), depth)
	}
	e.metrics.SetRunning(s.Running)
	e.metrics.SetAverageLatency(s.AverageLatency)
}
