package executor

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	// DefaultTestTimeout is the standard timeout for most async test operations.
	DefaultTestTimeout = 5 * time.Second

	// ShortTestTimeout is for operations expected to complete quickly.
	ShortTestTimeout = 1 * time.Second
)

// waitForChannel waits for a signal on the channel or fails after timeout.
func waitForChannel(t *testing.T, ch <-chan struct{}, timeout time.Duration, msg string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(timeout):
		require.Fail(t, msg)
	}
}

// testConfig returns a small configuration without the stats loop.
func testConfig() Config {
	return Config{
		CPUWorkers:      2,
		IOWorkers:       4,
		MaxConcurrent:   4,
		DefaultTimeout:  DefaultTestTimeout,
		PriorityTimeout: DefaultTestTimeout,
		ShutdownGrace:   DefaultTestTimeout,
		ResultRetention: time.Minute,
	}
}

// startExecutor starts an executor that is stopped when the test ends.
func startExecutor(t *testing.T, config Config) *Executor {
	t.Helper()
	e, err := New(config, nil)
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Stop() })
	return e
}

// blockingTask returns a task that waits for gate to close, and a channel
// that is closed once the task has started.
func blockingTask(gate <-chan struct{}) (TaskFunc, <-chan struct{}) {
	started := make(chan struct{})
	return func(ctx context.Context) (any, error) {
		close(started)
		<-gate
		return "released", nil
	}, started
}

func waitForStatus(t *testing.T, e *Executor, id string, status Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		info, err := e.TaskInfo(id)
		return err == nil && info.Status == status
	}, DefaultTestTimeout, 5*time.Millisecond, "task %s never reached %s", id, status)
}

// counterValue sums the samples of a counter family whose labels include all of want.
func counterValue(t *testing.T, registry *prometheus.Registry, name string, want map[string]string) float64 {
	t.Helper()
	families, err := registry.Gather()
	require.NoError(t, err)

	var total float64
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			matched := 0
			for _, pair := range metric.GetLabel() {
				if v, ok := want[pair.GetName()]; ok && v == pair.GetValue() {
					matched++
				}
			}
			if matched == len(want) {
				total += metric.GetCounter().GetValue()
			}
		}
	}
	return total
}
