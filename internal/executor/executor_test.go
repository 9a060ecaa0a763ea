package executor

import (
	"context"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/canpipe/internal/errors"
	"github.com/tphakala/canpipe/internal/observability/metrics"
)

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"no cpu workers", func(c *Config) { c.CPUWorkers = 0 }},
		{"no io workers", func(c *Config) { c.IOWorkers = 0 }},
		{"no concurrency", func(c *Config) { c.MaxConcurrent = 0 }},
		{"negative grace", func(c *Config) { c.ShutdownGrace = -time.Second }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			config := testConfig()
			tt.modify(&config)
			_, err := New(config, nil)
			require.Error(t, err)
			assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
		})
	}
}

func TestSquaresOnCPULane(t *testing.T) {
	t.Parallel()

	config := testConfig()
	config.MaxConcurrent = 2
	e := startExecutor(t, config)

	ctx := context.Background()
	ids := make([]string, 0, 5)
	for x := 1; x <= 5; x++ {
		id, err := e.SubmitCPU(ctx, func(context.Context) (any, error) {
			return x * x, nil
		})
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(id, "cpu_"), "id %q", id)
		ids = append(ids, id)
	}

	results := make([]int, 0, len(ids))
	for _, id := range ids {
		waitCtx, cancel := context.WithTimeout(ctx, DefaultTestTimeout)
		v, err := Await[int](waitCtx, e, id)
		cancel()
		require.NoError(t, err)
		results = append(results, v)
	}

	slices.Sort(results)
	assert.Equal(t, []int{1, 4, 9, 16, 25}, results)

	stats := e.Stats()
	assert.Equal(t, int64(5), stats.Completed)
	assert.Equal(t, int64(0), stats.Failed)
	assert.Equal(t, int64(5), stats.Submitted[KindCPU])
	assert.Equal(t, int64(5), stats.TotalSubmitted)
	assert.Equal(t, 0, stats.Running)
}

func TestConcurrencyBound(t *testing.T) {
	t.Parallel()

	const limit, extra = 3, 4

	config := testConfig()
	config.MaxConcurrent = limit
	config.IOWorkers = limit + extra
	config.CPUWorkers = limit + extra

	e, err := New(config, nil)
	require.NoError(t, err)

	var running, peak atomic.Int64
	e.onTransition = func(_ string, from, to Status) {
		switch {
		case to == StatusRunning:
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
		case from == StatusRunning:
			running.Add(-1)
		}
	}
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Stop() })

	gate := make(chan struct{})
	task := func(ctx context.Context) (any, error) {
		<-gate
		return nil, nil
	}

	ctx := context.Background()
	var wg sync.WaitGroup
	ids := make(chan string, limit+extra)
	for i := range limit + extra {
		kind := KindIO
		if i%2 == 1 {
			kind = KindCPU
		}
		// submitters beyond the queue capacity block until a slot frees
		wg.Go(func() {
			id, err := e.Submit(ctx, kind, task)
			assert.NoError(t, err)
			ids <- id
		})
	}

	require.Eventually(t, func() bool { return running.Load() == limit },
		DefaultTestTimeout, 5*time.Millisecond)
	// Give the dispatchers a chance to overrun the limit if they could.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(limit), running.Load())

	close(gate)
	wg.Wait()
	close(ids)

	for id := range ids {
		waitCtx, cancel := context.WithTimeout(ctx, DefaultTestTimeout)
		_, err := e.GetResult(waitCtx, id)
		cancel()
		require.NoError(t, err)
	}
	assert.Equal(t, int64(limit), peak.Load())
	assert.Equal(t, int64(limit+extra), e.Stats().Completed)
}

func TestSubmitBlocksWhenLaneFull(t *testing.T) {
	t.Parallel()

	config := testConfig()
	config.MaxConcurrent = 1
	e := startExecutor(t, config)

	gate := make(chan struct{})
	defer close(gate)

	first, started := blockingTask(gate)
	_, err := e.SubmitIO(context.Background(), first)
	require.NoError(t, err)
	waitForChannel(t, started, DefaultTestTimeout, "first task did not start")

	noop := func(context.Context) (any, error) { return nil, nil }

	// One task waits in the dispatcher for a free slot, the next fills the
	// single lane slot.
	held, err := e.SubmitIO(context.Background(), noop)
	require.NoError(t, err)
	queued, err := e.SubmitIO(context.Background(), noop)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = e.SubmitIO(ctx, noop)
	require.Error(t, err)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	for _, id := range []string{held, queued} {
		info, err := e.TaskInfo(id)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, info.Status)
	}
	assert.Equal(t, int64(3), e.Stats().Submitted[KindIO])
}

func TestSingleSlotRunsSequentialTasksOnEachLane(t *testing.T) {
	t.Parallel()

	config := testConfig()
	config.MaxConcurrent = 1
	e := startExecutor(t, config)

	for _, kind := range []Kind{KindIO, KindCPU, KindIO} {
		for i := range 5 {
			ctx, cancel := context.WithTimeout(context.Background(), ShortTestTimeout)
			v, err := e.Do(ctx, kind, func(context.Context) (any, error) { return i, nil })
			cancel()
			require.NoError(t, err, "%s task %d", kind, i)
			assert.Equal(t, i, v)
		}
	}
	assert.Equal(t, int64(15), e.Stats().Completed)
}

func TestSingleLaneReachesFullConcurrency(t *testing.T) {
	t.Parallel()

	const limit = 2

	config := testConfig()
	config.MaxConcurrent = limit
	config.CPUWorkers = 4

	e, err := New(config, nil)
	require.NoError(t, err)

	var running, peak atomic.Int64
	e.onTransition = func(_ string, from, to Status) {
		switch {
		case to == StatusRunning:
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
		case from == StatusRunning:
			running.Add(-1)
		}
	}
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Stop() })

	gate := make(chan struct{})
	var ids []string
	for range limit {
		fn, _ := blockingTask(gate)
		id, err := e.SubmitCPU(context.Background(), fn)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	require.Eventually(t, func() bool { return running.Load() == limit },
		DefaultTestTimeout, 5*time.Millisecond, "cpu-only load stayed below MaxConcurrent")
	assert.Equal(t, limit, e.Stats().Running)

	close(gate)
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTestTimeout)
	defer cancel()
	for _, id := range ids {
		_, err := e.GetResult(ctx, id)
		require.NoError(t, err)
	}
	assert.Equal(t, int64(limit), peak.Load())
}

func TestPriorityLaneBypassesSemaphore(t *testing.T) {
	t.Parallel()

	config := testConfig()
	config.MaxConcurrent = 1
	e := startExecutor(t, config)

	gate := make(chan struct{})
	defer close(gate)

	hog, started := blockingTask(gate)
	_, err := e.SubmitCPU(context.Background(), hog)
	require.NoError(t, err)
	waitForChannel(t, started, DefaultTestTimeout, "cpu task did not start")

	ctx, cancel := context.WithTimeout(context.Background(), ShortTestTimeout)
	defer cancel()

	id, err := e.SubmitPriority(ctx, func(context.Context) (any, error) { return "urgent", nil })
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "priority_"))

	info, err := e.TaskInfo(id)
	require.NoError(t, err)
	assert.Equal(t, PriorityWeight, info.Priority)
	assert.Equal(t, testConfig().PriorityTimeout, info.Timeout)

	v, err := e.GetResult(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "urgent", v)
}

func TestTaskTimeout(t *testing.T) {
	t.Parallel()

	e := startExecutor(t, testConfig())

	const deadline = 50 * time.Millisecond
	never := make(chan struct{})
	defer close(never)

	start := time.Now()
	id, err := e.SubmitIO(context.Background(), func(context.Context) (any, error) {
		<-never // ignores its context on purpose
		return "late", nil
	}, WithTimeout(deadline))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), DefaultTestTimeout)
	defer cancel()
	_, err = e.GetResult(ctx, id)
	elapsed := time.Since(start)

	require.Error(t, err)
	require.ErrorIs(t, err, ErrTaskTimeout)
	require.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, elapsed, deadline+500*time.Millisecond)
	assert.GreaterOrEqual(t, elapsed, deadline)

	stats := e.Stats()
	assert.Equal(t, int64(1), stats.TimedOut)
	assert.Equal(t, int64(1), stats.Failed)
}

func TestTaskContextCancelledOnTimeout(t *testing.T) {
	t.Parallel()

	e := startExecutor(t, testConfig())

	observed := make(chan error, 1)
	id, err := e.SubmitIO(context.Background(), func(ctx context.Context) (any, error) {
		<-ctx.Done()
		observed <- ctx.Err()
		return nil, ctx.Err()
	}, WithTimeout(20*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), DefaultTestTimeout)
	defer cancel()
	_, err = e.GetResult(ctx, id)
	require.ErrorIs(t, err, ErrTaskTimeout)

	select {
	case cause := <-observed:
		assert.ErrorIs(t, cause, context.DeadlineExceeded)
	case <-time.After(DefaultTestTimeout):
		t.Fatal("task never observed its deadline")
	}
}

func TestFailedTaskKeepsCause(t *testing.T) {
	t.Parallel()

	e := startExecutor(t, testConfig())
	errDiskFull := errors.NewStd("disk full")

	ctx, cancel := context.WithTimeout(context.Background(), DefaultTestTimeout)
	defer cancel()

	_, err := e.Do(ctx, KindIO, func(context.Context) (any, error) { return nil, errDiskFull })
	require.Error(t, err)
	require.ErrorIs(t, err, ErrWorkerFailure)
	require.ErrorIs(t, err, errDiskFull)

	// one failure does not affect later tasks
	v, err := e.Do(ctx, KindIO, func(context.Context) (any, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestPanicReplacesWorker(t *testing.T) {
	t.Parallel()

	config := testConfig()
	config.CPUWorkers = 1
	e := startExecutor(t, config)

	ctx, cancel := context.WithTimeout(context.Background(), DefaultTestTimeout)
	defer cancel()

	_, err := e.Do(ctx, KindCPU, func(context.Context) (any, error) { panic("boom") })
	require.Error(t, err)
	require.ErrorIs(t, err, ErrWorkerFailure)
	assert.Contains(t, err.Error(), "boom")

	require.Eventually(t, func() bool { return e.Stats().WorkerRestarts == 1 },
		DefaultTestTimeout, 5*time.Millisecond)

	// the single CPU worker was replaced
	v, err := e.Do(ctx, KindCPU, func(context.Context) (any, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, int64(1), e.Stats().Failed)
}

func TestCancelPendingTask(t *testing.T) {
	t.Parallel()

	config := testConfig()
	config.MaxConcurrent = 1
	e := startExecutor(t, config)

	gate := make(chan struct{})
	first, started := blockingTask(gate)
	running, err := e.SubmitIO(context.Background(), first)
	require.NoError(t, err)
	waitForChannel(t, started, DefaultTestTimeout, "first task did not start")

	var ran atomic.Bool
	queued, err := e.SubmitIO(context.Background(), func(context.Context) (any, error) {
		ran.Store(true)
		return nil, nil
	})
	require.NoError(t, err)

	assert.False(t, e.Cancel(running), "running tasks cannot be cancelled")
	assert.True(t, e.Cancel(queued))
	assert.False(t, e.Cancel(queued), "cancelled twice")
	assert.False(t, e.Cancel("io_missing"))

	ctx, cancel := context.WithTimeout(context.Background(), DefaultTestTimeout)
	defer cancel()
	_, err = e.GetResult(ctx, queued)
	require.ErrorIs(t, err, ErrCancelled)

	close(gate)
	v, err := e.GetResult(ctx, running)
	require.NoError(t, err)
	assert.Equal(t, "released", v)

	// the dispatcher skips the cancelled task and frees its slot
	v, err = e.Do(ctx, KindIO, func(context.Context) (any, error) { return "after", nil })
	require.NoError(t, err)
	assert.Equal(t, "after", v)
	assert.False(t, ran.Load())
	assert.Equal(t, int64(1), e.Stats().Cancelled)
}

func TestGetResultWaitTimeout(t *testing.T) {
	t.Parallel()

	e := startExecutor(t, testConfig())

	gate := make(chan struct{})
	fn, started := blockingTask(gate)
	id, err := e.SubmitIO(context.Background(), fn)
	require.NoError(t, err)
	waitForChannel(t, started, DefaultTestTimeout, "task did not start")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	_, err = e.GetResult(ctx, id)
	cancel()
	require.ErrorIs(t, err, ErrWaitTimeout)
	require.ErrorIs(t, err, ErrTimeout)
	assert.NotErrorIs(t, err, ErrTaskTimeout)

	// the task itself is unaffected by the caller giving up
	info, err := e.TaskInfo(id)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, info.Status)

	close(gate)
	ctx, cancel = context.WithTimeout(context.Background(), DefaultTestTimeout)
	defer cancel()
	v, err := e.GetResult(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "released", v)
}

func TestResultReapedOnRetrieval(t *testing.T) {
	t.Parallel()

	e := startExecutor(t, testConfig())
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTestTimeout)
	defer cancel()

	id, err := e.SubmitIO(ctx, func(context.Context) (any, error) { return 1, nil })
	require.NoError(t, err)
	waitForStatus(t, e, id, StatusCompleted)
	assert.Equal(t, 1, e.Stats().Retained)

	_, err = e.GetResult(ctx, id)
	require.NoError(t, err)

	_, err = e.TaskInfo(id)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = e.GetResult(ctx, id)
	require.ErrorIs(t, err, ErrNotFound)
	assert.True(t, errors.IsNotFound(err))
	assert.Equal(t, 0, e.Stats().Retained)
}

func TestResultRetentionSweep(t *testing.T) {
	t.Parallel()

	config := testConfig()
	config.ResultRetention = 20 * time.Millisecond
	config.StatsInterval = 10 * time.Millisecond
	e := startExecutor(t, config)

	id, err := e.SubmitIO(context.Background(), func(context.Context) (any, error) { return 1, nil })
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := e.TaskInfo(id)
		return errors.Is(err, ErrNotFound)
	}, DefaultTestTimeout, 5*time.Millisecond)
	assert.Equal(t, int64(1), e.Stats().Completed)
}

func TestStatusTransitionsAreMonotonic(t *testing.T) {
	t.Parallel()

	config := testConfig()
	config.MaxConcurrent = 1
	e, err := New(config, nil)
	require.NoError(t, err)

	var mu sync.Mutex
	history := make(map[string][]Status)
	e.onTransition = func(id string, from, to Status) {
		mu.Lock()
		defer mu.Unlock()
		if len(history[id]) == 0 {
			history[id] = append(history[id], from)
		}
		history[id] = append(history[id], to)
	}
	require.NoError(t, e.Start(context.Background()))

	ctx := context.Background()
	gate := make(chan struct{})
	blocker, started := blockingTask(gate)
	_, err = e.SubmitIO(ctx, blocker)
	require.NoError(t, err)
	waitForChannel(t, started, DefaultTestTimeout, "blocker did not start")

	cancelled, err := e.SubmitIO(ctx, func(context.Context) (any, error) { return nil, nil })
	require.NoError(t, err)
	require.True(t, e.Cancel(cancelled))
	close(gate)

	never := make(chan struct{})
	bodies := []TaskFunc{
		func(context.Context) (any, error) { return 1, nil },
		func(context.Context) (any, error) { return nil, errors.NewStd("bad frame") },
		func(context.Context) (any, error) { panic("corrupt") },
	}
	for _, fn := range bodies {
		_, err := e.SubmitCPU(ctx, fn)
		require.NoError(t, err)
	}
	late, err := e.SubmitIO(ctx, func(context.Context) (any, error) {
		<-never
		return nil, nil
	}, WithTimeout(10*time.Millisecond))
	require.NoError(t, err)
	waitForStatus(t, e, late, StatusFailed)
	// finishing after the timeout must not produce another transition
	close(never)

	require.Eventually(t, func() bool {
		return len(e.ListTasks(StatusPending, StatusRunning)) == 0
	}, DefaultTestTimeout, 5*time.Millisecond)
	require.NoError(t, e.Stop())

	allowed := map[Status][]Status{
		StatusPending: {StatusRunning, StatusCancelled},
		StatusRunning: {StatusCompleted, StatusFailed},
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, history, 6)
	for id, seq := range history {
		require.Equal(t, StatusPending, seq[0], "task %s", id)
		for i := 1; i < len(seq); i++ {
			assert.Contains(t, allowed[seq[i-1]], seq[i], "task %s: %v", id, seq)
		}
		assert.True(t, seq[len(seq)-1].Terminal(), "task %s: %v", id, seq)
	}
}

func TestListTasks(t *testing.T) {
	t.Parallel()

	config := testConfig()
	config.MaxConcurrent = 1
	e := startExecutor(t, config)

	gate := make(chan struct{})
	defer close(gate)

	fn, started := blockingTask(gate)
	running, err := e.SubmitIO(context.Background(), fn)
	require.NoError(t, err)
	waitForChannel(t, started, DefaultTestTimeout, "task did not start")
	pending, err := e.SubmitIO(context.Background(), func(context.Context) (any, error) { return nil, nil })
	require.NoError(t, err)

	all := e.ListTasks()
	require.Len(t, all, 2)
	assert.Equal(t, running, all[0].ID)
	assert.Equal(t, pending, all[1].ID)

	onlyPending := e.ListTasks(StatusPending)
	require.Len(t, onlyPending, 1)
	assert.Equal(t, pending, onlyPending[0].ID)
	assert.Equal(t, KindIO, onlyPending[0].Kind)
	assert.True(t, onlyPending[0].StartedAt.IsZero())
}

func TestStopIsIdempotent(t *testing.T) {
	t.Parallel()

	e, err := New(testConfig(), nil)
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	require.NoError(t, e.Start(context.Background()), "second start is a no-op")

	require.NoError(t, e.Stop())
	require.NoError(t, e.Stop())

	_, err = e.SubmitIO(context.Background(), func(context.Context) (any, error) { return nil, nil })
	require.ErrorIs(t, err, ErrExecutorStopped)
	require.ErrorIs(t, e.Start(context.Background()), ErrExecutorStopped)
}

func TestStopCancelsPendingAndWaitsForRunning(t *testing.T) {
	t.Parallel()

	config := testConfig()
	config.MaxConcurrent = 1
	e, err := New(config, nil)
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))

	gate := make(chan struct{})
	fn, started := blockingTask(gate)
	running, err := e.SubmitIO(context.Background(), fn)
	require.NoError(t, err)
	waitForChannel(t, started, DefaultTestTimeout, "task did not start")
	queued, err := e.SubmitIO(context.Background(), func(context.Context) (any, error) { return nil, nil })
	require.NoError(t, err)

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		assert.NoError(t, e.Stop())
	}()

	waitForStatus(t, e, queued, StatusCancelled)
	select {
	case <-stopped:
		t.Fatal("Stop returned while a task was still running")
	case <-time.After(20 * time.Millisecond):
	}

	close(gate)
	waitForChannel(t, stopped, DefaultTestTimeout, "Stop did not return")

	ctx, cancel := context.WithTimeout(context.Background(), ShortTestTimeout)
	defer cancel()
	v, err := e.GetResult(ctx, running)
	require.NoError(t, err)
	assert.Equal(t, "released", v)

	_, err = e.GetResult(ctx, queued)
	require.ErrorIs(t, err, ErrCancelled)
	require.ErrorIs(t, err, ErrExecutorStopped)
}

func TestStopGracePeriodExpires(t *testing.T) {
	t.Parallel()

	config := testConfig()
	config.ShutdownGrace = 30 * time.Millisecond
	e, err := New(config, nil)
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))

	gate := make(chan struct{})
	defer close(gate)
	fn, started := blockingTask(gate)
	id, err := e.SubmitIO(context.Background(), fn)
	require.NoError(t, err)
	waitForChannel(t, started, DefaultTestTimeout, "task did not start")

	err = e.Stop()
	require.ErrorIs(t, err, ErrShutdownTimeout)
	require.ErrorIs(t, err, ErrTimeout)
	require.ErrorIs(t, e.Stop(), ErrShutdownTimeout, "later calls report the same outcome")

	info, err := e.TaskInfo(id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, info.Status)
	assert.ErrorIs(t, info.Err, ErrExecutorStopped)
}

func TestStartContextStopsExecutor(t *testing.T) {
	t.Parallel()

	e, err := New(testConfig(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, e.Start(ctx))
	cancel()

	require.Eventually(t, func() bool {
		_, err := e.SubmitIO(context.Background(), func(context.Context) (any, error) { return nil, nil })
		return errors.Is(err, ErrExecutorStopped)
	}, DefaultTestTimeout, 5*time.Millisecond)
	require.NoError(t, e.Stop())
}

func TestStatsLatency(t *testing.T) {
	t.Parallel()

	e := startExecutor(t, testConfig())
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTestTimeout)
	defer cancel()

	for range 3 {
		_, err := e.Do(ctx, KindIO, func(context.Context) (any, error) {
			time.Sleep(5 * time.Millisecond)
			return nil, nil
		})
		require.NoError(t, err)
	}

	stats := e.Stats()
	assert.GreaterOrEqual(t, stats.AverageLatency, 5*time.Millisecond)
	assert.GreaterOrEqual(t, stats.TotalExecutionTime, 15*time.Millisecond)
	assert.Equal(t, int64(3), stats.Submitted[KindIO])
	assert.Zero(t, stats.Submitted[KindCPU])
	for _, kind := range Kinds {
		assert.Zero(t, stats.QueueDepth[kind])
	}
}

func TestExecutorMetrics(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	m, err := metrics.NewExecutorMetrics(registry)
	require.NoError(t, err)

	e, err := New(testConfig(), m)
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	defer func() { require.NoError(t, e.Stop()) }()

	ctx, cancel := context.WithTimeout(context.Background(), DefaultTestTimeout)
	defer cancel()

	_, err = e.Do(ctx, KindCPU, func(context.Context) (any, error) { return 1, nil })
	require.NoError(t, err)
	_, err = e.Do(ctx, KindIO, func(context.Context) (any, error) { return nil, errors.NewStd("nope") })
	require.Error(t, err)

	assert.InDelta(t, 1, counterValue(t, registry, "canpipe_executor_tasks_submitted_total",
		map[string]string{"lane": "cpu"}), 0)
	assert.InDelta(t, 1, counterValue(t, registry, "canpipe_executor_tasks_finished_total",
		map[string]string{"lane": "cpu", "status": "completed"}), 0)
	assert.InDelta(t, 1, counterValue(t, registry, "canpipe_executor_tasks_finished_total",
		map[string]string{"lane": "io", "status": "failed"}), 0)
	assert.InDelta(t, 2, counterValue(t, registry, "canpipe_executor_results_reaped_total",
		map[string]string{"reason": "retrieved"}), 0)
}
