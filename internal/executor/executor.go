package executor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/tphakala/canpipe/internal/errors"
	"github.com/tphakala/canpipe/internal/logger"
	"github.com/tphakala/canpipe/internal/observability/metrics"
)

type lifecycle int

const (
	stateIdle lifecycle = iota
	stateRunning
	stateStopped
)

// Executor runs submitted tasks on three lanes. IO and CPU tasks share a
// semaphore of MaxConcurrent slots; priority tasks bypass it.
type Executor struct {
	config  Config
	metrics *metrics.ExecutorMetrics

	lanes [numKinds]chan *task
	pools [numKinds]*workerPool
	sem   *semaphore.Weighted

	mu      sync.Mutex
	tasks   map[string]*task // pending and running
	results *cache.Cache     // terminal tasks until retrieved or expired
	stats   counters
	// onTransition observes every status change while mu is held
	onTransition func(id string, from, to Status)

	lifecycleMu sync.Mutex
	state       lifecycle
	stopCh      chan struct{}
	loopCtx     context.Context // cancelled when Stop begins
	loopCancel  context.CancelFunc
	taskCtx     context.Context // parent of every task context, cancelled once Stop gives up waiting
	taskCancel  context.CancelFunc
	stopDone    chan struct{} // closed when the first Stop returns
	stopErr     error

	loops      sync.WaitGroup
	submitters sync.WaitGroup
	inflight   sync.WaitGroup

	blockedWarn *rate.Limiter
}

// New creates an executor. m may be nil.
func New(config Config, m *metrics.ExecutorMetrics) (*Executor, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}

	retention := config.ResultRetention
	if retention <= 0 {
		retention = cache.NoExpiration
	}

	e := &Executor{
		config:      config,
		metrics:     m,
		sem:         semaphore.NewWeighted(int64(config.MaxConcurrent)),
		tasks:       make(map[string]*task),
		results:     cache.New(retention, 0), // swept by the stats loop
		stopCh:      make(chan struct{}),
		stopDone:    make(chan struct{}),
		blockedWarn: rate.NewLimiter(rate.Every(10*time.Second), 1),
	}
	e.stats.latencies = make([]time.Duration, latencyWindow)

	for _, kind := range Kinds {
		e.lanes[kind] = make(chan *task, config.MaxConcurrent)
	}
	e.pools[KindIO] = newWorkerPool("io", config.IOWorkers, false)
	e.pools[KindCPU] = newWorkerPool("cpu", config.CPUWorkers, true)
	e.pools[KindPriority] = newWorkerPool("priority", config.IOWorkers, false)

	for _, p := range e.pools {
		e.wirePool(p)
	}
	return e, nil
}

func (e *Executor) wirePool(p *workerPool) {
	p.onRestart = func() {
		getLogger().Warn("worker replaced", logger.String("pool", p.name))
		if e.metrics != nil {
			e.metrics.RecordWorkerRestart(p.name)
		}
	}
	p.onPanic = func(r any, stack []byte) {
		getLogger().Error("worker panicked outside a task",
			logger.String("pool", p.name),
			logger.Any("panic", r),
			logger.String("stack", string(stack)))
	}
}

// Start launches the worker pools and lane loops. It is idempotent. The
// executor stops itself when ctx is cancelled; values carried by ctx are
// inherited by every task context.
func (e *Executor) Start(ctx context.Context) error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()

	switch e.state {
	case stateRunning:
		return nil
	case stateStopped:
		return ErrExecutorStopped
	}

	e.loopCtx, e.loopCancel = context.WithCancel(context.Background())
	e.taskCtx, e.taskCancel = context.WithCancel(context.WithoutCancel(ctx))

	for _, p := range e.pools {
		p.start()
	}
	for _, kind := range Kinds {
		e.loops.Go(func() { e.dispatch(kind) })
	}
	if e.config.StatsInterval > 0 {
		e.loops.Go(e.statsLoop)
	}

	stopOnDone := context.AfterFunc(ctx, func() { _ = e.Stop() })
	e.loops.Go(func() {
		<-e.loopCtx.Done()
		stopOnDone()
	})

	e.state = stateRunning
	getLogger().Info("executor started",
		logger.Int("cpu_workers", e.config.CPUWorkers),
		logger.Int("io_workers", e.config.IOWorkers),
		logger.Int("max_concurrent", e.config.MaxConcurrent))
	return nil
}

// dispatch moves tasks from one lane to its worker pool in FIFO order.
// Gated lanes take a semaphore slot only once a task is in hand, so an idle
// lane never holds capacity. While the dispatcher waits for a slot the lane
// keeps filling and Submit blocks once it is full.
func (e *Executor) dispatch(kind Kind) {
	lane := e.lanes[kind]
	pool := e.pools[kind]
	gated := kind != KindPriority

	for {
		var t *task
		select {
		case t = <-lane:
		case <-e.stopCh:
			return
		}

		if gated {
			if err := e.sem.Acquire(e.loopCtx, 1); err != nil {
				// stopping; cancelPending finishes t
				return
			}
			select {
			case <-e.stopCh:
				e.sem.Release(1)
				return
			default:
			}
		}

		var release func()
		if gated {
			release = sync.OnceFunc(func() { e.sem.Release(1) })
		}
		if !e.claim(t, release) {
			// cancelled while queued
			if release != nil {
				release()
			}
			continue
		}

		e.inflight.Add(1)
		if !pool.submit(func() bool { return e.run(t) }, e.stopCh) {
			e.inflight.Done()
			e.finish(t, StatusCancelled, nil, ErrExecutorStopped)
		}
	}
}

// claim attaches the slot release to a still-pending task.
func (e *Executor) claim(t *task, release func()) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t.status != StatusPending {
		return false
	}
	t.release = release
	return true
}

// run executes t on a worker goroutine. It returns false when the task
// panicked, which makes the pool replace the worker.
func (e *Executor) run(t *task) (healthy bool) {
	defer e.inflight.Done()

	ctx, ok := e.markRunning(t)
	if !ok {
		return true
	}

	if t.timeout > 0 {
		stopTimer := context.AfterFunc(ctx, func() {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				e.finish(t, StatusFailed, nil, ErrTaskTimeout)
			}
		})
		defer stopTimer()
	}

	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			getLogger().Error("task panicked",
				logger.String("task_id", t.id),
				logger.Any("panic", r),
				logger.String("stack", string(stack)))
			e.finish(t, StatusFailed, nil, fmt.Errorf("%w: panic: %v\n%s", ErrWorkerFailure, r, stack))
			healthy = false
		}
	}()

	result, err := t.fn(ctx)
	if t.timeout > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		e.finish(t, StatusFailed, nil, ErrTaskTimeout)
	} else if err != nil {
		e.finish(t, StatusFailed, nil, fmt.Errorf("%w: %w", ErrWorkerFailure, err))
	} else {
		e.finish(t, StatusCompleted, result, nil)
	}
	return true
}

func (e *Executor) markRunning(t *task) (context.Context, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if t.status != StatusPending {
		return nil, false
	}

	var ctx context.Context
	var cancel context.CancelFunc
	if t.timeout > 0 {
		ctx, cancel = context.WithTimeout(e.taskCtx, t.timeout)
	} else {
		ctx, cancel = context.WithCancel(e.taskCtx)
	}
	t.cancel = cancel
	t.startedAt = time.Now()
	e.transitionLocked(t, StatusRunning)
	e.stats.running++
	return ctx, true
}

func (e *Executor) transitionLocked(t *task, to Status) {
	from := t.status
	t.status = to
	if e.onTransition != nil {
		e.onTransition(t.id, from, to)
	}
}

// finish records a terminal status. A task that is already terminal is left
// untouched and finish reports false.
func (e *Executor) finish(t *task, status Status, result any, err error) bool {
	e.mu.Lock()
	if !e.finishLocked(t, status, result, err) {
		e.mu.Unlock()
		return false
	}
	e.mu.Unlock()
	e.afterFinish(t.id, t.kind, status, t.completedAt.Sub(t.startedAt), !t.startedAt.IsZero(), err)
	return true
}

func (e *Executor) finishLocked(t *task, status Status, result any, err error) bool {
	if t.status.Terminal() {
		return false
	}

	wasRunning := t.status == StatusRunning
	t.result = result
	t.err = err
	t.completedAt = time.Now()
	e.transitionLocked(t, status)

	delete(e.tasks, t.id)
	e.results.SetDefault(t.id, t)
	close(t.done)

	if t.release != nil {
		t.release()
	}
	if t.cancel != nil {
		t.cancel()
	}

	if wasRunning {
		e.stats.running--
		e.stats.observe(t.completedAt.Sub(t.startedAt))
	}
	switch status {
	case StatusCompleted:
		e.stats.completed++
	case StatusFailed:
		e.stats.failed++
		if errors.Is(err, ErrTaskTimeout) {
			e.stats.timedOut++
		}
	case StatusCancelled:
		e.stats.cancelled++
	}
	return true
}

func (e *Executor) afterFinish(id string, kind Kind, status Status, duration time.Duration, ran bool, err error) {
	if !ran {
		duration = 0
	}
	if e.metrics != nil {
		label := status.String()
		if errors.Is(err, ErrTaskTimeout) {
			label = metrics.StatusTimeout
		}
		e.metrics.RecordFinished(kind.String(), label, duration)
	}
	logTaskFinished(id, kind, status, duration, err)
}

// Submit queues fn on the lane for kind and returns its task id. It blocks
// while the lane is full until space frees up, ctx is done or the executor
// stops.
func (e *Executor) Submit(ctx context.Context, kind Kind, fn TaskFunc, opts ...SubmitOption) (string, error) {
	if fn == nil {
		return "", ErrNilTask
	}
	if kind < 0 || kind >= numKinds {
		return "", errors.Newf("unknown task kind %d", int(kind)).
			Component("executor").
			Category(errors.CategoryValidation).
			Build()
	}

	var o submitOptions
	for _, opt := range opts {
		opt(&o)
	}
	timeout := e.config.timeoutFor(kind)
	if o.hasTimeout {
		timeout = o.timeout
	}
	priority := o.priority
	if kind == KindPriority {
		priority = PriorityWeight
	}

	if !e.enterSubmit() {
		return "", ErrExecutorStopped
	}
	defer e.submitters.Done()

	t := &task{
		id:        kind.String() + "_" + uuid.NewString(),
		kind:      kind,
		priority:  priority,
		timeout:   timeout,
		fn:        fn,
		createdAt: time.Now(),
		status:    StatusPending,
		done:      make(chan struct{}),
	}

	e.mu.Lock()
	e.tasks[t.id] = t
	e.stats.submitted[kind]++
	e.mu.Unlock()

	lane := e.lanes[kind]
	select {
	case lane <- t:
	default:
		if e.metrics != nil {
			e.metrics.RecordSubmitBlocked(kind.String())
		}
		if e.blockedWarn.Allow() {
			getLogger().Warn("lane full, submitter waiting",
				logger.String("lane", kind.String()),
				logger.Int("capacity", cap(lane)))
		}
		select {
		case lane <- t:
		case <-ctx.Done():
			e.abandon(t)
			return "", errors.New(ctx.Err()).
				Component("executor").
				Category(errors.CategoryCancellation).
				Context("lane", kind.String()).
				Build()
		case <-e.stopCh:
			e.abandon(t)
			return "", ErrExecutorStopped
		}
	}

	if e.metrics != nil {
		e.metrics.RecordSubmitted(kind.String())
	}
	logTaskSubmitted(ctx, t.id, kind, priority)
	return t.id, nil
}

// SubmitIO queues fn on the IO lane.
func (e *Executor) SubmitIO(ctx context.Context, fn TaskFunc, opts ...SubmitOption) (string, error) {
	return e.Submit(ctx, KindIO, fn, opts...)
}

// SubmitCPU queues fn on the CPU lane.
func (e *Executor) SubmitCPU(ctx context.Context, fn TaskFunc, opts ...SubmitOption) (string, error) {
	return e.Submit(ctx, KindCPU, fn, opts...)
}

// SubmitPriority queues fn on the priority lane.
func (e *Executor) SubmitPriority(ctx context.Context, fn TaskFunc, opts ...SubmitOption) (string, error) {
	return e.Submit(ctx, KindPriority, fn, opts...)
}

func (e *Executor) enterSubmit() bool {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()
	if e.state != stateRunning {
		return false
	}
	e.submitters.Add(1)
	return true
}

// abandon forgets a task that never made it into its lane.
func (e *Executor) abandon(t *task) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.tasks, t.id)
	e.stats.submitted[t.kind]--
}

// Stop stops accepting work, cancels queued tasks and waits up to
// ShutdownGrace for running tasks. Tasks still running after the grace period
// are marked Failed and ErrShutdownTimeout is returned. Stop is idempotent:
// later calls wait for the first one and return its result.
func (e *Executor) Stop() error {
	e.lifecycleMu.Lock()
	switch e.state {
	case stateIdle:
		e.state = stateStopped
		close(e.stopCh)
		close(e.stopDone)
		e.lifecycleMu.Unlock()
		return nil
	case stateStopped:
		e.lifecycleMu.Unlock()
		<-e.stopDone
		return e.stopErr
	}
	e.state = stateStopped
	close(e.stopCh)
	e.loopCancel()
	e.lifecycleMu.Unlock()

	log := getLogger()
	log.Info("stopping executor")
	start := time.Now()

	e.loops.Wait()
	e.submitters.Wait()

	cancelled := e.cancelPending()

	err := e.waitInflight()
	e.taskCancel()
	for _, p := range e.pools {
		p.close(err == nil)
	}

	e.stopErr = err
	close(e.stopDone)

	log.Info("executor stopped",
		logger.Int("cancelled_pending", cancelled),
		logger.Duration("duration", time.Since(start)),
		logger.Error(err))
	return err
}

// cancelPending drains the lanes and cancels every task that never ran.
func (e *Executor) cancelPending() int {
	for _, lane := range e.lanes {
	drain:
		for {
			select {
			case <-lane:
			default:
				break drain
			}
		}
	}

	type finished struct {
		id   string
		kind Kind
	}
	var done []finished

	e.mu.Lock()
	for _, t := range e.tasks {
		if t.status == StatusPending && e.finishLocked(t, StatusCancelled, nil, ErrExecutorStopped) {
			done = append(done, finished{t.id, t.kind})
		}
	}
	e.mu.Unlock()

	for _, f := range done {
		e.afterFinish(f.id, f.kind, StatusCancelled, 0, false, ErrExecutorStopped)
	}
	return len(done)
}

func (e *Executor) waitInflight() error {
	idle := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(idle)
	}()

	timer := time.NewTimer(e.config.ShutdownGrace)
	defer timer.Stop()

	select {
	case <-idle:
		return nil
	case <-timer.C:
	}

	var abandoned []*task
	e.mu.Lock()
	for _, t := range e.tasks {
		if t.status == StatusRunning {
			abandoned = append(abandoned, t)
		}
	}
	e.mu.Unlock()
	for _, t := range abandoned {
		e.finish(t, StatusFailed, nil, ErrExecutorStopped)
	}

	return errors.New(ErrShutdownTimeout).
		Component("executor").
		Category(errors.CategoryTimeout).
		Context("still_running", len(abandoned)).
		Timing("shutdown", e.config.ShutdownGrace).
		Build()
}
