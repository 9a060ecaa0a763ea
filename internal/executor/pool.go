package executor

import (
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// job is one unit handed to a worker. It reports false when the worker that
// ran it should be discarded and replaced.
type job func() (healthy bool)

// workerPool is a fixed-size set of goroutines fed from an unbuffered
// channel, so a hand-off blocks until a worker is idle.
type workerPool struct {
	name       string
	size       int
	lockThread bool // pin each worker to its own OS thread for its lifetime

	jobs chan job
	quit chan struct{}
	wg   sync.WaitGroup

	restarts atomic.Int64
	// onRestart is called after a worker has been discarded
	onRestart func()
	// onPanic receives panics that escaped a job
	onPanic func(r any, stack []byte)

	closeOnce sync.Once
}

func newWorkerPool(name string, size int, lockThread bool) *workerPool {
	return &workerPool{
		name:       name,
		size:       size,
		lockThread: lockThread,
		jobs:       make(chan job),
		quit:       make(chan struct{}),
	}
}

func (p *workerPool) start() {
	for range p.size {
		p.spawn()
	}
}

func (p *workerPool) spawn() {
	p.wg.Add(1)
	go p.worker()
}

func (p *workerPool) worker() {
	defer p.wg.Done()

	if p.lockThread {
		// Never unlocked: when this goroutine exits the runtime destroys the
		// thread with it, so a replacement starts on a fresh one.
		runtime.LockOSThread()
	}

	for {
		select {
		case j := <-p.jobs:
			if !p.execute(j) {
				p.replace()
				return
			}
		case <-p.quit:
			return
		}
	}
}

func (p *workerPool) execute(j job) (healthy bool) {
	defer func() {
		if r := recover(); r != nil {
			if p.onPanic != nil {
				p.onPanic(r, debug.Stack())
			}
			healthy = false
		}
	}()
	return j()
}

// replace starts a new worker in place of the calling one, unless the pool is closing.
func (p *workerPool) replace() {
	p.restarts.Add(1)
	if p.onRestart != nil {
		p.onRestart()
	}
	select {
	case <-p.quit:
		return
	default:
	}
	// The caller is still counted in wg, so Add cannot race a finished Wait.
	p.spawn()
}

// submit hands j to an idle worker. It returns false without running j if
// stop or the pool's own quit channel closes first.
func (p *workerPool) submit(j job, stop <-chan struct{}) bool {
	select {
	case p.jobs <- j:
		return true
	case <-stop:
		return false
	case <-p.quit:
		return false
	}
}

// close stops idle workers and waits for busy ones to return when wait is set.
func (p *workerPool) close(wait bool) {
	p.closeOnce.Do(func() {
		close(p.quit)
	})
	if wait {
		p.wg.Wait()
	}
}
