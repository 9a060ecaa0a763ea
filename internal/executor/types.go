// Package executor schedules IO-bound, CPU-bound and priority tasks on
// separate worker pools with bounded admission, per-task deadlines and
// failure isolation.
//
// Each task moves through Pending, Running and one terminal status
// (Completed, Failed or Cancelled). A terminal status is never overwritten.
// Only Pending tasks can be cancelled; running work is asked to stop through
// its context but is never forcibly terminated.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/tphakala/canpipe/internal/errors"
)

// Common errors returned by executor operations
var (
	// ErrTimeout is the base of every timeout error.
	ErrTimeout = errors.NewStd("executor: timeout")

	// ErrTaskTimeout is recorded on a task whose deadline elapsed while it ran.
	ErrTaskTimeout = fmt.Errorf("%w: task deadline exceeded", ErrTimeout)

	// ErrWaitTimeout is returned by GetResult when the caller's own wait expires.
	ErrWaitTimeout = fmt.Errorf("%w: waiting for result", ErrTimeout)

	// ErrShutdownTimeout is returned by Stop when in-flight tasks outlive the grace period.
	ErrShutdownTimeout = fmt.Errorf("%w: shutdown grace period exceeded", ErrTimeout)

	ErrWorkerFailure   = errors.NewStd("executor: task failed")
	ErrCancelled       = errors.NewStd("executor: task cancelled")
	ErrNotFound        = errors.NewStd("executor: task not found")
	ErrExecutorStopped = errors.NewStd("executor: stopped")
	ErrNilTask         = errors.NewStd("executor: nil task function")
)

// PriorityWeight is the weight recorded for priority-lane tasks.
const PriorityWeight = 1000

// Kind selects the lane a task is admitted through.
type Kind int

const (
	KindIO Kind = iota
	KindCPU
	KindPriority
	numKinds
)

// Kinds lists every lane.
var Kinds = [...]Kind{KindIO, KindCPU, KindPriority}

// String returns the lane name used in task ids, logs and metrics.
func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindCPU:
		return "cpu"
	case KindPriority:
		return "priority"
	default:
		return "unknown"
	}
}

// Status is the lifecycle state of a task.
type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusCompleted
	StatusFailed
	StatusCancelled
)

// String returns a string representation of the task status
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can happen.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// TaskFunc is the body of a task. ctx is cancelled when the task's deadline
// elapses or the executor stops; long-running work should watch it.
type TaskFunc func(ctx context.Context) (any, error)

// TaskInfo is a snapshot of one task.
type TaskInfo struct {
	ID          string
	Kind        Kind
	Priority    int
	Status      Status
	Timeout     time.Duration
	CreatedAt   time.Time
	StartedAt   time.Time // zero until Running
	CompletedAt time.Time // zero until terminal
	Err         error
}

// Duration returns the execution time of a finished task.
func (i TaskInfo) Duration() time.Duration {
	if i.StartedAt.IsZero() || i.CompletedAt.IsZero() {
		return 0
	}
	return i.CompletedAt.Sub(i.StartedAt)
}

// task is the executor's record of a submission. Mutable fields are guarded
// by Executor.mu.
type task struct {
	id       string
	kind     Kind
	priority int
	timeout  time.Duration
	fn       TaskFunc

	createdAt   time.Time
	startedAt   time.Time
	completedAt time.Time
	status      Status
	result      any
	err         error

	done    chan struct{} // closed on the terminal transition
	release func()        // returns the concurrency slot, set once dispatched
	cancel  context.CancelFunc
}

func (t *task) info() TaskInfo {
	return TaskInfo{
		ID:          t.id,
		Kind:        t.kind,
		Priority:    t.priority,
		Status:      t.status,
		Timeout:     t.timeout,
		CreatedAt:   t.createdAt,
		StartedAt:   t.startedAt,
		CompletedAt: t.completedAt,
		Err:         t.err,
	}
}

// SubmitOption customizes a single submission.
type SubmitOption func(*submitOptions)

type submitOptions struct {
	timeout    time.Duration
	hasTimeout bool
	priority   int
}

// WithTimeout overrides the lane's default deadline. A non-positive value disables it.
func WithTimeout(d time.Duration) SubmitOption {
	return func(o *submitOptions) {
		o.timeout = d
		o.hasTimeout = true
	}
}

// WithPriority records a priority weight on an IO or CPU task. It does not
// affect ordering within the lane.
func WithPriority(priority int) SubmitOption {
	return func(o *submitOptions) {
		o.priority = priority
	}
}
