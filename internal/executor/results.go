package executor

import (
	"context"
	"slices"
	"strings"

	"github.com/tphakala/canpipe/internal/errors"
)

// lookupLocked finds a task in the live registry or the result store. Caller holds e.mu.
func (e *Executor) lookupLocked(id string) (*task, bool) {
	if t, ok := e.tasks[id]; ok {
		return t, true
	}
	if v, ok := e.results.Get(id); ok {
		return v.(*task), true
	}
	return nil, false
}

func notFound(id string) error {
	return errors.New(ErrNotFound).
		Component("executor").
		Category(errors.CategoryNotFound).
		Context("task_id", id).
		Build()
}

// GetResult waits until the task is terminal or ctx is done. A Completed
// task yields its result, a Failed task its error (wrapping ErrWorkerFailure
// or ErrTaskTimeout) and a Cancelled task ErrCancelled. When ctx expires first
// the error wraps ErrWaitTimeout and the task is left untouched.
//
// A terminal task is removed once its outcome has been returned.
func (e *Executor) GetResult(ctx context.Context, id string) (any, error) {
	e.mu.Lock()
	t, ok := e.lookupLocked(id)
	e.mu.Unlock()
	if !ok {
		return nil, notFound(id)
	}

	select {
	case <-t.done:
	default:
		if err := e.wait(ctx, t, id); err != nil {
			return nil, err
		}
	}

	e.mu.Lock()
	status, result, err := t.status, t.result, t.err
	if _, stored := e.results.Get(id); stored {
		e.results.Delete(id)
		e.mu.Unlock()
		if e.metrics != nil {
			e.metrics.RecordReaped("retrieved", 1)
		}
	} else {
		e.mu.Unlock()
	}

	switch status {
	case StatusCompleted:
		return result, nil
	case StatusCancelled:
		if err != nil && !errors.Is(err, ErrCancelled) {
			return nil, errors.Join(ErrCancelled, err)
		}
		return nil, ErrCancelled
	default:
		return nil, err
	}
}

func (e *Executor) wait(ctx context.Context, t *task, id string) error {
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return errors.New(ErrWaitTimeout).
				Component("executor").
				Category(errors.CategoryTimeout).
				Context("task_id", id).
				Build()
		}
		return ctx.Err()
	}
}

// Cancel moves a Pending task to Cancelled. It returns false for unknown,
// running and already terminal tasks.
func (e *Executor) Cancel(id string) bool {
	e.mu.Lock()
	t, ok := e.tasks[id]
	if !ok || t.status != StatusPending {
		e.mu.Unlock()
		return false
	}
	e.finishLocked(t, StatusCancelled, nil, ErrCancelled)
	e.mu.Unlock()

	e.afterFinish(t.id, t.kind, StatusCancelled, 0, false, ErrCancelled)
	return true
}

// TaskInfo returns a snapshot of a task.
func (e *Executor) TaskInfo(id string) (TaskInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.lookupLocked(id)
	if !ok {
		return TaskInfo{}, notFound(id)
	}
	return t.info(), nil
}

// ListTasks returns snapshots of known tasks, oldest first, optionally
// filtered to the given statuses.
func (e *Executor) ListTasks(statuses ...Status) []TaskInfo {
	keep := func(s Status) bool {
		return len(statuses) == 0 || slices.Contains(statuses, s)
	}

	e.mu.Lock()
	infos := make([]TaskInfo, 0, len(e.tasks))
	for _, t := range e.tasks {
		if keep(t.status) {
			infos = append(infos, t.info())
		}
	}
	for _, item := range e.results.Items() {
		if t := item.Object.(*task); keep(t.status) {
			infos = append(infos, t.info())
		}
	}
	e.mu.Unlock()

	slices.SortFunc(infos, func(a, b TaskInfo) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return infos
}

// Do submits fn and waits for its outcome.
func (e *Executor) Do(ctx context.Context, kind Kind, fn TaskFunc, opts ...SubmitOption) (any, error) {
	id, err := e.Submit(ctx, kind, fn, opts...)
	if err != nil {
		return nil, err
	}
	return e.GetResult(ctx, id)
}

// Await is GetResult with a typed result.
func Await[T any](ctx context.Context, e *Executor, id string) (T, error) {
	var zero T
	v, err := e.GetResult(ctx, id)
	if err != nil {
		return zero, err
	}
	if v == nil {
		return zero, nil
	}
	typed, ok := v.(T)
	if !ok {
		return zero, errors.Newf("task %s returned %T", id, v).
			Component("executor").
			Category(errors.CategoryValidation).
			Build()
	}
	return typed, nil
}
