// Package execqueue provides a mutual-exclusion task queue for
// context-aware operations. At most one task runs at a time; callers
// either wait for the slot or fail over to a fallback.
package execqueue

import (
	"context"
	"errors"
	"sync"
)

// ErrCanceled indicates the queue was canceled while a caller was
// waiting for the slot.
var ErrCanceled = errors.New("execution queue canceled")

// Task is a unit of work executed under the queue's slot.
type Task func(ctx context.Context) error

// Queue serializes task execution. A caller that finds the slot busy
// waits for the running task to finish and re-checks in a loop, so a
// burst of callers converges on strictly serial runs instead of piling
// up work. The queue holds no state beyond the slot itself.
type Queue struct {
	mu       sync.Mutex
	canceled bool
	running  chan struct{}       // closed when the current task finishes; nil when idle
	cancelFn context.CancelFunc  // cancels the in-flight task's context
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{}
}

// Canceled reports whether Cancel was called since the last Execute.
func (q *Queue) Canceled() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.canceled
}

// Execute runs task under the queue's slot. If another task is running,
// Execute waits for it (ignoring its result), then re-checks the slot
// before claiming it. The task's error is returned to its own caller
// only. Entering Execute clears a previous cancellation.
func (q *Queue) Execute(ctx context.Context, task Task) error {
	q.mu.Lock()
	q.canceled = false
	q.mu.Unlock()

	for {
		q.mu.Lock()
		if q.running == nil {
			err := q.run(ctx, task)
			return err
		}
		wait := q.running
		q.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}

		if q.Canceled() {
			return ErrCanceled
		}
	}
}

// ExecuteOrFallback runs task if the slot is free, otherwise invokes
// fallback immediately without waiting. Used where queueing behind an
// in-flight run must fail visibly instead of duplicating work.
func (q *Queue) ExecuteOrFallback(ctx context.Context, task, fallback Task) error {
	q.mu.Lock()
	if q.running != nil {
		q.mu.Unlock()
		return fallback(ctx)
	}
	return q.run(ctx, task)
}

// run claims the slot and executes task. Called with q.mu held; the
// lock is released for the duration of the task.
func (q *Queue) run(ctx context.Context, task Task) error {
	done := make(chan struct{})
	taskCtx, cancel := context.WithCancel(ctx)
	q.running = done
	q.cancelFn = cancel
	q.mu.Unlock()

	err := task(taskCtx)

	q.mu.Lock()
	q.running = nil
	q.cancelFn = nil
	q.mu.Unlock()
	cancel()
	close(done)
	return err
}

// Cancel marks the queue canceled and cancels the in-flight task's
// context. Waiters blocked in Execute return ErrCanceled without
// starting new work.
func (q *Queue) Cancel() {
	q.mu.Lock()
	q.canceled = true
	cancel := q.cancelFn
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}
