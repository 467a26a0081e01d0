package batchjob

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/semaphore"
)

// Identity is the execution identity a job body runs as. It always belongs
// to the tenant that declared the job.
type Identity struct {
	Tenant    string
	Principal string
}

type identityKey struct{}

// WithIdentity attaches id to ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the identity attached by the task queue.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// Task is a unit of work submitted to a TaskQueue.
type Task func(ctx context.Context) error

// TaskHandle tracks a submitted task.
type TaskHandle interface {
	// Cancel stops a task that has not started yet and reports whether it
	// did. With interrupt set, a running task's context is cancelled too;
	// the task decides whether to stop.
	Cancel(interrupt bool) bool

	// Done is closed once the task finished or was cancelled.
	Done() <-chan struct{}

	// Err returns the task result after Done is closed.
	Err() error
}

// TaskQueue runs tasks after a delay.
type TaskQueue interface {
	Submit(task Task, delay time.Duration, identity Identity) (TaskHandle, error)
}

const (
	taskPending int32 = iota
	taskRunning
	taskDone
	taskCancelled
)

// DelayQueue is an in-process TaskQueue. Tasks wait on a timer, then on a
// concurrency slot, then run on their own goroutine.
type DelayQueue struct {
	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
	tasks  map[*delayedTask]struct{}
}

// NewDelayQueue creates a queue running at most concurrency tasks at once.
func NewDelayQueue(concurrency int) *DelayQueue {
	if concurrency <= 0 {
		concurrency = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &DelayQueue{
		sem:    semaphore.NewWeighted(int64(concurrency)),
		ctx:    ctx,
		cancel: cancel,
		tasks:  make(map[*delayedTask]struct{}),
	}
}

// Submit schedules task to start after delay.
func (q *DelayQueue) Submit(task Task, delay time.Duration, identity Identity) (TaskHandle, error) {
	if delay < 0 {
		delay = 0
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrQueueClosed
	}

	ctx, cancel := context.WithCancel(WithIdentity(q.ctx, identity))
	t := &delayedTask{
		queue:  q,
		task:   task,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	q.tasks[t] = struct{}{}
	q.wg.Add(1)
	t.timer = time.AfterFunc(delay, t.run)
	return t, nil
}

// Len returns the number of tasks that have not finished.
func (q *DelayQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Close rejects new tasks, cancels the ones that have not started and waits
// for running tasks until ctx expires. Running tasks still going at that
// point have their context cancelled.
func (q *DelayQueue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	pending := make([]*delayedTask, 0, len(q.tasks))
	for t := range q.tasks {
		pending = append(pending, t)
	}
	q.mu.Unlock()

	for _, t := range pending {
		t.Cancel(false)
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		return ctx.Err()
	}
}

func (q *DelayQueue) forget(t *delayedTask) {
	q.mu.Lock()
	delete(q.tasks, t)
	q.mu.Unlock()
	q.wg.Done()
}

type delayedTask struct {
	queue  *DelayQueue
	task   Task
	timer  *time.Timer
	ctx    context.Context
	cancel context.CancelFunc
	state  atomic.Int32
	done   chan struct{}
	err    error
}

func (t *delayedTask) run() {
	if err := t.queue.sem.Acquire(t.ctx, 1); err != nil {
		// Cancel already finished the task, or the queue was torn down.
		if t.state.CompareAndSwap(taskPending, taskCancelled) {
			t.finish(err)
		}
		return
	}
	defer t.queue.sem.Release(1)

	if !t.state.CompareAndSwap(taskPending, taskRunning) {
		return
	}
	t.finish(t.invoke())
}

func (t *delayedTask) invoke() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("task panicked: %v", r)
		}
	}()
	return t.task(t.ctx)
}

func (t *delayedTask) finish(err error) {
	t.err = err
	if t.state.Load() == taskRunning {
		t.state.Store(taskDone)
	}
	t.cancel()
	close(t.done)
	t.queue.forget(t)
}

func (t *delayedTask) Cancel(interrupt bool) bool {
	if t.state.CompareAndSwap(taskPending, taskCancelled) {
		t.timer.Stop()
		t.finish(context.Canceled)
		return true
	}
	if interrupt && t.state.Load() == taskRunning {
		t.cancel()
		return true
	}
	return false
}

func (t *delayedTask) Done() <-chan struct{} {
	return t.done
}

func (t *delayedTask) Err() error {
	<-t.done
	return t.err
}
