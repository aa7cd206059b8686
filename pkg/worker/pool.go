package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrPoolClosed         = errors.New("worker pool is closed")
	ErrPoolAlreadyStarted = errors.New("cannot start an already started worker pool")
)

type (
	TaskFunc func(context.Context) error

	// Task is a unit of background work submitted to a Pool. The
	// completion of the task can be observed via Done/Wait, and the
	// error (if any) the task returned via Err.
	Task struct {
		label string
		fn    TaskFunc
		done  chan struct{}
		err   error
		timer *time.Timer
	}

	// Pool is a fixed set of workers which consume a FIFO queue of
	// tasks. Tasks may be queued immediately (Submit) or after a
	// delay (SubmitAfter). Errors from tasks are caught at the worker
	// boundary and never propagate to the submitter.
	//
	// The pool tracks every task from the moment it is submitted until
	// it completes, allowing callers (typically tests) to deterministically
	// await all background work via Wait.
	Pool struct {
		*sync.Mutex
		label    string
		workers  []*taskWorker
		queue    []*Task
		pending  map[*Task]struct{}
		inflight *sync.WaitGroup
		workerWg *sync.WaitGroup
		started  bool
		closed   bool
	}
)

// NewPool creates a new Pool with the given number of workers. The
// pool must be started before any queued tasks are executed.
func NewPool(label string, size int) *Pool {
	if size < 1 {
		size = 1
	}

	pool := &Pool{
		Mutex:    &sync.Mutex{},
		label:    label,
		queue:    make([]*Task, 0),
		pending:  make(map[*Task]struct{}),
		inflight: &sync.WaitGroup{},
		workerWg: &sync.WaitGroup{},
	}

	for i := 0; i < size; i++ {
		pool.workers = append(pool.workers, newWorker(fmt.Sprintf("%s-%d", label, i), pool))
	}

	return pool
}

// Start cycles through all the workers inside the pool and creates
// a goroutine for each. The context provided is passed to every
// task executed by this pool.
//
// Start does NOT block.
func (pool *Pool) Start(ctx context.Context) error {
	pool.Lock()
	if pool.started {
		pool.Unlock()
		return ErrPoolAlreadyStarted
	}
	pool.started = true
	pool.Unlock()

	for _, worker := range pool.workers {
		pool.workerWg.Add(1)
		go func(w *taskWorker) {
			defer pool.workerWg.Done()
			w.start(ctx)
		}(worker)
	}

	pool.wakeupWorkers()
	return nil
}

// Submit queues the task function provided for execution as soon
// as a worker is available.
func (pool *Pool) Submit(label string, fn TaskFunc) *Task {
	task := newTask(label, fn)

	pool.Lock()
	if pool.closed {
		pool.Unlock()
		task.finish(ErrPoolClosed)
		return task
	}

	pool.inflight.Add(1)
	pool.queue = append(pool.queue, task)
	pool.Unlock()

	pool.wakeupWorkers()
	return task
}

// SubmitAfter queues the task function provided once the delay has
// elapsed. The task is considered in-flight (see Wait) from the
// moment this method returns.
func (pool *Pool) SubmitAfter(delay time.Duration, label string, fn TaskFunc) *Task {
	if delay <= 0 {
		return pool.Submit(label, fn)
	}

	task := newTask(label, fn)

	pool.Lock()
	defer pool.Unlock()
	if pool.closed {
		task.finish(ErrPoolClosed)
		return task
	}

	pool.inflight.Add(1)
	pool.pending[task] = struct{}{}
	task.timer = time.AfterFunc(delay, func() { pool.release(task) })

	return task
}

// Wait blocks until every submitted task (including delayed tasks)
// has completed.
func (pool *Pool) Wait() { pool.inflight.Wait() }

// Close stops accepting new tasks and closes the workers wakeup channels.
// Tasks already queued are drained before the workers exit, delayed
// tasks which have not yet been released are abandoned with ErrPoolClosed.
func (pool *Pool) Close() {
	pool.Lock()
	if pool.closed {
		pool.Unlock()
		return
	}

	pool.closed = true
	abandoned := make([]*Task, 0, len(pool.pending))
	for task := range pool.pending {
		if task.timer.Stop() {
			abandoned = append(abandoned, task)
			delete(pool.pending, task)
		}
	}

	started := pool.started
	pool.Unlock()

	for _, task := range abandoned {
		task.finish(ErrPoolClosed)
		pool.inflight.Done()
	}

	if !started {
		pool.Lock()
		queued := pool.queue
		pool.queue = nil
		pool.Unlock()
		for _, task := range queued {
			task.finish(ErrPoolClosed)
			pool.inflight.Done()
		}

		return
	}

	for _, w := range pool.workers {
		w.close()
	}
	pool.workerWg.Wait()
}

// release moves a delayed task from the pending set on to the queue.
func (pool *Pool) release(task *Task) {
	pool.Lock()
	if _, ok := pool.pending[task]; !ok {
		pool.Unlock()
		return
	}
	delete(pool.pending, task)

	if pool.closed {
		pool.Unlock()
		task.finish(ErrPoolClosed)
		pool.inflight.Done()
		return
	}

	pool.queue = append(pool.queue, task)
	pool.Unlock()

	pool.wakeupWorkers()
}

// claimTask pops the next task from the queue, or returns nil if
// the queue is empty.
func (pool *Pool) claimTask() *Task {
	pool.Lock()
	defer pool.Unlock()

	if len(pool.queue) == 0 {
		return nil
	}

	task := pool.queue[0]
	pool.queue = pool.queue[1:]
	return task
}

func (pool *Pool) completeTask(task *Task, err error) {
	task.finish(err)
	pool.inflight.Done()
}

// wakeupWorkers will search for sleeping workers in the pool
// and will send on their WakeupChannel to wake them up.
func (pool *Pool) wakeupWorkers() {
	pool.Lock()
	defer pool.Unlock()
	if !pool.started || pool.closed {
		return
	}

	for _, w := range pool.workers {
		w.wakeup()
	}
}

func newTask(label string, fn TaskFunc) *Task {
	return &Task{label: label, fn: fn, done: make(chan struct{})}
}

func (task *Task) finish(err error) {
	task.err = err
	close(task.done)
}

func (task *Task) Label() string { return task.label }

// Done returns a channel which is closed when the task completes.
func (task *Task) Done() <-chan struct{} { return task.done }

// Err returns the error the task completed with. It is only
// meaningful once Done has been closed.
func (task *Task) Err() error {
	select {
	case <-task.done:
		return task.err
	default:
		return nil
	}
}

// Wait blocks until the task completes or the context is cancelled,
// returning the tasks error in the former case.
func (task *Task) Wait(ctx context.Context) error {
	select {
	case <-task.done:
		return task.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
