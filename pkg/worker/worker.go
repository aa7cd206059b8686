package worker

import (
	"context"
	"fmt"

	"github.com/hbomb79/Mimic/pkg/logger"
)

var workerLogger = logger.Get("Worker")

type (
	WorkerWakeupChan chan int
	WorkerStatus     int

	// taskWorker is a single goroutine belonging to a Pool. It claims
	// tasks from the pool queue until the queue is empty, and then
	// sleeps until woken by the pool (or until the wakeup channel
	// is closed, at which point the worker exits).
	taskWorker struct {
		label         string
		pool          *Pool
		wakeupChan    WorkerWakeupChan
		currentStatus WorkerStatus
	}
)

const (
	Sleeping WorkerStatus = iota
	Working
	Finished
)

func newWorker(label string, pool *Pool) *taskWorker {
	return &taskWorker{
		label:         label,
		pool:          pool,
		wakeupChan:    make(WorkerWakeupChan, 1),
		currentStatus: Sleeping,
	}
}

func (worker *taskWorker) start(ctx context.Context) {
	workerLogger.Emit(logger.NEW, "Starting worker %s\n", worker.label)
	for {
		worker.setStatus(Working)
		for {
			task := worker.pool.claimTask()
			if task == nil {
				break
			}

			worker.execute(ctx, task)
		}

		if !worker.sleep() {
			break
		}
	}

	worker.setStatus(Finished)
	workerLogger.Emit(logger.STOP, "Worker %s has stopped\n", worker.label)
}

// execute runs the task provided, capturing any error (or panic) on
// the task itself. Errors never escape the worker boundary; they are
// logged and made observable through the Task.
func (worker *taskWorker) execute(ctx context.Context, task *Task) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("task %s panicked: %v", task.label, r)
			}
		}()

		err = task.fn(ctx)
	}()

	if err != nil {
		workerLogger.Warnf("Worker %s: task %s failed: %v\n", worker.label, task.label, err)
	} else {
		workerLogger.Verbosef("Worker %s: task %s complete\n", worker.label, task.label)
	}

	worker.pool.completeTask(task, err)
}

func (worker *taskWorker) Status() WorkerStatus {
	worker.pool.Lock()
	defer worker.pool.Unlock()
	return worker.currentStatus
}

func (worker *taskWorker) setStatus(status WorkerStatus) {
	worker.pool.Lock()
	defer worker.pool.Unlock()
	worker.currentStatus = status
}

// wakeup performs a non-blocking send on the wakeup channel. The channel
// is buffered so that a wakeup sent while the worker is still draining
// the queue is not lost.
func (worker *taskWorker) wakeup() {
	select {
	case worker.wakeupChan <- 1:
	default:
	}
}

func (worker *taskWorker) close() {
	close(worker.wakeupChan)
}

// sleep puts a worker to sleep until it's wakeupChan is
// signalled from another goroutine. Returns false if the
// wakeup channel was closed, indicating the worker should quit.
func (worker *taskWorker) sleep() (isAlive bool) {
	worker.setStatus(Sleeping)

	if _, isAlive = <-worker.wakeupChan; !isAlive {
		workerLogger.Emit(logger.STOP, "Wakeup channel for worker '%v' has been closed - worker is exiting\n", worker.label)
	}

	return isAlive
}
