// Package workqueue provides a bounded hal.WorkQueue served by a single
// worker goroutine.
//
// Tasks run one at a time in submission order. A task added from within
// another task runs after every task queued before it.
package workqueue

import (
	"fmt"
	"sync"

	"github.com/ardnew/softmsc/hal"
	"github.com/ardnew/softmsc/pkg"
)

// DefaultCapacity is the queue depth used when none is configured.
const DefaultCapacity = 16

// Queue implements hal.WorkQueue.
type Queue struct {
	tasks chan func()
	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

// Compile-time interface check.
var _ hal.WorkQueue = (*Queue)(nil)

// New creates a queue holding at most capacity pending tasks and starts
// its worker.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	q := &Queue{
		tasks: make(chan func(), capacity),
		done:  make(chan struct{}),
	}
	q.wg.Add(1)
	go q.worker()
	return q
}

// Add enqueues task. It returns pkg.ErrMemory when the queue is full and
// pkg.ErrNotConfigured after Close.
func (q *Queue) Add(task func()) error {
	if task == nil {
		return pkg.ErrInvalid
	}
	select {
	case <-q.done:
		return pkg.ErrNotConfigured
	default:
	}
	select {
	case q.tasks <- task:
		return nil
	default:
		pkg.LogWarn(pkg.ComponentHAL, "work queue full", "capacity", cap(q.tasks))
		return pkg.ErrMemory
	}
}

// Len returns the number of pending tasks.
func (q *Queue) Len() int {
	return len(q.tasks)
}

// Close stops the worker after the running task returns.
// Pending tasks are discarded.
func (q *Queue) Close() error {
	q.once.Do(func() { close(q.done) })
	q.wg.Wait()
	return nil
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		select {
		case <-q.done:
			return
		case task := <-q.tasks:
			q.run(task)
		}
	}
}

func (q *Queue) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			pkg.LogError(pkg.ComponentHAL, "work item panicked", "panic", fmt.Sprint(r))
		}
	}()
	task()
}
