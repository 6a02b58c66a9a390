package engine

import (
	"sync"

	"github.com/quiltdb/quilt/internal/hlc"
)

// TaskKind distinguishes maintenance jobs.
type TaskKind int

const (
	// TaskRescan recomputes the conflict report, typically after a sync
	// session integrated remote operations.
	TaskRescan TaskKind = iota + 1
	// TaskPurge garbage-collects losing-branch payloads resolved at or
	// before Cutoff.
	TaskPurge
)

// Task is one unit of background maintenance.
type Task struct {
	Kind   TaskKind
	Cutoff hlc.HLC // TaskPurge only
}

// taskQueue is a thread-safe FIFO for maintenance tasks.
//
// Unbounded so that bursts of sync sessions can enqueue rescans without
// blocking; the signal channel enables context-aware waiting in the Run
// loop.
type taskQueue struct {
	mu     sync.Mutex
	tasks  []Task
	closed bool
	signal chan struct{}
}

func newTaskQueue() *taskQueue {
	return &taskQueue{
		tasks:  make([]Task, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds a task. Safe from any goroutine. Returns false once the
// queue is closed.
func (q *taskQueue) Enqueue(t Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.tasks = append(q.tasks, t)

	// Non-blocking: the buffer of one coalesces repeated signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue pops the front task without blocking.
func (q *taskQueue) TryDequeue() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) == 0 {
		return Task{}, false
	}
	t := q.tasks[0]
	q.tasks[0] = Task{}
	if len(q.tasks) == 1 {
		q.tasks = q.tasks[:0]
	} else {
		q.tasks = q.tasks[1:]
	}
	return t, true
}

// Wait returns the availability signal channel, for use in a select with
// context cancellation. The channel closes when the queue closes.
func (q *taskQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of pending tasks.
func (q *taskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Close stops the queue and wakes all waiters.
func (q *taskQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
