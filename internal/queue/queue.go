// Package queue runs crawl tasks with bounded concurrency.
package queue

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Add after Close.
var ErrClosed = errors.New("queue closed")

// Task is a unit of queued work. It must call release exactly once when its
// work, including anything it started asynchronously, is done. The slot stays
// occupied until then, even after the task function returns.
type Task func(release func())

type entry struct {
	task    Task
	dropped func(error)
}

// Queue coordinates tasks with a concurrency limit and idle notification.
type Queue struct {
	mu      sync.Mutex
	limit   int
	running int
	pending []entry
	paused  bool
	closed  bool
	waiters []func()
}

// New creates a queue that runs at most limit tasks at once.
func New(limit int) *Queue {
	if limit < 1 {
		limit = 1
	}
	return &Queue{limit: limit}
}

// SetLimit changes the concurrency limit. Raising it starts waiting tasks.
func (q *Queue) SetLimit(limit int) {
	if limit < 1 {
		limit = 1
	}
	q.mu.Lock()
	q.limit = limit
	q.dispatchLocked()
	q.mu.Unlock()
}

// Limit returns the concurrency limit.
func (q *Queue) Limit() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.limit
}

// Add schedules a task. It starts immediately if a slot is free and the
// queue is not paused; otherwise it waits in FIFO order.
func (q *Queue) Add(task Task) error {
	return q.AddWithDrop(task, nil)
}

// AddWithDrop is Add with a hook that receives ErrClosed if Close discards
// the task before it starts. The hook runs at most once and never together
// with the task.
func (q *Queue) AddWithDrop(task Task, dropped func(error)) error {
	if task == nil {
		return errors.New("queue: nil task")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.pending = append(q.pending, entry{task: task, dropped: dropped})
	q.dispatchLocked()
	return nil
}

// Pause stops starting new tasks. Running tasks are unaffected.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

// Resume starts pending tasks again.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.dispatchLocked()
	q.mu.Unlock()
}

// Running returns the number of tasks holding a slot.
func (q *Queue) Running() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Pending returns the number of tasks waiting for a slot.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// IsIdle reports whether nothing is running or pending.
func (q *Queue) IsIdle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.idleLocked()
}

// NotifyOnceEmpty calls fn once the queue is idle: immediately when it
// already is, otherwise on the next transition to idle.
func (q *Queue) NotifyOnceEmpty(fn func()) {
	q.mu.Lock()
	if q.idleLocked() {
		q.mu.Unlock()
		fn()
		return
	}
	q.waiters = append(q.waiters, fn)
	q.mu.Unlock()
}

// Wait blocks until the queue is idle or ctx is done.
func (q *Queue) Wait(ctx context.Context) error {
	done := make(chan struct{})
	q.NotifyOnceEmpty(func() { close(done) })
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close rejects further tasks and drops the ones still pending, passing
// ErrClosed to their drop hooks. Running tasks keep their slots until they
// release.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	dropped := q.pending
	q.pending = nil
	waiters := q.takeWaitersLocked()
	q.mu.Unlock()
	for _, e := range dropped {
		if e.dropped != nil {
			e.dropped(ErrClosed)
		}
	}
	for _, fn := range waiters {
		fn()
	}
}

func (q *Queue) idleLocked() bool {
	return q.running == 0 && len(q.pending) == 0
}

func (q *Queue) dispatchLocked() {
	for !q.paused && q.running < q.limit && len(q.pending) > 0 {
		e := q.pending[0]
		q.pending[0] = entry{}
		q.pending = q.pending[1:]
		q.running++
		go e.task(q.releaser())
	}
}

func (q *Queue) releaser() func() {
	var once sync.Once
	return func() {
		once.Do(q.finish)
	}
}

func (q *Queue) finish() {
	q.mu.Lock()
	q.running--
	q.dispatchLocked()
	waiters := q.takeWaitersLocked()
	q.mu.Unlock()
	for _, fn := range waiters {
		fn()
	}
}

func (q *Queue) takeWaitersLocked() []func() {
	if !q.idleLocked() || len(q.waiters) == 0 {
		return nil
	}
	waiters := q.waiters
	q.waiters = nil
	return waiters
}
