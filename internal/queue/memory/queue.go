// Package memory provides the in-process crawl task queue.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/sold-listings-crawler/internal/crawler"
)

var (
	// ErrDrained is returned by Dequeue once no task is queued, delayed or in flight.
	ErrDrained = errors.New("queue drained")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("queue closed")
)

// Queue is an unbounded FIFO of crawl tasks. A task counts as pending from Enqueue until the
// worker that dequeued it calls Done, so an empty queue with work still in flight is not drained.
type Queue struct {
	mu      sync.Mutex
	items   []crawler.CrawlTask
	pending int
	closed  bool
	notify  chan struct{}
	timers  map[*time.Timer]struct{}
}

// NewQueue constructs an empty queue.
func NewQueue() *Queue {
	return &Queue{
		notify: make(chan struct{}),
		timers: make(map[*time.Timer]struct{}),
	}
}

// Enqueue appends a task.
func (q *Queue) Enqueue(task crawler.CrawlTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.pending++
	q.items = append(q.items, task)
	q.broadcastLocked()
	return nil
}

// EnqueueAfter appends task once delay has elapsed. The task is pending immediately.
func (q *Queue) EnqueueAfter(task crawler.CrawlTask, delay time.Duration) error {
	if delay <= 0 {
		return q.Enqueue(task)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.pending++
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		delete(q.timers, timer)
		if q.closed {
			return
		}
		q.items = append(q.items, task)
		q.broadcastLocked()
	})
	q.timers[timer] = struct{}{}
	return nil
}

// Dequeue pops the oldest ready task, blocking while tasks are delayed or in flight.
func (q *Queue) Dequeue(ctx context.Context) (crawler.CrawlTask, error) {
	for {
		q.mu.Lock()
		switch {
		case q.closed:
			q.mu.Unlock()
			return crawler.CrawlTask{}, ErrClosed
		case len(q.items) > 0:
			task := q.items[0]
			q.items[0] = crawler.CrawlTask{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return task, nil
		case q.pending == 0:
			q.mu.Unlock()
			return crawler.CrawlTask{}, ErrDrained
		}
		wait := q.notify
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return crawler.CrawlTask{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-wait:
		}
	}
}

// Done marks one dequeued task as finished.
func (q *Queue) Done() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending > 0 {
		q.pending--
	}
	if q.pending == 0 {
		q.broadcastLocked()
	}
}

// Len returns the number of ready tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Pending returns queued, delayed and in-flight tasks.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// Close stops the queue. Ready and delayed tasks are dropped; in-flight tasks may still call Done.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for t := range q.timers {
		t.Stop()
	}
	q.timers = nil
	q.items = nil
	q.broadcastLocked()
}

// Closed reports whether Close was called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *Queue) broadcastLocked() {
	close(q.notify)
	q.notify = make(chan struct{})
}
