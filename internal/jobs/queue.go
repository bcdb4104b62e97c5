package jobs

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed is returned by Enqueue and Dequeue after Close.
var ErrQueueClosed = errors.New("job queue is closed")

type queued struct {
	job *Job
	seq uint64
}

// Queue is a bounded FIFO with advisory priorities. Enqueue blocks while
// full; Dequeue blocks while empty. Within one priority level ordering is
// strictly FIFO; a higher-priority item overtakes lower ones.
type Queue struct {
	mu       sync.Mutex
	items    []queued
	capacity int
	seq      uint64
	closed   bool

	notEmpty chan struct{}
	notFull  chan struct{}
	done     chan struct{}
}

// NewQueue creates a queue holding at most capacity jobs.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		capacity: capacity,
		notEmpty: make(chan struct{}, 1),
		notFull:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Enqueue adds a job, blocking until there is room, ctx is done, or the
// queue is closed.
func (q *Queue) Enqueue(ctx context.Context, job *Job) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrQueueClosed
		}
		if len(q.items) < q.capacity {
			q.seq++
			q.items = append(q.items, queued{job: job, seq: q.seq})
			q.mu.Unlock()
			signal(q.notEmpty)
			return nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.done:
			return ErrQueueClosed
		case <-q.notFull:
		}
	}
}

// Dequeue removes and returns the next job, blocking until one is available,
// ctx is done, or the queue is closed and drained.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			idx := q.next()
			job := q.items[idx].job
			q.items = append(q.items[:idx], q.items[idx+1:]...)
			q.mu.Unlock()
			signal(q.notFull)
			return job, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.done:
		case <-q.notEmpty:
		}
	}
}

// next picks the highest-priority item, oldest first. Caller holds q.mu.
func (q *Queue) next() int {
	best := 0
	for i := 1; i < len(q.items); i++ {
		cand, cur := q.items[i], q.items[best]
		if cand.job.Priority > cur.job.Priority ||
			(cand.job.Priority == cur.job.Priority && cand.seq < cur.seq) {
			best = i
		}
	}
	return best
}

// Len returns the number of queued jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close wakes all blocked producers and consumers. Items already accepted
// can still be drained by Dequeue.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.done)
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
