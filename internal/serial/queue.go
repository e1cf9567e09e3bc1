// ABOUTME: Keyed FIFO executor: tasks sharing a key run one at a time in submission order
// ABOUTME: Different keys run concurrently; a worker goroutine exists only while its key has work

package serial

import (
	"context"
	"sync"
)

// Queue runs submitted tasks serially per key.
type Queue struct {
	mu      sync.Mutex
	pending map[string][]func()
	total   int
	drained chan struct{}
	closed  bool
}

// New creates an empty Queue.
func New() *Queue {
	return &Queue{pending: make(map[string][]func())}
}

// Submit enqueues task behind every earlier task with the same key. It
// never blocks. Returns false if the queue has been closed.
func (q *Queue) Submit(key string, task func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.total++
	tasks, running := q.pending[key]
	q.pending[key] = append(tasks, task)
	if !running {
		go q.run(key)
	}
	return true
}

func (q *Queue) run(key string) {
	for {
		q.mu.Lock()
		tasks := q.pending[key]
		if len(tasks) == 0 {
			delete(q.pending, key)
			q.mu.Unlock()
			return
		}
		task := tasks[0]
		tasks[0] = nil
		q.pending[key] = tasks[1:]
		q.mu.Unlock()

		task()

		q.mu.Lock()
		q.total--
		if q.total == 0 && q.drained != nil {
			close(q.drained)
			q.drained = nil
		}
		q.mu.Unlock()
	}
}

// Flush blocks until every submitted task has finished or ctx ends.
func (q *Queue) Flush(ctx context.Context) error {
	q.mu.Lock()
	if q.total == 0 {
		q.mu.Unlock()
		return nil
	}
	if q.drained == nil {
		q.drained = make(chan struct{})
	}
	ch := q.drained
	q.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close rejects further submissions and waits for queued work, bounded by ctx.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	return q.Flush(ctx)
}
