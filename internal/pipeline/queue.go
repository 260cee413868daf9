package pipeline

import (
	"context"
	"errors"
	"sync"
)

var ErrQueueClosed = errors.New("queue closed")

// Queue is a bounded multi-producer/single-consumer channel queue.
// When full, TryEnqueue drops the newest item (returns false) instead
// of blocking or evicting queued work; callers audit the drop.
type Queue[T any] struct {
	name string
	ch   chan T

	mu     sync.RWMutex
	closed bool
}

func NewQueue[T any](name string, capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue[T]{name: name, ch: make(chan T, capacity)}
}

func (q *Queue[T]) Name() string { return q.name }

// TryEnqueue offers item without blocking. False means the queue was
// full or closed and the item was dropped.
func (q *Queue[T]) TryEnqueue(item T) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}
	select {
	case q.ch <- item:
		return true
	default:
		return false
	}
}

// Dequeue blocks until an item is available, the queue is drained and
// closed, or ctx is done. The second return is false when no item was
// produced.
func (q *Queue[T]) Dequeue(ctx context.Context) (T, bool) {
	var zero T
	select {
	case item, ok := <-q.ch:
		if !ok {
			return zero, false
		}
		return item, true
	case <-ctx.Done():
		return zero, false
	}
}

func (q *Queue[T]) Depth() int    { return len(q.ch) }
func (q *Queue[T]) Capacity() int { return cap(q.ch) }

// Close stops accepting new items. Buffered items remain dequeueable.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}
