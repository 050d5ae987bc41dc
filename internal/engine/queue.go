package engine

import "sync"

// queue is an unbounded FIFO. push never blocks, so it is safe to call from
// peer callbacks that may fire while the loop is inside a peer method.
type queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	ready  chan struct{}
}

func newQueue[T any]() *queue[T] {
	return &queue[T]{ready: make(chan struct{}, 1)}
}

func (q *queue[T]) push(v T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, v)
	q.mu.Unlock()
	q.signal()
	return true
}

// close stops accepting items. Items already queued are still delivered.
func (q *queue[T]) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *queue[T]) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// consume calls fn for every item in order until the queue is closed and
// drained.
func (q *queue[T]) consume(fn func(T)) {
	for range q.ready {
		q.mu.Lock()
		items := q.items
		q.items = nil
		closed := q.closed
		q.mu.Unlock()

		for _, it := range items {
			fn(it)
		}
		if closed {
			return
		}
	}
}
