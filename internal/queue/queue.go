// Package queue provides an unbounded, ordered hand-off from producers to a
// single consumer goroutine reading a channel.
package queue

import "sync"

// Queue buffers pushed values without limit and delivers them in push order
// on C. Push never blocks, so producers holding locks can enqueue safely
// even when the consumer is itself waiting on them.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool

	signal chan struct{}
	done   chan struct{}
	out    chan T
}

// New starts a queue. Close must be called to stop its goroutine.
func New[T any]() *Queue[T] {
	q := &Queue[T]{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan T),
	}
	go q.pump()
	return q
}

// Push enqueues v. Values pushed after Close are dropped.
func (q *Queue[T]) Push(v T) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, v)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// C returns the delivery channel. It is closed after Close.
func (q *Queue[T]) C() <-chan T { return q.out }

// Len returns the number of values not yet handed to the consumer.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops delivery. Values still buffered are discarded.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.items = nil
	q.mu.Unlock()
	close(q.done)
}

func (q *Queue[T]) pump() {
	defer close(q.out)
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			select {
			case <-q.signal:
				continue
			case <-q.done:
				return
			}
		}
		v := q.items[0]
		var zero T
		q.items[0] = zero
		q.items = q.items[1:]
		q.mu.Unlock()

		select {
		case q.out <- v:
		case <-q.done:
			return
		}
	}
}
