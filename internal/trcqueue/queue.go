// Package trcqueue provides a bounded FIFO queue with blocking, cancelable
// producers and a single blocking consumer.
package trcqueue

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded FIFO of items, backed by a ring buffer which grows on
// demand up to its capacity.
//
// Producers calling Put or PutAll take turns, so that a PutAll lands as one
// contiguous block even when it has to wait for the consumer to make room.
// Offer doesn't take a turn, and should not be mixed with Put on the same
// queue if contiguity matters.
type Queue[T any] struct {
	mtx     sync.Mutex
	buf     []T // grows by doubling up to max
	max     int
	cur     int // index of the oldest value, the next read
	len     int // count of actual values
	closed  bool
	changed chan struct{} // closed and replaced on every state change
	turn    chan struct{} // producer turn, held by at most one Put or PutAll
}

const initialSize = 8

// New returns an empty queue which holds at most max items. A max less than 1
// is treated as 1.
func New[T any](max int) *Queue[T] {
	if max < 1 {
		max = 1
	}
	return &Queue[T]{
		max:     max,
		changed: make(chan struct{}),
		turn:    make(chan struct{}, 1),
	}
}

// Cap returns the maximum number of items the queue can hold.
func (q *Queue[T]) Cap() int {
	return q.max // immutable
}

// Len returns the number of items currently in the queue.
func (q *Queue[T]) Len() int {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return q.len
}

// Offer adds val to the queue if there is room, and reports whether it did.
// It never blocks.
func (q *Queue[T]) Offer(val T) bool {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	if q.closed || q.len >= q.max {
		return false
	}

	q.push(val)
	q.broadcast()
	return true
}

// Put adds val to the queue, blocking while the queue is full. It returns the
// context error if the context is canceled first, or ErrClosed if the queue
// is closed first.
func (q *Queue[T]) Put(ctx context.Context, val T) error {
	if err := q.acquire(ctx); err != nil {
		return err
	}
	defer q.release()

	return q.put(ctx, val)
}

// PutAll adds every value to the queue, in order, as a contiguous block with
// respect to other Put and PutAll calls. It blocks while the queue is full. If
// the context is canceled or the queue is closed part way through, the values
// already added remain in the queue.
func (q *Queue[T]) PutAll(ctx context.Context, vals []T) error {
	if len(vals) <= 0 {
		return nil
	}

	if err := q.acquire(ctx); err != nil {
		return err
	}
	defer q.release()

	for _, val := range vals {
		if err := q.put(ctx, val); err != nil {
			return err
		}
	}

	return nil
}

// Take removes and returns the oldest value in the queue, blocking while the
// queue is empty. It returns the context error if the context is canceled
// first, or ErrClosed if the queue is closed.
func (q *Queue[T]) Take(ctx context.Context) (T, error) {
	for {
		q.mtx.Lock()

		if q.closed {
			q.mtx.Unlock()
			var zero T
			return zero, ErrClosed
		}

		if q.len > 0 {
			val := q.pop()
			q.broadcast()
			q.mtx.Unlock()
			return val, nil
		}

		changed := q.changed
		q.mtx.Unlock()

		select {
		case <-changed:
			// state changed, re-check
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// Drain removes and returns every value in the queue, oldest first.
func (q *Queue[T]) Drain() []T {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	if q.len <= 0 {
		return nil
	}

	vals := make([]T, 0, q.len)
	for q.len > 0 {
		vals = append(vals, q.pop())
	}

	q.broadcast()
	return vals
}

// Clear drops every value in the queue.
func (q *Queue[T]) Clear() {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	q.buf = nil
	q.cur = 0
	q.len = 0
	q.broadcast()
}

// Close the queue. Blocked producers and the consumer return ErrClosed.
// Values still in the queue remain available to Drain.
func (q *Queue[T]) Close() {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	q.broadcast()
}

func (q *Queue[T]) acquire(ctx context.Context) error {
	select {
	case q.turn <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue[T]) release() {
	<-q.turn
}

// put must be called while holding the producer turn.
func (q *Queue[T]) put(ctx context.Context, val T) error {
	for {
		q.mtx.Lock()

		if q.closed {
			q.mtx.Unlock()
			return ErrClosed
		}

		if q.len < q.max {
			q.push(val)
			q.broadcast()
			q.mtx.Unlock()
			return nil
		}

		changed := q.changed
		q.mtx.Unlock()

		select {
		case <-changed:
			// state changed, re-check
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// push must be called with the mutex held, and only when len < max.
func (q *Queue[T]) push(val T) {
	// Grow the buffer if it's full, unwrapping values so the oldest is first.
	if q.len >= len(q.buf) {
		size := 2 * len(q.buf)
		if size < initialSize {
			size = initialSize
		}
		if size > q.max {
			size = q.max
		}
		buf := make([]T, size)
		for i := 0; i < q.len; i++ {
			buf[i] = q.buf[(q.cur+i)%len(q.buf)]
		}
		q.buf = buf
		q.cur = 0
	}

	// The write cursor is len values past the read cursor, wrapped around.
	idx := q.cur + q.len
	if idx >= len(q.buf) {
		idx -= len(q.buf)
	}

	q.buf[idx] = val
	q.len += 1
}

// pop must be called with the mutex held, and only when len > 0.
func (q *Queue[T]) pop() T {
	var zero T

	val := q.buf[q.cur]
	q.buf[q.cur] = zero // allow GC

	q.cur += 1
	if q.cur >= len(q.buf) {
		q.cur -= len(q.buf)
	}
	q.len -= 1

	return val
}

// broadcast must be called with the mutex held.
func (q *Queue[T]) broadcast() {
	close(q.changed)
	q.changed = make(chan struct{})
}
