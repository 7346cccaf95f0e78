// Package trcpubsub provides a generic, non-blocking publish/subscribe broker.
package trcpubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by subscriptions which end because the broker closed.
var ErrClosed = errors.New("broker closed")

// Broker fans published values out to subscribers. Publishing never blocks: a
// subscriber whose channel is full misses the value, which is counted as a
// drop in its stats.
type Broker[T any] struct {
	mtx         sync.Mutex
	subscribers map[chan<- T]*subscriber[T]
	active      atomic.Bool
	done        chan struct{}
	closeOnce   sync.Once
}

type subscriber[T any] struct {
	allow func(T) bool
	ch    chan<- T
	stats Stats
}

// NewBroker returns an empty broker.
func NewBroker[T any]() *Broker[T] {
	return &Broker[T]{
		subscribers: map[chan<- T]*subscriber[T]{},
		done:        make(chan struct{}),
	}
}

// IsActive returns true if there's at least one subscriber.
func (b *Broker[T]) IsActive() bool {
	return b.active.Load()
}

// Publish sends val to every subscriber which allows it, and returns the
// number of subscribers that received it.
func (b *Broker[T]) Publish(val T) int {
	if !b.active.Load() { // optimization
		return 0
	}

	b.mtx.Lock()
	defer b.mtx.Unlock()

	var sent int
	for _, sub := range b.subscribers {
		if sub.allow != nil && !sub.allow(val) {
			sub.stats.Skips++
			continue
		}
		select {
		case sub.ch <- val:
			sub.stats.Sends++
			sent++
		default:
			sub.stats.Drops++
		}
	}
	return sent
}

// Subscribe sends every published value which passes allow to ch, until ctx
// is canceled or the broker is closed. It blocks for the life of the
// subscription, and returns the final stats of the subscription. A nil allow
// function allows everything.
func (b *Broker[T]) Subscribe(ctx context.Context, allow func(T) bool, ch chan<- T) (Stats, error) {
	if err := func() error {
		b.mtx.Lock()
		defer b.mtx.Unlock()

		select {
		case <-b.done:
			return ErrClosed
		default:
		}

		if _, ok := b.subscribers[ch]; ok {
			return fmt.Errorf("already subscribed")
		}

		b.subscribers[ch] = &subscriber[T]{
			allow: allow,
			ch:    ch,
		}

		b.active.Store(len(b.subscribers) > 0)

		return nil
	}(); err != nil {
		return Stats{}, err
	}

	var err error
	select {
	case <-ctx.Done():
		err = ctx.Err()
	case <-b.done:
		err = ErrClosed
	}

	sub := func() *subscriber[T] {
		b.mtx.Lock()
		defer b.mtx.Unlock()

		sub := b.subscribers[ch]
		delete(b.subscribers, ch)

		b.active.Store(len(b.subscribers) > 0)

		return sub
	}()
	if sub == nil {
		return Stats{}, fmt.Errorf("not subscribed (programmer error)")
	}

	return sub.stats, err
}

// Stats returns the current stats of the subscription represented by ch.
func (b *Broker[T]) Stats(ch chan<- T) (Stats, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	sub, ok := b.subscribers[ch]
	if !ok {
		return Stats{}, fmt.Errorf("not subscribed")
	}

	return sub.stats, nil
}

// Len returns the number of active subscriptions.
func (b *Broker[T]) Len() int {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return len(b.subscribers)
}

// Close ends every subscription, and rejects new ones.
func (b *Broker[T]) Close() {
	b.closeOnce.Do(func() { close(b.done) })
}

// Stats describes the activity of a single subscription.
type Stats struct {
	Skips uint64 `json:"skips"`
	Sends uint64 `json:"sends"`
	Drops uint64 `json:"drops"`
}

// String implements fmt.Stringer.
func (s Stats) String() string {
	return fmt.Sprintf("skips=%d sends=%d drops=%d", s.Skips, s.Sends, s.Drops)
}
