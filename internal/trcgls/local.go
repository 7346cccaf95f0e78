// Package trcgls provides goroutine-local storage cells, keyed by goroutine ID.
//
// Go deliberately has no thread-local storage. The tracing runtime needs it
// anyway, because probes fire on arbitrary application goroutines that carry
// no context value we control. A cell is a map from goroutine ID to value, and
// callers are expected to pair every Set with a Delete on the same goroutine,
// otherwise entries for exited goroutines leak.
package trcgls

import (
	"sync"

	"github.com/petermattis/goid"
)

// ID returns the ID of the calling goroutine.
func ID() int64 {
	return goid.Get()
}

// shardCount is the number of independently locked maps in a cell. Goroutine
// IDs are sequential, so consecutive goroutines land in different shards.
const shardCount = 64

// Local is a goroutine-local cell holding values of type T. Values are spread
// over shards by goroutine ID, so goroutines rarely contend on the same lock.
// The zero value is ready to use.
type Local[T any] struct {
	shards [shardCount]shard[T]
}

type shard[T any] struct {
	mtx  sync.RWMutex
	vals map[int64]T
}

func (l *Local[T]) shardFor(id int64) *shard[T] {
	return &l.shards[uint64(id)%shardCount]
}

// Get returns the value set by the calling goroutine, if any.
func (l *Local[T]) Get() (T, bool) {
	return l.GetFor(goid.Get())
}

// GetFor returns the value set by the goroutine with the given ID.
func (l *Local[T]) GetFor(id int64) (T, bool) {
	s := l.shardFor(id)

	s.mtx.RLock()
	defer s.mtx.RUnlock()

	v, ok := s.vals[id]
	return v, ok
}

// Set stores val for the calling goroutine.
func (l *Local[T]) Set(val T) {
	l.Swap(val)
}

// Swap stores val for the calling goroutine and returns the previous value.
func (l *Local[T]) Swap(val T) (prev T, ok bool) {
	id := goid.Get()
	s := l.shardFor(id)

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.vals == nil {
		s.vals = map[int64]T{}
	}
	prev, ok = s.vals[id]
	s.vals[id] = val
	return prev, ok
}

// Delete removes the value for the calling goroutine.
func (l *Local[T]) Delete() {
	id := goid.Get()
	s := l.shardFor(id)

	s.mtx.Lock()
	defer s.mtx.Unlock()

	delete(s.vals, id)
}

// Reset removes the values of every goroutine.
func (l *Local[T]) Reset() {
	for i := range l.shards {
		s := &l.shards[i]
		s.mtx.Lock()
		s.vals = nil
		s.mtx.Unlock()
	}
}

// Len returns the number of goroutines with a value set.
func (l *Local[T]) Len() int {
	var n int
	for i := range l.shards {
		s := &l.shards[i]
		s.mtx.RLock()
		n += len(s.vals)
		s.mtx.RUnlock()
	}
	return n
}
