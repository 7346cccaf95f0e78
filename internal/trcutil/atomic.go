package trcutil

import "sync/atomic"

// Value is a typed atomic value. The zero value is empty.
type Value[T any] struct {
	p atomic.Pointer[T]
}

// Store sets the value to val.
func (v *Value[T]) Store(val T) { v.p.Store(&val) }

// Load returns the current value, and false if no value was ever stored.
func (v *Value[T]) Load() (T, bool) {
	if p := v.p.Load(); p != nil {
		return *p, true
	}
	var zero T
	return zero, false
}
