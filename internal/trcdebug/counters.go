package trcdebug

import "sync/atomic"

// CommandCounters track the flow of commands through a single runtime.
type CommandCounters struct {
	Enqueued   atomic.Uint64 // put onto the main queue
	Speculated atomic.Uint64 // appended to a speculative buffer
	Committed  atomic.Uint64 // moved from a speculative buffer to the main queue
	Discarded  atomic.Uint64 // dropped by a speculative discard
	Overflowed atomic.Uint64 // speculative buffer overflows
	Dropped    atomic.Uint64 // sends abandoned by interruption or after disable
	Delivered  atomic.Uint64 // handed to the listener without error
	Failed     atomic.Uint64 // handed to the listener, which returned an error
}

// Values returns the current values of the counters.
func (cc *CommandCounters) Values() (enqueued, speculated, committed, discarded, overflowed, dropped, delivered, failed uint64) {
	var (
		e  = cc.Enqueued.Load()
		s  = cc.Speculated.Load()
		c  = cc.Committed.Load()
		d  = cc.Discarded.Load()
		o  = cc.Overflowed.Load()
		dr = cc.Dropped.Load()
		dl = cc.Delivered.Load()
		f  = cc.Failed.Load()
	)
	return e, s, c, d, o, dr, dl, f
}

// CallbackCounters track callback invocations for a single runtime.
type CallbackCounters struct {
	Timer     atomic.Uint64
	Event     atomic.Uint64
	LowMemory atomic.Uint64
	Rejected  atomic.Uint64 // low memory callbacks dropped because the worker was busy
	Errors    atomic.Uint64 // probe or callback errors routed to error handling
}
