package trcagent

import "time"

// AllEvents is the event name of a handler that receives every event without
// a more specific handler.
const AllEvents = "*"

// Probe is trace logic attached to an instrumentation point. It's called via
// [Runtime.Fire] on the application goroutine that hit the point.
type Probe func(rt *Runtime, call *Call) error

// Call describes the instrumented call that fired a probe.
type Call struct {
	Class    string
	Method   string
	This     any
	Args     []any
	Return   any
	Err      error
	Duration time.Duration
}

// Program is the set of handlers declared by a loaded trace program.
// Probes aren't part of the program; they're attached to instrumentation
// points by the loader, and fired against the runtime directly.
type Program struct {
	// Name is the client name of the program.
	Name string

	Timers    []TimerHandler
	Events    []EventHandler
	LowMemory []LowMemoryHandler

	// OnExit, if set, is called once, before the exit command is sent.
	OnExit func(rt *Runtime, code int) error

	// OnError, if set, is called for errors returned by probes and callbacks,
	// in place of reporting them to the client. If it returns an error created
	// via [Runtime.Exit], the session exits.
	OnError func(rt *Runtime, err error) error
}

// TimerHandler is a callback invoked periodically.
type TimerHandler struct {
	Name string

	// Period is the default interval between invocations.
	Period time.Duration

	// PeriodArg, if set, is a template evaluated against the program
	// arguments, which overrides Period if it produces a valid period.
	// Integers are interpreted as milliseconds, e.g. "${interval}" with
	// argument "interval=500".
	PeriodArg string

	Func func(rt *Runtime) error
}

// EventHandler is a callback invoked when the client sends a named event.
type EventHandler struct {
	// Event is the name of the event, which may be a template evaluated
	// against the program arguments. [AllEvents], or the empty string, names
	// the catch-all handler.
	Event string

	Func func(rt *Runtime) error
}

// LowMemoryHandler is a callback invoked when the used bytes of a memory pool
// cross a threshold.
type LowMemoryHandler struct {
	// Pool is the name of the memory pool, which may be a template evaluated
	// against the program arguments.
	Pool string

	Threshold uint64

	Func func(rt *Runtime, usage MemoryUsage) error
}
