package trcagent

import (
	"github.com/peterbourgon/trcagent/internal/trcgls"
)

// Guard tracks which goroutines are currently executing trace logic, and on
// behalf of which runtime. A goroutine that is inside a runtime can't enter
// again, so probes triggered by the runtime's own work are ignored.
//
// Every Enter that returns true must be paired with a Leave on the same
// goroutine.
type Guard struct {
	cell  trcgls.Local[*Runtime]
	dummy *Runtime
}

func newGuard(dummy *Runtime) *Guard {
	return &Guard{dummy: dummy}
}

// Enter marks the calling goroutine as inside rt, and returns true. It
// returns false, and changes nothing, if rt is disabled, or if the goroutine
// is already inside a runtime. Entering a nil runtime marks the goroutine as
// outside, and always succeeds.
func (g *Guard) Enter(rt *Runtime) bool {
	if rt == nil {
		g.cell.Delete()
		return true
	}

	if rt.Disabled() {
		return false
	}

	if cur, ok := g.cell.Get(); ok && cur != nil {
		return false
	}

	g.cell.Set(rt)
	return true
}

// Leave marks the calling goroutine as outside any runtime.
func (g *Guard) Leave() {
	g.cell.Delete()
}

// Inside returns true if the calling goroutine is inside a runtime.
func (g *Guard) Inside() bool {
	cur, ok := g.cell.Get()
	return ok && cur != nil
}

// Current returns the runtime the calling goroutine is inside. If the
// goroutine is outside, Current returns a dummy runtime whose operations are
// all no-ops, so callers never need to check for nil.
func (g *Guard) Current() *Runtime {
	if cur, ok := g.cell.Get(); ok && cur != nil {
		return cur
	}
	return g.dummy
}

// Escape runs fn with the calling goroutine marked as outside any runtime, so
// that fn can enter a runtime of its own. The previous state is restored when
// fn returns, including when it panics. Panics are returned as a
// [PanicError].
func (g *Guard) Escape(fn func() error) error {
	prev, ok := g.cell.Get()
	g.cell.Delete()
	defer func() {
		if ok {
			g.cell.Set(prev)
		} else {
			g.cell.Delete()
		}
	}()

	return invoke(fn)
}
