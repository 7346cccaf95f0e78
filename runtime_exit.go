package trcagent

import (
	"context"
	"errors"
)

// HandleError reports an error returned by trace logic. An [ExitError] runs
// the exit sequence. Otherwise, if the program declared an error handler, the
// handler is called with err; if not, err is sent to the client as an [Error]
// command, directly on the command queue regardless of speculation.
//
// Errors raised while the calling goroutine is already handling an error are
// ignored.
func (rt *Runtime) HandleError(err error) {
	if err == nil {
		return
	}

	if rt.dummy {
		rt.debug.Printf("error outside of any runtime: %v", err)
		return
	}

	if _, busy := rt.currentErr.Get(); busy {
		rt.debug.Printf("%s: ignoring error while handling another: %v", rt.name, err)
		return
	}
	rt.currentErr.Set(err)
	defer rt.currentErr.Delete()

	if rt.Enter() {
		defer rt.Leave()
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		rt.exit(exitErr.Code)
		return
	}

	rt.callbacks.Errors.Add(1)

	if h := rt.handlers.Load(); h != nil && h.onError != nil {
		herr := invoke(func() error { return h.onError(rt, err) })
		switch {
		case errors.As(herr, &exitErr):
			rt.exit(exitErr.Code)
		case herr != nil:
			rt.debug.Printf("%s: error handler: %v", rt.name, herr)
		}
		return
	}

	c := NewError(err)
	c.TS = rt.stamp()
	rt.enqueue(rt.ctx, c)
}

// HandleEvent invokes the handler for the named event, or the [AllEvents]
// handler if there's no specific handler. An empty name is the same as
// [AllEvents]. The handler runs on the calling goroutine, outside of any
// runtime the goroutine may already be inside.
func (rt *Runtime) HandleEvent(name string) {
	if rt.dummy {
		return
	}

	h := rt.handlers.Load()
	if h == nil {
		return
	}

	if name == "" {
		name = AllEvents
	}

	fn, ok := h.events[name]
	if !ok {
		fn, ok = h.events[AllEvents]
	}
	if !ok {
		rt.debug.Printf("%s: no handler for event %q", rt.name, name)
		return
	}

	err := rt.sup.guard.Escape(func() error {
		if !rt.Enter() {
			return nil
		}
		defer rt.Leave()

		rt.callbacks.Event.Add(1)
		if err := invoke(func() error { return fn(rt) }); err != nil {
			rt.HandleError(err)
		}
		return nil
	})
	if err != nil {
		rt.debug.Printf("%s: event %q: %v", rt.name, name, err)
	}
}

// HandleExit runs the exit sequence on behalf of the client, and waits until
// the exit command has been delivered and the runtime is torn down, or until
// ctx is canceled.
func (rt *Runtime) HandleExit(ctx context.Context, code int) error {
	if rt.dummy {
		return nil
	}

	rt.exit(code)

	select {
	case <-rt.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// exit runs the exit sequence at most once: the program's exit handler,
// cancellation of timers and memory notifications, and finally the exit
// command, which the delivery goroutine forwards before tearing down.
func (rt *Runtime) exit(code int) {
	rt.exitMtx.Lock()
	defer rt.exitMtx.Unlock()

	if rt.exited {
		return
	}
	rt.exited = true

	rt.debug.Printf("%s: exit %d", rt.name, code)

	if h := rt.handlers.Load(); h != nil && h.onExit != nil {
		if err := invoke(func() error { return h.onExit(rt, code) }); err != nil {
			var exitErr *ExitError
			if !errors.As(err, &exitErr) {
				rt.debug.Printf("%s: exit handler: %v", rt.name, err)
			}
		}
	}

	rt.sched.stop()
	rt.disabled.Store(true)

	c := NewExit(code)
	c.TS = rt.stamp()
	rt.enqueue(rt.ctx, c)
}
