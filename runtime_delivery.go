package trcagent

// deliver is the runtime's delivery goroutine. It takes commands off the
// queue, in order, and hands them to the listener, until it delivers an exit
// command, the listener reports a transport error, or the runtime is
// interrupted. Then it tears the runtime down.
func (rt *Runtime) deliver(listener CommandListener) {
	defer rt.shutdown()

	// The delivery goroutine is inside the runtime for its whole life, so
	// that probes hit by listener code are ignored.
	rt.sup.guard.Enter(rt)

	for {
		cmd, err := rt.queue.Take(rt.ctx)
		if err != nil {
			rt.debug.Printf("%s: delivery interrupted: %v", rt.name, err)
			return
		}

		if err := listener.OnCommand(cmd); err != nil {
			rt.commands.Failed.Add(1)
			if IsTransportError(err) {
				rt.info.Printf("%s: transport failed, shutting down: %v", rt.name, err)
				return
			}
			rt.info.Printf("%s: deliver %s command: %v", rt.name, cmd.Kind(), err)
		} else {
			rt.commands.Delivered.Add(1)
		}

		if IsExit(cmd) {
			rt.debug.Printf("%s: delivered exit command", rt.name)
			return
		}
	}
}

// shutdown tears down the runtime. It must be called from the delivery
// goroutine.
func (rt *Runtime) shutdown() {
	rt.teardown.Do(func() {
		rt.disabled.Store(true)
		rt.setState(StateDisabled)
		rt.sched.stop()
		rt.sup.remove(rt)
		rt.queue.Close()
		rt.queue.Clear()
		rt.spec.Clear()
		rt.sup.guard.Leave()
		rt.cancel()
		rt.info.Printf("%s: disabled (%s)", rt.name, rt.ID())
		close(rt.done)
	})
}
