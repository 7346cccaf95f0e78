package trcagent

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Supervisor is the registry of runtimes, keyed by client name. It also owns
// the guard which tracks which goroutines are inside which runtime.
//
// Most host processes need exactly one supervisor, and should use the default
// supervisor in package ezagent.
type Supervisor struct {
	cfg   Config
	guard *Guard
	dummy *Runtime

	mtx      sync.Mutex
	runtimes map[string]*Runtime
	clients  map[string]struct{}
}

// NewSupervisor returns a new supervisor with the given configuration.
func NewSupervisor(cfg Config) *Supervisor {
	cfg.sanitize()
	sup := &Supervisor{
		cfg:      cfg,
		runtimes: map[string]*Runtime{},
		clients:  map[string]struct{}{},
	}
	sup.dummy = newDummyRuntime(sup)
	sup.guard = newGuard(sup.dummy)
	return sup
}

// NewDefaultSupervisor returns a new supervisor with the default
// configuration.
func NewDefaultSupervisor() *Supervisor {
	return NewSupervisor(Config{})
}

// Guard returns the supervisor's guard.
func (sup *Supervisor) Guard() *Guard {
	return sup.guard
}

// Current returns the runtime the calling goroutine is inside, or a dummy
// runtime if it's not inside any runtime.
func (sup *Supervisor) Current() *Runtime {
	return sup.guard.Current()
}

// Create returns a new runtime for the named client, which delivers commands
// to listener. The runtime starts delivering immediately, but has no handlers
// until it's initialized with a program. It's an error to create a runtime
// for a client which already has an active runtime.
func (sup *Supervisor) Create(name string, args []string, listener CommandListener) (*Runtime, error) {
	if name == "" {
		return nil, fmt.Errorf("create runtime: client name is required")
	}

	sup.mtx.Lock()
	defer sup.mtx.Unlock()

	if _, ok := sup.runtimes[name]; ok {
		return nil, fmt.Errorf("create runtime %s: %w", name, ErrAlreadyRegistered)
	}

	rt := newRuntime(sup, name, args, listener)
	sup.runtimes[name] = rt
	sup.clients[name] = struct{}{}
	sup.cfg.Info.Printf("%s: created (%s)", name, rt.ID())

	return rt, nil
}

// Lookup returns the active runtime for the named client.
func (sup *Supervisor) Lookup(name string) (*Runtime, bool) {
	sup.mtx.Lock()
	defer sup.mtx.Unlock()

	rt, ok := sup.runtimes[name]
	return rt, ok
}

// Activate initializes the active runtime for the program's client with the
// program's handlers.
func (sup *Supervisor) Activate(prog *Program) (*Runtime, error) {
	if prog == nil {
		return nil, fmt.Errorf("activate: nil program")
	}

	rt, ok := sup.Lookup(prog.Name)
	if !ok {
		return nil, fmt.Errorf("activate %s: no active runtime", prog.Name)
	}

	if err := rt.Init(prog); err != nil {
		return nil, err
	}

	return rt, nil
}

// Load creates, initializes, and starts a runtime for the program, in one
// step. The program's name is used as the client name.
func (sup *Supervisor) Load(prog *Program, args []string, listener CommandListener) (*Runtime, error) {
	if prog == nil {
		return nil, fmt.Errorf("load: nil program")
	}

	rt, err := sup.Create(prog.Name, args, listener)
	if err != nil {
		return nil, err
	}

	// Program initialization runs inside the runtime, so that any probes hit
	// while installing handlers are ignored. Start leaves.
	entered := rt.Enter()

	if err := rt.Init(prog); err != nil {
		if entered {
			rt.Leave()
		}
		rt.Interrupt()
		return nil, err
	}

	if err := rt.Start(); err != nil {
		rt.Interrupt()
		return nil, err
	}

	return rt, nil
}

// Runtimes returns the active runtimes, ordered by client name.
func (sup *Supervisor) Runtimes() []*Runtime {
	sup.mtx.Lock()
	defer sup.mtx.Unlock()

	res := make([]*Runtime, 0, len(sup.runtimes))
	for _, rt := range sup.runtimes {
		res = append(res, rt)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].name < res[j].name })
	return res
}

// Clients returns the name of every client that has ever had a runtime,
// including clients whose runtimes have since exited, in sorted order.
func (sup *Supervisor) Clients() []string {
	sup.mtx.Lock()
	defer sup.mtx.Unlock()

	res := make([]string, 0, len(sup.clients))
	for name := range sup.clients {
		res = append(res, name)
	}
	sort.Strings(res)
	return res
}

// Close interrupts every active runtime, and waits for them to tear down, or
// for ctx to be canceled.
func (sup *Supervisor) Close(ctx context.Context) error {
	rts := sup.Runtimes()
	for _, rt := range rts {
		rt.Interrupt()
	}
	for _, rt := range rts {
		select {
		case <-rt.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// remove unregisters rt, if it's still the active runtime for its client.
func (sup *Supervisor) remove(rt *Runtime) {
	sup.mtx.Lock()
	defer sup.mtx.Unlock()

	if cur, ok := sup.runtimes[rt.name]; ok && cur == rt {
		delete(sup.runtimes, rt.name)
	}
}
