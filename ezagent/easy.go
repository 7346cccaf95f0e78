// Package ezagent provides a process-wide default supervisor, configured once
// from the environment, plus a stream broker which publishes the commands of
// every runtime it loads.
package ezagent

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"

	"github.com/peterbourgon/trcagent"
	"github.com/peterbourgon/trcagent/trcmem"
	"github.com/peterbourgon/trcagent/trcstream"
)

var (
	initOnce   sync.Once
	supervisor *trcagent.Supervisor
	broker     *trcstream.Broker
	memory     *trcmem.Source
)

func initialize() {
	initOnce.Do(func() {
		info := log.New(os.Stderr, "trcagent: ", log.LstdFlags)

		cfg, err := trcagent.ConfigFromEnv(os.Getenv)
		if err != nil {
			info.Printf("warning: %v", err)
		}

		memory = trcmem.NewSource(trcmem.DefaultInterval)
		go memory.Run(context.Background())

		cfg.Memory = memory
		cfg.Info = info

		supervisor = trcagent.NewSupervisor(cfg)
		broker = trcstream.NewBroker()
	})
}

// Supervisor returns the default supervisor.
func Supervisor() *trcagent.Supervisor {
	initialize()
	return supervisor
}

// Broker returns the broker which receives the commands of runtimes created
// by [Load].
func Broker() *trcstream.Broker {
	initialize()
	return broker
}

// Handler returns an HTTP handler which streams the commands of runtimes
// created by [Load], and accepts events and exit requests for them.
func Handler() http.Handler {
	initialize()
	return trcstream.NewServer(broker, supervisor, nil)
}

// Load creates, initializes and starts a runtime for prog in the default
// supervisor. Commands are published to the default broker, and also
// delivered to the given listeners, if any.
func Load(prog *trcagent.Program, args []string, listeners ...trcagent.CommandListener) (*trcagent.Runtime, error) {
	initialize()
	if prog == nil {
		return nil, fmt.Errorf("load: nil program")
	}
	var listener trcagent.CommandListener = broker.Listener(prog.Name)
	if len(listeners) > 0 {
		listener = append(trcagent.MultiListener{listener}, listeners...)
	}
	return supervisor.Load(prog, args, listener)
}

// Lookup returns the runtime for the named client, if it exists.
func Lookup(name string) (*trcagent.Runtime, bool) {
	return Supervisor().Lookup(name)
}

// Current returns the runtime the calling goroutine is inside of, or a no-op
// runtime.
func Current() *trcagent.Runtime {
	return Supervisor().Current()
}

// Fire calls probe inside the named client's runtime, if it exists.
func Fire(name string, probe trcagent.Probe, call *trcagent.Call) {
	if rt, ok := Lookup(name); ok {
		rt.Fire(probe, call)
	}
}
