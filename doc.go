// Package trcagent is the in-process runtime of a dynamic tracing agent.
//
// A trace program is a set of probes and callbacks, supplied by a loader, that
// runs inside a host process. Probes fire on arbitrary application goroutines,
// collect data, and send it as [Command] values to a controlling client. Each
// loaded program is a client, represented by a [Runtime], which owns a bounded
// command queue drained by a single delivery goroutine into a
// [CommandListener], usually a transport to the remote client.
//
// The runtime never lets tracing failures escape into the host application.
// Probe errors and panics are recovered and reported as commands, a probe can
// end its own session by returning the error produced by [Runtime.Exit], and
// the only point where tracing can slow the application down is a full command
// queue, which applies backpressure to the goroutine that fired the probe.
//
// A goroutine that is executing probe logic is "inside" the runtime. While
// inside, further probes on the same goroutine are ignored, which prevents the
// runtime's own work from recursively triggering probes. See [Guard].
//
// Probes can send data speculatively: a goroutine activates a speculative
// buffer, sends commands into it, and later commits the buffer into the main
// stream or discards it, typically once the outcome of the traced call is
// known. See [SpeculativeManager].
//
// Runtimes are created and looked up by client name through a [Supervisor].
// Most host processes should use the default supervisor in
// [github.com/peterbourgon/trcagent/ezagent].
package trcagent
