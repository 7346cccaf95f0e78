package trcagent_test

import (
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/peterbourgon/trcagent"
)

func assertEqual[T any](t *testing.T, have, want T) {
	t.Helper()
	if !cmp.Equal(have, want) {
		t.Fatal(cmp.Diff(have, want))
	}
}

// recorder is a listener which remembers every command it receives.
type recorder struct {
	mtx    sync.Mutex
	cmds   []trcagent.Command
	after  int // OnCommand calls after the exit command
	exited chan struct{}
	once   sync.Once
	err    error // returned from every OnCommand
}

func newRecorder() *recorder {
	return &recorder{exited: make(chan struct{})}
}

func (r *recorder) OnCommand(cmd trcagent.Command) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	select {
	case <-r.exited:
		r.after++
	default:
	}

	r.cmds = append(r.cmds, cmd)
	if trcagent.IsExit(cmd) {
		r.once.Do(func() { close(r.exited) })
	}

	return r.err
}

func (r *recorder) commands() []trcagent.Command {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return append([]trcagent.Command(nil), r.cmds...)
}

// texts returns the text of every message command, in order.
func (r *recorder) texts() []string {
	var res []string
	for _, cmd := range r.commands() {
		if m, ok := cmd.(trcagent.Message); ok {
			res = append(res, m.Text)
		}
	}
	return res
}

func (r *recorder) kinds() []trcagent.Kind {
	var res []trcagent.Kind
	for _, cmd := range r.commands() {
		res = append(res, cmd.Kind())
	}
	return res
}

func (r *recorder) waitExit(t *testing.T) {
	t.Helper()
	select {
	case <-r.exited:
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for exit command")
	}
}

func waitDone(t *testing.T, rt *trcagent.Runtime) {
	t.Helper()
	select {
	case <-rt.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for runtime %s to tear down", rt.Name())
	}
}

// eventually polls check until it returns true, or fails the test.
func eventually(t *testing.T, check func() bool) {
	t.Helper()
	for deadline := time.Now().Add(5 * time.Second); time.Now().Before(deadline); time.Sleep(time.Millisecond) {
		if check() {
			return
		}
	}
	t.Fatalf("condition not met before timeout")
}

func newRuntime(t *testing.T, sup *trcagent.Supervisor, name string, l trcagent.CommandListener) *trcagent.Runtime {
	t.Helper()
	rt, err := sup.Create(name, nil, l)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(rt.Interrupt)
	return rt
}
