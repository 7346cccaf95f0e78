package trcagent_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/peterbourgon/trcagent"
)

func TestGuardReentrancy(t *testing.T) {
	t.Parallel()

	sup := trcagent.NewDefaultSupervisor()
	g := sup.Guard()
	rt1 := newRuntime(t, sup, "one", nil)
	rt2 := newRuntime(t, sup, "two", nil)

	assertEqual(t, g.Inside(), false)
	assertEqual(t, g.Enter(rt1), true)
	assertEqual(t, g.Enter(rt1), false)
	assertEqual(t, g.Enter(rt2), false)
	assertEqual(t, g.Current() == rt1, true)

	g.Leave()
	assertEqual(t, g.Inside(), false)
	assertEqual(t, g.Enter(rt2), true)
	assertEqual(t, g.Current() == rt2, true)

	// Entering nil always succeeds, and leaves the goroutine outside.
	assertEqual(t, g.Enter(nil), true)
	assertEqual(t, g.Inside(), false)
}

func TestGuardDisabled(t *testing.T) {
	t.Parallel()

	sup := trcagent.NewDefaultSupervisor()
	g := sup.Guard()
	rec := newRecorder()
	rt := newRuntime(t, sup, "disabled", rec)

	if err := rt.HandleExit(context.Background(), 0); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		assertEqual(t, g.Enter(rt), false)
		assertEqual(t, rt.Enter(), false)
	}
	assertEqual(t, g.Inside(), false)
}

func TestGuardGoroutineIsolation(t *testing.T) {
	t.Parallel()

	sup := trcagent.NewDefaultSupervisor()
	g := sup.Guard()
	rt := newRuntime(t, sup, "isolation", nil)

	assertEqual(t, g.Enter(rt), true)
	defer g.Leave()

	var wg sync.WaitGroup
	results := make([]bool, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if results[i] = g.Enter(rt); results[i] {
				g.Leave()
			}
		}(i)
	}
	wg.Wait()

	for i, ok := range results {
		if !ok {
			t.Errorf("goroutine %d: Enter returned false", i)
		}
	}
}

func TestGuardEscape(t *testing.T) {
	t.Parallel()

	sup := trcagent.NewDefaultSupervisor()
	g := sup.Guard()
	rt1 := newRuntime(t, sup, "outer", nil)
	rt2 := newRuntime(t, sup, "inner", nil)

	assertEqual(t, g.Enter(rt1), true)
	defer g.Leave()

	err := g.Escape(func() error {
		assertEqual(t, g.Inside(), false)
		assertEqual(t, g.Enter(rt2), true)
		panic("boom")
	})

	var pe *trcagent.PanicError
	if !errors.As(err, &pe) {
		t.Fatalf("want PanicError, have %T %v", err, err)
	}
	assertEqual(t, pe.Value, any("boom"))
	assertEqual(t, g.Current() == rt1, true)
}

func TestGuardCurrentOutside(t *testing.T) {
	t.Parallel()

	sup := trcagent.NewDefaultSupervisor()
	rt := sup.Current()

	if rt == nil {
		t.Fatal("Current returned nil")
	}

	// The dummy runtime accepts everything and does nothing.
	rt.Print("ignored")
	rt.HandleError(errors.New("ignored"))
	assertEqual(t, rt.Speculation(), trcagent.NoSpeculation)
	assertEqual(t, rt.Speculate(123), nil)
	assertEqual(t, rt.Enter(), false)
	assertEqual(t, rt.State(), trcagent.StateDisabled)
}
