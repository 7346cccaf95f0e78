package trcagent_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/peterbourgon/trcagent"
)

type fakePool struct {
	name      string
	threshold atomic.Uint64
	supported bool
}

func (p *fakePool) Name() string                    { return p.name }
func (p *fakePool) Usage() trcagent.MemoryUsage     { return trcagent.MemoryUsage{Used: 1} }
func (p *fakePool) SetUsageThreshold(b uint64) bool { p.threshold.Store(b); return p.supported }

type fakeSource struct {
	pools []trcagent.MemoryPool

	mtx  sync.Mutex
	subs map[int]func(trcagent.MemoryNotification)
	next int
}

func (s *fakeSource) Pools() []trcagent.MemoryPool { return s.pools }

func (s *fakeSource) Subscribe(fn func(trcagent.MemoryNotification)) func() {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.subs == nil {
		s.subs = map[int]func(trcagent.MemoryNotification){}
	}
	id := s.next
	s.next++
	s.subs[id] = fn
	return func() {
		s.mtx.Lock()
		defer s.mtx.Unlock()
		delete(s.subs, id)
	}
}

func (s *fakeSource) notify(n trcagent.MemoryNotification) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for _, fn := range s.subs {
		fn(n)
	}
}

func (s *fakeSource) subscribers() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return len(s.subs)
}

func TestTimerSurvivesErrors(t *testing.T) {
	t.Parallel()

	sup := trcagent.NewDefaultSupervisor()
	rec := newRecorder()

	var ticks atomic.Int64
	prog := &trcagent.Program{
		Name: "timers",
		Timers: []trcagent.TimerHandler{{
			Name:   "tick",
			Period: time.Millisecond,
			Func: func(rt *trcagent.Runtime) error {
				n := ticks.Add(1)
				switch {
				case n == 1:
					return errors.New("first tick fails")
				case n == 2:
					panic("second tick panics")
				case n >= 5:
					return rt.Exit(5)
				}
				return nil
			},
		}},
	}

	rt, err := sup.Load(prog, nil, rec)
	if err != nil {
		t.Fatal(err)
	}

	rec.waitExit(t)
	waitDone(t, rt)

	assertEqual(t, rec.kinds(), []trcagent.Kind{trcagent.KindError, trcagent.KindError, trcagent.KindExit})
	assertEqual(t, rt.Stats().TimerCalls >= 5, true)

	// Timers are canceled by exit.
	n := ticks.Load()
	time.Sleep(10 * time.Millisecond)
	assertEqual(t, ticks.Load(), n)
}

func TestTimerPeriodArg(t *testing.T) {
	t.Parallel()

	sup := trcagent.NewDefaultSupervisor()

	fired := make(chan time.Time, 1)
	prog := &trcagent.Program{
		Name: "period",
		Timers: []trcagent.TimerHandler{
			{
				Name:      "from-arg",
				Period:    time.Hour,
				PeriodArg: "${interval}",
				Func: func(rt *trcagent.Runtime) error {
					select {
					case fired <- time.Now():
					default:
					}
					return nil
				},
			},
			{
				Name:   "skipped",
				Period: 0,
				Func:   func(rt *trcagent.Runtime) error { t.Errorf("skipped timer fired"); return nil },
			},
		},
	}

	rt, err := sup.Load(prog, []string{"interval=5"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer rt.Interrupt()

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("timer with period from argument didn't fire")
	}
}

func TestEventHandlers(t *testing.T) {
	t.Parallel()

	sup := trcagent.NewDefaultSupervisor()
	rec := newRecorder()

	prog := &trcagent.Program{
		Name: "events",
		Events: []trcagent.EventHandler{
			{Event: "${which}", Func: func(rt *trcagent.Runtime) error { rt.Print("specific"); return nil }},
			{Event: trcagent.AllEvents, Func: func(rt *trcagent.Runtime) error { rt.Print("catch-all"); return nil }},
			{Event: "fails", Func: func(rt *trcagent.Runtime) error { return errors.New("event failed") }},
		},
	}

	rt, err := sup.Load(prog, []string{"which=dump"}, rec)
	if err != nil {
		t.Fatal(err)
	}

	rt.HandleEvent("dump")
	rt.HandleEvent("other")
	rt.HandleEvent("")
	rt.HandleEvent("fails")

	// Events are handled outside of any runtime the caller is inside.
	g := sup.Guard()
	assertEqual(t, g.Enter(rt), true)
	rt.HandleEvent("dump")
	assertEqual(t, g.Current() == rt, true)
	g.Leave()

	if err := rt.HandleExit(context.Background(), 0); err != nil {
		t.Fatal(err)
	}

	assertEqual(t, rec.texts(), []string{"specific", "catch-all", "catch-all", "specific"})
	assertEqual(t, rec.kinds()[3], trcagent.KindError)
	assertEqual(t, rt.Stats().EventCalls, uint64(5))
}

func TestLowMemoryHandler(t *testing.T) {
	t.Parallel()

	var (
		heap  = &fakePool{name: "heap", supported: true}
		stack = &fakePool{name: "stack"}
		src   = &fakeSource{pools: []trcagent.MemoryPool{heap, stack}}
		sup   = trcagent.NewSupervisor(trcagent.Config{Memory: src})
		rec   = newRecorder()
		got   = make(chan trcagent.MemoryUsage, 1)
	)

	prog := &trcagent.Program{
		Name: "memory",
		LowMemory: []trcagent.LowMemoryHandler{{
			Pool:      "${pool}",
			Threshold: 1 << 20,
			Func: func(rt *trcagent.Runtime, usage trcagent.MemoryUsage) error {
				got <- usage
				return rt.Exit(1)
			},
		}},
	}

	rt, err := sup.Load(prog, []string{"pool=heap"}, rec)
	if err != nil {
		t.Fatal(err)
	}

	assertEqual(t, heap.threshold.Load(), uint64(1<<20))
	assertEqual(t, stack.threshold.Load(), uint64(0))
	assertEqual(t, src.subscribers(), 1)

	src.notify(trcagent.MemoryNotification{Pool: "stack", Usage: trcagent.MemoryUsage{Used: 1}})
	src.notify(trcagent.MemoryNotification{Pool: "heap", Usage: trcagent.MemoryUsage{Used: 2 << 20}})

	select {
	case usage := <-got:
		assertEqual(t, usage, trcagent.MemoryUsage{Used: 2 << 20})
	case <-time.After(5 * time.Second):
		t.Fatal("low memory handler not called")
	}

	rec.waitExit(t)
	waitDone(t, rt)

	assertEqual(t, src.subscribers(), 0)
	assertEqual(t, rec.kinds(), []trcagent.Kind{trcagent.KindExit})
}

func TestLoadErrors(t *testing.T) {
	t.Parallel()

	sup := trcagent.NewDefaultSupervisor()

	if _, err := sup.Load(nil, nil, nil); err == nil {
		t.Errorf("nil program: want error, have none")
	}

	rt := newRuntime(t, sup, "unstarted", nil)
	if err := rt.Start(); !errors.Is(err, trcagent.ErrNotActivated) {
		t.Errorf("start before init: want %v, have %v", trcagent.ErrNotActivated, err)
	}
	if err := rt.Init(&trcagent.Program{Name: "someone-else"}); err == nil {
		t.Errorf("mismatched program: want error, have none")
	}

	if _, err := sup.Activate(&trcagent.Program{Name: "unstarted"}); err != nil {
		t.Fatal(err)
	}
	assertEqual(t, rt.State(), trcagent.StateActivated)
	if err := rt.Start(); err != nil {
		t.Fatal(err)
	}
	assertEqual(t, rt.State(), trcagent.StateRunning)

	// Once initialized, further Init calls do nothing.
	if err := rt.Init(&trcagent.Program{Name: "someone-else"}); err != nil {
		t.Errorf("init after start: want no error, have %v", err)
	}
	if err := rt.Init(nil); err != nil {
		t.Errorf("nil program after start: want no error, have %v", err)
	}

	// Load leaves the calling goroutine outside of the runtime.
	assertEqual(t, sup.Guard().Inside(), false)
}

func TestLoadKeepsCallerRuntime(t *testing.T) {
	t.Parallel()

	sup := trcagent.NewDefaultSupervisor()
	outer := newRuntime(t, sup, "outer", nil)
	if !outer.Enter() {
		t.Fatal("enter outer: want true, have false")
	}
	defer outer.Leave()

	inner, err := sup.Load(&trcagent.Program{Name: "inner"}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(inner.Interrupt)

	assertEqual(t, inner.State(), trcagent.StateRunning)
	assertEqual(t, sup.Guard().Inside(), true)
	assertEqual(t, sup.Guard().Current() == outer, true)

	// Starting again from inside the other runtime is still harmless.
	if err := inner.Start(); err != nil {
		t.Fatal(err)
	}
	assertEqual(t, sup.Guard().Current() == outer, true)
}
