package trcagent_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/peterbourgon/trcagent"
	"github.com/peterbourgon/trcagent/internal/trcqueue"
)

func messages(texts ...string) []trcagent.Command {
	res := make([]trcagent.Command, len(texts))
	for i, s := range texts {
		res[i] = trcagent.NewMessage(s)
	}
	return res
}

func TestSpeculativeIDs(t *testing.T) {
	t.Parallel()

	m := trcagent.NewSpeculativeManager(nil)
	for want := 0; want < 5; want++ {
		assertEqual(t, m.NewBuffer(), want)
	}

	// IDs are never reused, even after their buffers are gone.
	if err := m.Discard(4); err != nil {
		t.Fatal(err)
	}
	assertEqual(t, m.NewBuffer(), 5)
}

func TestSpeculativeExhaustion(t *testing.T) {
	t.Parallel()

	m := trcagent.NewSpeculativeManager(nil)
	for i := 0; i < trcagent.MaxSpeculativeBuffers; i++ {
		if id := m.NewBuffer(); id != i {
			t.Fatalf("buffer %d: have ID %d", i, id)
		}
		if err := m.Discard(i); err != nil {
			t.Fatal(err)
		}
	}

	assertEqual(t, m.NewBuffer(), trcagent.NoSpeculation)
	assertEqual(t, m.NewBuffer(), trcagent.NoSpeculation)
}

func TestSpeculativeCommit(t *testing.T) {
	t.Parallel()

	var (
		ctx  = context.Background()
		m    = trcagent.NewSpeculativeManager(nil)
		main = trcqueue.New[trcagent.Command](100)
		cmds = messages("a", "b", "c")
	)

	main.Offer(trcagent.NewMessage("before"))

	id := m.NewBuffer()
	if err := m.Activate(id); err != nil {
		t.Fatal(err)
	}
	for _, cmd := range cmds {
		assertEqual(t, m.Send(cmd), true)
	}
	assertEqual(t, main.Len(), 1)

	if err := m.Commit(ctx, id, main); err != nil {
		t.Fatal(err)
	}

	assertEqual(t, main.Drain(), append(messages("before"), cmds...))

	// The goroutine is unbound, so sends fall through to the main queue.
	assertEqual(t, m.Send(trcagent.NewMessage("d")), false)

	// The ID is forgotten.
	for name, err := range map[string]error{
		"commit":   m.Commit(ctx, id, main),
		"discard":  m.Discard(id),
		"activate": m.Activate(id),
	} {
		if !errors.Is(err, trcagent.ErrInvalidSpeculation) {
			t.Errorf("%s: want %v, have %v", name, trcagent.ErrInvalidSpeculation, err)
		}
	}
}

func TestSpeculativeDiscard(t *testing.T) {
	t.Parallel()

	var (
		ctx  = context.Background()
		m    = trcagent.NewSpeculativeManager(nil)
		main = trcqueue.New[trcagent.Command](100)
	)

	id := m.NewBuffer()
	if err := m.Activate(id); err != nil {
		t.Fatal(err)
	}
	for _, cmd := range messages("a", "b", "c") {
		m.Send(cmd)
	}

	if err := m.Discard(id); err != nil {
		t.Fatal(err)
	}
	assertEqual(t, main.Len(), 0)
	assertEqual(t, m.Len(), 0)

	if err := m.Commit(ctx, id, main); !errors.Is(err, trcagent.ErrInvalidSpeculation) {
		t.Fatalf("commit after discard: want %v, have %v", trcagent.ErrInvalidSpeculation, err)
	}
	assertEqual(t, main.Len(), 0)
}

func TestSpeculativeOverflow(t *testing.T) {
	t.Parallel()

	for _, extra := range []int{1, 10} {
		extra := extra
		t.Run(fmt.Sprint(extra), func(t *testing.T) {
			t.Parallel()

			var (
				ctx  = context.Background()
				m    = trcagent.NewSpeculativeManager(nil)
				main = trcqueue.New[trcagent.Command](trcagent.MaxSpeculativeCommands)
			)

			m.NewBuffer() // burn ID 0
			id := m.NewBuffer()
			if err := m.Activate(id); err != nil {
				t.Fatal(err)
			}
			for i := 0; i < trcagent.MaxSpeculativeCommands+extra; i++ {
				m.Send(trcagent.NewMessage(fmt.Sprint(i)))
			}

			if err := m.Commit(ctx, id, main); err != nil {
				t.Fatal(err)
			}
			assertEqual(t, main.Drain(), messages("speculative buffer overflow: 1"))
		})
	}
}

func TestSpeculativeExitBypassesBuffer(t *testing.T) {
	t.Parallel()

	m := trcagent.NewSpeculativeManager(nil)
	if err := m.Activate(m.NewBuffer()); err != nil {
		t.Fatal(err)
	}

	assertEqual(t, m.Send(trcagent.NewExit(0)), false)
	assertEqual(t, m.Send(trcagent.NewMessage("x")), true)
}

func TestSpeculativeActiveIsPerGoroutine(t *testing.T) {
	t.Parallel()

	m := trcagent.NewSpeculativeManager(nil)
	id := m.NewBuffer()
	if err := m.Activate(id); err != nil {
		t.Fatal(err)
	}

	have, ok := m.Active()
	assertEqual(t, ok, true)
	assertEqual(t, have, id)

	done := make(chan bool)
	go func() { done <- m.Send(trcagent.NewMessage("elsewhere")) }()
	assertEqual(t, <-done, false)
}

func TestSpeculativeClear(t *testing.T) {
	t.Parallel()

	m := trcagent.NewSpeculativeManager(nil)
	id := m.NewBuffer()
	if err := m.Activate(id); err != nil {
		t.Fatal(err)
	}

	m.Clear()

	assertEqual(t, m.Send(trcagent.NewMessage("x")), false)
	assertEqual(t, m.NewBuffer(), trcagent.NoSpeculation)
	if err := m.Discard(id); !errors.Is(err, trcagent.ErrInvalidSpeculation) {
		t.Fatalf("want %v, have %v", trcagent.ErrInvalidSpeculation, err)
	}
}

func TestSpeculativeSendDuringCommit(t *testing.T) {
	t.Parallel()

	for i := 0; i < 100; i++ {
		var (
			ctx     = context.Background()
			m       = trcagent.NewSpeculativeManager(nil)
			main    = trcqueue.New[trcagent.Command](1000)
			id      = m.NewBuffer()
			handled = make(chan int, 4)
			start   = make(chan struct{})
			wg      sync.WaitGroup
		)

		for g := 0; g < 4; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := m.Activate(id); err != nil {
					handled <- 0
					return
				}
				<-start
				var n int
				for j := 0; j < 50; j++ {
					if m.Send(trcagent.NewMessage("x")) {
						n++
					}
				}
				handled <- n
			}()
		}

		close(start)
		if err := m.Commit(ctx, id, main); err != nil {
			t.Fatal(err)
		}
		wg.Wait()
		close(handled)

		var total int
		for n := range handled {
			total += n
		}

		// Every send reported as handled made it into the commit.
		assertEqual(t, main.Len(), total)
	}
}
