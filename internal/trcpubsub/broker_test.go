package trcpubsub_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/peterbourgon/trcagent/internal/trcpubsub"
)

func subscribe[T any](ctx context.Context, b *trcpubsub.Broker[T], allow func(T) bool, ch chan T) <-chan trcpubsub.Stats {
	statsc := make(chan trcpubsub.Stats, 1)
	go func() {
		stats, _ := b.Subscribe(ctx, allow, ch)
		statsc <- stats
	}()
	for deadline := time.Now().Add(time.Second); time.Now().Before(deadline) && !b.IsActive(); {
		time.Sleep(time.Millisecond)
	}
	return statsc
}

func TestBrokerPublish(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := trcpubsub.NewBroker[int]()
	if want, have := 0, b.Publish(1); want != have {
		t.Fatalf("publish without subscribers: want %d, have %d", want, have)
	}

	even := func(i int) bool { return i%2 == 0 }
	ch := make(chan int, 2)
	statsc := subscribe(ctx, b, even, ch)

	for i := 1; i <= 6; i++ {
		b.Publish(i)
	}

	if want, have := 2, len(ch); want != have {
		t.Fatalf("buffered values: want %d, have %d", want, have)
	}
	if want, have := 2, <-ch; want != have {
		t.Fatalf("first value: want %d, have %d", want, have)
	}

	cancel()
	stats := <-statsc
	if want, have := (trcpubsub.Stats{Skips: 3, Sends: 2, Drops: 1}), stats; want != have {
		t.Fatalf("stats: want %s, have %s", want, have)
	}
	if want, have := 0, b.Len(); want != have {
		t.Fatalf("subscribers after cancel: want %d, have %d", want, have)
	}
}

func TestBrokerClose(t *testing.T) {
	t.Parallel()

	b := trcpubsub.NewBroker[string]()
	ch := make(chan string, 1)

	errc := make(chan error, 1)
	go func() {
		_, err := b.Subscribe(context.Background(), nil, ch)
		errc <- err
	}()
	for !b.IsActive() {
		time.Sleep(time.Millisecond)
	}

	if _, err := b.Subscribe(context.Background(), nil, ch); err == nil {
		t.Errorf("duplicate subscribe: want error, have none")
	}

	b.Close()

	if err := <-errc; !errors.Is(err, trcpubsub.ErrClosed) {
		t.Fatalf("want %v, have %v", trcpubsub.ErrClosed, err)
	}
	if _, err := b.Subscribe(context.Background(), nil, ch); !errors.Is(err, trcpubsub.ErrClosed) {
		t.Fatalf("subscribe after close: want %v, have %v", trcpubsub.ErrClosed, err)
	}
}

func BenchmarkBrokerPublish(b *testing.B) {
	fn := func(name string, allows ...func(int) bool) {
		b.Run(name, func(b *testing.B) {
			ctx, cancel := context.WithCancel(context.Background())
			broker := trcpubsub.NewBroker[int]()
			for _, allow := range allows {
				ch := make(chan int)
				done := make(chan struct{})
				defer func() { <-done }()
				go func(allow func(int) bool) {
					defer close(done)
					broker.Subscribe(ctx, allow, ch)
				}(allow)
			}
			for broker.Len() < len(allows) {
				time.Sleep(time.Millisecond)
			}

			b.ResetTimer()
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				broker.Publish(i)
			}

			cancel()
		})
	}

	var (
		none = func(int) bool { return false }
		all  = func(int) bool { return true }
	)

	fn("no subscribers")
	fn("1 skip subscriber", none)
	fn("10 skip subscribers", none, none, none, none, none, none, none, none, none, none)
	fn("1 send subscriber", all)
	fn("10 send subscribers", all, all, all, all, all, all, all, all, all, all)
	fn("9 skip, 1 send", none, none, none, none, none, none, none, none, none, all)
}
