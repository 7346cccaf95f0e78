package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/peterbourgon/trcagent"
	"github.com/peterbourgon/trcagent/internal/trcutil"
	"github.com/peterbourgon/trcagent/trcprint"
	"github.com/peterbourgon/trcagent/trcstream"
	"github.com/peterbourgon/trcagent/trcwire"
)

var errAllExited = errors.New("all clients exited")

func (cfg *clientConfig) stream(ctx context.Context) error {
	items := make(chan trcstream.Item, cfg.recvBuf)

	cfg.info.Printf("filter: %s", cfg.filter)
	cfg.debug.Printf("send buffer: %d", cfg.sendBuf)
	cfg.debug.Printf("recv buffer: %d", cfg.recvBuf)
	cfg.debug.Printf("stats interval: %s", cfg.statsInterval)
	cfg.debug.Printf("retry interval: %s", cfg.retryInterval)

	var g run.Group

	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return cfg.runStreams(ctx, items)
		}, func(error) {
			cancel()
		})
	}

	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return cfg.writeItems(ctx, items)
		}, func(error) {
			cancel()
		})
	}

	g.Add(run.SignalHandler(ctx, syscall.SIGINT, syscall.SIGTERM))

	err := g.Run()
	if errors.Is(err, errAllExited) {
		return nil
	}
	return err
}

func (cfg *clientConfig) runStreams(ctx context.Context, items chan<- trcstream.Item) error {
	var wg sync.WaitGroup
	for _, uri := range cfg.uris {
		wg.Add(1)
		go func(uri string) {
			defer wg.Done()
			cfg.runStream(ctx, uri, items)
		}(uri)
	}

	cfg.debug.Printf("started streams")
	<-ctx.Done()
	cfg.debug.Printf("stopping streams...")
	wg.Wait()
	cfg.debug.Printf("streams finished")
	return ctx.Err()
}

func (cfg *clientConfig) runStream(ctx context.Context, uri string, items chan<- trcstream.Item) {
	var (
		lastDataTime trcutil.Value[time.Time]
		initCount    int
	)

	c := cfg.newClient(uri)

	c.OnRead = func(ctx context.Context, eventType string, eventData []byte) {
		lastDataTime.Store(time.Now())
		if eventType == "init" {
			if initCount == 0 {
				cfg.debug.Printf("%s: stream connected", uri)
			} else {
				cfg.debug.Printf("%s: stream reconnected", uri)
			}
			initCount++
		}
	}

	c.OnStats = func(ctx context.Context, stats trcstream.Stats) {
		cfg.debug.Printf("%s: %s", uri, stats)
	}

	// This goroutine reports if it's been too long without any data.
	reporterDone := make(chan struct{})
	go func() {
		defer close(reporterDone)

		ticker := time.NewTicker(cfg.statsInterval)
		defer ticker.Stop()

		for {
			select {
			case ts := <-ticker.C:
				last, ok := lastDataTime.Load()
				delta := ts.Sub(last)
				switch {
				case !ok:
					cfg.debug.Printf("%s: no data", uri)
				case delta > 2*cfg.statsInterval:
					cfg.debug.Printf("%s: last data %s ago", uri, trcutil.HumanizeDuration(delta))
				}

			case <-ctx.Done():
				return
			}
		}
	}()
	defer func() {
		<-reporterDone
	}()

	cfg.debug.Printf("%s: starting", uri)
	defer cfg.debug.Printf("%s: stopped", uri)

	for ctx.Err() == nil {
		subctx, cancel := context.WithCancel(ctx)
		errc := make(chan error, 1)
		go func() { errc <- c.Stream(subctx, cfg.filter, items) }()

		select {
		case <-subctx.Done():
			cfg.debug.Printf("%s: stream done", uri)
			cancel()
			<-errc
			return

		case err := <-errc:
			cfg.debug.Printf("%s: stream error, will retry (%v)", uri, err)
			cancel()
			contextSleep(ctx, cfg.retryInterval)
			continue
		}
	}
}

func (cfg *clientConfig) writeItems(ctx context.Context, items <-chan trcstream.Item) error {
	var write func(it trcstream.Item) error
	switch cfg.output {
	case "ndjson":
		enc := json.NewEncoder(cfg.stdout)
		write = func(it trcstream.Item) error { return enc.Encode(it) }
	default:
		printer := trcprint.NewListener(cfg.stdout, cfg.timestamps)
		write = func(it trcstream.Item) error { return printer.OnCommand(it.Command) }
	}

	if cfg.outputFile != "" {
		c, err := trcwire.ParseCompression(cfg.compressionStr)
		if err != nil {
			return err
		}
		f, err := os.Create(cfg.outputFile)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()

		var (
			enc  = trcwire.NewEncoder(f, c)
			next = write
		)
		write = func(it trcstream.Item) error {
			if err := enc.Encode(it.Command); err != nil {
				return fmt.Errorf("write output file: %w", err)
			}
			return next(it)
		}
	}

	exited := map[string]bool{}
	done := func() bool {
		if cfg.follow {
			return false
		}
		if len(cfg.clients) <= 0 {
			return len(exited) > 0
		}
		for _, client := range cfg.clients {
			if !exited[client] {
				return false
			}
		}
		return true
	}

	var count uint64
	for {
		select {
		case it := <-items:
			count++
			if err := write(it); err != nil {
				return err
			}
			if trcagent.IsExit(it.Command) {
				exited[it.Client] = true
				cfg.info.Printf("%s: exit %d", it.Client, it.Command.(trcagent.Exit).Code)
				if done() {
					cfg.debug.Printf("emitted command count %d", count)
					return errAllExited
				}
			}

		case <-ctx.Done():
			cfg.debug.Printf("emitted command count %d", count)
			return ctx.Err()
		}
	}
}

func contextSleep(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}
