// trcagent is a demo host process, which runs a synthetic workload
// instrumented by a built-in trace program, and serves its commands to
// trcclient over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"syscall"

	"github.com/oklog/run"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"github.com/peterbourgon/trcagent"
	"github.com/peterbourgon/trcagent/trcmem"
	"github.com/peterbourgon/trcagent/trcprint"
	"github.com/peterbourgon/trcagent/trcstream"
	"github.com/peterbourgon/trcagent/trcwire"
	"github.com/peterbourgon/unixtransport/unixproxy"
)

func main() {
	var (
		ctx    = context.Background()
		stdout = os.Stdout
		stderr = os.Stderr
		args   = os.Args[1:]
	)
	err := exec(ctx, stdout, stderr, args)
	switch {
	case err == nil, errors.Is(err, context.Canceled), errors.As(err, &(run.SignalError{})):
		os.Exit(0)
	case err != nil:
		fmt.Fprintf(stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func exec(ctx context.Context, stdout, stderr io.Writer, args []string) (err error) {
	cfg := &agentConfig{stdout: stdout, stderr: stderr}

	fs := ff.NewFlagSet("trcagent")
	cfg.register(fs)

	cmd := &ff.Command{
		Name:      "trcagent",
		ShortHelp: "run a synthetic workload under a demo trace program",
		Flags:     fs,
		Exec:      cfg.Exec,
	}

	showHelp := true
	defer func() {
		errHelp := errors.Is(err, ff.ErrHelp)
		if showHelp || errHelp {
			fmt.Fprintf(stderr, "\n%s\n", ffhelp.Command(cmd))
		}
		if errHelp {
			err = nil
		}
	}()

	if err := cmd.Parse(args, ff.WithEnvVarPrefix("TRCAGENT")); err != nil {
		return err
	}

	if err := cfg.validate(); err != nil {
		return err
	}

	showHelp = false

	return cmd.Run(ctx)
}

func (cfg *agentConfig) Exec(ctx context.Context, args []string) error {
	memory := trcmem.NewSource(cfg.memoryInterval)

	sup := trcagent.NewSupervisor(trcagent.Config{
		QueueLimit: cfg.queueLimit,
		Timestamps: cfg.timestamps,
		Memory:     memory,
		FileRoot:   cfg.fileRoot,
		Info:       cfg.info,
		Debug:      cfg.debug,
	})

	broker := trcstream.NewBroker()
	defer broker.Close()

	listeners := trcagent.MultiListener{broker.Listener(cfg.workload.Client)}

	if cfg.printCommands {
		listeners = append(listeners, trcprint.NewListener(cfg.stdout, cfg.timestamps))
	}

	if cfg.outputFile != "" {
		f, err := os.Create(cfg.outputFile)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer func() {
			if err := f.Close(); err != nil {
				cfg.info.Printf("close output file: %v", err)
			}
		}()
		listeners = append(listeners, trcwire.NewListener(f, cfg.compression))
		cfg.info.Printf("writing commands to %s (compression %s)", cfg.outputFile, cfg.compression)
	}

	demo := newDemo(cfg.workload)

	rt, err := sup.Load(demo.program(cfg.workload.Client), cfg.workload.Args, listeners)
	if err != nil {
		return fmt.Errorf("load program: %w", err)
	}

	cfg.info.Printf("client %s: %s", rt.Name(), rt.ID())

	var g run.Group

	// Serve the command stream.
	{
		ln, err := unixproxy.ListenURI(ctx, cfg.listenAddr)
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		server := &http.Server{
			Handler: trcstream.NewServer(broker, sup, cfg.debug),
		}
		g.Add(func() error {
			cfg.info.Printf("listening on %s", ln.Addr())
			return server.Serve(ln)
		}, func(error) {
			server.Close()
		})
	}

	// Sample memory pools.
	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return memory.Run(ctx)
		}, func(error) {
			cancel()
		})
	}

	// Run the workload.
	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return demo.runWorkload(ctx, rt)
		}, func(error) {
			cancel()
		})
	}

	// Stop when the runtime exits, and make sure it exits when we stop.
	{
		g.Add(func() error {
			<-rt.Done()
			cfg.info.Printf("client %s: done", rt.Name())
			return nil
		}, func(error) {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.shutdownTimeout)
			defer cancel()
			if err := rt.HandleExit(ctx, 0); err != nil {
				cfg.info.Printf("client %s: exit: %v", rt.Name(), err)
				rt.Interrupt()
			}
		})
	}

	// Stop after the duration, if given.
	if cfg.duration > 0 {
		ctx, cancel := context.WithTimeout(ctx, cfg.duration)
		g.Add(func() error {
			<-ctx.Done()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				cfg.info.Printf("duration %s elapsed", cfg.duration)
				return nil
			}
			return ctx.Err()
		}, func(error) {
			cancel()
		})
	}

	g.Add(run.SignalHandler(ctx, syscall.SIGINT, syscall.SIGTERM))

	err = g.Run()

	cfg.debug.Printf("stats: %s", rt.Stats())

	return err
}

//
//
//

func newLoggers(level string, stderr io.Writer) (info, debug *log.Logger, _ error) {
	var infodst, debugdst io.Writer
	switch level {
	case "n", "none":
		infodst, debugdst = io.Discard, io.Discard
	case "i", "info":
		infodst, debugdst = stderr, io.Discard
	case "d", "debug":
		infodst, debugdst = stderr, stderr
	default:
		return nil, nil, fmt.Errorf("invalid log level %q", level)
	}
	info = log.New(infodst, "", log.LstdFlags)
	debug = log.New(debugdst, "[DEBUG] ", log.LstdFlags|log.Lmsgprefix)
	return info, debug, nil
}

