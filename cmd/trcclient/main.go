// trcclient streams commands from one or more trcagent processes, and prints
// them to the terminal. It can also send events and exit requests to agents.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/oklog/run"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"github.com/peterbourgon/trcagent"
	"github.com/peterbourgon/trcagent/trcstream"
	"github.com/peterbourgon/unixtransport"
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
	cfg := &clientConfig{stdout: stdout, stderr: stderr}

	fs := ff.NewFlagSet("trcclient")
	cfg.register(fs)

	cmd := &ff.Command{
		Name:      "trcclient",
		ShortHelp: "stream commands from trcagent processes",
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

	if err := cmd.Parse(args, ff.WithEnvVarPrefix("TRCCLIENT")); err != nil {
		return err
	}

	// Validation and set-up.
	{
		var infodst, debugdst io.Writer
		switch cfg.logLevel {
		case "n", "none":
			infodst, debugdst = io.Discard, io.Discard
		case "i", "info":
			infodst, debugdst = stderr, io.Discard
		case "d", "debug":
			infodst, debugdst = stderr, stderr
		default:
			return fmt.Errorf("invalid log level %q", cfg.logLevel)
		}
		cfg.info = log.New(infodst, "", 0)
		cfg.debug = log.New(debugdst, "[DEBUG] ", log.Lmsgprefix)
	}

	if len(cfg.uris) <= 0 {
		return fmt.Errorf("at least one URI is required")
	}

	// The event stream always dials with the default client.
	if transport, ok := http.DefaultTransport.(*http.Transport); ok {
		unixtransport.Register(transport)
	}
	{
		transport := &http.Transport{}
		unixtransport.Register(transport)
		cfg.httpClient = &http.Client{Transport: transport}
	}

	for i, uri := range cfg.uris {
		uri = strings.TrimSpace(uri)
		if !strings.Contains(uri, "://") {
			uri = "http://" + uri
		}
		u, err := url.ParseRequestURI(uri)
		if err != nil {
			return fmt.Errorf("%s: invalid: %w", uri, err)
		}
		cfg.uris[i] = u.String()
		cfg.debug.Printf("URI: %s", cfg.uris[i])
	}

	for _, s := range cfg.kinds {
		k, err := trcagent.ParseKind(s)
		if err != nil {
			return err
		}
		cfg.filter.Kinds = append(cfg.filter.Kinds, k)
	}
	cfg.filter.Clients = cfg.clients

	if f, ok := fs.GetFlag("exit"); ok && f.IsSet() {
		cfg.exitSet = true
	}

	if (cfg.event != "" || cfg.exitSet) && len(cfg.clients) <= 0 {
		return fmt.Errorf("--event and --exit require at least one --client")
	}

	showHelp = false

	return cmd.Run(ctx)
}

func (cfg *clientConfig) Exec(ctx context.Context, args []string) error {
	switch {
	case cfg.event != "":
		return cfg.sendEvents(ctx)
	case cfg.exitSet:
		return cfg.requestExits(ctx)
	default:
		return cfg.stream(ctx)
	}
}

func (cfg *clientConfig) sendEvents(ctx context.Context) error {
	var errs []error
	for _, uri := range cfg.uris {
		c := cfg.newClient(uri)
		for _, client := range cfg.clients {
			if err := c.SendEvent(ctx, client, cfg.event); err != nil {
				errs = append(errs, fmt.Errorf("%s: %s: %w", uri, client, err))
				continue
			}
			cfg.info.Printf("%s: %s: sent event %q", uri, client, cfg.event)
		}
	}
	return errors.Join(errs...)
}

func (cfg *clientConfig) requestExits(ctx context.Context) error {
	var errs []error
	for _, uri := range cfg.uris {
		c := cfg.newClient(uri)
		for _, client := range cfg.clients {
			if err := c.RequestExit(ctx, client, cfg.exitCode); err != nil {
				errs = append(errs, fmt.Errorf("%s: %s: %w", uri, client, err))
				continue
			}
			cfg.info.Printf("%s: %s: exited with code %d", uri, client, cfg.exitCode)
		}
	}
	return errors.Join(errs...)
}

func (cfg *clientConfig) newClient(uri string) *trcstream.Client {
	return &trcstream.Client{
		HTTPClient:    cfg.httpClient,
		URI:           uri,
		SendBuffer:    cfg.sendBuf,
		RetryInterval: cfg.retryInterval,
		StatsInterval: cfg.statsInterval,
	}
}
