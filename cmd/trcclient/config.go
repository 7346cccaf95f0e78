package main

import (
	"io"
	"log"
	"net/http"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffval"
	"github.com/peterbourgon/trcagent/trcstream"
)

type clientConfig struct {
	stdout io.Writer
	stderr io.Writer

	uris           []string
	clients        []string
	kinds          []string
	event          string
	exitCode       int
	logLevel       string
	output         string
	outputFile     string
	compressionStr string
	timestamps     bool
	follow         bool
	sendBuf        int
	recvBuf        int
	statsInterval  time.Duration
	retryInterval  time.Duration

	info, debug *log.Logger
	filter      trcstream.Filter
	exitSet     bool
	httpClient  *http.Client
}

func (cfg *clientConfig) register(fs *ff.FlagSet) {
	fs.AddFlag(ff.FlagConfig{ShortName: 'u', LongName: "uri" /*            */, Value: ffval.NewUniqueList(&cfg.uris) /*                                   */, Usage: "agent URI e.g. 'localhost:7077' or 'http+unix:///tmp/agent.sock:/' (repeatable, required)", Placeholder: "URI"})
	fs.AddFlag(ff.FlagConfig{ShortName: 'c', LongName: "client" /*         */, Value: ffval.NewUniqueList(&cfg.clients) /*                                */, Usage: "only this client (repeatable)", Placeholder: "NAME"})
	fs.AddFlag(ff.FlagConfig{ShortName: 'k', LongName: "kind" /*           */, Value: ffval.NewUniqueList(&cfg.kinds) /*                                  */, Usage: "only this command kind, e.g. message, error (repeatable)", Placeholder: "KIND"})
	fs.AddFlag(ff.FlagConfig{ShortName: 'e', LongName: "event" /*          */, Value: ffval.NewValue(&cfg.event) /*                                       */, Usage: "send this event to every client, and exit", Placeholder: "NAME"})
	fs.AddFlag(ff.FlagConfig{ShortName: 'x', LongName: "exit" /*           */, Value: ffval.NewValue(&cfg.exitCode) /*                                    */, Usage: "exit every client with this code, and exit", Placeholder: "CODE", NoDefault: true})
	fs.AddFlag(ff.FlagConfig{ShortName: 'l', LongName: "log" /*            */, Value: ffval.NewEnum(&cfg.logLevel, "info", "i", "debug", "d", "none", "n") /* */, Usage: "log level: i/info, d/debug, n/none", Placeholder: "LEVEL"})
	fs.AddFlag(ff.FlagConfig{ShortName: 'o', LongName: "output" /*         */, Value: ffval.NewEnum(&cfg.output, "text", "ndjson") /*                     */, Usage: "output format: text, ndjson", Placeholder: "FORMAT"})
	fs.AddFlag(ff.FlagConfig{ShortName: 'w', LongName: "write" /*          */, Value: ffval.NewValue(&cfg.outputFile) /*                                  */, Usage: "also write commands to this file, in binary format", Placeholder: "FILE"})
	fs.AddFlag(ff.FlagConfig{ShortName: 0x0, LongName: "compression" /*    */, Value: ffval.NewEnum(&cfg.compressionStr, "zstd", "lz4", "none") /*        */, Usage: "binary file compression: zstd, lz4, none"})
	fs.AddFlag(ff.FlagConfig{ShortName: 't', LongName: "timestamps" /*     */, Value: ffval.NewValue(&cfg.timestamps) /*                                  */, Usage: "prefix timestamped commands with their time", NoDefault: true})
	fs.AddFlag(ff.FlagConfig{ShortName: 'f', LongName: "follow" /*         */, Value: ffval.NewValue(&cfg.follow) /*                                      */, Usage: "keep streaming after exit commands", NoDefault: true})
	fs.AddFlag(ff.FlagConfig{ShortName: 0x0, LongName: "sendbuf" /*        */, Value: ffval.NewValueDefault(&cfg.sendBuf, 100) /*                         */, Usage: "remote send buffer size"})
	fs.AddFlag(ff.FlagConfig{ShortName: 0x0, LongName: "recvbuf" /*        */, Value: ffval.NewValueDefault(&cfg.recvBuf, 100) /*                         */, Usage: "local receive buffer size"})
	fs.AddFlag(ff.FlagConfig{ShortName: 0x0, LongName: "stats" /*          */, Value: ffval.NewValueDefault(&cfg.statsInterval, 10*time.Second) /*        */, Usage: "stream stats reporting interval"})
	fs.AddFlag(ff.FlagConfig{ShortName: 0x0, LongName: "retry" /*          */, Value: ffval.NewValueDefault(&cfg.retryInterval, 1*time.Second) /*         */, Usage: "stream connection retry interval"})
}
