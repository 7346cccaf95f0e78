package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffval"
	"github.com/peterbourgon/trcagent"
	"github.com/peterbourgon/trcagent/trcwire"
	"gopkg.in/yaml.v3"
)

type agentConfig struct {
	stdout io.Writer
	stderr io.Writer

	logLevel        string
	listenAddr      string
	queueLimitStr   string
	configFile      string
	outputFile      string
	compressionStr  string
	fileRoot        string
	duration        time.Duration
	shutdownTimeout time.Duration
	memoryInterval  time.Duration
	timestamps      bool
	printCommands   bool

	info, debug *log.Logger
	queueLimit  int
	compression trcwire.Compression
	workload    workloadConfig
}

func (cfg *agentConfig) register(fs *ff.FlagSet) {
	fs.AddFlag(ff.FlagConfig{ShortName: 'l', LongName: "log" /*              */, Value: ffval.NewEnum(&cfg.logLevel, "info", "i", "debug", "d", "none", "n") /*   */, Usage: "log level: i/info, d/debug, n/none", Placeholder: "LEVEL"})
	fs.AddFlag(ff.FlagConfig{ShortName: 'a', LongName: "listen-addr" /*      */, Value: ffval.NewValueDefault(&cfg.listenAddr, "localhost:7077") /*              */, Usage: "HTTP listen address, or unix:///path/to/socket"})
	fs.AddFlag(ff.FlagConfig{ShortName: 0x0, LongName: "queue-limit" /*      */, Value: ffval.NewValue(&cfg.queueLimitStr) /*                                    */, Usage: "command queue limit (default from " + trcagent.QueueLimitEnvVar + ")", Placeholder: "N"})
	fs.AddFlag(ff.FlagConfig{ShortName: 'c', LongName: "config" /*           */, Value: ffval.NewValue(&cfg.configFile) /*                                       */, Usage: "YAML workload config file", Placeholder: "FILE"})
	fs.AddFlag(ff.FlagConfig{ShortName: 'o', LongName: "output" /*           */, Value: ffval.NewValue(&cfg.outputFile) /*                                       */, Usage: "also write commands to this file, in binary format", Placeholder: "FILE"})
	fs.AddFlag(ff.FlagConfig{ShortName: 0x0, LongName: "compression" /*      */, Value: ffval.NewEnum(&cfg.compressionStr, "zstd", "lz4", "none") /*             */, Usage: "output file compression: zstd, lz4, none"})
	fs.AddFlag(ff.FlagConfig{ShortName: 0x0, LongName: "file-root" /*        */, Value: ffval.NewValueDefault(&cfg.fileRoot, ".") /*                             */, Usage: "root directory for files written by the trace program", Placeholder: "DIR"})
	fs.AddFlag(ff.FlagConfig{ShortName: 'd', LongName: "duration" /*         */, Value: ffval.NewValue(&cfg.duration) /*                                         */, Usage: "stop after this long (0 means run until signaled)", NoDefault: true})
	fs.AddFlag(ff.FlagConfig{ShortName: 0x0, LongName: "shutdown-timeout" /* */, Value: ffval.NewValueDefault(&cfg.shutdownTimeout, 5*time.Second) /*           */, Usage: "max time to wait for the exit command to be delivered"})
	fs.AddFlag(ff.FlagConfig{ShortName: 0x0, LongName: "memory-interval" /*  */, Value: ffval.NewValueDefault(&cfg.memoryInterval, time.Second) /*               */, Usage: "memory pool sampling interval"})
	fs.AddFlag(ff.FlagConfig{ShortName: 't', LongName: "timestamps" /*       */, Value: ffval.NewValue(&cfg.timestamps) /*                                       */, Usage: "timestamp commands", NoDefault: true})
	fs.AddFlag(ff.FlagConfig{ShortName: 'p', LongName: "print" /*            */, Value: ffval.NewValue(&cfg.printCommands) /*                                    */, Usage: "also print commands to stdout", NoDefault: true})
}

func (cfg *agentConfig) validate() error {
	info, debug, err := newLoggers(cfg.logLevel, cfg.stderr)
	if err != nil {
		return err
	}
	cfg.info, cfg.debug = info, debug

	if cfg.queueLimitStr != "" {
		n, err := trcagent.ParseQueueLimit(cfg.queueLimitStr)
		if err != nil {
			cfg.info.Printf("warning: %v (using default %d)", err, trcagent.DefaultQueueLimit)
			n = trcagent.DefaultQueueLimit
		}
		cfg.queueLimit = n
	} else {
		env, err := trcagent.ConfigFromEnv(os.Getenv)
		if err != nil {
			cfg.info.Printf("warning: %v", err)
		}
		cfg.queueLimit = env.QueueLimit
	}
	cfg.debug.Printf("queue limit: %d", cfg.queueLimit)

	c, err := trcwire.ParseCompression(cfg.compressionStr)
	if err != nil {
		return err
	}
	cfg.compression = c

	cfg.workload = defaultWorkload()
	if cfg.configFile != "" {
		if err := cfg.workload.load(cfg.configFile); err != nil {
			return err
		}
		cfg.debug.Printf("loaded workload config from %s", cfg.configFile)
	}
	if err := cfg.workload.sanitize(); err != nil {
		return err
	}
	cfg.debug.Printf("workload: %+v", cfg.workload)

	return nil
}

//
//
//

// workloadConfig describes the synthetic workload and the arguments of the
// demo trace program.
//
//	client: demo
//	args: ["period=2s", "level=1"]
//	workers: 4
//	call_interval: 10ms
//	slow_threshold: 40ms
//	error_rate: 0.05
//	heap_threshold: 268435456
type workloadConfig struct {
	Client        string        `yaml:"client"`
	Args          []string      `yaml:"args"`
	Workers       int           `yaml:"workers"`
	CallInterval  time.Duration `yaml:"call_interval"`
	SlowThreshold time.Duration `yaml:"slow_threshold"`
	ErrorRate     float64       `yaml:"error_rate"`
	HeapThreshold uint64        `yaml:"heap_threshold"`
}

func defaultWorkload() workloadConfig {
	return workloadConfig{
		Client:        "demo",
		Workers:       4,
		CallInterval:  10 * time.Millisecond,
		SlowThreshold: 40 * time.Millisecond,
		ErrorRate:     0.05,
		HeapThreshold: 256 << 20,
	}
}

func (w *workloadConfig) load(filename string) error {
	f, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("open workload config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(w); err != nil && err != io.EOF {
		return fmt.Errorf("decode workload config: %w", err)
	}

	return nil
}

func (w *workloadConfig) sanitize() error {
	if w.Client == "" {
		return fmt.Errorf("workload client name is required")
	}
	if w.Workers <= 0 {
		w.Workers = 1
	}
	if w.CallInterval <= 0 {
		w.CallInterval = time.Millisecond
	}
	if w.ErrorRate < 0 || w.ErrorRate > 1 {
		return fmt.Errorf("workload error rate %v: must be between 0 and 1", w.ErrorRate)
	}
	return nil
}
