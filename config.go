package trcagent

import (
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
)

const (
	// DefaultQueueLimit is the default capacity of a runtime's command queue.
	DefaultQueueLimit = 100

	// QueueLimitEnvVar names the environment variable read by
	// [QueueLimitFromEnv].
	QueueLimitEnvVar = "TRCAGENT_CMD_QUEUE_LIMIT"
)

// Config defines the configuration options for a supervisor and the runtimes
// it creates.
type Config struct {
	// QueueLimit is the capacity of each runtime's command queue. Producers
	// block while the queue is full. The default value is 100.
	QueueLimit int

	// Timestamps, if true, causes the print-style runtime methods to stamp the
	// commands they produce with the current time.
	Timestamps bool

	// Memory is the source of memory pool usage data and low memory
	// notifications. If nil, low memory handlers are never invoked.
	Memory MemorySource

	// FileRoot is the base directory for [Runtime.ResolveFileName]. The
	// default value is the current working directory.
	FileRoot string

	// Info receives operationally relevant log messages, e.g. runtime
	// lifecycle transitions and delivery failures. The default value discards.
	Info *log.Logger

	// Debug receives detailed log messages, e.g. skipped handlers and dropped
	// commands. The default value discards.
	Debug *log.Logger
}

func (cfg *Config) sanitize() {
	if cfg.QueueLimit <= 0 {
		cfg.QueueLimit = DefaultQueueLimit
	}
	if cfg.FileRoot == "" {
		cfg.FileRoot = "."
	}
	if cfg.Info == nil {
		cfg.Info = log.New(io.Discard, "", 0)
	}
	if cfg.Debug == nil {
		cfg.Debug = log.New(io.Discard, "", 0)
	}
}

// QueueLimitFromEnv reads the command queue limit from [QueueLimitEnvVar] via
// getenv. If the variable is unset, it returns [DefaultQueueLimit] and a nil
// error. If the variable is set but isn't a positive integer, it returns
// [DefaultQueueLimit] and an error describing the bad value, which callers
// should log as a warning. The returned limit is always usable.
func QueueLimitFromEnv(getenv func(string) string) (int, error) {
	s := strings.TrimSpace(getenv(QueueLimitEnvVar))
	if s == "" {
		return DefaultQueueLimit, nil
	}
	n, err := ParseQueueLimit(s)
	if err != nil {
		return DefaultQueueLimit, fmt.Errorf("%s: %w (using default %d)", QueueLimitEnvVar, err, DefaultQueueLimit)
	}
	return n, nil
}

// ParseQueueLimit parses s as a command queue limit.
func ParseQueueLimit(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	switch {
	case err != nil:
		return 0, fmt.Errorf("invalid queue limit %q: %w", s, err)
	case n <= 0:
		return 0, fmt.Errorf("invalid queue limit %q: must be positive", s)
	default:
		return n, nil
	}
}

// ConfigFromEnv returns a config with values read from the environment via
// getenv. Unset values are left for the defaults. A non-nil error describes a
// value that was set but invalid; the returned config is usable regardless.
func ConfigFromEnv(getenv func(string) string) (Config, error) {
	limit, err := QueueLimitFromEnv(getenv)
	return Config{QueueLimit: limit}, err
}
