package trcagent

import (
	"strconv"
	"strings"
	"time"
)

// Args are the arguments supplied by the client when a program is loaded.
// Arguments of the form key=value can be looked up by key, and referenced
// from handler declarations via ${key} templates.
type Args []string

// Len returns the number of arguments.
func (a Args) Len() int {
	return len(a)
}

// At returns the argument at index i, or the empty string if i is out of
// range.
func (a Args) At(i int) string {
	if i < 0 || i >= len(a) {
		return ""
	}
	return a[i]
}

// Get returns the value of the first key=value argument with the given key.
func (a Args) Get(key string) (string, bool) {
	for _, arg := range a {
		k, v, ok := strings.Cut(arg, "=")
		if ok && strings.TrimSpace(k) == key {
			return strings.TrimSpace(v), true
		}
	}
	return "", false
}

// Template replaces each ${key} in s with the value of the corresponding
// argument. References to unknown keys are left as-is.
func (a Args) Template(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}

	var sb strings.Builder
	for {
		start := strings.Index(s, "${")
		if start < 0 {
			break
		}
		end := strings.Index(s[start:], "}")
		if end < 0 {
			break
		}
		end += start

		sb.WriteString(s[:start])
		if v, ok := a.Get(s[start+2 : end]); ok {
			sb.WriteString(v)
		} else {
			sb.WriteString(s[start : end+1])
		}
		s = s[end+1:]
	}
	sb.WriteString(s)

	return sb.String()
}

// parsePeriod parses a timer period. Bare integers are milliseconds, anything
// else must be a Go duration string.
func parsePeriod(s string) (time.Duration, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		d := time.Duration(ms) * time.Millisecond
		return d, d > 0
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d, d > 0
	}
	return 0, false
}
