package trcutil

import (
	"fmt"
	"strings"
	"time"
)

// HumanizeDuration rounds d to a precision that suits its magnitude, and
// returns a compact string form, e.g. 1.2s, 3m4s, 2h5m.
func HumanizeDuration(d time.Duration) string {
	var precision time.Duration
	switch abs := max(d, -d); {
	case abs >= 24*time.Hour:
		precision = time.Hour
	case abs >= time.Hour:
		precision = time.Minute
	case abs >= time.Minute:
		precision = time.Second
	case abs >= time.Second:
		precision = 100 * time.Millisecond
	case abs >= time.Millisecond:
		precision = 100 * time.Microsecond
	default:
		precision = time.Microsecond
	}

	s := d.Truncate(precision).String()
	if precision >= time.Minute {
		s = strings.TrimSuffix(s, "0s")
		if strings.HasSuffix(s, "h0m") {
			s = strings.TrimSuffix(s, "0m")
		}
	}
	return s
}

// HumanizeBytes returns n bytes in the largest binary unit that keeps the
// value at or above 1, with one decimal place, e.g. 512B, 1.5KiB, 2.0GiB.
func HumanizeBytes[T ~int | ~int64 | ~uint | ~uint64](n T) string {
	units := []string{"KiB", "MiB", "GiB", "TiB"}

	f := float64(n)
	if f < 1024 {
		return fmt.Sprintf("%dB", int64(n))
	}

	var unit string
	for _, unit = range units {
		f /= 1024
		if f < 1024 {
			break
		}
	}
	return fmt.Sprintf("%.1f%s", f, unit)
}
