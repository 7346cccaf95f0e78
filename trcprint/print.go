// Package trcprint renders commands as human-readable text.
package trcprint

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/peterbourgon/trcagent"
)

// Format returns the text form of cmd. Messages are rendered verbatim, so
// callers shouldn't add a newline. Exit commands render as the empty string.
func Format(cmd trcagent.Command) string {
	var sb strings.Builder
	write(&sb, cmd)
	return sb.String()
}

// Fprint writes the text form of cmd to w.
func Fprint(w io.Writer, cmd trcagent.Command) error {
	_, err := io.WriteString(w, Format(cmd))
	return err
}

func write(sb *strings.Builder, cmd trcagent.Command) {
	switch c := cmd.(type) {
	case trcagent.Message:
		sb.WriteString(c.Text)

	case trcagent.Number:
		fmt.Fprintf(sb, "%s = %s\n", c.Name, formatFloat(c.Value))

	case trcagent.NumberMap:
		writeName(sb, c.Name)
		for _, k := range sortedKeys(c.Data) {
			fmt.Fprintf(sb, "%s = %s\n", k, formatFloat(c.Data[k]))
		}

	case trcagent.StringMap:
		writeName(sb, c.Name)
		for _, k := range sortedKeys(c.Data) {
			fmt.Fprintf(sb, "%s = %s\n", k, c.Data[k])
		}

	case trcagent.Grid:
		writeName(sb, c.Name)
		writeGrid(sb, c.Format, c.Rows)

	case trcagent.Error:
		fmt.Fprintf(sb, "%s: %s\n", c.Type, c.Message)
		for _, cause := range c.Causes {
			fmt.Fprintf(sb, "\tcaused by: %s\n", cause)
		}
		if c.Stack != "" {
			sb.WriteString(reformatMultiline(c.Stack))
		}

	case trcagent.Event:
		fmt.Fprintf(sb, "event %s\n", c.Name)

	case trcagent.Exit:
		// nothing

	default:
		fmt.Fprintf(sb, "%s %v\n", cmd.Kind(), cmd)
	}
}

func writeName(sb *strings.Builder, name string) {
	if name != "" {
		sb.WriteString(name)
		sb.WriteByte('\n')
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

//
//
//

// writeGrid renders rows with the explicit format, if given. Otherwise, each
// cell is rendered by its type, and padded to the width of the widest cell in
// its column. Numbers and strings are right-aligned, other values are
// left-aligned, and multi-line strings are indented on their own lines.
func writeGrid(sb *strings.Builder, format string, rows [][]any) {
	if format != "" {
		for _, row := range rows {
			sb.WriteString(fmt.Sprintf(format, row...))
			sb.WriteByte('\n')
		}
		return
	}

	cells := make([][]cell, len(rows))
	widths := map[int]int{}
	for i, row := range rows {
		cells[i] = make([]cell, len(row))
		for j, v := range row {
			c := newCell(v)
			cells[i][j] = c
			if !c.multiline && len(c.text) > widths[j] {
				widths[j] = len(c.text)
			}
		}
	}

	for _, row := range cells {
		for j, c := range row {
			sb.WriteString("  ")
			switch {
			case c.multiline:
				sb.WriteString(c.text)
			case c.right:
				fmt.Fprintf(sb, "%*s", widths[j], c.text)
			default:
				fmt.Fprintf(sb, "%-*s", widths[j], c.text)
			}
		}
		sb.WriteByte('\n')
	}
}

type cell struct {
	text      string
	right     bool
	multiline bool
}

func newCell(v any) cell {
	switch x := v.(type) {
	case nil:
		return cell{text: "<null>"}
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return cell{text: fmt.Sprintf("%d", x), right: true}
	case float32, float64:
		return cell{text: fmt.Sprintf("%f", x), right: true}
	case time.Duration:
		return cell{text: x.String(), right: true}
	case string:
		if strings.Contains(x, "\n") {
			return cell{text: reformatMultiline(x), multiline: true}
		}
		return cell{text: x, right: true}
	default:
		return cell{text: fmt.Sprint(x)}
	}
}

// reformatMultiline puts a multi-line value on its own lines, indented by a
// tab, after a leading newline.
func reformatMultiline(s string) string {
	var sb strings.Builder
	sb.WriteByte('\n')
	for _, line := range strings.Split(strings.TrimRight(s, "\n"), "\n") {
		sb.WriteByte('\t')
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	return sb.String()
}

//
//
//

// Listener is a command listener which prints commands to a writer. It's safe
// to share between runtimes.
type Listener struct {
	mtx        sync.Mutex
	w          io.Writer
	timestamps bool
}

// NewListener returns a listener printing to w. If timestamps is true,
// commands which carry a timestamp are prefixed with it.
func NewListener(w io.Writer, timestamps bool) *Listener {
	return &Listener{w: w, timestamps: timestamps}
}

// OnCommand implements trcagent.CommandListener.
func (l *Listener) OnCommand(cmd trcagent.Command) error {
	s := Format(cmd)
	if s == "" {
		return nil
	}

	if t := cmd.Time(); l.timestamps && !t.IsZero() {
		s = t.Format(time.RFC3339Nano) + " " + s
	}

	l.mtx.Lock()
	defer l.mtx.Unlock()

	if _, err := io.WriteString(l.w, s); err != nil {
		return &trcagent.TransportError{Err: err}
	}

	return nil
}
