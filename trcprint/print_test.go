package trcprint_test

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/peterbourgon/trcagent"
	"github.com/peterbourgon/trcagent/trcprint"
)

func assertEqual[T any](t *testing.T, have, want T) {
	t.Helper()
	if !cmp.Equal(have, want) {
		t.Fatal(cmp.Diff(have, want))
	}
}

func TestFormat(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name string
		cmd  trcagent.Command
		want string
	}{
		{
			name: "message",
			cmd:  trcagent.NewMessage("hello\n"),
			want: "hello\n",
		},
		{
			name: "number",
			cmd:  trcagent.NewNumber("latency", 1.5),
			want: "latency = 1.5\n",
		},
		{
			name: "number map",
			cmd:  trcagent.NewNumberMap("counts", map[string]float64{"b": 2, "a": 1}),
			want: "counts\na = 1\nb = 2\n",
		},
		{
			name: "string map unnamed",
			cmd:  trcagent.NewStringMap("", map[string]string{"os": "linux", "arch": "amd64"}),
			want: "arch = amd64\nos = linux\n",
		},
		{
			name: "grid with format",
			cmd:  trcagent.NewGrid("g", "%s=%d", [][]any{{"a", 1}, {"b", 22}}),
			want: "g\na=1\nb=22\n",
		},
		{
			name: "grid by type",
			cmd:  trcagent.NewGrid("", "", [][]any{{"a", 1}, {"bbb", 22}}),
			want: "    a   1\n  bbb  22\n",
		},
		{
			name: "grid with nil and multiline",
			cmd:  trcagent.NewGrid("", "", [][]any{{nil, "x\ny"}}),
			want: "  <null>  \n\tx\n\ty\n\n",
		},
		{
			name: "error",
			cmd:  trcagent.NewError(fmt.Errorf("outer: %w", errors.New("inner"))),
			want: "*fmt.wrapError: outer: inner\n\tcaused by: inner\n",
		},
		{
			name: "event",
			cmd:  trcagent.NewEvent("dump"),
			want: "event dump\n",
		},
		{
			name: "exit",
			cmd:  trcagent.NewExit(0),
			want: "",
		},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assertEqual(t, trcprint.Format(tc.cmd), tc.want)
		})
	}
}

func TestListener(t *testing.T) {
	t.Parallel()

	var (
		buf bytes.Buffer
		l   = trcprint.NewListener(&buf, true)
	)

	for _, cmd := range []trcagent.Command{
		trcagent.NewMessage("plain\n"),
		trcagent.Message{TS: 1, Text: "stamped\n"},
		trcagent.NewExit(0),
	} {
		if err := l.OnCommand(cmd); err != nil {
			t.Fatal(err)
		}
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assertEqual(t, len(lines), 2)
	assertEqual(t, lines[0], "plain")
	assertEqual(t, strings.HasSuffix(lines[1], " stamped"), true)
	assertEqual(t, strings.HasPrefix(lines[1], "19"), true)
}
