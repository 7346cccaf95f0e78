package trcagent_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/peterbourgon/trcagent"
)

func TestKindStrings(t *testing.T) {
	t.Parallel()

	for _, k := range []trcagent.Kind{
		trcagent.KindError,
		trcagent.KindEvent,
		trcagent.KindExit,
		trcagent.KindMessage,
		trcagent.KindNumberMap,
		trcagent.KindStringMap,
		trcagent.KindNumber,
		trcagent.KindGrid,
	} {
		have, err := trcagent.ParseKind(k.String())
		if err != nil {
			t.Errorf("%s: %v", k, err)
			continue
		}
		assertEqual(t, have, k)
	}

	if _, err := trcagent.ParseKind("bogus"); err == nil {
		t.Errorf("bogus: want error, have none")
	}
	assertEqual(t, trcagent.Kind(99).String(), "unknown(99)")
}

func TestNewError(t *testing.T) {
	t.Parallel()

	base := errors.New("disk full")
	err := fmt.Errorf("write dump: %w", errors.Join(base, errors.New("retry failed")))

	c := trcagent.NewError(err)
	assertEqual(t, c.Message, err.Error())
	assertEqual(t, c.Type, "*fmt.wrapError")
	assertEqual(t, len(c.Causes), 3)
	assertEqual(t, c.Causes[1], "disk full")
	assertEqual(t, c.Causes[2], "retry failed")
	assertEqual(t, c.Stack, "")
}

func TestDecodeCommandJSON(t *testing.T) {
	t.Parallel()

	in := trcagent.NewNumberMap("latency", map[string]float64{"p50": 1.5, "p99": 12})

	data, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}

	out, err := trcagent.DecodeCommand(in.Kind(), func(v any) error { return json.Unmarshal(data, v) })
	if err != nil {
		t.Fatal(err)
	}
	assertEqual(t, out, trcagent.Command(in))

	if _, err := trcagent.DecodeCommand(trcagent.Kind(3), func(any) error { return nil }); err == nil {
		t.Errorf("kind 3: want error, have none")
	}
}
