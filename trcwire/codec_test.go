package trcwire_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/peterbourgon/trcagent"
	"github.com/peterbourgon/trcagent/trcwire"
)

func assertEqual[T any](t *testing.T, have, want T) {
	t.Helper()
	if !cmp.Equal(have, want) {
		t.Fatal(cmp.Diff(have, want))
	}
}

func testCommands() []trcagent.Command {
	return []trcagent.Command{
		trcagent.NewMessage("hello"),
		trcagent.Message{TS: 1700000000000000000, Text: strings.Repeat("compressible ", 100)},
		trcagent.NewNumber("latency", 12.5),
		trcagent.NewNumberMap("counts", map[string]float64{"a": 1, "b": 2}),
		trcagent.NewStringMap("props", map[string]string{"os": "linux"}),
		trcagent.NewError(fmt.Errorf("outer: %w", errors.New("inner"))),
		trcagent.NewEvent("dump"),
		trcagent.NewExit(3),
	}
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	for _, c := range []trcwire.Compression{
		trcwire.CompressionNone,
		trcwire.CompressionLZ4,
		trcwire.CompressionZstd,
	} {
		c := c
		t.Run(c.String(), func(t *testing.T) {
			t.Parallel()

			var (
				buf  bytes.Buffer
				enc  = trcwire.NewEncoder(&buf, c)
				want = testCommands()
			)
			for _, cmd := range want {
				if err := enc.Encode(cmd); err != nil {
					t.Fatal(err)
				}
			}

			var (
				dec  = trcwire.NewDecoder(&buf)
				have []trcagent.Command
			)
			for {
				cmd, err := dec.Decode()
				if errors.Is(err, io.EOF) {
					break
				}
				if err != nil {
					t.Fatal(err)
				}
				have = append(have, cmd)
			}

			assertEqual(t, have, want)
			assertEqual(t, dec.Compression(), c)
		})
	}
}

func TestCompressionShrinks(t *testing.T) {
	t.Parallel()

	cmd := trcagent.NewMessage(strings.Repeat("abcdefgh", 512))

	size := func(c trcwire.Compression) int {
		var buf bytes.Buffer
		if err := trcwire.NewEncoder(&buf, c).Encode(cmd); err != nil {
			t.Fatal(err)
		}
		return buf.Len()
	}

	none := size(trcwire.CompressionNone)
	for _, c := range []trcwire.Compression{trcwire.CompressionLZ4, trcwire.CompressionZstd} {
		if have := size(c); have >= none {
			t.Errorf("%s: want less than %d, have %d", c, none, have)
		}
	}
}

func TestTruncatedStream(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	if err := trcwire.NewEncoder(&buf, trcwire.CompressionNone).Encode(trcagent.NewMessage("hello world")); err != nil {
		t.Fatal(err)
	}

	data := buf.Bytes()
	_, err := trcwire.NewDecoder(bytes.NewReader(data[:len(data)-3])).Decode()
	assertEqual(t, errors.Is(err, io.ErrUnexpectedEOF), true)
}

func TestFrameTooLarge(t *testing.T) {
	t.Parallel()

	var (
		buf bytes.Buffer
		enc = trcwire.NewEncoder(&buf, trcwire.CompressionNone)
		big = trcagent.NewMessage(strings.Repeat("x", trcwire.MaxFrameSize))
	)

	err := enc.Encode(big)
	assertEqual(t, errors.Is(err, trcwire.ErrFrameTooLarge), true)
	assertEqual(t, buf.Len(), 0)

	if err := enc.Encode(trcagent.NewMessage("small")); err != nil {
		t.Fatal(err)
	}
	cmd, err := trcwire.NewDecoder(&buf).Decode()
	if err != nil {
		t.Fatal(err)
	}
	assertEqual(t, cmd, trcagent.Command(trcagent.NewMessage("small")))

	oversized := binary.AppendUvarint([]byte{trcwire.Version, 0, 0}, trcwire.MaxFrameSize+1)
	_, err = trcwire.NewDecoder(bytes.NewReader(oversized)).Decode()
	assertEqual(t, errors.Is(err, trcwire.ErrFrameTooLarge), true)
}

func TestBadVersion(t *testing.T) {
	t.Parallel()

	_, err := trcwire.NewDecoder(bytes.NewReader([]byte{99, 0})).Decode()
	if err == nil {
		t.Fatal("want error, have none")
	}
}

func TestParseCompression(t *testing.T) {
	t.Parallel()

	for _, c := range []trcwire.Compression{trcwire.CompressionNone, trcwire.CompressionLZ4, trcwire.CompressionZstd} {
		have, err := trcwire.ParseCompression(c.String())
		if err != nil {
			t.Fatal(err)
		}
		assertEqual(t, have, c)
	}

	if _, err := trcwire.ParseCompression("gzip"); err == nil {
		t.Errorf("want error, have none")
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, io.ErrClosedPipe }

func TestListenerTransportError(t *testing.T) {
	t.Parallel()

	err := trcwire.NewListener(failingWriter{}, trcwire.CompressionNone).OnCommand(trcagent.NewMessage("x"))
	assertEqual(t, trcagent.IsTransportError(err), true)
}

func TestListenerRuntime(t *testing.T) {
	t.Parallel()

	var (
		buf bytes.Buffer
		sup = trcagent.NewSupervisor(trcagent.Config{})
	)

	rt, err := sup.Create("wire", nil, trcwire.NewListener(&buf, trcwire.CompressionZstd))
	if err != nil {
		t.Fatal(err)
	}

	rt.Println("one")
	rt.PrintNumber("two", 2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.HandleExit(ctx, 7); err != nil {
		t.Fatal(err)
	}

	var (
		dec  = trcwire.NewDecoder(&buf)
		have []trcagent.Kind
	)
	for {
		cmd, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		have = append(have, cmd.Kind())
	}

	assertEqual(t, have, []trcagent.Kind{trcagent.KindMessage, trcagent.KindNumber, trcagent.KindExit})
}
