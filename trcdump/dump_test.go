package trcdump_test

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/peterbourgon/trcagent"
	"github.com/peterbourgon/trcagent/trcdump"
	"gopkg.in/yaml.v3"
)

func assertEqual[T any](t *testing.T, have, want T) {
	t.Helper()
	if !cmp.Equal(have, want) {
		t.Fatal(cmp.Diff(have, want))
	}
}

type dirResolver string

func (d dirResolver) ResolveFileName(name string) (string, error) {
	return filepath.Join(string(d), name), nil
}

type sample struct {
	Name   string            `yaml:"name" json:"name"`
	Count  int               `yaml:"count" json:"count"`
	Labels map[string]string `yaml:"labels" json:"labels"`
	Next   *sample           `yaml:"next,omitempty" json:"next,omitempty"`
}

func TestSerialize(t *testing.T) {
	t.Parallel()

	var (
		r    = dirResolver(t.TempDir())
		want = sample{Name: "a", Count: 3, Labels: map[string]string{"k": "v"}}
	)

	path, err := trcdump.Serialize(r, want, "sample.cbor")
	if err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	var have sample
	if err := cbor.Unmarshal(data, &have); err != nil {
		t.Fatal(err)
	}
	assertEqual(t, have, want)
}

func TestWriteYAML(t *testing.T) {
	t.Parallel()

	var (
		r    = dirResolver(t.TempDir())
		want = sample{Name: "b", Count: 1, Labels: map[string]string{"x": "y"}}
	)

	path, err := trcdump.WriteYAML(r, want, "sample.yaml")
	if err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	var have sample
	if err := yaml.Unmarshal(data, &have); err != nil {
		t.Fatal(err)
	}
	assertEqual(t, have, want)
}

func TestDumpHeap(t *testing.T) {
	t.Parallel()

	path, err := trcdump.DumpHeap(dirResolver(t.TempDir()), "heap.pprof", true)
	if err != nil {
		t.Fatal(err)
	}

	fi, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Size() == 0 {
		t.Errorf("want non-empty heap profile")
	}
}

func TestEncodeDOT(t *testing.T) {
	t.Parallel()

	s := &sample{Name: "root", Labels: map[string]string{"k": "v"}}
	s.Next = s // cycle

	var buf bytes.Buffer
	if err := trcdump.EncodeDOT(&buf, s); err != nil {
		t.Fatal(err)
	}

	dot := buf.String()
	for _, want := range []string{
		"digraph g {",
		`node0 [label="<f> trcdump_test.sample | <f0> Name: \"root\" | <f1> Count: 0 | <f2> Labels | <f3> Next"];`,
		`node1 [label="<f> map[string]string | <f0> k: \"v\""];`,
		"node0:f2 -> node1:f;",
		"node0:f3 -> node0:f;",
	} {
		if !strings.Contains(dot, want) {
			t.Errorf("want %q in output\n%s", want, dot)
		}
	}
	assertEqual(t, strings.Count(dot, "[label="), 2)
}

func TestRuntimeFileNames(t *testing.T) {
	t.Parallel()

	var (
		root = t.TempDir()
		sup  = trcagent.NewSupervisor(trcagent.Config{FileRoot: root})
	)

	rt, err := sup.Create("dumper", []string{"7"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(rt.Interrupt)

	path, err := trcdump.WriteDOT(rt, map[string]int{"a": 1}, "graph.dot")
	if err != nil {
		t.Fatal(err)
	}
	assertEqual(t, path, filepath.Join(root, "trcagent7", "dumper", "graph.dot"))

	if _, err := trcdump.WriteYAML(rt, 1, "../escape.yaml"); err == nil {
		t.Errorf("want error for file name with directories, have none")
	}
}
