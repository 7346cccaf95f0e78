// Package trcdump provides helpers for trace programs which write diagnostic
// data to files: heap profiles, serialized values, YAML documents, and object
// graphs in DOT format.
//
// Every helper takes a bare file name, which is resolved to a path within a
// directory specific to the calling client, usually by
// [trcagent.Runtime.ResolveFileName]. Helpers are synchronous, and return
// errors rather than panicking, so probes can return them to the runtime.
package trcdump

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"runtime"
	"runtime/pprof"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/yaml.v3"
)

// FileResolver maps a bare file name to a path. [trcagent.Runtime] is the
// usual implementation.
type FileResolver interface {
	ResolveFileName(name string) (string, error)
}

// DumpHeap writes a heap profile in pprof format to the named file, and
// returns its path. If live is true, a garbage collection is run first, so the
// profile reflects only reachable objects.
func DumpHeap(r FileResolver, name string, live bool) (string, error) {
	if live {
		runtime.GC()
	}

	return writeFile(r, name, func(w io.Writer) error {
		return pprof.Lookup("heap").WriteTo(w, 0)
	})
}

var serializeEncMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("trcdump: CBOR encoder initialization failed: " + err.Error())
	}
	return em
}()

// Serialize writes v to the named file in CBOR, and returns its path.
func Serialize(r FileResolver, v any, name string) (string, error) {
	return writeFile(r, name, func(w io.Writer) error {
		return serializeEncMode.NewEncoder(w).Encode(v)
	})
}

// WriteYAML writes v to the named file as a YAML document, and returns its
// path.
func WriteYAML(r FileResolver, v any, name string) (string, error) {
	return writeFile(r, name, func(w io.Writer) error {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	})
}

// WriteDOT writes the object graph rooted at v to the named file in DOT
// format, and returns its path. See [EncodeDOT].
func WriteDOT(r FileResolver, v any, name string) (string, error) {
	return writeFile(r, name, func(w io.Writer) error {
		return EncodeDOT(w, v)
	})
}

func writeFile(r FileResolver, name string, write func(io.Writer) error) (_ string, err error) {
	path, err := r.ResolveFileName(name)
	if err != nil {
		return "", err
	}

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close file: %w", cerr)
		}
	}()

	bw := bufio.NewWriter(f)
	if err := write(bw); err != nil {
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	if err := bw.Flush(); err != nil {
		return "", fmt.Errorf("flush %s: %w", name, err)
	}

	return path, nil
}
