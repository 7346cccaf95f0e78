package trcdump

import (
	"bufio"
	"fmt"
	"io"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

const (
	dotMaxDepth = 8
	dotMaxNodes = 1000
	dotMaxElems = 32
)

// EncodeDOT writes the object graph rooted at v to w as a Graphviz digraph.
// Structs, maps, slices and arrays become record nodes, with one field per
// member. Scalar members are shown inline, and composite members become edges
// to their own nodes. Pointers are followed, and shared or cyclic pointers
// produce a single node. The graph is truncated at a fixed depth and size,
// which is marked with "..." fields.
func EncodeDOT(w io.Writer, v any) error {
	bw := bufio.NewWriter(w)

	g := &dotGraph{seen: map[uintptr]string{}}
	g.node(reflect.ValueOf(v), 0)

	fmt.Fprintf(bw, "digraph g {\n")
	fmt.Fprintf(bw, "\tnode [fontname=\"Helvetica\", shape=record, style=filled, fillcolor=lightgrey];\n")
	for _, n := range g.nodes {
		fmt.Fprintf(bw, "\t%s [label=\"%s\"];\n", n.id, strings.ReplaceAll(n.label(), `"`, `\"`))
	}
	for _, e := range g.edges {
		fmt.Fprintf(bw, "\t%s:f%d -> %s:f;\n", e.from, e.field, e.to)
	}
	fmt.Fprintf(bw, "}\n")

	return bw.Flush()
}

type dotGraph struct {
	nodes []*dotNode
	edges []dotEdge
	seen  map[uintptr]string
}

type dotNode struct {
	id     string
	header string
	fields []string
}

type dotEdge struct {
	from  string
	field int
	to    string
}

func (n *dotNode) label() string {
	var sb strings.Builder
	sb.WriteString("<f> " + escapeRecord(n.header))
	for i, f := range n.fields {
		fmt.Fprintf(&sb, " | <f%d> %s", i, escapeRecord(f))
	}
	return sb.String()
}

// node returns the id of the node for v, adding it to the graph if necessary,
// or the empty string if v is a scalar, or if the graph is full.
func (g *dotGraph) node(v reflect.Value, depth int) string {
	for v.IsValid() && (v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface) {
		if v.IsNil() {
			return ""
		}
		if v.Kind() == reflect.Pointer {
			ptr := v.Pointer()
			if id, ok := g.seen[ptr]; ok {
				return id
			}
			if e := indirect(v.Elem()); e.IsValid() && isComposite(e) && len(g.nodes) < dotMaxNodes {
				g.seen[ptr] = "node" + strconv.Itoa(len(g.nodes)) // the next node is e
			}
		}
		v = v.Elem()
	}

	if !v.IsValid() || !isComposite(v) || len(g.nodes) >= dotMaxNodes {
		return ""
	}

	n := &dotNode{id: "node" + strconv.Itoa(len(g.nodes)), header: v.Type().String()}
	g.nodes = append(g.nodes, n)

	if depth >= dotMaxDepth {
		n.fields = append(n.fields, "...")
		return n.id
	}

	add := func(name string, fv reflect.Value) {
		idx := len(n.fields)
		if to := g.node(fv, depth+1); to != "" {
			n.fields = append(n.fields, name)
			g.edges = append(g.edges, dotEdge{from: n.id, field: idx, to: to})
			return
		}
		n.fields = append(n.fields, name+": "+scalarString(fv))
	}

	switch v.Kind() {
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < v.NumField(); i++ {
			if !t.Field(i).IsExported() {
				continue
			}
			add(t.Field(i).Name, v.Field(i))
		}

	case reflect.Map:
		keys := v.MapKeys()
		sort.Slice(keys, func(i, j int) bool { return fmt.Sprint(keys[i]) < fmt.Sprint(keys[j]) })
		for i, k := range keys {
			if i >= dotMaxElems {
				n.fields = append(n.fields, "...")
				break
			}
			add(fmt.Sprint(k), v.MapIndex(k))
		}

	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if i >= dotMaxElems {
				n.fields = append(n.fields, "...")
				break
			}
			add("["+strconv.Itoa(i)+"]", v.Index(i))
		}
	}

	return n.id
}

func isComposite(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Struct, reflect.Map:
		return true
	case reflect.Slice, reflect.Array:
		return v.Type().Elem().Kind() != reflect.Uint8 // byte slices are scalars
	default:
		return false
	}
}

func indirect(v reflect.Value) reflect.Value {
	for v.IsValid() && (v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface) {
		if v.IsNil() {
			return reflect.Value{}
		}
		v = v.Elem()
	}
	return v
}

func scalarString(v reflect.Value) string {
	v = indirect(v)

	switch {
	case !v.IsValid():
		return "null"
	case v.Kind() == reflect.String:
		return strconv.Quote(v.String())
	case v.Kind() == reflect.Func, v.Kind() == reflect.Chan, v.Kind() == reflect.UnsafePointer:
		return v.Type().String()
	case isComposite(v):
		return v.Type().String() + "{...}" // graph is full
	case !v.CanInterface():
		return v.Type().String()
	default:
		return fmt.Sprint(v.Interface())
	}
}

// escapeRecord escapes characters with special meaning in record labels, and
// replaces newlines.
func escapeRecord(s string) string {
	var sb strings.Builder
	for _, r := range s {
		switch r {
		case '{', '}', '|', '<', '>', '\\':
			sb.WriteRune('\\')
		case '\n':
			sb.WriteString(`\n`)
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
