package trcagent

import (
	"fmt"
	"math"
	"math/bits"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// AggregationFunc determines how an aggregation combines the values added
// under each key.
type AggregationFunc int

const (
	AggregateCount       AggregationFunc = iota // number of values
	AggregateSum                                // sum of values
	AggregateMax                                // largest value
	AggregateMin                                // smallest value
	AggregateAverage                            // integer mean of values
	AggregateGlobalCount                        // number of values added under any key
	AggregateQuantize                           // power-of-two histogram of values
)

var aggregationFuncNames = map[AggregationFunc]string{
	AggregateCount:       "count",
	AggregateSum:         "sum",
	AggregateMax:         "max",
	AggregateMin:         "min",
	AggregateAverage:     "average",
	AggregateGlobalCount: "global-count",
	AggregateQuantize:    "quantize",
}

// String implements fmt.Stringer.
func (f AggregationFunc) String() string {
	if s, ok := aggregationFuncNames[f]; ok {
		return s
	}
	return fmt.Sprintf("unknown(%d)", int(f))
}

// AggregationKey groups values in an aggregation. Elements must be strings,
// bools, or integers, so that keys can be sent to clients in grids.
type AggregationKey struct {
	elems []any
	id    string
}

// NewAggregationKey returns a key with the given elements.
func NewAggregationKey(elems ...any) (AggregationKey, error) {
	var sb strings.Builder
	for i, e := range elems {
		switch x := e.(type) {
		case nil:
			sb.WriteString("nil")
		case string:
			sb.WriteString(strconv.Quote(x))
		case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
			fmt.Fprintf(&sb, "%T(%v)", x, x)
		default:
			return AggregationKey{}, fmt.Errorf("aggregation key element %d: type %T is not supported", i, e)
		}
		sb.WriteByte(',')
	}
	return AggregationKey{
		elems: append([]any(nil), elems...),
		id:    sb.String(),
	}, nil
}

// Elements returns a copy of the elements of the key.
func (k AggregationKey) Elements() []any {
	return append([]any(nil), k.elems...)
}

// Aggregation accumulates values by key, combining them with a single
// aggregation function. It's safe for concurrent use, so a single aggregation
// can be updated from probes on many goroutines.
type Aggregation struct {
	fn AggregationFunc

	mtx     sync.Mutex
	entries map[string]*aggregationEntry
	global  int64
}

type aggregationEntry struct {
	key AggregationKey
	val aggregationValue
}

// NewAggregation returns an empty aggregation using fn.
func NewAggregation(fn AggregationFunc) *Aggregation {
	return &Aggregation{
		fn:      fn,
		entries: map[string]*aggregationEntry{},
	}
}

// Func returns the aggregation function.
func (a *Aggregation) Func() AggregationFunc {
	return a.fn
}

// Add adds v under the empty key, which is convenient for aggregations that
// hold a single value.
func (a *Aggregation) Add(v int64) {
	a.AddKey(AggregationKey{}, v)
}

// AddKey adds v under key.
func (a *Aggregation) AddKey(key AggregationKey, v int64) {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	e, ok := a.entries[key.id]
	if !ok {
		e = &aggregationEntry{key: key, val: a.newValue()}
		a.entries[key.id] = e
	}

	a.global++
	e.val.add(v)
}

// Clear resets the value of every key, keeping the keys.
func (a *Aggregation) Clear() {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	for _, e := range a.entries {
		e.val.clear()
	}
	a.global = 0
}

// Truncate keeps the abs(n) keys with the largest values if n is positive,
// or with the smallest values if n is negative. Truncate(0) removes every
// key.
func (a *Aggregation) Truncate(n int) {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	if n == 0 {
		a.entries = map[string]*aggregationEntry{}
		return
	}

	sorted := a.sorted()

	keep := n
	if keep < 0 {
		keep = -keep
	}
	if keep >= len(sorted) {
		return
	}

	remove := sorted[:len(sorted)-keep]
	if n < 0 {
		remove = sorted[keep:]
	}
	for _, e := range remove {
		delete(a.entries, e.key.id)
	}
}

// Keys returns the keys of the aggregation, ordered by ascending value.
func (a *Aggregation) Keys() []AggregationKey {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	sorted := a.sorted()
	keys := make([]AggregationKey, len(sorted))
	for i, e := range sorted {
		keys[i] = e.key
	}
	return keys
}

// Value returns the aggregated value for key, or zero if the key isn't in the
// aggregation. Quantize aggregations report the label of their highest
// non-empty bucket.
func (a *Aggregation) Value(key AggregationKey) int64 {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	e, ok := a.entries[key.id]
	if !ok {
		return 0
	}
	return a.value(e)
}

// Rows returns the contents of the aggregation as grid rows, ordered by
// ascending value. Each row holds the key elements followed by the
// aggregated value, which is an int64, or a *Histogram for quantize
// aggregations.
func (a *Aggregation) Rows() [][]any {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	sorted := a.sorted()
	rows := make([][]any, len(sorted))
	for i, e := range sorted {
		row := make([]any, 0, len(e.key.elems)+1)
		row = append(row, e.key.elems...)
		if a.fn == AggregateQuantize {
			row = append(row, e.val.(*quantizeValue).histogram())
		} else {
			row = append(row, a.value(e))
		}
		rows[i] = row
	}
	return rows
}

func (a *Aggregation) newValue() aggregationValue {
	switch a.fn {
	case AggregateSum:
		return &sumValue{}
	case AggregateMax:
		return &extremumValue{max: true}
	case AggregateMin:
		return &extremumValue{}
	case AggregateAverage:
		return &averageValue{}
	case AggregateQuantize:
		return &quantizeValue{}
	default:
		return &countValue{}
	}
}

func (a *Aggregation) value(e *aggregationEntry) int64 {
	if a.fn == AggregateGlobalCount {
		return a.global
	}
	return e.val.value()
}

// sorted returns the entries by ascending value, with ties broken by key.
func (a *Aggregation) sorted() []*aggregationEntry {
	res := make([]*aggregationEntry, 0, len(a.entries))
	for _, e := range a.entries {
		res = append(res, e)
	}
	sort.Slice(res, func(i, j int) bool {
		vi, vj := a.value(res[i]), a.value(res[j])
		if vi != vj {
			return vi < vj
		}
		return res[i].key.id < res[j].key.id
	})
	return res
}

//
//
//

type aggregationValue interface {
	add(v int64)
	clear()
	value() int64
}

type countValue struct{ n int64 }

func (c *countValue) add(int64)    { c.n++ }
func (c *countValue) clear()       { c.n = 0 }
func (c *countValue) value() int64 { return c.n }

type sumValue struct{ n int64 }

func (s *sumValue) add(v int64)  { s.n += v }
func (s *sumValue) clear()       { s.n = 0 }
func (s *sumValue) value() int64 { return s.n }

type extremumValue struct {
	max bool
	set bool
	n   int64
}

func (e *extremumValue) add(v int64) {
	if !e.set || (e.max && v > e.n) || (!e.max && v < e.n) {
		e.n, e.set = v, true
	}
}

func (e *extremumValue) clear()       { e.n, e.set = 0, false }
func (e *extremumValue) value() int64 { return e.n }

type averageValue struct{ sum, n int64 }

func (a *averageValue) add(v int64) { a.sum += v; a.n++ }
func (a *averageValue) clear()      { a.sum, a.n = 0, 0 }

func (a *averageValue) value() int64 {
	if a.n == 0 {
		return 0
	}
	return a.sum / a.n
}

//
//
//

// quantizeZero is the bucket counting zeroes. Bucket quantizeZero+1+i counts
// values in [2^i, 2^(i+1)), and bucket quantizeZero-1-i counts values in
// (-2^(i+1), -2^i]. Bucket 0 counts math.MinInt64.
const (
	quantizeBuckets = 128
	quantizeZero    = 64
)

type quantizeValue struct {
	buckets [quantizeBuckets]int64
}

func (q *quantizeValue) add(v int64) { q.buckets[quantizeIndex(v)]++ }

func (q *quantizeValue) clear() { q.buckets = [quantizeBuckets]int64{} }

func (q *quantizeValue) value() int64 {
	for i := quantizeBuckets - 1; i >= 0; i-- {
		if q.buckets[i] > 0 {
			return quantizeLabel(i)
		}
	}
	return 0
}

// histogram returns the non-empty range of buckets, plus one empty bucket on
// either side, or nil if no values were added.
func (q *quantizeValue) histogram() any {
	lo, hi := quantizeBuckets, -1
	for i, n := range q.buckets {
		if n != 0 {
			lo, hi = min(lo, i), max(hi, i)
		}
	}
	if hi < 0 {
		return nil
	}

	lo, hi = max(lo-1, 0), min(hi+1, quantizeBuckets-1)

	h := &Histogram{}
	for i := lo; i <= hi; i++ {
		h.Values = append(h.Values, quantizeLabel(i))
		h.Counts = append(h.Counts, q.buckets[i])
	}
	return h
}

func quantizeIndex(v int64) int {
	switch {
	case v == 0:
		return quantizeZero
	case v == math.MinInt64:
		return 0
	case v > 0:
		return quantizeZero + bits.Len64(uint64(v))
	default:
		return quantizeZero - bits.Len64(uint64(-v))
	}
}

func quantizeLabel(i int) int64 {
	switch {
	case i == quantizeZero:
		return 0
	case i == 0:
		return math.MinInt64
	case i > quantizeZero:
		return 1 << (i - quantizeZero - 1)
	default:
		return -(1 << (quantizeZero - i - 1))
	}
}

// Histogram is the value of a quantize aggregation: the lower bound of each
// bucket, and the number of values counted in it.
type Histogram struct {
	Values []int64 `json:"values"`
	Counts []int64 `json:"counts"`
}

// String renders the histogram as a text distribution chart.
func (h *Histogram) String() string {
	var total int64
	for _, n := range h.Counts {
		total += n
	}

	var sb strings.Builder
	sb.WriteString("          value  ------------- Distribution ------------- count\n")
	for i := range h.Values {
		var bar int64
		if total > 0 {
			bar = 40 * h.Counts[i] / total
		}
		fmt.Fprintf(&sb, "%15d |%-40s %d\n", h.Values[i], strings.Repeat("@", int(bar)), h.Counts[i])
	}
	return sb.String()
}

//
//
//

// PrintAggregation sends the contents of agg as a named grid, ordered by
// ascending value. Histograms are rendered as text.
func (rt *Runtime) PrintAggregation(name string, agg *Aggregation) {
	if rt.dummy || agg == nil {
		return
	}
	rt.PrintGrid(name, "", gridRows(agg.Rows()))
}

// PrintAggregations sends a named grid with one row per key of the first
// aggregation, holding the key elements followed by the value of that key in
// each aggregation, in order. Keys which only exist in later aggregations are
// ignored. If format is non-empty, it's used to format each row. Nothing is
// sent if the first aggregation is empty.
func (rt *Runtime) PrintAggregations(name, format string, aggs ...*Aggregation) {
	if rt.dummy || len(aggs) == 0 || aggs[0] == nil {
		return
	}

	keys := aggs[0].Keys()
	if len(keys) == 0 {
		return
	}

	rows := make([][]any, len(keys))
	for i, key := range keys {
		row := make([]any, 0, len(key.elems)+len(aggs))
		row = append(row, key.elems...)
		for _, agg := range aggs {
			var v int64
			if agg != nil {
				v = agg.Value(key)
			}
			row = append(row, v)
		}
		rows[i] = row
	}

	rt.PrintGrid(name, format, rows)
}

func gridRows(rows [][]any) [][]any {
	for _, row := range rows {
		for i, cell := range row {
			if h, ok := cell.(*Histogram); ok {
				row[i] = h.String()
			}
		}
	}
	return rows
}
