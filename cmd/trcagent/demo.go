package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/peterbourgon/trcagent"
	"github.com/peterbourgon/trcagent/internal/trcutil"
	"github.com/peterbourgon/trcagent/trcdump"
	"github.com/peterbourgon/trcagent/trcmem"
)

var errBackend = errors.New("backend unavailable")

// demo is a trace program observing a fake key-value service, and the
// service itself.
type demo struct {
	cfg workloadConfig

	mtx   sync.Mutex
	stats map[string]*methodStats

	calls   *trcagent.Aggregation // count by method
	errs    *trcagent.Aggregation // sum of failures by method
	latency *trcagent.Aggregation // quantized microseconds by method
}

type methodStats struct {
	Calls  int           `yaml:"calls" json:"calls"`
	Errors int           `yaml:"errors" json:"errors"`
	Total  time.Duration `yaml:"total" json:"total"`
	Max    time.Duration `yaml:"max" json:"max"`
}

func newDemo(cfg workloadConfig) *demo {
	return &demo{
		cfg:     cfg,
		stats:   map[string]*methodStats{},
		calls:   trcagent.NewAggregation(trcagent.AggregateCount),
		errs:    trcagent.NewAggregation(trcagent.AggregateSum),
		latency: trcagent.NewAggregation(trcagent.AggregateQuantize),
	}
}

func (d *demo) program(name string) *trcagent.Program {
	return &trcagent.Program{
		Name: name,
		Timers: []trcagent.TimerHandler{
			{Name: "stats", Period: 5 * time.Second, PeriodArg: "${period}", Func: d.onStats},
		},
		Events: []trcagent.EventHandler{
			{Event: "dump", Func: d.onDump},
			{Event: "heap", Func: d.onHeap},
			{Event: "graph", Func: d.onGraph},
			{Event: "reset", Func: d.onReset},
			{Event: trcagent.AllEvents, Func: d.onUnknownEvent},
		},
		LowMemory: []trcagent.LowMemoryHandler{
			{Pool: trcmem.PoolHeap, Threshold: d.cfg.HeapThreshold, Func: d.onLowMemory},
		},
		OnExit: func(rt *trcagent.Runtime, code int) error {
			rt.Printf("%s: exit %d after %d calls\n", rt.Name(), code, d.totalCalls())
			return nil
		},
	}
}

// probe fires after every service call. Slow calls are described
// speculatively, and the description is only committed if the call failed.
func (d *demo) probe(rt *trcagent.Runtime, call *trcagent.Call) error {
	d.record(call)

	key, err := trcagent.NewAggregationKey(call.Method)
	if err != nil {
		return err
	}
	var failed int64
	if call.Err != nil {
		failed = 1
	}
	d.calls.AddKey(key, 1)
	d.errs.AddKey(key, failed)
	d.latency.AddKey(key, call.Duration.Microseconds())

	if rt.Level() >= 2 {
		rt.Printf("%s.%s(%v) %s\n", call.Class, call.Method, call.Args, call.Duration)
	}

	if call.Duration < d.cfg.SlowThreshold {
		return nil
	}

	id := rt.Speculation()
	if id == trcagent.NoSpeculation {
		return nil
	}
	if err := rt.Speculate(id); err != nil {
		return err
	}
	rt.Printf("slow call: %s.%s(%v) took %s\n", call.Class, call.Method, call.Args, call.Duration)
	rt.PrintNumber(call.Method+".slow", call.Duration.Seconds())

	if call.Err != nil {
		return rt.Commit(id)
	}
	return rt.Discard(id)
}

func (d *demo) record(call *trcagent.Call) {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	s, ok := d.stats[call.Method]
	if !ok {
		s = &methodStats{}
		d.stats[call.Method] = s
	}
	s.Calls++
	if call.Err != nil {
		s.Errors++
	}
	s.Total += call.Duration
	if call.Duration > s.Max {
		s.Max = call.Duration
	}
}

func (d *demo) snapshot() map[string]methodStats {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	res := make(map[string]methodStats, len(d.stats))
	for method, s := range d.stats {
		res[method] = *s
	}
	return res
}

func (d *demo) totalCalls() int {
	var n int
	for _, s := range d.snapshot() {
		n += s.Calls
	}
	return n
}

func (d *demo) onStats(rt *trcagent.Runtime) error {
	snap := d.snapshot()

	methods := make([]string, 0, len(snap))
	for method := range snap {
		methods = append(methods, method)
	}
	sort.Strings(methods)

	calls := map[string]float64{}
	rows := [][]any{{"method", "calls", "errors", "mean", "max"}}
	for _, method := range methods {
		s := snap[method]
		calls[method] = float64(s.Calls)

		var mean time.Duration
		if s.Calls > 0 {
			mean = s.Total / time.Duration(s.Calls)
		}
		rows = append(rows, []any{method, s.Calls, s.Errors, mean.Round(time.Microsecond).String(), s.Max.Round(time.Microsecond).String()})
	}

	rt.PrintNumberMap("calls", calls)
	rt.PrintGrid("latency", "", rows)
	rt.PrintAggregations("calls/errors", "%-8s %8d %8d\n", d.calls, d.errs)
	rt.PrintAggregation("latency distribution (us)", d.latency)
	return nil
}

func (d *demo) onDump(rt *trcagent.Runtime) error {
	path, err := trcdump.WriteYAML(rt, d.snapshot(), "stats.yaml")
	if err != nil {
		return err
	}
	if _, err := trcdump.Serialize(rt, d.snapshot(), "stats.cbor"); err != nil {
		return err
	}
	rt.Printf("wrote %s\n", path)
	return nil
}

func (d *demo) onHeap(rt *trcagent.Runtime) error {
	path, err := trcdump.DumpHeap(rt, "heap.pprof", true)
	if err != nil {
		return err
	}
	rt.Printf("wrote %s\n", path)
	return nil
}

func (d *demo) onGraph(rt *trcagent.Runtime) error {
	path, err := trcdump.WriteDOT(rt, d.snapshot(), "stats.dot")
	if err != nil {
		return err
	}
	rt.Printf("wrote %s\n", path)
	return nil
}

func (d *demo) onReset(rt *trcagent.Runtime) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.stats = map[string]*methodStats{}
	for _, agg := range []*trcagent.Aggregation{d.calls, d.errs, d.latency} {
		agg.Truncate(0)
	}
	rt.Println("stats reset")
	return nil
}

func (d *demo) onUnknownEvent(rt *trcagent.Runtime) error {
	rt.Println("unknown event; try dump, heap, graph, reset")
	return nil
}

func (d *demo) onLowMemory(rt *trcagent.Runtime, u trcagent.MemoryUsage) error {
	rt.PrintStringMap("low memory", map[string]string{
		"pool":      trcmem.PoolHeap,
		"used":      trcutil.HumanizeBytes(u.Used),
		"committed": trcutil.HumanizeBytes(u.Committed),
	})
	return nil
}

//
//
//

// runWorkload calls the fake service from several goroutines until ctx is
// canceled, firing the probe after every call.
func (d *demo) runWorkload(ctx context.Context, rt *trcagent.Runtime) error {
	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			d.runWorker(ctx, rt, rand.New(rand.NewSource(seed)))
		}(time.Now().UnixNano() + int64(i))
	}
	wg.Wait()
	return ctx.Err()
}

func (d *demo) runWorker(ctx context.Context, rt *trcagent.Runtime, rng *rand.Rand) {
	methods := []string{"Get", "Put", "Delete", "Scan"}

	ticker := time.NewTicker(d.cfg.CallInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		var (
			method = methods[rng.Intn(len(methods))]
			key    = fmt.Sprintf("key-%03d", rng.Intn(1000))
			begin  = time.Now()
			err    = d.serve(ctx, rng, method)
		)

		rt.Fire(d.probe, &trcagent.Call{
			Class:    "kv.Store",
			Method:   method,
			Args:     []any{key},
			Err:      err,
			Duration: time.Since(begin),
		})
	}
}

// serve pretends to handle a request. Scans are slower than point lookups.
func (d *demo) serve(ctx context.Context, rng *rand.Rand, method string) error {
	delay := time.Duration(rng.Intn(int(d.cfg.SlowThreshold/time.Microsecond)+1)) * time.Microsecond
	if method == "Scan" {
		delay *= 2
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
	}

	if rng.Float64() < d.cfg.ErrorRate {
		return fmt.Errorf("%s: %w", method, errBackend)
	}
	return nil
}
