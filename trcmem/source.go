// Package trcmem provides a memory source for tracing runtimes, backed by the
// Go runtime's own memory metrics.
package trcmem

import (
	"context"
	"runtime/metrics"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/peterbourgon/trcagent"
)

// Pool names.
const (
	PoolHeap        = "heap"         // bytes of live and unswept heap objects
	PoolHeapObjects = "heap-objects" // count of heap objects, not bytes
	PoolStacks      = "stacks"       // goroutine and OS thread stacks
	PoolTotal       = "total"        // all memory mapped by the Go runtime
)

// DefaultInterval is how often a source samples memory metrics.
const DefaultInterval = time.Second

const (
	metricHeapObjects   = "/memory/classes/heap/objects:bytes"
	metricHeapUnused    = "/memory/classes/heap/unused:bytes"
	metricHeapFree      = "/memory/classes/heap/free:bytes"
	metricHeapReleased  = "/memory/classes/heap/released:bytes"
	metricHeapStacks    = "/memory/classes/heap/stacks:bytes"
	metricOSStacks      = "/memory/classes/os-stacks:bytes"
	metricTotal         = "/memory/classes/total:bytes"
	metricObjectCount   = "/gc/heap/objects:objects"
	metricGoMemoryLimit = "/gc/gomemlimit:bytes"
)

var metricNames = []string{
	metricHeapObjects,
	metricHeapUnused,
	metricHeapFree,
	metricHeapReleased,
	metricHeapStacks,
	metricOSStacks,
	metricTotal,
	metricObjectCount,
	metricGoMemoryLimit,
}

// Source is a trcagent.MemorySource which samples runtime/metrics at a fixed
// interval. Threshold notifications are edge-triggered: a pool notifies once
// when its usage reaches the threshold, and is re-armed when usage falls
// below the threshold again.
type Source struct {
	interval time.Duration
	read     func() map[string]uint64
	pools    []*pool

	sampleMtx sync.Mutex
	samples   []metrics.Sample

	mtx    sync.Mutex
	nextID uint64
	subs   map[uint64]func(trcagent.MemoryNotification)
}

var _ trcagent.MemorySource = (*Source)(nil)

// NewSource returns a source sampling every interval. A non-positive interval
// means DefaultInterval. The source doesn't sample until Run is called.
func NewSource(interval time.Duration) *Source {
	if interval <= 0 {
		interval = DefaultInterval
	}

	s := &Source{
		interval: interval,
		samples:  make([]metrics.Sample, len(metricNames)),
		subs:     map[uint64]func(trcagent.MemoryNotification){},
	}

	for i, name := range metricNames {
		s.samples[i].Name = name
	}
	s.read = s.readMetrics

	for _, name := range []string{PoolHeap, PoolHeapObjects, PoolStacks, PoolTotal} {
		s.pools = append(s.pools, &pool{name: name, src: s})
	}

	return s
}

// Pools implements trcagent.MemorySource.
func (s *Source) Pools() []trcagent.MemoryPool {
	res := make([]trcagent.MemoryPool, len(s.pools))
	for i, p := range s.pools {
		res[i] = p
	}
	return res
}

// Subscribe implements trcagent.MemorySource.
func (s *Source) Subscribe(fn func(trcagent.MemoryNotification)) func() {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	id := s.nextID
	s.nextID++
	s.subs[id] = fn

	return func() {
		s.mtx.Lock()
		defer s.mtx.Unlock()
		delete(s.subs, id)
	}
}

// Run samples memory metrics every interval until ctx is canceled, and
// returns ctx.Err().
func (s *Source) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Poll()
		}
	}
}

// Poll takes a single sample, and delivers notifications for every pool
// whose usage reached its threshold since the previous sample.
func (s *Source) Poll() {
	usages := s.sample()

	var notes []trcagent.MemoryNotification
	for _, p := range s.pools {
		if n, ok := p.check(usages[p.name]); ok {
			notes = append(notes, n)
		}
	}
	if len(notes) <= 0 {
		return
	}

	s.mtx.Lock()
	ids := make([]uint64, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(trcagent.MemoryNotification), len(ids))
	for i, id := range ids {
		fns[i] = s.subs[id]
	}
	s.mtx.Unlock()

	for _, n := range notes {
		for _, fn := range fns {
			fn(n)
		}
	}
}

func (s *Source) readMetrics() map[string]uint64 {
	s.sampleMtx.Lock()
	defer s.sampleMtx.Unlock()

	metrics.Read(s.samples)

	vals := make(map[string]uint64, len(s.samples))
	for _, sample := range s.samples {
		if sample.Value.Kind() == metrics.KindUint64 {
			vals[sample.Name] = sample.Value.Uint64()
		}
	}

	return vals
}

func (s *Source) sample() map[string]trcagent.MemoryUsage {
	vals := s.read()

	limit := vals[metricGoMemoryLimit]
	if limit >= 1<<63-1 {
		limit = 0 // no limit
	}

	var (
		heapUsed   = vals[metricHeapObjects]
		heapCommit = heapUsed + vals[metricHeapUnused] + vals[metricHeapFree]
		stacks     = vals[metricHeapStacks] + vals[metricOSStacks]
		total      = vals[metricTotal]
		released   = vals[metricHeapReleased]
		objects    = vals[metricObjectCount]
	)

	return map[string]trcagent.MemoryUsage{
		PoolHeap:        {Used: heapUsed, Committed: heapCommit, Max: limit},
		PoolHeapObjects: {Used: objects, Committed: objects},
		PoolStacks:      {Used: stacks, Committed: stacks},
		PoolTotal:       {Used: total - min(released, total), Committed: total, Max: limit},
	}
}

//
//
//

type pool struct {
	name string
	src  *Source

	threshold atomic.Uint64 // zero means disabled

	mtx   sync.Mutex
	fired bool
	count uint64
}

func (p *pool) Name() string { return p.name }

func (p *pool) Usage() trcagent.MemoryUsage { return p.src.sample()[p.name] }

func (p *pool) SetUsageThreshold(bytes uint64) bool {
	p.threshold.Store(bytes)

	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.fired = false

	return true
}

// check returns a notification if usage reached the threshold, and the pool
// hadn't already notified for the current excursion.
func (p *pool) check(u trcagent.MemoryUsage) (trcagent.MemoryNotification, bool) {
	threshold := p.threshold.Load()
	if threshold == 0 {
		return trcagent.MemoryNotification{}, false
	}

	p.mtx.Lock()
	defer p.mtx.Unlock()

	if u.Used < threshold {
		p.fired = false
		return trcagent.MemoryNotification{}, false
	}

	if p.fired {
		return trcagent.MemoryNotification{}, false
	}

	p.fired = true
	p.count++

	return trcagent.MemoryNotification{Pool: p.name, Usage: u, Count: p.count}, true
}
