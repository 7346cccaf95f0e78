package trcagent

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/peterbourgon/trcagent/internal/trcdebug"
	"github.com/peterbourgon/trcagent/internal/trcgls"
	"github.com/peterbourgon/trcagent/internal/trcqueue"
)

const (
	// MaxSpeculativeBuffers is the maximum number of speculative buffers a
	// runtime allocates over its lifetime. IDs are never reused.
	MaxSpeculativeBuffers = math.MaxInt16

	// MaxSpeculativeCommands is the maximum number of commands a single
	// speculative buffer holds before it overflows.
	MaxSpeculativeCommands = math.MaxInt16

	// NoSpeculation is returned in place of a buffer ID when no more buffers
	// can be allocated.
	NoSpeculation = -1
)

// SpeculativeManager owns the speculative buffers of a single runtime, and
// tracks which buffer, if any, each goroutine is currently sending into.
type SpeculativeManager struct {
	mtx      sync.Mutex
	next     int
	buffers  map[int]*speculativeBuffer
	cleared  bool
	active   trcgls.Local[int]
	counters *trcdebug.CommandCounters
}

type speculativeBuffer struct {
	mtx        sync.Mutex
	id         int
	cmds       *trcqueue.Queue[Command]
	overflowed bool
	drained    bool // committed or discarded
}

// NewSpeculativeManager returns an empty manager, which reports to counters
// if they're non-nil.
func NewSpeculativeManager(counters *trcdebug.CommandCounters) *SpeculativeManager {
	if counters == nil {
		counters = &trcdebug.CommandCounters{}
	}
	return &SpeculativeManager{
		buffers:  map[int]*speculativeBuffer{},
		counters: counters,
	}
}

// NewBuffer allocates a new speculative buffer and returns its ID. IDs are
// assigned sequentially from zero. Once [MaxSpeculativeBuffers] IDs have been
// allocated, or after the manager is cleared, NewBuffer returns
// [NoSpeculation].
func (m *SpeculativeManager) NewBuffer() int {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if m.cleared || m.next >= MaxSpeculativeBuffers {
		return NoSpeculation
	}

	id := m.next
	m.next++
	m.buffers[id] = &speculativeBuffer{
		id:   id,
		cmds: trcqueue.New[Command](MaxSpeculativeCommands),
	}
	return id
}

// Activate binds the calling goroutine to the buffer with the given ID, so
// that subsequent sends from the goroutine go to that buffer.
func (m *SpeculativeManager) Activate(id int) error {
	if _, ok := m.lookup(id); !ok {
		return fmt.Errorf("%w: %d", ErrInvalidSpeculation, id)
	}
	m.active.Set(id)
	return nil
}

// Active returns the ID of the buffer the calling goroutine is bound to.
func (m *SpeculativeManager) Active() (int, bool) {
	return m.active.Get()
}

// Send appends cmd to the calling goroutine's active buffer, and returns true.
// It returns false, and does nothing, if the goroutine has no active buffer,
// if the buffer no longer exists or is being committed or discarded, or if
// cmd is an exit command, which must always go to the main queue.
//
// A buffer that would exceed [MaxSpeculativeCommands] overflows: its contents
// are replaced by a single diagnostic message, and further sends into it are
// absorbed.
func (m *SpeculativeManager) Send(cmd Command) bool {
	if IsExit(cmd) {
		return false
	}

	id, ok := m.active.Get()
	if !ok {
		return false
	}

	buf, ok := m.lookup(id)
	if !ok {
		return false
	}

	buf.mtx.Lock()
	defer buf.mtx.Unlock()

	switch {
	case buf.drained:
		return false
	case buf.overflowed:
		m.counters.Dropped.Add(1)
	case buf.cmds.Offer(cmd):
		m.counters.Speculated.Add(1)
	default:
		buf.cmds.Clear()
		buf.cmds.Offer(NewMessage(fmt.Sprintf("speculative buffer overflow: %d", buf.id)))
		buf.overflowed = true
		m.counters.Overflowed.Add(1)
	}

	return true
}

// Commit moves the contents of the buffer with the given ID onto dst, in
// order and as a contiguous block, and forgets the buffer. The calling
// goroutine is unbound from its active buffer. Commit blocks while dst is
// full, and returns early if ctx is canceled or dst is closed, in which case
// the remaining commands are lost.
func (m *SpeculativeManager) Commit(ctx context.Context, id int, dst *trcqueue.Queue[Command]) error {
	buf, ok := m.remove(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrInvalidSpeculation, id)
	}

	m.active.Delete()

	cmds := buf.drain()
	if err := dst.PutAll(ctx, cmds); err != nil {
		return fmt.Errorf("commit speculation %d: %w", id, err)
	}

	m.counters.Committed.Add(uint64(len(cmds)))
	return nil
}

// Discard drops the contents of the buffer with the given ID, and forgets the
// buffer. The calling goroutine is unbound from its active buffer.
func (m *SpeculativeManager) Discard(id int) error {
	buf, ok := m.remove(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrInvalidSpeculation, id)
	}

	m.active.Delete()

	m.counters.Discarded.Add(uint64(len(buf.drain())))
	return nil
}

// Len returns the number of live buffers.
func (m *SpeculativeManager) Len() int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return len(m.buffers)
}

// Clear drops every buffer and every goroutine binding. A cleared manager
// allocates no further buffers.
func (m *SpeculativeManager) Clear() {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	m.buffers = map[int]*speculativeBuffer{}
	m.cleared = true
	m.active.Reset()
}

func (m *SpeculativeManager) lookup(id int) (*speculativeBuffer, bool) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	buf, ok := m.buffers[id]
	return buf, ok
}

// remove is the single point where a buffer is forgotten, so that exactly one
// of any concurrent commits or discards of the same ID succeeds.
func (m *SpeculativeManager) remove(id int) (*speculativeBuffer, bool) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	buf, ok := m.buffers[id]
	if ok {
		delete(m.buffers, id)
	}
	return buf, ok
}

// drain empties the buffer for good. Sends that looked the buffer up before
// it was removed, but lock it afterwards, see the drained flag and fall back
// to the main queue.
func (b *speculativeBuffer) drain() []Command {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.drained = true
	return b.cmds.Drain()
}
