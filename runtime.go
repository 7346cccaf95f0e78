package trcagent

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/peterbourgon/trcagent/internal/trcdebug"
	"github.com/peterbourgon/trcagent/internal/trcgls"
	"github.com/peterbourgon/trcagent/internal/trcqueue"
)

// State is the lifecycle state of a runtime.
type State int32

const (
	StateCreated   State = iota // registered, delivering, no handlers
	StateActivated              // handlers installed via Init
	StateRunning                // timers and memory notifications started
	StateDisabled               // terminal
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateActivated:
		return "activated"
	case StateRunning:
		return "running"
	case StateDisabled:
		return "disabled"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// Runtime is the per-client instance of the tracing runtime. It owns a
// bounded command queue, drained by a dedicated delivery goroutine into the
// client's listener, the client's speculative buffers, and the callbacks
// declared by the client's program.
//
// Runtimes are created by a [Supervisor]. All methods are safe for concurrent
// use, and all methods of a dummy runtime, returned by [Guard.Current] outside
// of any runtime, are no-ops.
type Runtime struct {
	sup        *Supervisor
	name       string
	id         ulid.ULID
	args       Args
	dummy      bool
	timestamps bool
	fileRoot   string
	info       *log.Logger
	debug      *log.Logger

	disabled atomic.Bool
	state    atomic.Int32
	level    atomic.Int64
	handlers atomic.Pointer[handlers]

	queue *trcqueue.Queue[Command]
	spec  *SpeculativeManager
	sched *scheduler

	initMtx    sync.Mutex
	currentErr trcgls.Local[error]

	exitMtx sync.Mutex
	exited  bool

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	teardown sync.Once

	commands  trcdebug.CommandCounters
	callbacks trcdebug.CallbackCounters
}

// handlers is the resolved form of a program, with templates evaluated.
type handlers struct {
	timers    []timer
	events    map[string]func(*Runtime) error
	lowMemory map[string]LowMemoryHandler
	onExit    func(*Runtime, int) error
	onError   func(*Runtime, error) error
}

type timer struct {
	name   string
	period time.Duration
	fn     func(*Runtime) error
}

var runtimeIDEntropy = ulid.DefaultEntropy()

func newRuntime(sup *Supervisor, name string, args []string, listener CommandListener) *Runtime {
	if listener == nil {
		listener = nopListener{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	rt := &Runtime{
		sup:        sup,
		name:       name,
		id:         ulid.MustNew(ulid.Timestamp(time.Now()), runtimeIDEntropy),
		args:       append(Args(nil), args...),
		timestamps: sup.cfg.Timestamps,
		fileRoot:   sup.cfg.FileRoot,
		info:       sup.cfg.Info,
		debug:      sup.cfg.Debug,
		queue:      trcqueue.New[Command](sup.cfg.QueueLimit),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	rt.spec = NewSpeculativeManager(&rt.commands)
	rt.sched = newScheduler(rt)

	if s, ok := rt.args.Get("level"); ok {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			rt.level.Store(n)
		} else {
			rt.debug.Printf("%s: ignoring invalid level %q", name, s)
		}
	}

	go rt.deliver(listener)

	return rt
}

func newDummyRuntime(sup *Supervisor) *Runtime {
	rt := &Runtime{
		sup:   sup,
		name:  "",
		dummy: true,
		info:  sup.cfg.Info,
		debug: sup.cfg.Debug,
		done:  make(chan struct{}),
	}
	rt.disabled.Store(true)
	close(rt.done)
	return rt
}

// Name returns the client name of the runtime.
func (rt *Runtime) Name() string {
	return rt.name
}

// ID returns a unique identifier for this runtime instance. Runtimes created
// for the same client name at different times have different IDs.
func (rt *Runtime) ID() string {
	if rt.dummy {
		return ""
	}
	return rt.id.String()
}

// Args returns the arguments the runtime was created with.
func (rt *Runtime) Args() Args {
	return rt.args
}

// State returns the current lifecycle state of the runtime.
func (rt *Runtime) State() State {
	if rt.dummy {
		return StateDisabled
	}
	return State(rt.state.Load())
}

// Disabled returns true once the runtime has exited or been torn down.
func (rt *Runtime) Disabled() bool {
	return rt.disabled.Load()
}

// Done returns a channel which is closed when the delivery goroutine has
// finished and the runtime is fully torn down.
func (rt *Runtime) Done() <-chan struct{} {
	return rt.done
}

// Level returns the instrumentation level, which probes can use to decide how
// much work to do. It's initialized from the level=N argument.
func (rt *Runtime) Level() int {
	return int(rt.level.Load())
}

// SetLevel sets the instrumentation level.
func (rt *Runtime) SetLevel(level int) {
	rt.level.Store(int64(level))
}

// Enter marks the calling goroutine as inside the runtime. It returns false if
// the runtime is disabled, or if the goroutine is already inside a runtime, in
// which case the caller must not run trace logic. See [Guard.Enter].
func (rt *Runtime) Enter() bool {
	if rt.dummy {
		return false
	}
	return rt.sup.guard.Enter(rt)
}

// Leave marks the calling goroutine as outside the runtime.
func (rt *Runtime) Leave() {
	if rt.dummy {
		return
	}
	rt.sup.guard.Leave()
}

// Init installs the handlers declared by prog, and moves the runtime to the
// activated state. Handler names, pools, and periods may reference program
// arguments via ${key} templates. Handlers without a function, and timers
// without a positive period, are skipped. Init is idempotent: once a program
// is installed, subsequent calls do nothing.
func (rt *Runtime) Init(prog *Program) error {
	if rt.dummy {
		return nil
	}

	rt.initMtx.Lock()
	defer rt.initMtx.Unlock()

	if rt.handlers.Load() != nil {
		return nil
	}

	if prog == nil {
		return fmt.Errorf("init %s: nil program", rt.name)
	}

	if prog.Name != "" && prog.Name != rt.name {
		return fmt.Errorf("init %s: program is for client %q", rt.name, prog.Name)
	}

	if rt.Disabled() {
		return fmt.Errorf("init %s: %w", rt.name, ErrDisabled)
	}

	h := &handlers{
		events:    map[string]func(*Runtime) error{},
		lowMemory: map[string]LowMemoryHandler{},
		onExit:    prog.OnExit,
		onError:   prog.OnError,
	}

	for _, th := range prog.Timers {
		period := th.Period
		if th.PeriodArg != "" {
			if d, ok := parsePeriod(rt.args.Template(th.PeriodArg)); ok {
				period = d
			} else {
				rt.debug.Printf("%s: timer %q: invalid period arg %q, using %s", rt.name, th.Name, th.PeriodArg, period)
			}
		}
		if th.Func == nil || period <= 0 {
			rt.debug.Printf("%s: timer %q: skipped (no func or invalid period %s)", rt.name, th.Name, period)
			continue
		}
		h.timers = append(h.timers, timer{name: th.Name, period: period, fn: th.Func})
	}

	for _, eh := range prog.Events {
		if eh.Func == nil {
			rt.debug.Printf("%s: event %q: skipped (no func)", rt.name, eh.Event)
			continue
		}
		name := rt.args.Template(eh.Event)
		if name == "" {
			name = AllEvents
		}
		h.events[name] = eh.Func
	}

	for _, mh := range prog.LowMemory {
		if mh.Func == nil {
			rt.debug.Printf("%s: low memory %q: skipped (no func)", rt.name, mh.Pool)
			continue
		}
		mh.Pool = rt.args.Template(mh.Pool)
		h.lowMemory[mh.Pool] = mh
	}

	if src := rt.sup.cfg.Memory; src != nil && len(h.lowMemory) > 0 {
		for _, pool := range src.Pools() {
			mh, ok := h.lowMemory[pool.Name()]
			if !ok {
				continue
			}
			if !pool.SetUsageThreshold(mh.Threshold) {
				rt.debug.Printf("%s: low memory %q: pool doesn't support thresholds", rt.name, pool.Name())
			}
		}
	}

	rt.handlers.Store(h)
	rt.setState(StateActivated)
	rt.debug.Printf("%s: activated: %d timer(s), %d event(s), %d low memory", rt.name, len(h.timers), len(h.events), len(h.lowMemory))

	return nil
}

// Start schedules the timers and subscribes to memory notifications declared
// by the installed program, and moves the runtime to the running state. If
// the calling goroutine is inside this runtime, it's marked as outside,
// dropping the marker set when the program was loaded. A goroutine inside a
// different runtime stays there. Start is idempotent.
func (rt *Runtime) Start() error {
	if rt.dummy {
		return nil
	}

	rt.initMtx.Lock()
	defer rt.initMtx.Unlock()

	h := rt.handlers.Load()
	if h == nil {
		return fmt.Errorf("start %s: %w", rt.name, ErrNotActivated)
	}

	if rt.State() == StateActivated {
		rt.sched.start(h, rt.sup.cfg.Memory)
		rt.setState(StateRunning)
		rt.info.Printf("%s: running (%s)", rt.name, rt.ID())
	}

	if rt.sup.guard.Current() == rt {
		rt.Leave()
	}
	return nil
}

// setState moves the runtime forward to s. The state never moves backward.
func (rt *Runtime) setState(s State) {
	for {
		cur := rt.state.Load()
		if cur >= int32(s) || rt.state.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

// Fire runs probe on the calling goroutine, on behalf of the runtime. If the
// runtime is disabled, or the goroutine is already inside a runtime, the
// probe isn't run. Errors and panics from the probe are routed to
// [Runtime.HandleError], and never reach the caller.
func (rt *Runtime) Fire(probe Probe, call *Call) {
	if !rt.Enter() {
		return
	}
	defer rt.Leave()

	if call == nil {
		call = &Call{}
	}

	if err := invoke(func() error { return probe(rt, call) }); err != nil {
		rt.HandleError(err)
	}
}

// Send delivers cmd to the client. If the calling goroutine has an active
// speculative buffer, cmd goes to that buffer. Otherwise it's put on the
// command queue, blocking while the queue is full. Commands sent after the
// runtime is disabled are dropped.
func (rt *Runtime) Send(cmd Command) {
	rt.SendContext(rt.ctx, cmd)
}

// SendContext is like Send, but returns an error if ctx is canceled while
// waiting for room in the queue, or if the command was dropped.
func (rt *Runtime) SendContext(ctx context.Context, cmd Command) error {
	if rt.dummy {
		return nil
	}

	if rt.Disabled() {
		rt.commands.Dropped.Add(1)
		return ErrDisabled
	}

	if rt.spec.Send(cmd) {
		return nil
	}

	return rt.enqueue(ctx, cmd)
}

// enqueue puts cmd on the command queue, bypassing speculation and the
// disabled check.
func (rt *Runtime) enqueue(ctx context.Context, cmd Command) error {
	if err := rt.queue.Put(ctx, cmd); err != nil {
		rt.commands.Dropped.Add(1)
		rt.debug.Printf("%s: dropped %s command: %v", rt.name, cmd.Kind(), err)
		return err
	}
	rt.commands.Enqueued.Add(1)
	return nil
}

func (rt *Runtime) stamp() Stamp {
	if rt.timestamps {
		return Now()
	}
	return 0
}

// Print sends s as a message.
func (rt *Runtime) Print(s string) {
	if rt.dummy {
		return
	}
	rt.Send(Message{TS: rt.stamp(), Text: s})
}

// Println sends s, followed by a newline, as a message.
func (rt *Runtime) Println(s string) {
	rt.Print(s + "\n")
}

// Printf formats according to a format specifier and sends the result as a
// message.
func (rt *Runtime) Printf(format string, args ...any) {
	if rt.dummy {
		return
	}
	rt.Print(fmt.Sprintf(format, args...))
}

// PrintNumber sends a named number.
func (rt *Runtime) PrintNumber(name string, value float64) {
	if rt.dummy {
		return
	}
	c := NewNumber(name, value)
	c.TS = rt.stamp()
	rt.Send(c)
}

// PrintNumberMap sends a copy of data as a named number map.
func (rt *Runtime) PrintNumberMap(name string, data map[string]float64) {
	if rt.dummy {
		return
	}
	c := NewNumberMap(name, data)
	c.TS = rt.stamp()
	rt.Send(c)
}

// PrintStringMap sends a copy of data as a named string map.
func (rt *Runtime) PrintStringMap(name string, data map[string]string) {
	if rt.dummy {
		return
	}
	c := NewStringMap(name, data)
	c.TS = rt.stamp()
	rt.Send(c)
}

// PrintGrid sends a copy of rows as a named grid. If format is non-empty,
// it's used to format each row.
func (rt *Runtime) PrintGrid(name, format string, rows [][]any) {
	if rt.dummy {
		return
	}
	c := NewGrid(name, format, rows)
	c.TS = rt.stamp()
	rt.Send(c)
}

// Speculation allocates a new speculative buffer and returns its ID, or
// [NoSpeculation] if no more buffers can be allocated.
func (rt *Runtime) Speculation() int {
	if rt.dummy {
		return NoSpeculation
	}
	return rt.spec.NewBuffer()
}

// Speculate binds the calling goroutine to the speculative buffer with the
// given ID, so subsequent sends from the goroutine go to the buffer.
func (rt *Runtime) Speculate(id int) error {
	if rt.dummy {
		return nil
	}
	return rt.spec.Activate(id)
}

// Commit moves the contents of the speculative buffer with the given ID onto
// the command queue, as a contiguous block, and unbinds the calling goroutine.
func (rt *Runtime) Commit(id int) error {
	if rt.dummy {
		return nil
	}
	return rt.spec.Commit(rt.ctx, id, rt.queue)
}

// Discard drops the contents of the speculative buffer with the given ID, and
// unbinds the calling goroutine.
func (rt *Runtime) Discard(id int) error {
	if rt.dummy {
		return nil
	}
	return rt.spec.Discard(id)
}

// Exit returns an error which, when returned from a probe or callback, ends
// the session with the given code. The error propagates through any number of
// frames; the runtime runs the exit sequence when it reaches the outermost
// one.
//
//	if count > limit {
//	    return rt.Exit(0)
//	}
func (rt *Runtime) Exit(code int) error {
	return &ExitError{Code: code}
}

// ResolveFileName returns a path for a file with the given name, within a
// directory specific to the runtime, creating the directory if necessary. The
// name must not contain directories.
func (rt *Runtime) ResolveFileName(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fmt.Errorf("invalid file name %q: directories are not allowed", name)
	}

	root := rt.fileRoot
	if root == "" {
		root = "."
	}

	dir := filepath.Join(root, "trcagent"+rt.args.At(0), rt.name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create directory: %w", err)
	}

	return filepath.Join(dir, name), nil
}

// Interrupt stops the runtime's delivery goroutine without sending an exit
// command. Pending commands are dropped, and blocked senders return.
func (rt *Runtime) Interrupt() {
	if rt.dummy {
		return
	}
	rt.cancel()
}
