package trcagent

import (
	"context"
	"sync"
	"time"
)

// lowMemoryBacklog is how many low memory callbacks can wait for the worker
// before further notifications are dropped.
const lowMemoryBacklog = 16

// scheduler runs the timer and low memory callbacks of a runtime.
type scheduler struct {
	rt *Runtime

	mtx         sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	started     bool
	stopped     bool
	unsubscribe func()
	worker      *worker
}

func newScheduler(rt *Runtime) *scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &scheduler{
		rt:     rt,
		ctx:    ctx,
		cancel: cancel,
	}
}

// start schedules each timer, and subscribes to src if there are any low
// memory handlers. It does nothing if the scheduler was already started or
// stopped.
func (s *scheduler) start(h *handlers, src MemorySource) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.started || s.stopped {
		return
	}
	s.started = true

	for _, t := range h.timers {
		go s.runTimer(t)
	}

	if len(h.lowMemory) > 0 && src != nil {
		s.worker = newWorker(lowMemoryBacklog)
		s.unsubscribe = src.Subscribe(func(n MemoryNotification) {
			s.onMemory(h, n)
		})
	}
}

// stop cancels the timers, unsubscribes from memory notifications, and stops
// the worker without waiting for it. Pending low memory callbacks are
// dropped. It's safe to call stop from within a callback.
func (s *scheduler) stop() {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.stopped {
		return
	}
	s.stopped = true

	s.cancel()

	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}

	if s.worker != nil {
		s.worker.shutdownNow()
	}
}

// runTimer calls the timer function every period, starting one period from
// now, until the scheduler is stopped. Callback errors don't stop the timer.
func (s *scheduler) runTimer(t timer) {
	ticker := time.NewTicker(t.period)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.fire(&s.rt.callbacks.Timer, func() error { return t.fn(s.rt) })
		}
	}
}

func (s *scheduler) onMemory(h *handlers, n MemoryNotification) {
	mh, ok := h.lowMemory[n.Pool]
	if !ok {
		return
	}

	submitted := s.worker.submit(func() {
		s.fire(&s.rt.callbacks.LowMemory, func() error { return mh.Func(s.rt, n.Usage) })
	})
	if !submitted {
		s.rt.callbacks.Rejected.Add(1)
		s.rt.debug.Printf("%s: low memory %q: callback dropped", s.rt.name, n.Pool)
	}
}

// fire runs fn inside the runtime, routing errors and panics to the
// runtime's error handling.
func (s *scheduler) fire(counter interface{ Add(uint64) uint64 }, fn func() error) {
	if !s.rt.Enter() {
		return
	}
	defer s.rt.Leave()

	counter.Add(1)

	if err := invoke(fn); err != nil {
		s.rt.HandleError(err)
	}
}

//
//
//

// worker runs submitted tasks sequentially on a single goroutine.
type worker struct {
	tasks chan func()
	quit  chan struct{}
	once  sync.Once
}

func newWorker(backlog int) *worker {
	w := &worker{
		tasks: make(chan func(), backlog),
		quit:  make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *worker) loop() {
	for {
		select {
		case <-w.quit:
			return
		case task := <-w.tasks:
			select {
			case <-w.quit:
				return
			default:
				task()
			}
		}
	}
}

// submit queues task, and reports whether it was accepted. It never blocks.
func (w *worker) submit(task func()) bool {
	select {
	case <-w.quit:
		return false
	default:
	}

	select {
	case w.tasks <- task:
		return true
	default:
		return false
	}
}

// shutdownNow stops the worker after its current task, if any, dropping all
// pending tasks.
func (w *worker) shutdownNow() {
	w.once.Do(func() { close(w.quit) })
}
