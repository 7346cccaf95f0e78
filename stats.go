package trcagent

import "fmt"

// Stats is a snapshot of the activity of a runtime.
type Stats struct {
	Client string `json:"client"`
	ID     string `json:"id"`
	State  string `json:"state"`

	QueueLength   int `json:"queue_length"`
	QueueCapacity int `json:"queue_capacity"`
	Speculations  int `json:"speculations"`

	Enqueued   uint64 `json:"enqueued"`
	Speculated uint64 `json:"speculated"`
	Committed  uint64 `json:"committed"`
	Discarded  uint64 `json:"discarded"`
	Overflowed uint64 `json:"overflowed"`
	Dropped    uint64 `json:"dropped"`
	Delivered  uint64 `json:"delivered"`
	Failed     uint64 `json:"failed"`

	TimerCalls     uint64 `json:"timer_calls"`
	EventCalls     uint64 `json:"event_calls"`
	LowMemoryCalls uint64 `json:"low_memory_calls"`
	Rejected       uint64 `json:"rejected"`
	Errors         uint64 `json:"errors"`
}

// String implements fmt.Stringer.
func (s Stats) String() string {
	return fmt.Sprintf(
		"%s (%s) %s: queue %d/%d, enqueued %d, delivered %d, failed %d, dropped %d, speculated %d, committed %d, discarded %d, overflowed %d, errors %d",
		s.Client, s.ID, s.State,
		s.QueueLength, s.QueueCapacity,
		s.Enqueued, s.Delivered, s.Failed, s.Dropped,
		s.Speculated, s.Committed, s.Discarded, s.Overflowed,
		s.Errors,
	)
}

// Stats returns a snapshot of the runtime's activity.
func (rt *Runtime) Stats() Stats {
	if rt.dummy {
		return Stats{State: StateDisabled.String()}
	}

	enqueued, speculated, committed, discarded, overflowed, dropped, delivered, failed := rt.commands.Values()

	return Stats{
		Client:         rt.name,
		ID:             rt.ID(),
		State:          rt.State().String(),
		QueueLength:    rt.queue.Len(),
		QueueCapacity:  rt.queue.Cap(),
		Speculations:   rt.spec.Len(),
		Enqueued:       enqueued,
		Speculated:     speculated,
		Committed:      committed,
		Discarded:      discarded,
		Overflowed:     overflowed,
		Dropped:        dropped,
		Delivered:      delivered,
		Failed:         failed,
		TimerCalls:     rt.callbacks.Timer.Load(),
		EventCalls:     rt.callbacks.Event.Load(),
		LowMemoryCalls: rt.callbacks.LowMemory.Load(),
		Rejected:       rt.callbacks.Rejected.Load(),
		Errors:         rt.callbacks.Errors.Load(),
	}
}
