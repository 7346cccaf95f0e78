package trcagent

// MemoryUsage is a snapshot of the usage of a memory pool, in bytes.
type MemoryUsage struct {
	Used      uint64 `json:"used"`
	Committed uint64 `json:"committed"`
	Max       uint64 `json:"max,omitempty"` // zero if undefined
}

// MemoryPool is a named region of memory whose usage can be observed.
type MemoryPool interface {
	Name() string
	Usage() MemoryUsage

	// SetUsageThreshold arms a notification for when the pool's used bytes
	// cross the given threshold. It returns false if the pool doesn't support
	// thresholds, in which case it has no effect.
	SetUsageThreshold(bytes uint64) bool
}

// MemoryNotification reports that a pool's usage crossed its threshold.
type MemoryNotification struct {
	Pool  string      `json:"pool"`
	Usage MemoryUsage `json:"usage"`
	Count uint64      `json:"count"` // number of times the threshold was crossed
}

// MemorySource provides memory pools and threshold notifications.
type MemorySource interface {
	Pools() []MemoryPool

	// Subscribe registers fn to be called for every notification, and returns
	// a function that cancels the subscription. The function may be called
	// from any goroutine, and must not block.
	Subscribe(fn func(MemoryNotification)) (unsubscribe func())
}
