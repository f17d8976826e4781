// Package buffer provides a generic, thread-safe ring buffer with overflow policies.
//
// Ring is the storage behind the live fusion streams and the per-device
// deferral queues:
//   - DropOldest overwrites the oldest entry when full (live monitoring)
//   - DropNewest refuses the incoming entry when full
//   - Statistics are always collected
//   - Prometheus metrics are optional via WithMetrics()
//   - A drop callback receives every evicted or refused item, outside the lock
//
// Besides FIFO reads the ring supports ordered random access (At, Slice,
// Search) so that callers keeping entries sorted by key can binary-search it.
package buffer

// Buffer represents the FIFO contract shared by buffer implementations.
type Buffer[T any] interface {
	// Write adds an item. Behaviour on a full buffer depends on the overflow policy.
	Write(item T) error

	// Read retrieves and removes the oldest item.
	Read() (T, bool)

	// ReadBatch retrieves and removes up to max items, oldest first.
	ReadBatch(max int) []T

	// Peek returns the oldest item without removing it.
	Peek() (T, bool)

	// Size returns the current number of items.
	Size() int

	// Capacity returns the maximum number of items.
	Capacity() int

	// Clear removes all items without invoking the drop callback.
	Clear()

	// Stats returns buffer statistics.
	Stats() *Statistics

	// Close rejects further writes.
	Close() error
}

// OverflowPolicy defines how the buffer behaves when it reaches capacity.
type OverflowPolicy int

const (
	// DropOldest removes the oldest item to make room for new items.
	DropOldest OverflowPolicy = iota

	// DropNewest drops new items when the buffer is full.
	DropNewest
)

// String returns a human-readable representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	default:
		return "Unknown"
	}
}

// DropCallback is called with every item discarded by the overflow policy.
type DropCallback[T any] func(item T)

var _ Buffer[int] = (*Ring[int])(nil)
