package buffer

import (
	"sort"
	"sync"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/errors"
)

// Ring is a fixed-capacity circular buffer.
type Ring[T any] struct {
	mu       sync.RWMutex
	items    []T
	capacity int
	size     int
	head     int // next write position
	tail     int // oldest item
	closed   bool

	stats   *Statistics
	metrics *ringMetrics
	opts    *bufferOptions[T]
}

// NewRing creates a ring with the given capacity (minimum 1).
func NewRing[T any](capacity int, options ...Option[T]) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	opts := applyOptions(options...)

	r := &Ring[T]{
		items:    make([]T, capacity),
		capacity: capacity,
		stats:    NewStatistics(),
		opts:     opts,
	}
	if opts.metrics != nil {
		r.metrics = opts.metrics.ring(opts.name)
	}
	return r
}

// Write appends item, applying the overflow policy when the ring is full.
func (r *Ring[T]) Write(item T) error {
	dropped, hasDropped, err := r.write(item)
	if hasDropped && r.opts.dropCallback != nil {
		r.opts.dropCallback(dropped)
	}
	return err
}

func (r *Ring[T]) write(item T) (dropped T, hasDropped bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return dropped, false, errors.WrapInvalid(errors.ErrAlreadyStopped, "Ring", "Write", "buffer closed")
	}

	if r.size == r.capacity {
		r.stats.Overflow()
		r.stats.Drop()
		if r.metrics != nil {
			r.metrics.recordOverflow()
		}

		if r.opts.overflowPolicy == DropNewest {
			return item, true, nil
		}

		var zero T
		dropped = r.items[r.tail]
		r.items[r.tail] = zero
		r.tail = (r.tail + 1) % r.capacity
		r.size--
		hasDropped = true
	}

	r.items[r.head] = item
	r.head = (r.head + 1) % r.capacity
	r.size++

	r.stats.Write()
	r.stats.UpdateSize(int64(r.size))
	if r.metrics != nil {
		r.metrics.recordWrite(r.size, r.capacity)
	}

	return dropped, hasDropped, nil
}

// Read retrieves and removes the oldest item.
func (r *Ring[T]) Read() (T, bool) {
	items := r.ReadBatch(1)
	if len(items) == 0 {
		var zero T
		return zero, false
	}
	return items[0], true
}

// ReadBatch retrieves and removes up to max items, oldest first.
func (r *Ring[T]) ReadBatch(max int) []T {
	if max <= 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size == 0 {
		return nil
	}
	if max > r.size {
		max = r.size
	}

	var zero T
	result := make([]T, max)
	for i := range result {
		result[i] = r.items[r.tail]
		r.items[r.tail] = zero
		r.tail = (r.tail + 1) % r.capacity
		r.size--
		r.stats.Read()
	}

	r.stats.UpdateSize(int64(r.size))
	if r.metrics != nil {
		r.metrics.updateSize(r.size, r.capacity)
	}
	return result
}

// Peek returns the oldest item without removing it.
func (r *Ring[T]) Peek() (T, bool) {
	return r.At(0)
}

// Last returns the newest item.
func (r *Ring[T]) Last() (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.at(r.size - 1)
}

// At returns the i-th item counting from the oldest.
func (r *Ring[T]) At(i int) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.at(i)
}

func (r *Ring[T]) at(i int) (T, bool) {
	if i < 0 || i >= r.size {
		var zero T
		return zero, false
	}
	return r.items[(r.tail+i)%r.capacity], true
}

// Search returns the smallest index i in [0, Size()) for which pred is true,
// or Size() if there is none. pred must be monotone over the ring's order.
func (r *Ring[T]) Search(pred func(T) bool) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sort.Search(r.size, func(i int) bool {
		return pred(r.items[(r.tail+i)%r.capacity])
	})
}

// Slice copies the items with index in [from, to), clamped to the ring bounds.
func (r *Ring[T]) Slice(from, to int) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if from < 0 {
		from = 0
	}
	if to > r.size {
		to = r.size
	}
	if from >= to {
		return nil
	}

	out := make([]T, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, r.items[(r.tail+i)%r.capacity])
	}
	return out
}

// Snapshot copies all items, oldest first.
func (r *Ring[T]) Snapshot() []T {
	return r.Slice(0, r.capacity)
}

// Size returns the current number of items.
func (r *Ring[T]) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Capacity returns the maximum number of items.
func (r *Ring[T]) Capacity() int {
	return r.capacity
}

// Clear removes all items. The drop callback is not invoked.
func (r *Ring[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	clear(r.items)
	r.head, r.tail, r.size = 0, 0, 0

	r.stats.UpdateSize(0)
	if r.metrics != nil {
		r.metrics.updateSize(0, r.capacity)
	}
}

// Stats returns buffer statistics.
func (r *Ring[T]) Stats() *Statistics {
	return r.stats
}

// Close rejects further writes. Items already buffered stay readable.
func (r *Ring[T]) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}
