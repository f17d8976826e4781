package worker

import "errors"

// Lifecycle and submission errors returned by Pool.
var (
	ErrPoolNotStarted     = errors.New("worker: pool not started")
	ErrPoolAlreadyStarted = errors.New("worker: pool already started")
	ErrPoolStopped        = errors.New("worker: pool stopped")
	ErrStopTimeout        = errors.New("worker: workers still running at stop deadline")

	// ErrQueueFull is returned by Submit when the item was dropped.
	ErrQueueFull = errors.New("worker: queue full, item dropped")

	ErrNilProcessor = errors.New("worker: nil processor")

	// ErrPanicked wraps the value recovered from a panicking processor.
	ErrPanicked = errors.New("worker: processor panicked")
)
