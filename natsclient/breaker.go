package natsclient

import (
	"sync"
	"time"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/pkg/retry"
)

// breaker counts connect failures. Every threshold consecutive failures it
// trips, and the wait before the next half-open attempt follows the retry
// schedule, doubling per trip up to the configured cap.
type breaker struct {
	threshold int32
	schedule  retry.Config

	mu       sync.Mutex
	failures int32
	streak   int32
	trips    int
	lastFail time.Time
}

func newBreaker() *breaker {
	return &breaker{
		threshold: 5,
		schedule: retry.Config{
			InitialDelay: time.Second,
			MaxDelay:     time.Minute,
			Multiplier:   2,
		},
	}
}

// fail records one failure. tripped reports whether this failure opened the
// circuit, wait how long it should stay open.
func (b *breaker) fail(now time.Time) (tripped bool, wait time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFail = now
	b.streak++
	if b.streak < b.threshold {
		return false, 0
	}
	b.streak = 0
	b.trips++
	return true, b.schedule.Delay(b.trips)
}

func (b *breaker) reset() {
	b.mu.Lock()
	b.failures, b.streak, b.trips = 0, 0, 0
	b.lastFail = time.Time{}
	b.mu.Unlock()
}

// next is the open interval the following trip would use.
func (b *breaker) next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.schedule.Delay(b.trips + 1)
}

func (b *breaker) count() int32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
