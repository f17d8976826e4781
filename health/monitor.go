package health

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultCheckTimeout bounds a single probe run by Check.
const DefaultCheckTimeout = 2 * time.Second

// CheckFunc probes a subsystem and reports its status
type CheckFunc func(ctx context.Context) Status

// Monitor holds the latest status of each component. Statuses are pushed
// with Update or produced by probes registered with Register and run by
// Check.
type Monitor struct {
	timeout time.Duration

	mu       sync.RWMutex
	statuses map[string]Status
	checks   map[string]CheckFunc
}

// NewMonitor creates a monitor whose probes run with DefaultCheckTimeout.
func NewMonitor() *Monitor {
	return &Monitor{
		timeout:  DefaultCheckTimeout,
		statuses: make(map[string]Status),
		checks:   make(map[string]CheckFunc),
	}
}

// SetCheckTimeout changes the per-probe timeout. Non-positive values are ignored.
func (m *Monitor) SetCheckTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	m.timeout = d
	m.mu.Unlock()
}

// Update records status under name.
func (m *Monitor) Update(name string, status Status) {
	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}

	m.mu.Lock()
	m.statuses[name] = status
	m.mu.Unlock()
}

// Register installs a probe for name, replacing any previous one
func (m *Monitor) Register(name string, check CheckFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

// Check runs every registered probe concurrently and records the results.
// A probe that outlives the timeout is recorded unhealthy; one that panics
// likewise.
func (m *Monitor) Check(ctx context.Context) {
	m.mu.RLock()
	timeout := m.timeout
	checks := make(map[string]CheckFunc, len(m.checks))
	for name, fn := range m.checks {
		checks[name] = fn
	}
	m.mu.RUnlock()

	var g errgroup.Group
	for name, fn := range checks {
		g.Go(func() error {
			m.Update(name, runProbe(ctx, name, fn, timeout))
			return nil
		})
	}
	_ = g.Wait()
}

func runProbe(ctx context.Context, name string, fn CheckFunc, timeout time.Duration) Status {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan Status, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- NewUnhealthy(name, fmt.Sprintf("probe panicked: %v", r))
			}
		}()
		done <- fn(ctx)
	}()

	select {
	case st := <-done:
		return st
	case <-ctx.Done():
		return NewUnhealthy(name, fmt.Sprintf("probe did not answer within %s", timeout))
	}
}

// Get retrieves the health status for a named component
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status, exists := m.statuses[name]
	return status, exists
}

// Remove forgets a component and its probe
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.statuses, name)
	delete(m.checks, name)
}

// AggregateHealth aggregates every recorded status, sorted by component name.
func (m *Monitor) AggregateHealth(systemName string) Status {
	m.mu.RLock()
	subs := make([]Status, 0, len(m.statuses))
	for _, status := range m.statuses {
		subs = append(subs, status)
	}
	m.mu.RUnlock()

	slices.SortFunc(subs, func(a, b Status) int {
		return strings.Compare(a.Component, b.Component)
	})
	return Aggregate(systemName, subs)
}

// ListComponents returns the sorted names of all monitored components
func (m *Monitor) ListComponents() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.statuses))
	for name := range m.statuses {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
